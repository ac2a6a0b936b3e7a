// Package tokenizer converts text to token ids and back. Bytes maps every
// byte to its own id; BPE is a byte-level byte-pair encoder that can be
// trained on a corpus or loaded from a tokenizer.json file.
package tokenizer

import "fmt"

// Tokenizer is what the trainer and the CLI need from a vocabulary.
type Tokenizer interface {
	Encode(text string) ([]int, error)
	Decode(ids []int) (string, error)
	VocabSize() int
}

// Bytes is the identity byte tokenizer with a vocabulary of 256.
type Bytes struct{}

// Encode returns the UTF-8 bytes of text as ids.
func (Bytes) Encode(text string) ([]int, error) {
	ids := make([]int, len(text))
	for i := 0; i < len(text); i++ {
		ids[i] = int(text[i])
	}
	return ids, nil
}

// Decode reassembles the bytes. Sequences that are not valid UTF-8 are kept
// as-is; callers printing sampled text should expect replacement runes.
func (Bytes) Decode(ids []int) (string, error) {
	b := make([]byte, len(ids))
	for i, id := range ids {
		if id < 0 || id > 255 {
			return "", fmt.Errorf("token id out of range: %d", id)
		}
		b[i] = byte(id)
	}
	return string(b), nil
}

func (Bytes) VocabSize() int { return 256 }
