// Package data turns a tokenised corpus into (input, target) batches for
// next-token prediction.
package data

import (
	"errors"
	"fmt"
	"os"

	"github.com/samcharles93/tinyformer/internal/tokenizer"
)

// ErrCorpusTooShort is returned when a corpus cannot hold one window of
// seq_len+1 tokens.
var ErrCorpusTooShort = errors.New("corpus too short")

// Corpus is a flat stream of token ids.
type Corpus struct {
	IDs []int
}

// Encode tokenises text into a corpus.
func Encode(tok tokenizer.Tokenizer, text string) (*Corpus, error) {
	ids, err := tok.Encode(text)
	if err != nil {
		return nil, fmt.Errorf("encode corpus: %w", err)
	}
	return &Corpus{IDs: ids}, nil
}

// LoadText reads a UTF-8 text file and tokenises it.
func LoadText(path string, tok tokenizer.Tokenizer) (*Corpus, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Encode(tok, string(raw))
}

func (c *Corpus) Len() int { return len(c.IDs) }

// Split returns the first frac of the tokens as the training split and the
// remainder as the test split. Both share the underlying slice.
func (c *Corpus) Split(frac float64) (train, test *Corpus, err error) {
	if !(frac > 0 && frac < 1) {
		return nil, nil, fmt.Errorf("split fraction %v outside (0, 1)", frac)
	}
	n := int(frac * float64(len(c.IDs)))
	return &Corpus{IDs: c.IDs[:n]}, &Corpus{IDs: c.IDs[n:]}, nil
}

// MaxID returns the largest id in the corpus, or -1 when it is empty.
func (c *Corpus) MaxID() int {
	m := -1
	for _, id := range c.IDs {
		m = max(m, id)
	}
	return m
}
