package tokenizer

import (
	"fmt"
	"os"
	"strings"

	"github.com/goccy/go-json"
)

// Model types stored in tokenizer.json. "BPE" files are compatible with the
// Hugging Face tokenizers format; "Bytes" is local to this project.
const (
	ModelBPE   = "BPE"
	ModelBytes = "Bytes"
)

type fileJSON struct {
	Version      string        `json:"version"`
	AddedTokens  []addedToken  `json:"added_tokens,omitempty"`
	PreTokenizer *preTokenizer `json:"pre_tokenizer,omitempty"`
	Model        modelJSON     `json:"model"`
}

type addedToken struct {
	ID      int    `json:"id"`
	Content string `json:"content"`
	Special bool   `json:"special"`
}

type preTokenizer struct {
	Type          string `json:"type"`
	Pretokenizers []struct {
		Type    string `json:"type"`
		Pattern struct {
			Regex string `json:"Regex"`
		} `json:"pattern"`
	} `json:"pretokenizers,omitempty"`
}

type modelJSON struct {
	Type     string         `json:"type"`
	Vocab    map[string]int `json:"vocab,omitempty"`
	Merges   []any          `json:"merges,omitempty"`
	UnkToken string         `json:"unk_token,omitempty"`
}

// Marshal encodes t as tokenizer.json.
func Marshal(t Tokenizer) ([]byte, error) {
	switch tok := t.(type) {
	case Bytes, *Bytes:
		return json.Marshal(fileJSON{Version: "1.0", Model: modelJSON{Type: ModelBytes}})
	case *BPE:
		f := fileJSON{
			Version:      "1.0",
			PreTokenizer: &preTokenizer{Type: "ByteLevel"},
			Model: modelJSON{
				Type:   ModelBPE,
				Vocab:  make(map[string]int, len(tok.decoder)),
				Merges: make([]any, len(tok.merges)),
			},
		}
		for id, s := range tok.decoder {
			if s == "" {
				continue
			}
			if isSpecialToken(s) {
				f.AddedTokens = append(f.AddedTokens, addedToken{ID: id, Content: s, Special: true})
				continue
			}
			f.Model.Vocab[s] = id
		}
		for i, p := range tok.merges {
			f.Model.Merges[i] = p.String()
		}
		if tok.unkID >= 0 {
			f.Model.UnkToken = tok.decoder[tok.unkID]
		}
		return json.Marshal(f)
	default:
		return nil, fmt.Errorf("tokenizer: cannot serialise %T", t)
	}
}

// Unmarshal decodes tokenizer.json. BPE merges may be "a b" strings or
// two-element arrays.
func Unmarshal(data []byte) (Tokenizer, error) {
	var f fileJSON
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("tokenizer: %w", err)
	}
	switch strings.ToUpper(f.Model.Type) {
	case strings.ToUpper(ModelBytes):
		return Bytes{}, nil
	case ModelBPE:
	default:
		return nil, fmt.Errorf("tokenizer: unsupported model type %q", f.Model.Type)
	}

	size := 0
	for _, id := range f.Model.Vocab {
		size = max(size, id+1)
	}
	for _, at := range f.AddedTokens {
		size = max(size, at.ID+1)
	}
	vocab := make([]string, size)
	for tok, id := range f.Model.Vocab {
		if id < 0 {
			return nil, fmt.Errorf("tokenizer: negative id for %q", tok)
		}
		vocab[id] = tok
	}
	for _, at := range f.AddedTokens {
		if at.ID < 0 {
			return nil, fmt.Errorf("tokenizer: negative id for %q", at.Content)
		}
		vocab[at.ID] = at.Content
	}

	merges := make([]Pair, 0, len(f.Model.Merges))
	for i, raw := range f.Model.Merges {
		var a, b string
		switch v := raw.(type) {
		case string:
			a, b, _ = strings.Cut(strings.TrimSpace(v), " ")
		case []any:
			if len(v) == 2 {
				a, _ = v[0].(string)
				b, _ = v[1].(string)
			}
		}
		if a == "" || b == "" {
			return nil, fmt.Errorf("tokenizer: malformed merge %d: %v", i, raw)
		}
		merges = append(merges, Pair{A: a, B: b})
	}
	return NewBPE(vocab, merges, f.Model.UnkToken, splitPattern(f.PreTokenizer))
}

// splitPattern returns the regex of a Sequence pre-tokenizer's Split step
// when Go's regexp can compile it.
func splitPattern(pre *preTokenizer) string {
	if pre == nil || pre.Type != "Sequence" {
		return ""
	}
	for _, p := range pre.Pretokenizers {
		if p.Type == "Split" && p.Pattern.Regex != "" {
			if strings.Contains(p.Pattern.Regex, "(?!") {
				return ""
			}
			return p.Pattern.Regex
		}
	}
	return ""
}

// LoadFile reads a tokenizer.json file.
func LoadFile(path string) (Tokenizer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Unmarshal(data)
}

// SaveFile writes t to path as tokenizer.json.
func SaveFile(path string, t Tokenizer) error {
	data, err := Marshal(t)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
