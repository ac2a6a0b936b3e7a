package tokenizer

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
)

// gpt2Pattern is the GPT-2 pre-tokenizer with the trailing-whitespace
// lookahead collapsed into \s+, since regexp has no lookahead.
const gpt2Pattern = `'s|'t|'re|'ve|'m|'ll|'d| ?\p{L}+| ?\p{N}+| ?[^\s\p{L}\p{N}]+|\s+`

// BPE is a byte-level byte-pair encoder. Text is split by the pre-tokenizer
// pattern, each piece is mapped byte by byte onto printable symbols and the
// symbols are merged by rank. Encode is safe for concurrent use.
type BPE struct {
	encoder map[string]int
	decoder []string
	merges  []Pair
	ranks   map[Pair]int
	byteEnc [256]string
	byteDec map[string]byte
	pattern *regexp.Regexp
	special []string
	unkID   int

	mu    sync.Mutex
	cache map[string][]string
}

// NewBPE builds an encoder from an id-ordered vocabulary and merges in rank
// order. unk names the fallback token for symbols missing from the vocabulary
// and may be empty. Tokens of the form <|name|> are matched verbatim in the
// input. An empty pattern selects the GPT-2 pre-tokenizer.
func NewBPE(vocab []string, merges []Pair, unk, pattern string) (*BPE, error) {
	if len(vocab) == 0 {
		return nil, errors.New("bpe: empty vocabulary")
	}
	if pattern == "" {
		pattern = gpt2Pattern
	}
	pat, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("bpe: pre-tokenizer: %w", err)
	}
	t := &BPE{
		encoder: make(map[string]int, len(vocab)),
		decoder: vocab,
		ranks:   make(map[Pair]int, len(merges)),
		pattern: pat,
		unkID:   -1,
		cache:   make(map[string][]string),
	}
	t.byteEnc, t.byteDec = byteSymbols()
	var specials []string
	for id, tok := range vocab {
		if tok == "" {
			continue
		}
		if prev, dup := t.encoder[tok]; dup {
			return nil, fmt.Errorf("bpe: token %q has ids %d and %d", tok, prev, id)
		}
		t.encoder[tok] = id
		if isSpecialToken(tok) {
			specials = append(specials, tok)
		}
	}
	t.special = sortSpecials(specials)
	for _, p := range merges {
		if _, ok := t.ranks[p]; ok {
			continue
		}
		if _, ok := t.encoder[p.A+p.B]; !ok {
			return nil, fmt.Errorf("bpe: merge %q produces a token outside the vocabulary", p.String())
		}
		t.ranks[p] = len(t.merges)
		t.merges = append(t.merges, p)
	}
	if unk != "" {
		id, ok := t.encoder[unk]
		if !ok {
			return nil, fmt.Errorf("bpe: unknown token %q is not in the vocabulary", unk)
		}
		t.unkID = id
	}
	return t, nil
}

func (t *BPE) VocabSize() int { return len(t.decoder) }

// Merges returns the merge list in rank order.
func (t *BPE) Merges() []Pair { return t.merges }

// TokenString returns the symbol string of id, or "" when out of range.
func (t *BPE) TokenString(id int) string {
	if id < 0 || id >= len(t.decoder) {
		return ""
	}
	return t.decoder[id]
}

func (t *BPE) Encode(text string) ([]int, error) {
	var ids []int
	for _, part := range splitSpecials(text, t.special) {
		if part.isSpecial {
			ids = append(ids, t.encoder[part.text])
			continue
		}
		for _, piece := range t.pattern.FindAllString(part.text, -1) {
			for _, sym := range t.bpe(t.byteEncode(piece)) {
				id, ok := t.encoder[sym]
				if !ok {
					if t.unkID < 0 {
						return nil, fmt.Errorf("unknown token: %q", sym)
					}
					id = t.unkID
				}
				ids = append(ids, id)
			}
		}
	}
	return ids, nil
}

func (t *BPE) Decode(ids []int) (string, error) {
	var b []byte
	for _, id := range ids {
		if id < 0 || id >= len(t.decoder) {
			return "", fmt.Errorf("token id out of range: %d", id)
		}
		tok := t.decoder[id]
		if isSpecialToken(tok) {
			b = append(b, tok...)
			continue
		}
		for _, r := range tok {
			if by, ok := t.byteDec[string(r)]; ok {
				b = append(b, by)
			} else {
				b = append(b, string(r)...)
			}
		}
	}
	return string(b), nil
}

func (t *BPE) byteEncode(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		b.WriteString(t.byteEnc[s[i]])
	}
	return b.String()
}

// bpe applies the lowest-ranked merge until none applies.
func (t *BPE) bpe(piece string) []string {
	t.mu.Lock()
	cached, ok := t.cache[piece]
	t.mu.Unlock()
	if ok {
		return cached
	}

	word := splitRunes(piece)
	for len(word) > 1 {
		best, bestRank := Pair{}, -1
		for p := range getPairs(word) {
			if r, ok := t.ranks[p]; ok && (bestRank < 0 || r < bestRank) {
				best, bestRank = p, r
			}
		}
		if bestRank < 0 {
			break
		}
		word = mergePair(word, best)
	}

	t.mu.Lock()
	t.cache[piece] = word
	t.mu.Unlock()
	return word
}
