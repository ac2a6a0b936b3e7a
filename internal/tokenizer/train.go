package tokenizer

import (
	"fmt"
	"regexp"
	"slices"
	"strings"
)

// minMergeCount is the lowest pair frequency TrainBPE still merges.
const minMergeCount = 2

type trainWord struct {
	syms  []string
	count int
}

// TrainBPE learns a byte-level BPE vocabulary of at most vocabSize tokens
// from text. Ids 0-255 are the byte symbols, then specials, then one token
// per learned merge. Training stops early once no pair occurs at least
// twice. Ties between equally frequent pairs go to the lexically smallest,
// so the result depends only on the input.
func TrainBPE(text string, vocabSize int, specials ...string) (*BPE, error) {
	base := 256 + len(specials)
	if vocabSize < base {
		return nil, fmt.Errorf("bpe: vocabulary size %d is below the %d byte and special tokens", vocabSize, base)
	}
	for _, sp := range specials {
		if !isSpecialToken(sp) {
			return nil, fmt.Errorf("bpe: special token %q must look like <|name|>", sp)
		}
	}

	byteEnc, _ := byteSymbols()
	vocab := make([]string, 0, vocabSize)
	vocab = append(vocab, byteEnc[:]...)
	vocab = append(vocab, specials...)

	pat := regexp.MustCompile(gpt2Pattern)
	counts := make(map[string]int)
	for _, part := range splitSpecials(text, sortSpecials(specials)) {
		if part.isSpecial {
			continue
		}
		for _, piece := range pat.FindAllString(part.text, -1) {
			var b strings.Builder
			for i := 0; i < len(piece); i++ {
				b.WriteString(byteEnc[piece[i]])
			}
			counts[b.String()]++
		}
	}
	words := make([]trainWord, 0, len(counts))
	for w, n := range counts {
		words = append(words, trainWord{syms: splitRunes(w), count: n})
	}

	known := make(map[string]bool, vocabSize)
	for _, tok := range vocab {
		known[tok] = true
	}
	var merges []Pair
	for len(vocab) < vocabSize {
		pairs := make(map[Pair]int)
		for _, w := range words {
			for i := 1; i < len(w.syms); i++ {
				pairs[Pair{A: w.syms[i-1], B: w.syms[i]}] += w.count
			}
		}
		best, bestCount := Pair{}, 0
		for p, n := range pairs {
			if n > bestCount || n == bestCount && comparePairs(p, best) < 0 {
				best, bestCount = p, n
			}
		}
		if bestCount < minMergeCount {
			break
		}
		for i := range words {
			if slices.Contains(words[i].syms, best.A) {
				words[i].syms = mergePair(words[i].syms, best)
			}
		}
		merges = append(merges, best)
		// Different merge paths can spell the same token.
		if tok := best.A + best.B; !known[tok] {
			known[tok] = true
			vocab = append(vocab, tok)
		}
	}
	return NewBPE(vocab, merges, "", "")
}

func comparePairs(a, b Pair) int {
	if c := strings.Compare(a.A, b.A); c != 0 {
		return c
	}
	return strings.Compare(a.B, b.B)
}
