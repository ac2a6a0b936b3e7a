package tokenizer

import (
	"slices"
	"strings"
)

// Pair is two adjacent symbols considered for a merge.
type Pair struct {
	A string
	B string
}

func (p Pair) String() string { return p.A + " " + p.B }

type textPart struct {
	text      string
	isSpecial bool
}

func splitRunes(s string) []string {
	out := make([]string, 0, len(s))
	for _, r := range s {
		out = append(out, string(r))
	}
	return out
}

func getPairs(word []string) map[Pair]struct{} {
	pairs := make(map[Pair]struct{})
	for i := 1; i < len(word); i++ {
		pairs[Pair{A: word[i-1], B: word[i]}] = struct{}{}
	}
	return pairs
}

// mergePair joins every non-overlapping occurrence of pair, left to right.
func mergePair(word []string, pair Pair) []string {
	out := make([]string, 0, len(word))
	for i := 0; i < len(word); i++ {
		if i < len(word)-1 && word[i] == pair.A && word[i+1] == pair.B {
			out = append(out, word[i]+word[i+1])
			i++
			continue
		}
		out = append(out, word[i])
	}
	return out
}

func isSpecialToken(s string) bool {
	return len(s) >= 4 && strings.HasPrefix(s, "<|") && strings.HasSuffix(s, "|>")
}

// sortSpecials orders specials longest first so splitSpecials prefers the
// longest match.
func sortSpecials(specials []string) []string {
	out := slices.Clone(specials)
	slices.SortStableFunc(out, func(a, b string) int { return len(b) - len(a) })
	return out
}

func splitSpecials(text string, specials []string) []textPart {
	if len(specials) == 0 || !strings.Contains(text, "<|") {
		return []textPart{{text: text}}
	}
	var parts []textPart
	var buf strings.Builder
	for i := 0; i < len(text); {
		match := ""
		for _, sp := range specials {
			if strings.HasPrefix(text[i:], sp) {
				match = sp
				break
			}
		}
		if match == "" {
			buf.WriteByte(text[i])
			i++
			continue
		}
		if buf.Len() > 0 {
			parts = append(parts, textPart{text: buf.String()})
			buf.Reset()
		}
		parts = append(parts, textPart{text: match, isSpecial: true})
		i += len(match)
	}
	if buf.Len() > 0 {
		parts = append(parts, textPart{text: buf.String()})
	}
	return parts
}

// byteSymbols maps every byte to a printable rune so merged symbols never
// contain whitespace or control characters. Printable Latin-1 bytes map to
// themselves; the rest are shifted above U+0100 in byte order.
func byteSymbols() (enc [256]string, dec map[string]byte) {
	dec = make(map[string]byte, 256)
	shift := 0
	for b := range 256 {
		r := rune(b)
		if !(b >= '!' && b <= '~' || b >= 0xA1 && b <= 0xAC || b >= 0xAE && b <= 0xFF) {
			r = rune(256 + shift)
			shift++
		}
		enc[b] = string(r)
		dec[enc[b]] = byte(b)
	}
	return enc, dec
}
