package kokoro

import (
	"unicode"
	"unicode/utf8"
)

// DefaultChunkSize is the character budget per inference call. It keeps the
// phoneme sequence of a chunk well inside the model's context.
const DefaultChunkSize = 350

// Chunk splits text into pieces of at most budget runes. Sentence
// boundaries ('.', '!', '?' followed by whitespace) are preferred; a single
// sentence longer than the budget is split between words, and a single word
// longer than the budget is split at the budget.
//
// The chunks are contiguous: concatenating them yields text exactly.
func Chunk(text string, budget int) []string {
	if budget <= 0 {
		budget = DefaultChunkSize
	}
	if text == "" {
		return nil
	}
	if utf8.RuneCountInString(text) <= budget {
		return []string{text}
	}

	var (
		chunks []string
		cur    []rune
	)
	flush := func() {
		if len(cur) > 0 {
			chunks = append(chunks, string(cur))
			cur = cur[:0]
		}
	}

	for _, sentence := range splitSentences([]rune(text)) {
		if len(sentence) > budget {
			flush()
			for _, piece := range packWords(sentence, budget) {
				chunks = append(chunks, string(piece))
			}
			continue
		}
		if len(cur)+len(sentence) > budget {
			flush()
		}
		cur = append(cur, sentence...)
	}
	flush()
	return chunks
}

// splitSentences cuts runes after each run of terminal punctuation and the
// whitespace that follows it.
func splitSentences(rs []rune) [][]rune {
	var out [][]rune
	start := 0
	for i := 0; i < len(rs); i++ {
		if !isTerminal(rs[i]) {
			continue
		}
		j := i + 1
		for j < len(rs) && isTerminal(rs[j]) {
			j++
		}
		if j < len(rs) && !unicode.IsSpace(rs[j]) {
			// "3.5", "e.g.x": not a boundary.
			i = j - 1
			continue
		}
		for j < len(rs) && unicode.IsSpace(rs[j]) {
			j++
		}
		out = append(out, rs[start:j])
		start = j
		i = j - 1
	}
	if start < len(rs) {
		out = append(out, rs[start:])
	}
	return out
}

// packWords greedily packs whitespace-delimited words (each carrying its
// trailing whitespace) into pieces of at most budget runes.
func packWords(rs []rune, budget int) [][]rune {
	var (
		out [][]rune
		cur []rune
	)
	for _, w := range splitWords(rs) {
		for len(w) > budget {
			if len(cur) > 0 {
				out = append(out, cur)
				cur = nil
			}
			out = append(out, w[:budget])
			w = w[budget:]
		}
		if len(cur)+len(w) > budget {
			out = append(out, cur)
			cur = nil
		}
		cur = append(cur, w...)
	}
	if len(cur) > 0 {
		out = append(out, cur)
	}
	return out
}

func splitWords(rs []rune) [][]rune {
	var out [][]rune
	start := 0
	for i := 0; i < len(rs); i++ {
		if !unicode.IsSpace(rs[i]) {
			continue
		}
		j := i
		for j < len(rs) && unicode.IsSpace(rs[j]) {
			j++
		}
		out = append(out, rs[start:j])
		start = j
		i = j - 1
	}
	if start < len(rs) {
		out = append(out, rs[start:])
	}
	return out
}

func isTerminal(r rune) bool {
	return r == '.' || r == '!' || r == '?'
}
