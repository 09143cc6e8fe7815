package kokoro

import (
	"encoding/json"
	"fmt"
	"os"
	"unicode/utf8"
)

// Vocabulary maps phoneme symbols to model token ids.
type Vocabulary map[rune]int64

// LoadVocabulary reads the symbol table from a Hugging Face tokenizer.json
// ("model.vocab"). Multi-rune entries are ignored.
func LoadVocabulary(path string) (Vocabulary, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("kokoro: read tokenizer: %w", err)
	}
	var doc struct {
		Model struct {
			Vocab map[string]int64 `json:"vocab"`
		} `json:"model"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("kokoro: decode tokenizer: %w", err)
	}
	if len(doc.Model.Vocab) == 0 {
		return nil, fmt.Errorf("kokoro: tokenizer %s has no vocabulary", path)
	}

	v := make(Vocabulary, len(doc.Model.Vocab))
	for sym, id := range doc.Model.Vocab {
		if utf8.RuneCountInString(sym) != 1 {
			continue
		}
		r, _ := utf8.DecodeRuneInString(sym)
		v[r] = id
	}
	return v, nil
}

// Encode maps each phoneme rune to its id, dropping unknown symbols.
func (v Vocabulary) Encode(phonemes string) []int64 {
	out := make([]int64, 0, len(phonemes))
	for _, r := range phonemes {
		if id, ok := v[r]; ok {
			out = append(out, id)
		}
	}
	return out
}
