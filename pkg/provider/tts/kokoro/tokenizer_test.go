package kokoro

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"testing"
)

func writeTokenizer(t *testing.T, dir string, vocab string) string {
	t.Helper()
	path := filepath.Join(dir, "tokenizer.json")
	doc := `{"version":"1.0","model":{"type":"WordLevel","vocab":` + vocab + `}}`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadVocabulary(t *testing.T) {
	t.Parallel()

	path := writeTokenizer(t, t.TempDir(), `{"$":0,"a":43,"ˈ":156,"ab":999}`)
	v, err := LoadVocabulary(path)
	if err != nil {
		t.Fatalf("LoadVocabulary: %v", err)
	}
	if len(v) != 3 {
		t.Errorf("got %d symbols, want 3 (multi-rune entries dropped)", len(v))
	}

	got := v.Encode("ˈa?a")
	if want := []int64{156, 43, 43}; !slices.Equal(got, want) {
		t.Errorf("Encode = %v, want %v", got, want)
	}
}

func TestLoadVocabulary_Errors(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	if _, err := LoadVocabulary(filepath.Join(dir, "missing.json")); err == nil {
		t.Error("expected error for missing file")
	}
	if _, err := LoadVocabulary(writeTokenizer(t, dir, `{}`)); err == nil {
		t.Error("expected error for empty vocabulary")
	}
}

func TestGrapheme(t *testing.T) {
	t.Parallel()

	tests := []struct{ in, want string }{
		{"Hola", "ola"},
		{"chico", "tʃiko"},
		{"guerra", "gera"},
		{"gente", "xente"},
		{"calle", "kaʝe"},
		{"niño", "niɲo"},
		{"queso", "keso"},
		{"canción", "kansioˈn"},
		{"  vaca   zapato ", "baka sapato"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := Grapheme{}.Phonemize(context.Background(), tt.in, "es")
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Errorf("Phonemize(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}
