package kokoro

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// Phonemizer converts text into a phoneme string for a language.
type Phonemizer interface {
	Phonemize(ctx context.Context, text, language string) (string, error)
}

// ---- espeak-ng ----

// Espeak shells out to espeak-ng for IPA output.
type Espeak struct {
	Path string // binary name or path; default "espeak-ng"
}

func (e Espeak) binary() string {
	if e.Path == "" {
		return "espeak-ng"
	}
	return e.Path
}

// Check verifies the binary can be found.
func (e Espeak) Check() error {
	if _, err := exec.LookPath(e.binary()); err != nil {
		return fmt.Errorf("kokoro: espeak-ng not available: %w", err)
	}
	return nil
}

// Phonemize implements [Phonemizer].
func (e Espeak) Phonemize(ctx context.Context, text, language string) (string, error) {
	cmd := exec.CommandContext(ctx, e.binary(), "-q", "--ipa", "-v", language, "--stdin")
	cmd.Stdin = strings.NewReader(norm.NFC.String(text))
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("kokoro: espeak-ng: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return strings.Join(strings.Fields(stdout.String()), " "), nil
}

// ---- grapheme fallback ----

// Grapheme is a rule-based approximation for languages with a shallow
// orthography (Spanish in particular). It needs no external binary but its
// output is noticeably less natural than espeak-ng.
type Grapheme struct{}

// spanishRules are applied longest-first on lower-cased, NFC text.
var spanishRules = []struct{ from, to string }{
	{"ch", "tʃ"},
	{"ll", "ʝ"},
	{"rr", "r"},
	{"qu", "k"},
	{"ce", "se"},
	{"ci", "si"},
	{"ge", "xe"},
	{"gi", "xi"},
	{"gue", "ge"},
	{"gui", "gi"},
	{"ñ", "ɲ"},
	{"j", "x"},
	{"v", "b"},
	{"z", "s"},
	{"y", "ʝ"},
	{"h", ""},
	{"c", "k"},
}

// Phonemize implements [Phonemizer]. Stress marks are derived from written
// accents; punctuation is kept.
func (Grapheme) Phonemize(_ context.Context, text, _ string) (string, error) {
	s := strings.ToLower(norm.NFC.String(text))
	for _, r := range spanishRules {
		s = strings.ReplaceAll(s, r.from, r.to)
	}

	var b strings.Builder
	for _, r := range norm.NFD.String(s) {
		switch {
		case unicode.Is(unicode.Mn, r):
			// Combining accent: mark stress on the preceding vowel.
			if r == '\u0301' {
				b.WriteString("ˈ")
			}
		case unicode.IsSpace(r):
			b.WriteByte(' ')
		default:
			b.WriteRune(r)
		}
	}
	return strings.Join(strings.Fields(b.String()), " "), nil
}
