package workspace

import (
	"fmt"
	"os"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"cirunner/pkg/api"
)

// MaterializeVariables turns job variables into plain key/value pairs.
// File variables are written to private files under TmpDir and bound to
// their path; other values are transliterated to ASCII. Later definitions
// of a key win.
func (w *Workspace) MaterializeVariables(vars api.JobVariables) (map[string]string, error) {
	out := make(map[string]string, len(vars))
	for _, v := range vars {
		if v.Key == "" {
			continue
		}
		if !v.File {
			out[v.Key] = Transliterate(v.Value)
			continue
		}

		p, err := w.writeVariableFile(v)
		if err != nil {
			return nil, err
		}
		out[v.Key] = p
	}
	return out, nil
}

func (w *Workspace) writeVariableFile(v api.JobVariable) (string, error) {
	f, err := os.CreateTemp(w.TmpDir, v.Key+"-*")
	if err != nil {
		return "", fmt.Errorf("create file variable %s: %w", v.Key, err)
	}
	defer f.Close()

	if err := f.Chmod(0o600); err != nil {
		return "", err
	}
	if _, err := f.WriteString(v.Value); err != nil {
		return "", fmt.Errorf("write file variable %s: %w", v.Key, err)
	}
	return f.Name(), f.Close()
}

// Transliterate reduces s to ASCII: accents are stripped after
// decomposition and any remaining non-ASCII rune becomes '?'.
func Transliterate(s string) string {
	t := transform.Chain(
		norm.NFKD,
		runes.Remove(runes.In(unicode.Mn)),
		runes.Map(func(r rune) rune {
			if r > unicode.MaxASCII {
				return '?'
			}
			return r
		}),
		norm.NFC,
	)
	out, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return out
}
