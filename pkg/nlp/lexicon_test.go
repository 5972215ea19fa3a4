package nlp

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLexiconPrefersLongestPhrase(t *testing.T) {
	backend, err := NewLexiconBackend(DefaultLexicon())
	require.NoError(t, err)

	text := "Known Type 2 Diabetes, denies SHORTNESS  OF BREATH"
	spans, err := backend.Extract(context.Background(), text)
	require.NoError(t, err)

	got := map[string]string{}
	for _, s := range spans {
		got[text[s.Start:s.End]] = s.Label
	}
	assert.Equal(t, "Disease_disorder", got["Type 2 Diabetes"])
	assert.Equal(t, "Sign_symptom", got["SHORTNESS  OF BREATH"])
	_, partial := got["Diabetes"]
	assert.False(t, partial)
}

func TestLexiconWordBoundaries(t *testing.T) {
	backend, err := NewLexiconBackend(DefaultLexicon())
	require.NoError(t, err)
	spans, err := backend.Extract(context.Background(), "prestroke and metforminate")
	require.NoError(t, err)
	assert.Empty(t, spans)
}

func TestLoadLexicon(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "lexicon.yaml")
	content := `
entries:
  - label: Medication
    score: 0.75
    phrases: [heparin]
  - label: Sign_symptom
    pattern: '(?i)\bcp\b'
  - label: Disease_disorder
    enabled: false
    phrases: [gout]
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := LoadLexicon(path)
	require.NoError(t, err)
	backend, err := NewLexiconBackend(cfg)
	require.NoError(t, err)

	spans, err := backend.Extract(context.Background(), "heparin drip, CP resolved, gout flare")
	require.NoError(t, err)
	require.Len(t, spans, 2)
	assert.Equal(t, 0.75, spans[0].Score)
	assert.Equal(t, 0.8, spans[1].Score)

	_, err = LoadLexicon(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)

	_, err = NewLexiconBackend(LexiconConfig{Entries: []LexiconEntry{{Label: "x", Pattern: "("}}})
	assert.Error(t, err)
}
