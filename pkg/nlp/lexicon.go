package nlp

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// LexiconEntry lists the phrases recognized under one label. Pattern, when
// set, is used verbatim instead of the phrase list.
type LexiconEntry struct {
	Label   string   `yaml:"label" json:"label"`
	Score   float64  `yaml:"score" json:"score"`
	Phrases []string `yaml:"phrases" json:"phrases"`
	Pattern string   `yaml:"pattern" json:"pattern"`
	Enabled *bool    `yaml:"enabled" json:"enabled,omitempty"`
}

type LexiconConfig struct {
	Entries []LexiconEntry `yaml:"entries" json:"entries"`
}

func LoadLexicon(path string) (LexiconConfig, error) {
	if path == "" {
		return DefaultLexicon(), nil
	}
	content, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return DefaultLexicon(), err
	}

	var cfg LexiconConfig
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return LexiconConfig{}, err
	}
	if len(cfg.Entries) == 0 {
		return LexiconConfig{}, errors.New("no lexicon entries configured")
	}
	return cfg, nil
}

func DefaultLexicon() LexiconConfig {
	return LexiconConfig{Entries: []LexiconEntry{
		{Label: "Sign_symptom", Score: 0.9, Phrases: []string{
			"chest pain", "chest tightness", "chest discomfort", "shortness of breath", "dyspnea",
			"palpitations", "dizziness", "syncope", "fatigue", "edema", "orthopnea", "diaphoresis", "nausea",
		}},
		{Label: "Disease_disorder", Score: 0.9, Phrases: []string{
			"hypertension", "diabetes", "type 2 diabetes", "diabetes mellitus", "hyperlipidemia",
			"coronary artery disease", "atrial fibrillation", "heart failure", "myocardial infarction",
			"angina", "stroke", "obesity", "chronic kidney disease",
		}},
		{Label: "Medication", Score: 0.9, Phrases: []string{
			"metformin", "insulin", "aspirin", "atorvastatin", "simvastatin", "rosuvastatin", "lisinopril",
			"losartan", "amlodipine", "metoprolol", "carvedilol", "clopidogrel", "warfarin", "apixaban",
			"furosemide", "hydrochlorothiazide", "nitroglycerin",
		}},
	}}
}

type lexiconRule struct {
	label string
	score float64
	re    *regexp.Regexp
}

// LexiconBackend matches configured phrases case-insensitively on word
// boundaries. It needs no network and serves as the fallback recognizer.
type LexiconBackend struct {
	rules []lexiconRule
}

func NewLexiconBackend(cfg LexiconConfig) (*LexiconBackend, error) {
	var rules []lexiconRule
	for _, entry := range cfg.Entries {
		if entry.Enabled != nil && !*entry.Enabled {
			continue
		}
		pattern := entry.Pattern
		if pattern == "" {
			pattern = phrasePattern(entry.Phrases)
		}
		if pattern == "" {
			continue
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("lexicon entry %s: %w", entry.Label, err)
		}
		score := entry.Score
		if score <= 0 {
			score = 0.8
		}
		rules = append(rules, lexiconRule{label: entry.Label, score: score, re: re})
	}
	return &LexiconBackend{rules: rules}, nil
}

// phrasePattern builds one alternation, longest phrases first so that
// leftmost-first matching prefers "type 2 diabetes" over "diabetes".
func phrasePattern(phrases []string) string {
	quoted := make([]string, 0, len(phrases))
	for _, p := range phrases {
		fields := strings.Fields(p)
		if len(fields) == 0 {
			continue
		}
		for i, f := range fields {
			fields[i] = regexp.QuoteMeta(f)
		}
		quoted = append(quoted, strings.Join(fields, `\s+`))
	}
	if len(quoted) == 0 {
		return ""
	}
	sort.SliceStable(quoted, func(i, j int) bool { return len(quoted[i]) > len(quoted[j]) })
	return `(?i)\b(?:` + strings.Join(quoted, "|") + `)\b`
}

func (l *LexiconBackend) Extract(ctx context.Context, text string) ([]Span, error) {
	var spans []Span
	for _, rule := range l.rules {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for _, m := range rule.re.FindAllStringIndex(text, -1) {
			spans = append(spans, Span{Start: m[0], End: m[1], Label: rule.label, Score: rule.score})
		}
	}
	return spans, nil
}
