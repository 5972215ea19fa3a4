package ingestion

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/synaptica-ai/cardiorisk/pkg/common/models"
)

// Document is one raw bundle waiting to be normalized. Source names the
// document in diagnostics; System is the producing system checked against
// the validator allow-list. Err is set when the source could not be read.
type Document struct {
	Source string
	System string
	Data   []byte
	Err    error
}

// ReadDir lists the *.json files of dir in name order. Unreadable files are
// returned as documents carrying the read error.
func ReadDir(dir string) ([]Document, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read bundle dir: %w", err)
	}
	var docs []Document
	for _, entry := range entries {
		if entry.IsDir() || !strings.EqualFold(filepath.Ext(entry.Name()), ".json") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		docs = append(docs, Document{Source: path, System: "file", Data: data, Err: err})
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].Source < docs[j].Source })
	return docs, nil
}

// DecodeRecord accepts a bare FHIR Bundle or a PatientRecord envelope
// carrying one under "bundle".
func DecodeRecord(doc Document) (models.PatientRecord, error) {
	if doc.Err != nil {
		return models.PatientRecord{}, doc.Err
	}
	dec := json.NewDecoder(bytes.NewReader(doc.Data))
	dec.UseNumber()
	var body map[string]interface{}
	if err := dec.Decode(&body); err != nil {
		return models.PatientRecord{}, ValidationError{reason: fmt.Errorf("invalid JSON: %w", errNotBundle)}
	}

	rec := models.PatientRecord{Source: doc.System, ReceivedAt: time.Now().UTC()}
	if bundle, ok := body["bundle"].(map[string]interface{}); ok {
		rec.Bundle = bundle
		rec.PatientID, _ = body["patient_id"].(string)
		if src, ok := body["source"].(string); ok && src != "" {
			rec.Source = src
		}
		return rec, nil
	}
	rec.Bundle = body
	return rec, nil
}
