package audit

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/INFIxChatnify/reimbursement-contract-sub003/pkg/store"
)

var (
	// ErrInvalidTimeRange is returned when start time is after end time.
	ErrInvalidTimeRange = errors.New("audit: start_time must be before end_time")
	// ErrStoreNotConfigured is returned when export is invoked without a journal.
	ErrStoreNotConfigured = errors.New("audit: journal not configured (fail-closed)")
)

// ExportRequest selects the journal entries to export.
type ExportRequest struct {
	Subject   string    `json:"subject,omitempty"`
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
}

// Exporter builds evidence packs from the journal.
type Exporter struct {
	journal *store.Journal
	clock   func() time.Time
}

func NewExporter(j *store.Journal) *Exporter {
	return &Exporter{journal: j, clock: time.Now}
}

// GeneratePack creates a zip containing the selected entries and a manifest,
// returning the archive and its SHA-256 checksum.
func (e *Exporter) GeneratePack(_ context.Context, req ExportRequest) ([]byte, string, error) {
	if !req.StartTime.IsZero() && !req.EndTime.IsZero() && req.StartTime.After(req.EndTime) {
		return nil, "", ErrInvalidTimeRange
	}
	if e.journal == nil {
		return nil, "", ErrStoreNotConfigured
	}

	filter := store.QueryFilter{Subject: req.Subject}
	if !req.StartTime.IsZero() {
		filter.StartTime = &req.StartTime
	}
	if !req.EndTime.IsZero() {
		filter.EndTime = &req.EndTime
	}
	entries := e.journal.Query(filter)

	eventsJSON, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return nil, "", err
	}

	generatedAt := e.clock().UTC()
	manifest := map[string]any{
		"subject":      req.Subject,
		"generated_at": generatedAt,
		"event_count":  len(entries),
		"chain_head":   e.journal.ChainHead(),
		"period": map[string]any{
			"start": req.StartTime,
			"end":   req.EndTime,
		},
	}
	manifestJSON, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, "", fmt.Errorf("audit: failed to marshal manifest: %w", err)
	}

	buf := new(bytes.Buffer)
	w := zip.NewWriter(buf)
	files := []struct {
		name string
		data []byte
	}{
		{"events.json", eventsJSON},
		{"manifest.json", manifestJSON},
		{"README.txt", []byte(fmt.Sprintf("Evidence pack %q\nGenerated at %s\n", req.Subject, generatedAt.Format(time.RFC3339)))},
	}
	for _, f := range files {
		fw, err := w.Create(f.name)
		if err != nil {
			return nil, "", err
		}
		if _, err := fw.Write(f.data); err != nil {
			return nil, "", err
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}

	zipBytes := buf.Bytes()
	hash := sha256.Sum256(zipBytes)
	return zipBytes, hex.EncodeToString(hash[:]), nil
}
