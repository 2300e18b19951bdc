package audit_test

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/INFIxChatnify/reimbursement-contract-sub003/pkg/audit"
	"github.com/INFIxChatnify/reimbursement-contract-sub003/pkg/store"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONRecorder_WritesStructuredJSON(t *testing.T) {
	var buf bytes.Buffer
	rec := audit.NewJSONRecorder(&buf)

	evt := audit.NewEvent(audit.EventRequestCreated, "0x01", "request:1", map[string]any{"total": "600"})
	require.NoError(t, rec.Record(context.Background(), evt))

	output := buf.String()
	assert.True(t, strings.HasPrefix(output, "AUDIT: "))

	var got audit.Event
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(strings.TrimPrefix(output, "AUDIT: "))), &got))
	assert.Equal(t, audit.EventRequestCreated, got.Type)
	assert.Equal(t, "request:1", got.Subject)
	assert.Equal(t, "600", got.Fields["total"])
	assert.Len(t, got.ID, 36)
}

func TestStoreRecorder_AppendsToJournal(t *testing.T) {
	j := store.NewJournal()
	rec := audit.NewStoreRecorder(j)

	evt := audit.NewEvent(audit.EventRoleRevoked, "0xad", "role:FINANCE", nil)
	require.NoError(t, rec.Record(context.Background(), evt))

	entries := j.Query(store.QueryFilter{Kind: string(audit.EventRoleRevoked)})
	require.Len(t, entries, 1)
	assert.Equal(t, evt.ID, entries[0].Metadata["event_id"])
}

func TestStoreRecorder_FailClosedWithoutJournal(t *testing.T) {
	rec := audit.NewStoreRecorder(nil)
	assert.Error(t, rec.Record(context.Background(), audit.Event{}))
}

type captureWriter struct {
	msgs []kafka.Message
	err  error
}

func (c *captureWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if c.err != nil {
		return c.err
	}
	c.msgs = append(c.msgs, msgs...)
	return nil
}

func TestKafkaRecorder_KeysBySubject(t *testing.T) {
	w := &captureWriter{}
	rec := audit.NewKafkaRecorder(w)

	evt := audit.NewEvent(audit.EventRequestDistributed, "0x02", "request:7", nil)
	require.NoError(t, rec.Record(context.Background(), evt))

	require.Len(t, w.msgs, 1)
	assert.Equal(t, "request:7", string(w.msgs[0].Key))
	assert.Equal(t, "event_type", w.msgs[0].Headers[0].Key)
	assert.Equal(t, string(audit.EventRequestDistributed), string(w.msgs[0].Headers[0].Value))
}

func TestMulti_AttemptsEverySink(t *testing.T) {
	failing := &captureWriter{err: errors.New("broker down")}
	var buf bytes.Buffer
	rec := audit.Multi(audit.NewKafkaRecorder(failing), audit.NewJSONRecorder(&buf))

	err := rec.Record(context.Background(), audit.NewEvent(audit.EventRequestCancelled, "0x01", "request:2", nil))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broker down")
	assert.NotEmpty(t, buf.String())
}

func TestEmit_LogsFailure(t *testing.T) {
	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, nil))
	rec := audit.RecorderFunc(func(context.Context, audit.Event) error { return errors.New("sink down") })

	audit.Emit(context.Background(), rec, logger, audit.NewEvent(audit.EventBatchAnchored, "0x03", "batch:1", nil))
	assert.Contains(t, logs.String(), "sink down")
}

func TestExporter_GeneratePack(t *testing.T) {
	j := store.NewJournal()
	rec := audit.NewStoreRecorder(j)
	ctx := context.Background()
	require.NoError(t, rec.Record(ctx, audit.NewEvent(audit.EventRequestCreated, "0x01", "request:1", nil)))
	require.NoError(t, rec.Record(ctx, audit.NewEvent(audit.EventRequestCreated, "0x01", "request:2", nil)))

	data, checksum, err := audit.NewExporter(j).GeneratePack(ctx, audit.ExportRequest{Subject: "request:1"})
	require.NoError(t, err)
	assert.Len(t, checksum, 64)

	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	names := make([]string, 0, len(zr.File))
	for _, f := range zr.File {
		names = append(names, f.Name)
	}
	assert.ElementsMatch(t, []string{"events.json", "manifest.json", "README.txt"}, names)
}

func TestExporter_InvalidRange(t *testing.T) {
	now := time.Now()
	_, _, err := audit.NewExporter(store.NewJournal()).GeneratePack(context.Background(), audit.ExportRequest{
		StartTime: now,
		EndTime:   now.Add(-time.Hour),
	})
	assert.ErrorIs(t, err, audit.ErrInvalidTimeRange)
}
