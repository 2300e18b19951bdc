package audit

import (
	"context"
	"fmt"

	"github.com/INFIxChatnify/reimbursement-contract-sub003/pkg/store"
)

// StoreRecorder appends events to the hash-chained journal.
type StoreRecorder struct {
	journal *store.Journal
}

func NewStoreRecorder(j *store.Journal) *StoreRecorder {
	return &StoreRecorder{journal: j}
}

func (l *StoreRecorder) Record(ctx context.Context, evt Event) error {
	if l.journal == nil {
		return fmt.Errorf("fail-closed: audit journal not configured")
	}
	_, err := l.journal.Append(ctx, string(evt.Type), evt.Subject, evt, map[string]string{
		"actor":    evt.Actor,
		"event_id": evt.ID,
	})
	return err
}
