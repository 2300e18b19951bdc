package audit

import (
	"encoding/json"
	"fmt"

	"github.com/INFIxChatnify/reimbursement-contract-sub003/pkg/store"
)

// EventsFromJournal decodes the journaled events of the given types, in
// sequence order.
func EventsFromJournal(j *store.Journal, types ...EventType) ([]Event, error) {
	want := make(map[string]bool, len(types))
	for _, t := range types {
		want[string(t)] = true
	}
	var out []Event
	for _, e := range j.Since(0, 0) {
		if !want[e.Kind] {
			continue
		}
		var evt Event
		if err := json.Unmarshal(e.Payload, &evt); err != nil {
			return nil, fmt.Errorf("audit: entry %d: %w", e.Sequence, err)
		}
		out = append(out, evt)
	}
	return out, nil
}
