// Package store implements the append-only event journal with hash chaining.
// Entries are canonicalised with RFC 8785 before hashing so that any replica
// recomputes identical digests.
package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gowebpki/jcs"
)

var (
	ErrEntryNotFound = errors.New("entry not found")
	ErrChainBroken   = errors.New("hash chain is broken")
)

const genesisHash = "genesis"

// Entry is a single immutable journal record.
type Entry struct {
	EntryID      string            `json:"entry_id"`
	Sequence     uint64            `json:"sequence"`
	Timestamp    time.Time         `json:"timestamp"`
	Kind         string            `json:"kind"`
	Subject      string            `json:"subject"`
	Payload      json.RawMessage   `json:"payload"`
	PayloadHash  string            `json:"payload_hash"`
	PreviousHash string            `json:"previous_hash"`
	EntryHash    string            `json:"entry_hash"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// Persister durably stores entries as they are appended.
type Persister interface {
	Save(ctx context.Context, e *Entry) error
}

// Journal is an append-only, hash-chained event log.
type Journal struct {
	mu        sync.RWMutex
	entries   []*Entry
	byID      map[string]*Entry
	chainHead string
	persister Persister
	clock     func() time.Time
}

// NewJournal creates an empty in-memory journal.
func NewJournal() *Journal {
	return &Journal{
		byID:      make(map[string]*Entry),
		chainHead: genesisHash,
		clock:     time.Now,
	}
}

// WithPersister makes every append durable before it becomes visible.
func (j *Journal) WithPersister(p Persister) *Journal {
	j.persister = p
	return j
}

// WithClock overrides the time source (for deterministic tests).
func (j *Journal) WithClock(clock func() time.Time) *Journal {
	j.clock = clock
	return j
}

// Append canonicalises payload and links a new entry to the chain head.
// When a Persister is configured and fails, the entry is discarded.
func (j *Journal) Append(ctx context.Context, kind, subject string, payload any, metadata map[string]string) (*Entry, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize payload: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to canonicalize payload: %w", err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	entry := &Entry{
		EntryID:      uuid.New().String(),
		Sequence:     uint64(len(j.entries)) + 1,
		Timestamp:    j.clock().UTC().Truncate(time.Microsecond),
		Kind:         kind,
		Subject:      subject,
		Payload:      canonical,
		PayloadHash:  hashBytes(canonical),
		PreviousHash: j.chainHead,
		Metadata:     metadata,
	}
	entry.EntryHash, err = entryHash(entry)
	if err != nil {
		return nil, err
	}

	if j.persister != nil {
		if err := j.persister.Save(ctx, entry); err != nil {
			return nil, fmt.Errorf("fail-closed: persist journal entry: %w", err)
		}
	}

	j.entries = append(j.entries, entry)
	j.byID[entry.EntryID] = entry
	j.chainHead = entry.EntryHash
	return entry, nil
}

// Restore loads previously persisted entries, verifying the chain.
func (j *Journal) Restore(entries []*Entry) error {
	if err := verify(entries); err != nil {
		return err
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append([]*Entry(nil), entries...)
	j.byID = make(map[string]*Entry, len(entries))
	j.chainHead = genesisHash
	for _, e := range entries {
		j.byID[e.EntryID] = e
		j.chainHead = e.EntryHash
	}
	return nil
}

// Get retrieves an entry by ID.
func (j *Journal) Get(entryID string) (*Entry, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	e, ok := j.byID[entryID]
	if !ok {
		return nil, ErrEntryNotFound
	}
	return e, nil
}

// At returns the entry with the given sequence number.
func (j *Journal) At(seq uint64) (*Entry, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if seq == 0 || seq > uint64(len(j.entries)) {
		return nil, ErrEntryNotFound
	}
	return j.entries[seq-1], nil
}

// Since returns up to limit entries with a sequence greater than seq.
// A limit of zero returns all of them.
func (j *Journal) Since(seq uint64, limit int) []*Entry {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if seq >= uint64(len(j.entries)) {
		return nil
	}
	out := j.entries[seq:]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return append([]*Entry(nil), out...)
}

// Query returns entries matching the filter.
func (j *Journal) Query(filter QueryFilter) []*Entry {
	j.mu.RLock()
	defer j.mu.RUnlock()

	results := make([]*Entry, 0)
	for _, e := range j.entries {
		if filter.matches(e) {
			results = append(results, e)
			if filter.MaxResults > 0 && len(results) >= filter.MaxResults {
				break
			}
		}
	}
	return results
}

// QueryFilter defines filtering criteria for queries.
type QueryFilter struct {
	Kind       string
	Subject    string
	StartTime  *time.Time
	EndTime    *time.Time
	MaxResults int
}

func (f QueryFilter) matches(e *Entry) bool {
	if f.Kind != "" && e.Kind != f.Kind {
		return false
	}
	if f.Subject != "" && e.Subject != f.Subject {
		return false
	}
	if f.StartTime != nil && e.Timestamp.Before(*f.StartTime) {
		return false
	}
	if f.EndTime != nil && e.Timestamp.After(*f.EndTime) {
		return false
	}
	return true
}

// ChainHead returns the hash of the latest entry.
func (j *Journal) ChainHead() string {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.chainHead
}

// Len returns the number of entries.
func (j *Journal) Len() int {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return len(j.entries)
}

// VerifyChain recomputes every hash and link.
func (j *Journal) VerifyChain() error {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return verify(j.entries)
}

func verify(entries []*Entry) error {
	expectedPrev := genesisHash
	for i, e := range entries {
		if e.Sequence != uint64(i)+1 {
			return fmt.Errorf("%w: entry %d has sequence %d", ErrChainBroken, i, e.Sequence)
		}
		if e.PreviousHash != expectedPrev {
			return fmt.Errorf("%w: entry %d has previous_hash %s but expected %s",
				ErrChainBroken, i, e.PreviousHash, expectedPrev)
		}
		if hashBytes(e.Payload) != e.PayloadHash {
			return fmt.Errorf("%w: entry %d payload hash mismatch", ErrChainBroken, i)
		}
		computed, err := entryHash(e)
		if err != nil {
			return fmt.Errorf("%w: entry %d: %w", ErrChainBroken, i, err)
		}
		if computed != e.EntryHash {
			return fmt.Errorf("%w: entry %d hash mismatch (computed %s, stored %s)",
				ErrChainBroken, i, computed, e.EntryHash)
		}
		expectedPrev = e.EntryHash
	}
	return nil
}

func hashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:])
}

func entryHash(e *Entry) (string, error) {
	hashable := struct {
		Sequence     uint64    `json:"sequence"`
		Timestamp    time.Time `json:"timestamp"`
		Kind         string    `json:"kind"`
		Subject      string    `json:"subject"`
		PayloadHash  string    `json:"payload_hash"`
		PreviousHash string    `json:"previous_hash"`
	}{e.Sequence, e.Timestamp, e.Kind, e.Subject, e.PayloadHash, e.PreviousHash}

	raw, err := json.Marshal(hashable)
	if err != nil {
		return "", fmt.Errorf("failed to marshal entry for hashing: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("failed to canonicalize entry: %w", err)
	}
	return hashBytes(canonical), nil
}
