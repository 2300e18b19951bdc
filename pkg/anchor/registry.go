// Package anchor records Merkle roots of audit batches. Anchored batches are
// immutable: there is no operation that changes or removes one.
package anchor

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/INFIxChatnify/reimbursement-contract-sub003/pkg/audit"
	"github.com/INFIxChatnify/reimbursement-contract-sub003/pkg/fault"
	"github.com/INFIxChatnify/reimbursement-contract-sub003/pkg/observability"
	"github.com/INFIxChatnify/reimbursement-contract-sub003/pkg/roles"
	"github.com/ethereum/go-ethereum/common"
)

// Batch is one anchored Merkle root.
type Batch struct {
	BatchID    uint64         `json:"batch_id"`
	MerkleRoot common.Hash    `json:"merkle_root"`
	EntryCount uint64         `json:"entry_count"`
	BatchType  string         `json:"batch_type"`
	AnchoredAt time.Time      `json:"anchored_at"`
	AnchoredBy common.Address `json:"anchored_by"`
}

// RoleChecker is the subset of the role registry the anchor consults.
type RoleChecker interface {
	Require(account common.Address, required ...roles.Role) error
}

// Registry holds anchored batches in identifier order.
type Registry struct {
	mu       sync.RWMutex
	roles    RoleChecker
	storage  Storage
	batches  []Batch
	recorder audit.Recorder
	obs      *observability.Provider
	clock    func() time.Time
	logger   *slog.Logger
}

// NewRegistry creates a registry backed by storage. Call Load to pick up
// batches anchored by a previous process.
func NewRegistry(rc RoleChecker, storage Storage, recorder audit.Recorder) *Registry {
	if storage == nil {
		storage = NewMemoryStorage()
	}
	if recorder == nil {
		recorder = audit.Discard
	}
	return &Registry{
		roles:    rc,
		storage:  storage,
		recorder: recorder,
		clock:    time.Now,
		logger:   slog.Default().With("component", "anchor"),
	}
}

// WithClock overrides the time source (for deterministic tests).
func (r *Registry) WithClock(clock func() time.Time) *Registry {
	r.clock = clock
	return r
}

// WithLogger replaces the default logger.
func (r *Registry) WithLogger(l *slog.Logger) *Registry {
	r.logger = l.With("component", "anchor")
	return r
}

// WithObservability attaches metrics.
func (r *Registry) WithObservability(p *observability.Provider) *Registry {
	r.obs = p
	return r
}

// Load replaces the in-memory view with the stored batches.
func (r *Registry) Load(ctx context.Context) error {
	batches, err := r.storage.LoadAll(ctx)
	if err != nil {
		return fmt.Errorf("anchor: load batches: %w", err)
	}
	for i, b := range batches {
		if b.BatchID != uint64(i+1) {
			return fmt.Errorf("anchor: stored batches not contiguous at %d (found %d)", i+1, b.BatchID)
		}
	}
	r.mu.Lock()
	r.batches = batches
	r.mu.Unlock()
	return nil
}

// AnchorBatch stores root as the next batch. caller must hold Auditor.
func (r *Registry) AnchorBatch(ctx context.Context, caller common.Address, root common.Hash, entryCount uint64, batchType string) (b Batch, err error) {
	ctx, done := r.obs.TrackOperation(ctx, "anchor.batch")
	defer func() { done(err) }()

	if err := r.roles.Require(caller, roles.Auditor); err != nil {
		return Batch{}, err
	}
	batchType = strings.TrimSpace(batchType)
	switch {
	case root == (common.Hash{}):
		return Batch{}, fault.Newf(fault.ErrInvalidArgument, "merkle root is zero")
	case entryCount == 0:
		return Batch{}, fault.Newf(fault.ErrInvalidArgument, "entry count is zero")
	case batchType == "":
		return Batch{}, fault.Newf(fault.ErrEmptyMetadata, "batch type is empty")
	}

	r.mu.Lock()
	b = Batch{
		BatchID:    uint64(len(r.batches)) + 1,
		MerkleRoot: root,
		EntryCount: entryCount,
		BatchType:  batchType,
		AnchoredAt: r.clock().UTC(),
		AnchoredBy: caller,
	}
	if err := r.storage.Append(ctx, b); err != nil {
		r.mu.Unlock()
		return Batch{}, fault.Internal(err, "persist batch")
	}
	r.batches = append(r.batches, b)
	r.mu.Unlock()

	r.logger.InfoContext(ctx, "batch anchored", "batch_id", b.BatchID, "root", root.Hex(), "entries", entryCount, "type", batchType)
	r.obs.RecordBatchAnchored(ctx, batchType, entryCount)
	audit.Emit(ctx, r.recorder, r.logger, audit.NewEvent(audit.EventBatchAnchored, caller.Hex(), fmt.Sprintf("batch:%d", b.BatchID), map[string]any{
		"merkle_root": root.Hex(),
		"entry_count": entryCount,
		"batch_type":  batchType,
	}))
	return b, nil
}

// Get returns batch id.
func (r *Registry) Get(id uint64) (Batch, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if id == 0 || id > uint64(len(r.batches)) {
		return Batch{}, fault.Newf(fault.ErrNotFound, "batch %d", id)
	}
	return r.batches[id-1], nil
}

// List returns every batch in identifier order.
func (r *Registry) List() []Batch {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Batch(nil), r.batches...)
}

// Latest returns the most recent batch.
func (r *Registry) Latest() (Batch, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.batches) == 0 {
		return Batch{}, false
	}
	return r.batches[len(r.batches)-1], true
}

// Count is the number of anchored batches.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.batches)
}
