package anchor

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/INFIxChatnify/reimbursement-contract-sub003/pkg/artifacts"
	"github.com/INFIxChatnify/reimbursement-contract-sub003/pkg/fault"
	"github.com/INFIxChatnify/reimbursement-contract-sub003/pkg/merkle"
	"github.com/INFIxChatnify/reimbursement-contract-sub003/pkg/store"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// KindBatchArchived is the journal kind recording where a batch was archived.
const KindBatchArchived = "anchor.batch_archived"

// DefaultBatchType labels batches cut from the audit journal.
const DefaultBatchType = "audit_journal"

// Manifest links an anchored batch to its journal range and archive.
type Manifest struct {
	BatchID    uint64      `json:"batch_id"`
	FirstSeq   uint64      `json:"first_seq"`
	LastSeq    uint64      `json:"last_seq"`
	Root       common.Hash `json:"root"`
	ArchiveRef string      `json:"archive_ref"`
}

// batchPayload is the archived form of a batch.
type batchPayload struct {
	FirstSeq uint64         `json:"first_seq"`
	LastSeq  uint64         `json:"last_seq"`
	Root     common.Hash    `json:"root"`
	Entries  []*store.Entry `json:"entries"`
}

// BatcherOptions tune how the journal is cut into batches.
type BatcherOptions struct {
	BatchType  string
	MaxEntries int
}

// Batcher cuts the audit journal into batches, archives each batch and
// anchors its Merkle root.
type Batcher struct {
	mu        sync.Mutex
	journal   *store.Journal
	registry  *Registry
	archive   artifacts.Store
	key       *ecdsa.PrivateKey
	auditor   common.Address
	opts      BatcherOptions
	cursor    uint64
	manifests map[uint64]Manifest
	clock     func() time.Time
	logger    *slog.Logger
}

// NewBatcher creates a batcher. key signs archives and its address is the
// auditor account used to anchor.
func NewBatcher(j *store.Journal, reg *Registry, archive artifacts.Store, key *ecdsa.PrivateKey, opts BatcherOptions) *Batcher {
	if opts.BatchType == "" {
		opts.BatchType = DefaultBatchType
	}
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = 1000
	}
	return &Batcher{
		journal:   j,
		registry:  reg,
		archive:   archive,
		key:       key,
		auditor:   crypto.PubkeyToAddress(key.PublicKey),
		opts:      opts,
		manifests: make(map[uint64]Manifest),
		clock:     time.Now,
		logger:    slog.Default().With("component", "anchor.batcher"),
	}
}

// WithClock overrides the time source (for deterministic tests).
func (b *Batcher) WithClock(clock func() time.Time) *Batcher {
	b.clock = clock
	return b
}

// Auditor is the account the batcher anchors as.
func (b *Batcher) Auditor() common.Address { return b.auditor }

// Cursor is the last journal sequence covered by a batch.
func (b *Batcher) Cursor() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cursor
}

// Recover rebuilds the manifests and cursor from the journal.
func (b *Batcher) Recover(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, e := range b.journal.Query(store.QueryFilter{Kind: KindBatchArchived}) {
		var m Manifest
		if err := json.Unmarshal(e.Payload, &m); err != nil {
			return fmt.Errorf("anchor: corrupt manifest at %d: %w", e.Sequence, err)
		}
		b.manifests[m.BatchID] = m
		if m.LastSeq > b.cursor {
			b.cursor = m.LastSeq
		}
	}
	return nil
}

// Run anchors the entries appended since the previous batch. It returns
// (nil, nil) when there is nothing new to anchor.
func (b *Batcher) Run(ctx context.Context) (*Manifest, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	pending := b.journal.Since(b.cursor, b.opts.MaxEntries)
	if !hasPayloadEntries(pending) {
		return nil, nil
	}
	if err := b.journal.VerifyChain(); err != nil {
		return nil, fault.Internal(err, "journal chain verification")
	}

	tree, err := merkle.BuildTree(leaves(pending))
	if err != nil {
		return nil, fault.Internal(err, "build merkle tree")
	}
	first, last := pending[0].Sequence, pending[len(pending)-1].Sequence

	env, err := artifacts.NewEnvelope(artifacts.TypeAuditBatch, "anchor", batchPayload{
		FirstSeq: first,
		LastSeq:  last,
		Root:     tree.Root,
		Entries:  pending,
	}, b.clock())
	if err != nil {
		return nil, fault.Internal(err, "build archive envelope")
	}
	if err := env.Sign(b.key); err != nil {
		return nil, fault.Internal(err, "sign archive")
	}
	ref, err := artifacts.Put(ctx, b.archive, env)
	if err != nil {
		return nil, fault.Internal(err, "archive batch")
	}

	batch, err := b.registry.AnchorBatch(ctx, b.auditor, tree.Root, uint64(len(pending)), b.opts.BatchType)
	if err != nil {
		return nil, err
	}

	m := Manifest{BatchID: batch.BatchID, FirstSeq: first, LastSeq: last, Root: tree.Root, ArchiveRef: ref}
	if _, err := b.journal.Append(ctx, KindBatchArchived, fmt.Sprintf("batch:%d", m.BatchID), m, map[string]string{
		"archive_ref": ref,
	}); err != nil {
		// The batch is anchored; only the pointer is missing.
		b.logger.ErrorContext(ctx, "manifest not journaled", "batch_id", m.BatchID, "error", err)
	}
	b.manifests[m.BatchID] = m
	b.cursor = last

	b.logger.InfoContext(ctx, "batch archived", "batch_id", m.BatchID, "first_seq", first, "last_seq", last, "ref", ref)
	return &m, nil
}

// Manifest returns the manifest of batch id.
func (b *Batcher) Manifest(id uint64) (Manifest, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	m, ok := b.manifests[id]
	if !ok {
		return Manifest{}, fault.Newf(fault.ErrNotFound, "manifest for batch %d", id)
	}
	return m, nil
}

// Manifests lists every known manifest by batch id.
func (b *Batcher) Manifests() []Manifest {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Manifest, 0, len(b.manifests))
	for _, m := range b.manifests {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BatchID < out[j].BatchID })
	return out
}

// Prove returns the inclusion proof of journal entry seq in batch id. The
// archived batch must still hash to the anchored root.
func (b *Batcher) Prove(ctx context.Context, id, seq uint64) (merkle.InclusionProof, error) {
	m, err := b.Manifest(id)
	if err != nil {
		return merkle.InclusionProof{}, err
	}
	if seq < m.FirstSeq || seq > m.LastSeq {
		return merkle.InclusionProof{}, fault.Newf(fault.ErrNotFound, "entry %d not in batch %d", seq, id)
	}
	anchored, err := b.registry.Get(id)
	if err != nil {
		return merkle.InclusionProof{}, err
	}

	env, err := artifacts.Open(ctx, b.archive, m.ArchiveRef)
	if err != nil {
		return merkle.InclusionProof{}, fault.Internal(err, "open archive")
	}
	var p batchPayload
	if err := env.Decode(&p); err != nil {
		return merkle.InclusionProof{}, fault.Internal(err, "decode archive")
	}
	tree, err := merkle.BuildTree(leaves(p.Entries))
	if err != nil {
		return merkle.InclusionProof{}, fault.Internal(err, "rebuild merkle tree")
	}
	if tree.Root != anchored.MerkleRoot {
		return merkle.InclusionProof{}, fault.Newf(fault.ErrInvalidState, "archive for batch %d does not match anchored root", id)
	}
	return tree.Prove(leafPath(seq))
}

// Loop runs the batcher every interval until ctx is done.
func (b *Batcher) Loop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := b.Run(ctx); err != nil {
				b.logger.ErrorContext(ctx, "anchor run failed", "error", err)
			}
		}
	}
}

func leafPath(seq uint64) string { return fmt.Sprintf("entry/%012d", seq) }

func leaves(entries []*store.Entry) map[string]any {
	out := make(map[string]any, len(entries))
	for _, e := range entries {
		out[leafPath(e.Sequence)] = map[string]any{
			"sequence":     e.Sequence,
			"entry_hash":   e.EntryHash,
			"payload_hash": e.PayloadHash,
			"kind":         e.Kind,
			"subject":      e.Subject,
		}
	}
	return out
}

// hasPayloadEntries reports whether entries hold anything besides the
// anchor's own bookkeeping.
func hasPayloadEntries(entries []*store.Entry) bool {
	for _, e := range entries {
		if !strings.HasPrefix(e.Kind, "anchor.") {
			return true
		}
	}
	return false
}
