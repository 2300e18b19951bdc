// Package treasury composes the components of one budget-holding instance:
// role registry, budget ledger, disbursement service, gas tank, relay and
// audit anchor, all sharing one audit journal.
package treasury

import (
	"context"
	"crypto/ecdsa"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/INFIxChatnify/reimbursement-contract-sub003/pkg/anchor"
	"github.com/INFIxChatnify/reimbursement-contract-sub003/pkg/artifacts"
	"github.com/INFIxChatnify/reimbursement-contract-sub003/pkg/asset"
	"github.com/INFIxChatnify/reimbursement-contract-sub003/pkg/audit"
	"github.com/INFIxChatnify/reimbursement-contract-sub003/pkg/budget"
	"github.com/INFIxChatnify/reimbursement-contract-sub003/pkg/config"
	"github.com/INFIxChatnify/reimbursement-contract-sub003/pkg/disbursement"
	"github.com/INFIxChatnify/reimbursement-contract-sub003/pkg/fault"
	"github.com/INFIxChatnify/reimbursement-contract-sub003/pkg/finance"
	"github.com/INFIxChatnify/reimbursement-contract-sub003/pkg/gastank"
	"github.com/INFIxChatnify/reimbursement-contract-sub003/pkg/observability"
	"github.com/INFIxChatnify/reimbursement-contract-sub003/pkg/relay"
	"github.com/INFIxChatnify/reimbursement-contract-sub003/pkg/relay/call"
	"github.com/INFIxChatnify/reimbursement-contract-sub003/pkg/roles"
	"github.com/INFIxChatnify/reimbursement-contract-sub003/pkg/store"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Relay target names.
const (
	TargetDisbursement = "disbursement"
	TargetRoles        = "roles"
	TargetAnchor       = "anchor"
)

// TargetAddress is the relay address a named target is registered under.
func TargetAddress(name string) common.Address {
	return common.BytesToAddress(crypto.Keccak256([]byte("reimb:target:" + name))[12:])
}

// Options configures New. Journal, Admin, Custody, Asset, GasCustody and
// GasAsset are required; everything else has an in-memory default.
type Options struct {
	InstanceID string
	Admin      common.Address
	Policy     *config.Policy

	Custody    common.Address
	Asset      asset.Asset
	GasCustody common.Address
	GasAsset   asset.Asset

	ChainID           uint64
	VerifyingContract common.Address

	Journal   *store.Journal
	Recorders []audit.Recorder

	BudgetStorage budget.Storage
	Repository    disbursement.Repository
	AnchorStorage anchor.Storage
	Nonces        relay.NonceStore
	Limiter       relay.Limiter
	Archive       artifacts.Store

	// AnchorKey signs archived batches and anchors as the Auditor. Without
	// it the instance has no batcher.
	AnchorKey *ecdsa.PrivateKey

	Obs    *observability.Provider
	Clock  func() time.Time
	Logger *slog.Logger
}

// Instance is one composed budget-holding instance.
type Instance struct {
	id        string
	policy    *config.Policy
	journal   *store.Journal
	recorder  audit.Recorder
	roles     *roles.Registry
	ledger    *budget.Ledger
	requests  *disbursement.Service
	tank      *gastank.Tank
	forwarder *relay.Forwarder
	anchors   *anchor.Registry
	batcher   *anchor.Batcher
	archive   artifacts.Store
	exporter  *audit.Exporter
	key       *ecdsa.PrivateKey
	clock     func() time.Time
	logger    *slog.Logger
}

func (o *Options) validate() error {
	var errs []error
	if o.Journal == nil {
		errs = append(errs, errors.New("journal is required"))
	}
	if o.Admin == (common.Address{}) {
		errs = append(errs, errors.New("admin is required"))
	}
	if o.Asset == nil || o.Custody == (common.Address{}) {
		errs = append(errs, errors.New("budget asset and custody are required"))
	}
	if o.GasAsset == nil || o.GasCustody == (common.Address{}) {
		errs = append(errs, errors.New("gas asset and custody are required"))
	}
	return errors.Join(errs...)
}

// New builds an instance. Role assignments are replayed from the journal;
// the admin is bootstrapped only when the journal holds none.
func New(ctx context.Context, opts Options) (*Instance, error) {
	if err := opts.validate(); err != nil {
		return nil, fmt.Errorf("treasury: %w", err)
	}
	if opts.Policy == nil {
		opts.Policy = config.DefaultPolicy()
	}
	if opts.InstanceID == "" {
		opts.InstanceID = "default"
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.BudgetStorage == nil {
		opts.BudgetStorage = budget.NewMemoryStorage()
	}
	if opts.Repository == nil {
		opts.Repository = disbursement.NewMemoryRepository()
	}
	if opts.AnchorStorage == nil {
		opts.AnchorStorage = anchor.NewMemoryStorage()
	}
	if opts.Nonces == nil {
		opts.Nonces = relay.NewMemoryNonceStore()
	}
	if opts.Limiter == nil {
		opts.Limiter = relay.NewMemoryLimiter()
	}
	if opts.Archive == nil {
		opts.Archive = artifacts.NewMemoryStore()
	}
	p := opts.Policy

	maxGasPrice, err := finance.ParseAmount(p.Relay.MaxGasPrice)
	if err != nil {
		return nil, fmt.Errorf("treasury: relay.max_gas_price: %w", err)
	}
	maxReimbursement, err := finance.ParseAmount(p.Relay.MaxReimbursement)
	if err != nil {
		return nil, fmt.Errorf("treasury: relay.max_reimbursement: %w", err)
	}

	rec := audit.Multi(append([]audit.Recorder{audit.NewStoreRecorder(opts.Journal)}, opts.Recorders...)...)
	logger := opts.Logger.With("instance", opts.InstanceID)

	reg := roles.NewRegistry(roles.Config{
		RevealWindow:   p.RevealWindow.Std(),
		MinRevealDelay: p.MinRevealDelay.Std(),
	}, rec).WithClock(opts.Clock).WithLogger(logger)
	history, err := audit.EventsFromJournal(opts.Journal, audit.EventRoleCommitted, audit.EventRoleRevealed, audit.EventRoleRevoked)
	if err != nil {
		return nil, fmt.Errorf("treasury: read role history: %w", err)
	}
	if err := reg.Replay(history); err != nil {
		return nil, fmt.Errorf("treasury: replay roles: %w", err)
	}
	if len(reg.Holders(roles.Admin)) == 0 {
		if err := reg.Bootstrap(opts.Admin); err != nil {
			return nil, fmt.Errorf("treasury: bootstrap admin: %w", err)
		}
	}

	ledger, err := budget.NewLedger(opts.InstanceID, opts.Custody, opts.Asset, opts.BudgetStorage, rec)
	if err != nil {
		return nil, fmt.Errorf("treasury: %w", err)
	}
	ledger.WithClock(opts.Clock).WithLogger(logger)

	svc := disbursement.NewService(disbursement.Config{
		MaxRecipients:      p.MaxRecipients,
		AutoDistribute:     p.AutoDistribute,
		ForbidSelfApproval: p.ForbidSelfApproval,
		Quorum: disbursement.Quorum{
			Committee:      p.EmergencyQuorum.Committee,
			FinalAuthority: p.EmergencyQuorum.FinalAuthority,
		},
	}, reg, ledger, opts.Repository, rec).WithClock(opts.Clock).WithLogger(logger).WithObservability(opts.Obs)

	tank := gastank.New(opts.GasCustody, opts.GasAsset, reg, maxReimbursement, rec).
		WithClock(opts.Clock).WithLogger(logger)

	fwd := relay.NewForwarder(relay.Config{
		Domain: relay.Domain{
			Name:              p.Domain.Name,
			Version:           p.Domain.Version,
			ChainID:           opts.ChainID,
			VerifyingContract: opts.VerifyingContract,
		},
		RateLimit:   relay.Limit{Calls: p.Relay.RateLimit, Window: p.Relay.Window.Std()},
		MaxGasPrice: maxGasPrice,
	}, reg, opts.Nonces, opts.Limiter, tank, rec).WithClock(opts.Clock).WithLogger(logger).WithObservability(opts.Obs)

	anchors := anchor.NewRegistry(reg, opts.AnchorStorage, rec).
		WithClock(opts.Clock).WithLogger(logger).WithObservability(opts.Obs)

	inst := &Instance{
		id:        opts.InstanceID,
		policy:    p,
		journal:   opts.Journal,
		recorder:  rec,
		roles:     reg,
		ledger:    ledger,
		requests:  svc,
		tank:      tank,
		forwarder: fwd,
		anchors:   anchors,
		archive:   opts.Archive,
		exporter:  audit.NewExporter(opts.Journal),
		key:       opts.AnchorKey,
		clock:     opts.Clock,
		logger:    logger.With("component", "treasury"),
	}
	if opts.AnchorKey != nil {
		inst.batcher = anchor.NewBatcher(opts.Journal, anchors, opts.Archive, opts.AnchorKey, anchor.BatcherOptions{
			BatchType:  p.Anchor.BatchType,
			MaxEntries: p.Anchor.MaxEntries,
		}).WithClock(opts.Clock)
		if err := inst.grantAuditor(ctx, inst.batcher.Auditor()); err != nil {
			return nil, err
		}
	}

	if err := inst.registerTargets(ctx); err != nil {
		return nil, err
	}
	return inst, nil
}

func (i *Instance) admin() common.Address {
	return i.roles.Holders(roles.Admin)[0]
}

func (i *Instance) registerTargets(ctx context.Context) error {
	targets := []struct {
		name   string
		target call.Target
	}{
		{TargetDisbursement, i.requests.Target()},
		{TargetRoles, i.roles.Target()},
		{TargetAnchor, i.anchors.Target()},
	}
	for _, t := range targets {
		addr := TargetAddress(t.name)
		i.forwarder.Register(addr, t.name, t.target)
		if i.forwarder.Whitelisted(addr) {
			continue
		}
		if err := i.forwarder.AddTarget(ctx, i.admin(), addr); err != nil {
			return fmt.Errorf("treasury: whitelist %s: %w", t.name, err)
		}
	}
	return nil
}

// grantAuditor gives the batcher's account the Auditor role through a
// commit-reveal by the admin. With a minimum reveal delay configured the
// grant has to be made by an operator instead.
func (i *Instance) grantAuditor(ctx context.Context, account common.Address) error {
	if i.roles.HasRole(roles.Auditor, account) {
		return nil
	}
	if i.policy.MinRevealDelay.Std() > 0 {
		i.logger.WarnContext(ctx, "anchor account lacks the auditor role; batches fail until it is granted", "account", account.Hex())
		return nil
	}
	var secret [32]byte
	if _, err := rand.Read(secret[:]); err != nil {
		return fmt.Errorf("treasury: auditor secret: %w", err)
	}
	admin := i.admin()
	if _, err := i.roles.Commit(ctx, admin, roles.CommitHash(roles.Auditor, account, secret)); err != nil {
		return fmt.Errorf("treasury: commit auditor: %w", err)
	}
	if err := i.roles.Reveal(ctx, admin, roles.Auditor, account, secret); err != nil {
		return fmt.Errorf("treasury: reveal auditor: %w", err)
	}
	return nil
}

// Start loads persisted state and, when an anchor key is configured, runs the
// batcher every policy interval until ctx is done. It returns once loading
// completes, and fails when custody holds less than the ledger still owes.
func (i *Instance) Start(ctx context.Context) error {
	if err := i.anchors.Load(ctx); err != nil {
		return err
	}
	if _, err := i.tank.Sync(ctx); err != nil {
		return err
	}
	if err := i.ledger.Reconcile(ctx); err != nil {
		i.logger.ErrorContext(ctx, "budget ledger does not reconcile with custody balance", "error", err)
		return fmt.Errorf("treasury: reconcile budget: %w", err)
	}
	if i.batcher == nil {
		return nil
	}
	if err := i.batcher.Recover(ctx); err != nil {
		return err
	}
	if interval := i.policy.Anchor.Interval.Std(); interval > 0 {
		go i.batcher.Loop(ctx, interval)
	}
	return nil
}

// Health reports whether the audit journal chain still verifies.
func (i *Instance) Health(context.Context) error {
	if err := i.journal.VerifyChain(); err != nil {
		return fmt.Errorf("journal: %w", err)
	}
	return nil
}

func (i *Instance) ID() string                      { return i.id }
func (i *Instance) Policy() *config.Policy          { return i.policy }
func (i *Instance) Journal() *store.Journal         { return i.journal }
func (i *Instance) Roles() *roles.Registry          { return i.roles }
func (i *Instance) Ledger() *budget.Ledger          { return i.ledger }
func (i *Instance) Requests() *disbursement.Service { return i.requests }
func (i *Instance) GasTank() *gastank.Tank          { return i.tank }
func (i *Instance) Forwarder() *relay.Forwarder     { return i.forwarder }
func (i *Instance) Anchors() *anchor.Registry       { return i.anchors }
func (i *Instance) Archive() artifacts.Store        { return i.archive }

// Batcher returns the audit batcher, or nil when no anchor key is configured.
func (i *Instance) Batcher() *anchor.Batcher { return i.batcher }

// Evidence describes an archived evidence pack.
type Evidence struct {
	Ref      string              `json:"ref"`
	Checksum string              `json:"checksum"`
	Entries  int                 `json:"entries"`
	Request  audit.ExportRequest `json:"request"`
}

type evidencePayload struct {
	Request  audit.ExportRequest `json:"request"`
	Checksum string              `json:"checksum"`
	Archive  []byte              `json:"archive"`
}

// ExportEvidence builds an evidence pack for req and archives it. Auditors
// and administrators only. The pack is signed when an anchor key is set.
func (i *Instance) ExportEvidence(ctx context.Context, caller common.Address, req audit.ExportRequest) (Evidence, error) {
	if err := i.roles.Require(caller, roles.Auditor, roles.Admin); err != nil {
		return Evidence{}, err
	}
	pack, checksum, err := i.exporter.GeneratePack(ctx, req)
	if errors.Is(err, audit.ErrInvalidTimeRange) {
		return Evidence{}, fault.Wrap(fault.ErrInvalidArgument, err, "export range")
	}
	if err != nil {
		return Evidence{}, fault.Internal(err, "generate evidence pack")
	}
	env, err := artifacts.NewEnvelope(artifacts.TypeEvidencePack, "treasury", evidencePayload{
		Request:  req,
		Checksum: checksum,
		Archive:  pack,
	}, i.clock())
	if err != nil {
		return Evidence{}, fault.Wrap(fault.ErrInvalidArgument, err, "evidence envelope")
	}
	if i.key != nil {
		if err := env.Sign(i.key); err != nil {
			return Evidence{}, fault.Internal(err, "sign evidence pack")
		}
	}
	ref, err := artifacts.Put(ctx, i.archive, env)
	if err != nil {
		return Evidence{}, fault.Internal(err, "archive evidence pack")
	}

	filter := store.QueryFilter{Subject: req.Subject}
	if !req.StartTime.IsZero() {
		filter.StartTime = &req.StartTime
	}
	if !req.EndTime.IsZero() {
		filter.EndTime = &req.EndTime
	}
	ev := Evidence{Ref: ref, Checksum: checksum, Entries: len(i.journal.Query(filter)), Request: req}
	i.logger.InfoContext(ctx, "evidence pack archived", "ref", ref, "entries", ev.Entries, "caller", caller.Hex())
	return ev, nil
}
