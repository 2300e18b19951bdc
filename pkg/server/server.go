// Package server exposes a treasury instance over HTTP.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/INFIxChatnify/reimbursement-contract-sub003/pkg/api"
	"github.com/INFIxChatnify/reimbursement-contract-sub003/pkg/auth"
	"github.com/INFIxChatnify/reimbursement-contract-sub003/pkg/fault"
	"github.com/INFIxChatnify/reimbursement-contract-sub003/pkg/relay"
	"github.com/INFIxChatnify/reimbursement-contract-sub003/pkg/treasury"
	"github.com/ethereum/go-ethereum/common"
)

// Options configures a Server. Instance is required.
type Options struct {
	Instance  *treasury.Instance
	Validator *auth.JWTValidator

	// Limiter and CallerLimit throttle authenticated callers. Unset limits
	// disable the check.
	Limiter     relay.Limiter
	CallerLimit relay.Limit

	// GlobalRPS and GlobalBurst bound requests per client IP before
	// authentication. Zero disables the limiter.
	GlobalRPS   float64
	GlobalBurst int

	Idempotency    api.IdempotencyStorer
	AllowedOrigins []string
	Version        string

	// Ready reports dependency health for /readiness, in addition to the
	// journal chain check.
	Ready func(ctx context.Context) error

	Logger *slog.Logger
}

// Server routes HTTP requests to a treasury instance.
type Server struct {
	inst    *treasury.Instance
	opts    Options
	global  *api.GlobalRateLimiter
	handler http.Handler
	logger  *slog.Logger
}

// New builds the route table and middleware chain.
func New(opts Options) (*Server, error) {
	if opts.Instance == nil {
		return nil, errors.New("server: instance is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Version == "" {
		opts.Version = "dev"
	}
	s := &Server{
		inst:   opts.Instance,
		opts:   opts,
		logger: opts.Logger.With("component", "server"),
	}

	mux := http.NewServeMux()
	s.routes(mux)

	var h http.Handler = mux
	if opts.Idempotency != nil {
		h = api.IdempotencyMiddleware(opts.Idempotency, callerScope)(h)
	}
	if opts.Limiter != nil {
		h = auth.RateLimitMiddleware(opts.Limiter, opts.CallerLimit)(h)
	}
	h = auth.NewMiddleware(opts.Validator)(h)
	if opts.GlobalRPS > 0 {
		s.global = api.NewGlobalRateLimiter(opts.GlobalRPS, opts.GlobalBurst)
		h = s.global.Middleware(h)
	}
	if len(opts.AllowedOrigins) > 0 {
		h = auth.CORSMiddleware(opts.AllowedOrigins)(h)
	}
	h = auth.AccessLogMiddleware(opts.Logger)(h)
	s.handler = auth.RequestIDMiddleware(h)
	return s, nil
}

// Handler returns the fully wrapped handler.
func (s *Server) Handler() http.Handler { return s.handler }

func (s *Server) routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /readiness", s.handleReadiness)
	mux.HandleFunc("GET /version", s.handleVersion)

	mux.HandleFunc("POST /api/v1/roles/commit", s.handleRoleCommit)
	mux.HandleFunc("POST /api/v1/roles/reveal", s.handleRoleReveal)
	mux.HandleFunc("POST /api/v1/roles/revoke", s.handleRoleRevoke)
	mux.HandleFunc("GET /api/v1/roles/{role}/holders", s.handleRoleHolders)
	mux.HandleFunc("GET /api/v1/accounts/{account}/roles", s.handleAccountRoles)
	mux.HandleFunc("GET /api/v1/accounts/{account}/commitment", s.handlePendingCommit)

	mux.HandleFunc("GET /api/v1/budget", s.handleBudget)
	mux.HandleFunc("POST /api/v1/budget/fund", s.handleBudgetFund)

	mux.HandleFunc("POST /api/v1/requests", s.handleCreateRequest)
	mux.HandleFunc("GET /api/v1/requests", s.handleListRequests)
	mux.HandleFunc("GET /api/v1/requests/{id}", s.handleGetRequest)
	mux.HandleFunc("GET /api/v1/requests/{id}/status", s.handleRequestStatus)
	mux.HandleFunc("POST /api/v1/requests/{id}/approve", s.handleApprove)
	mux.HandleFunc("POST /api/v1/requests/{id}/distribute", s.handleDistribute)
	mux.HandleFunc("POST /api/v1/requests/{id}/cancel", s.handleCancel)
	mux.HandleFunc("POST /api/v1/requests/{id}/emergency-close", s.handleEmergencyClose)

	mux.HandleFunc("GET /api/v1/gastank", s.handleGasTankStats)
	mux.HandleFunc("POST /api/v1/gastank/fund", s.handleGasTankFund)
	mux.HandleFunc("POST /api/v1/gastank/withdraw", s.handleGasTankWithdraw)
	mux.HandleFunc("PUT /api/v1/gastank/emergency-account", s.handleGasTankEmergencyAccount)
	mux.HandleFunc("POST /api/v1/gastank/emergency-withdraw", s.handleGasTankEmergencyWithdraw)
	mux.HandleFunc("PUT /api/v1/gastank/max-per-call", s.handleGasTankMaxPerCall)

	mux.HandleFunc("GET /api/v1/relay/domain", s.handleRelayDomain)
	mux.HandleFunc("GET /api/v1/relay/nonce/{account}", s.handleRelayNonce)
	mux.HandleFunc("POST /api/v1/relay/execute", s.handleRelayExecute)
	mux.HandleFunc("GET /api/v1/relay/targets", s.handleRelayTargets)
	mux.HandleFunc("POST /api/v1/relay/targets", s.handleRelayAddTarget)
	mux.HandleFunc("DELETE /api/v1/relay/targets/{address}", s.handleRelayRemoveTarget)
	mux.HandleFunc("GET /api/v1/relay/rate-limit/{account}", s.handleRelayLimitFor)
	mux.HandleFunc("PUT /api/v1/relay/rate-limit", s.handleRelaySetLimit)
	mux.HandleFunc("PUT /api/v1/relay/rate-limit/{account}", s.handleRelaySetAccountLimit)

	mux.HandleFunc("GET /api/v1/anchors", s.handleAnchorList)
	mux.HandleFunc("GET /api/v1/anchors/latest", s.handleAnchorLatest)
	mux.HandleFunc("GET /api/v1/anchors/{id}", s.handleAnchorGet)
	mux.HandleFunc("GET /api/v1/anchors/{id}/proof/{seq}", s.handleAnchorProof)
	mux.HandleFunc("POST /api/v1/anchors/run", s.handleAnchorRun)

	mux.HandleFunc("GET /api/v1/audit/events", s.handleAuditEvents)
	mux.HandleFunc("POST /api/v1/audit/export", s.handleAuditExport)
}

// Run serves on addr until ctx is cancelled, then drains in-flight requests.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	if s.global != nil {
		go s.global.RunCleanup(ctx)
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	s.logger.Info("http server stopped")
	return nil
}

func callerScope(r *http.Request) string {
	if acct, err := auth.GetAccount(r.Context()); err == nil {
		return acct.Hex()
	}
	return api.ClientIP(r)
}

// caller returns the authenticated account or writes a 401.
func caller(w http.ResponseWriter, r *http.Request) (common.Address, bool) {
	acct, err := auth.GetAccount(r.Context())
	if err != nil {
		api.WriteFault(w, r, err)
		return common.Address{}, false
	}
	return acct, true
}

func pathUint(w http.ResponseWriter, r *http.Request, name string) (uint64, bool) {
	v, err := strconv.ParseUint(r.PathValue(name), 10, 64)
	if err != nil {
		api.WriteFault(w, r, fault.Newf(fault.ErrInvalidArgument, "%s must be a positive integer", name))
		return 0, false
	}
	return v, true
}

func pathAddress(w http.ResponseWriter, r *http.Request, name string) (common.Address, bool) {
	raw := r.PathValue(name)
	if !common.IsHexAddress(raw) {
		api.WriteFault(w, r, fault.Newf(fault.ErrInvalidArgument, "%s is not an address", name))
		return common.Address{}, false
	}
	return common.HexToAddress(raw), true
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	api.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	checks := map[string]string{"journal": "ok"}
	ready := true
	if err := s.inst.Health(r.Context()); err != nil {
		checks["journal"] = err.Error()
		ready = false
	}
	if s.opts.Ready != nil {
		checks["dependencies"] = "ok"
		if err := s.opts.Ready(r.Context()); err != nil {
			checks["dependencies"] = err.Error()
			ready = false
		}
	}
	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	api.WriteJSON(w, status, map[string]any{"ready": ready, "checks": checks})
}

func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	api.WriteJSON(w, http.StatusOK, map[string]string{
		"version":  s.opts.Version,
		"instance": s.inst.ID(),
		"policy":   s.inst.Policy().Version,
	})
}
