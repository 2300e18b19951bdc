// Package observability provides OpenTelemetry tracing and metrics: RED
// metrics (rate, errors, duration) for every service operation plus the
// domain counters of the disbursement and relay paths.
//
// # Setup
//
// Initialize the providers at start-up:
//
//	cfg := observability.DefaultConfig()
//	cfg.Enabled = true
//	cfg.OTLPEndpoint = "otel-collector:4317"
//	obs, err := observability.New(ctx, cfg)
//	defer obs.Shutdown(ctx)
//
// A nil *Provider is valid and records nothing, so components accept one
// unconditionally.
//
// # Operations
//
// Wrap a service operation to get a span and the RED instruments:
//
//	ctx, done := obs.TrackOperation(ctx, "disbursement.approve")
//	err := doWork(ctx)
//	done(err)
//
// Record domain counters:
//
//	obs.RecordRequestCreated(ctx, total, len(recipients))
//	obs.RecordRelay(ctx, "executed")
//	obs.RecordBatchAnchored(ctx, "journal", 64)
package observability
