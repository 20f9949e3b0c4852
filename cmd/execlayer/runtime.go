package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/execlayer/kernel/pkg/api"
	"github.com/execlayer/kernel/pkg/archive"
	"github.com/execlayer/kernel/pkg/audit"
	"github.com/execlayer/kernel/pkg/config"
	"github.com/execlayer/kernel/pkg/crypto"
	"github.com/execlayer/kernel/pkg/escalation"
	"github.com/execlayer/kernel/pkg/kernel"
	"github.com/execlayer/kernel/pkg/observability"
	"github.com/execlayer/kernel/pkg/policy"
	"github.com/execlayer/kernel/pkg/tooling"
)

// approvalRetention keeps resolved or expired approvals readable in Redis.
const approvalRetention = 7 * 24 * time.Hour

// runtime holds the wired subsystems of a serving process.
type runtime struct {
	kernel    *kernel.Kernel
	server    *api.Server
	limiter   *api.RateLimiter
	telemetry *observability.Provider
	closers   []io.Closer
}

func (rt *runtime) Close(ctx context.Context) error {
	var errs []error
	if rt.limiter != nil {
		rt.limiter.Stop()
	}
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if rt.telemetry != nil {
		errs = append(errs, rt.telemetry.Shutdown(ctx))
	}
	return errors.Join(errs...)
}

func newSigner(cfg *config.Config) (*crypto.HMACSigner, error) {
	return crypto.NewHMACSigner([]byte(cfg.SigningSecret), cfg.SigningKeyID)
}

func openSink(ctx context.Context, cfg *config.Config) (audit.Sink, error) {
	switch cfg.AuditSink {
	case config.SinkFile:
		return audit.NewFileSink(cfg.AuditLogPath)
	case config.SinkSQLite:
		return audit.OpenSQLSink(ctx, audit.DialectSQLite, cfg.DatabaseURL)
	case config.SinkPostgres:
		return audit.OpenSQLSink(ctx, audit.DialectPostgres, cfg.DatabaseURL)
	case config.SinkMemory:
		return audit.NewMemorySink(), nil
	}
	return nil, fmt.Errorf("unknown audit sink %q", cfg.AuditSink)
}

func loadBundle(path string) (*policy.Bundle, error) {
	if path == "" {
		return policy.DefaultBundle(), nil
	}
	return policy.LoadBundleFile(path, kernel.Version)
}

func openApprovalStore(cfg *config.Config) (escalation.Store, io.Closer) {
	if cfg.ApprovalStore == config.ApprovalsRedis {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		return escalation.NewRedisStore(client, "", approvalRetention), client
	}
	return escalation.NewMemoryStore(), nil
}

// buildRuntime wires every subsystem from cfg. On error, anything already
// opened is closed.
func buildRuntime(ctx context.Context, cfg *config.Config) (_ *runtime, err error) {
	rt := &runtime{}
	defer func() {
		if err != nil {
			_ = rt.Close(ctx)
		}
	}()

	rt.telemetry, err = observability.New(ctx, cfg.Observability(kernel.Version))
	if err != nil {
		return nil, fmt.Errorf("observability: %w", err)
	}

	signer, err := newSigner(cfg)
	if err != nil {
		return nil, fmt.Errorf("signer: %w", err)
	}

	bundle, err := loadBundle(cfg.PolicyBundlePath)
	if err != nil {
		return nil, err
	}
	log.Printf("[execlayer] policy bundle: %s@%s (%d rules)", bundle.ID(), bundle.Version(), len(bundle.Rules()))

	sink, err := openSink(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("audit sink: %w", err)
	}
	if c, ok := sink.(io.Closer); ok {
		rt.closers = append(rt.closers, c)
	}
	auditLog, err := audit.Open(ctx, sink)
	if err != nil {
		return nil, err
	}
	log.Printf("[execlayer] audit sink: %s (head %q)", cfg.AuditSink, auditLog.Head())

	store, closer := openApprovalStore(cfg)
	if closer != nil {
		rt.closers = append(rt.closers, closer)
	}
	approvals, err := escalation.NewManager(store, signer, cfg.ApprovalTTL)
	if err != nil {
		return nil, err
	}
	log.Printf("[execlayer] approvals: %s (ttl %s)", cfg.ApprovalStore, cfg.ApprovalTTL)

	opts := []kernel.Option{
		kernel.WithMode(kernel.Mode(cfg.Mode)),
		kernel.WithApprovals(approvals),
		kernel.WithTelemetry(rt.telemetry),
	}
	arch, err := archive.New(ctx, cfg.Archive)
	if err != nil {
		return nil, fmt.Errorf("archive: %w", err)
	}
	if arch != nil {
		opts = append(opts, kernel.WithArchive(arch))
		if c, ok := arch.(io.Closer); ok {
			rt.closers = append(rt.closers, c)
		}
		log.Printf("[execlayer] receipt archive: %s", cfg.Archive.Type)
	}

	rt.kernel, err = kernel.New(policy.NewEngine(bundle), tooling.DefaultRegistry(), signer, auditLog, opts...)
	if err != nil {
		return nil, err
	}

	rt.limiter = api.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
	rt.server = api.NewServer(rt.kernel, api.WithRateLimiter(rt.limiter))
	return rt, nil
}
