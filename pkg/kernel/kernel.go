// Package kernel is the execution authority: it intercepts a proposed tool
// call, validates it, evaluates the policy bundle and emits either an ALLOW
// summary or a signed, chained receipt.
package kernel

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/execlayer/kernel/pkg/archive"
	"github.com/execlayer/kernel/pkg/audit"
	"github.com/execlayer/kernel/pkg/contracts"
	"github.com/execlayer/kernel/pkg/crypto"
	"github.com/execlayer/kernel/pkg/escalation"
	"github.com/execlayer/kernel/pkg/observability"
	"github.com/execlayer/kernel/pkg/policy"
	"github.com/execlayer/kernel/pkg/receipts"
	"github.com/execlayer/kernel/pkg/tooling"
)

// Kernel identity stamped onto every receipt.
const (
	Name    = "ExecLayerKernel"
	Version = "1.0.0"
)

// Mode selects demo or production behaviour.
type Mode string

const (
	ModeDemo       Mode = "demo"
	ModeProduction Mode = "production"
)

// Outputs reported on ALLOW summaries.
const (
	DemoOutput       = "Mock execution succeeded (demo mode)."
	ProductionOutput = "Execution authorized."
	demoAttrValue    = "DEMO"
)

// State is the lifecycle position of one interception.
type State int

const (
	StateReceived State = iota
	StateValidated
	StateEvaluated
	StateAllowed
	StateReceipted
	StateError
)

func (s State) String() string {
	switch s {
	case StateReceived:
		return "received"
	case StateValidated:
		return "validated"
	case StateEvaluated:
		return "evaluated"
	case StateAllowed:
		return "allowed"
	case StateReceipted:
		return "receipted"
	case StateError:
		return "error"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Result is the outcome of Intercept. Exactly one of Allow or Receipt is
// set.
type Result struct {
	State    State
	Verdict  contracts.Verdict
	Allow    *contracts.AllowSummary
	Receipt  *contracts.Receipt
	Entry    *audit.Entry
	Approval *escalation.Approval
}

// Body returns the value returned to the caller over the wire.
func (r *Result) Body() any {
	if r.Allow != nil {
		return r.Allow
	}
	return r.Receipt
}

// Kernel orchestrates one decision per Intercept call. It is safe for
// concurrent use; only audit appends are serialized.
type Kernel struct {
	mode      Mode
	engine    *policy.Engine
	validator tooling.Validator
	signer    crypto.Signer
	log       *audit.Log
	builder   *receipts.Builder
	approvals *escalation.Manager
	archive   archive.Store
	telemetry *observability.Provider
	logger    *slog.Logger
}

// Option configures a Kernel.
type Option func(*Kernel)

// WithMode sets the execution mode. The default is demo.
func WithMode(m Mode) Option { return func(k *Kernel) { k.mode = m } }

// WithApprovals registers ESCALATE receipts with m.
func WithApprovals(m *escalation.Manager) Option { return func(k *Kernel) { k.approvals = m } }

// WithArchive mirrors chained receipts to s.
func WithArchive(s archive.Store) Option { return func(k *Kernel) { k.archive = s } }

// WithTelemetry records spans and metrics through p.
func WithTelemetry(p *observability.Provider) Option { return func(k *Kernel) { k.telemetry = p } }

// WithBuilder overrides the receipt builder.
func WithBuilder(b *receipts.Builder) Option { return func(k *Kernel) { k.builder = b } }

// WithLogger overrides the logger.
func WithLogger(l *slog.Logger) Option { return func(k *Kernel) { k.logger = l } }

// New assembles a kernel.
func New(engine *policy.Engine, validator tooling.Validator, signer crypto.Signer, log *audit.Log, opts ...Option) (*Kernel, error) {
	if engine == nil || validator == nil || signer == nil || log == nil {
		return nil, fmt.Errorf("kernel: engine, validator, signer and audit log are required")
	}
	k := &Kernel{
		mode:      ModeDemo,
		engine:    engine,
		validator: validator,
		signer:    signer,
		log:       log,
		logger:    slog.Default().With("component", "kernel"),
	}
	for _, opt := range opts {
		opt(k)
	}
	if k.mode != ModeDemo && k.mode != ModeProduction {
		return nil, fmt.Errorf("kernel: unknown mode %q", k.mode)
	}
	if k.builder == nil {
		k.builder = receipts.NewBuilder(Name, Version)
	}
	if k.telemetry == nil {
		k.telemetry = observability.Disabled()
	}
	return k, nil
}

// Mode returns the execution mode.
func (k *Kernel) Mode() Mode { return k.mode }

// Bundle returns the active policy bundle.
func (k *Kernel) Bundle() *policy.Bundle { return k.engine.Bundle() }

// AuditLog returns the chained log the kernel appends to.
func (k *Kernel) AuditLog() *audit.Log { return k.log }

// Signer returns the receipt signer.
func (k *Kernel) Signer() crypto.Signer { return k.signer }

// Approvals returns the approval manager, or nil.
func (k *Kernel) Approvals() *escalation.Manager { return k.approvals }

// Intercept decides one tool call. Validation failures yield an unchained
// ERROR receipt and a nil error. Rule faults, signing failures and audit
// append failures are returned as errors with no receipt.
//
// Cancellation of ctx is ignored: once started, a decision runs to a
// terminal state so that it is recorded. Values such as the trace parent
// are kept.
func (k *Kernel) Intercept(ctx context.Context, ec contracts.ExecutionContext, tc contracts.ToolCall) (*Result, error) {
	start := time.Now()
	ctx = context.WithoutCancel(ctx)
	ctx, span := k.telemetry.StartSpan(ctx, "kernel.intercept",
		attribute.String("session_id", ec.SessionID),
		attribute.String("agent_id", ec.AgentID),
		attribute.String("mode", string(k.mode)),
	)
	defer span.End()

	res, stage, err := k.intercept(ctx, ec, tc, start)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, stage)
		k.telemetry.RecordError(ctx, stage, err)
		k.logger.ErrorContext(ctx, "interception failed", "stage", stage, "session_id", ec.SessionID, "error", err)
		return nil, err
	}

	span.SetAttributes(
		attribute.String("verdict", string(res.Verdict)),
		attribute.String("state", res.State.String()),
	)
	tool, _ := tc.Function()
	k.telemetry.RecordDecision(ctx, string(res.Verdict), tool, time.Since(start))
	return res, nil
}

func (k *Kernel) intercept(ctx context.Context, ec contracts.ExecutionContext, tc contracts.ToolCall, start time.Time) (*Result, string, error) {
	res := &Result{State: StateReceived}

	if err := k.validator.Validate(tc); err != nil {
		res.State = StateError
		res.Verdict = contracts.VerdictError
		res.Receipt = k.builder.Error(ec, tc, err.Error(), time.Since(start))
		k.logger.WarnContext(ctx, "tool call rejected", "session_id", ec.SessionID, "error", err)
		return res, "", nil
	}
	res.State = StateValidated

	tool, _ := tc.Function()
	params, _ := tc.Parameters()

	bundle := k.engine.Bundle()
	ec = ec.
		WithAttribute(contracts.AttrPolicyBundleID, bundle.ID()).
		WithAttribute(contracts.AttrPolicyBundleVersion, bundle.Version())
	if k.mode == ModeDemo {
		ec = ec.WithAttribute(contracts.AttrExecutionMode, demoAttrValue)
	}

	outcome, err := k.engine.Evaluate(ec, tool, params)
	if err != nil {
		return nil, "evaluate", fmt.Errorf("kernel: evaluate: %w", err)
	}
	res.State = StateEvaluated
	latency := time.Since(start)

	if outcome == nil {
		return k.allow(ctx, res, ec, tool, latency)
	}
	return k.receipt(ctx, res, ec, tool, params, outcome, latency)
}

func (k *Kernel) allow(ctx context.Context, res *Result, ec contracts.ExecutionContext, tool string, latency time.Duration) (*Result, string, error) {
	output := ProductionOutput
	if k.mode == ModeDemo {
		output = DemoOutput
	}

	entry, err := k.append(ctx, allowEvent{
		Event:        string(contracts.VerdictAllow),
		SessionID:    ec.SessionID,
		AgentID:      ec.AgentID,
		Tool:         tool,
		LatencyMS:    latency.Milliseconds(),
		TimestampUTC: k.builder.Now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return nil, "append", err
	}

	k.logger.InfoContext(ctx, "tool call allowed",
		"tool", tool,
		"session_id", ec.SessionID,
		"agent_id", ec.AgentID,
		"latency_ms", latency.Milliseconds(),
	)
	res.State = StateAllowed
	res.Verdict = contracts.VerdictAllow
	res.Entry = entry
	res.Allow = &contracts.AllowSummary{Status: contracts.VerdictAllow, Mode: string(k.mode), Output: output}
	return res, "", nil
}

func (k *Kernel) receipt(ctx context.Context, res *Result, ec contracts.ExecutionContext, tool string, params map[string]any, outcome *contracts.PolicyOutcome, latency time.Duration) (*Result, string, error) {
	r := k.builder.Base(ec, tool, params)
	receipts.AttachGovernance(r, outcome, latency)
	if _, err := k.builder.Enforce(r, string(k.mode)); err != nil {
		return nil, "enforce", fmt.Errorf("kernel: %w", err)
	}
	if k.mode == ModeDemo {
		r.Disclaimer = receipts.DemoDisclaimer
	}

	if err := receipts.Sign(r, k.signer); err != nil {
		return nil, "sign", fmt.Errorf("kernel: sign receipt: %w", err)
	}

	entry, err := k.append(ctx, receiptEvent{Event: string(outcome.Verdict), Receipt: r})
	if err != nil {
		return nil, "append", err
	}

	// Only a chained receipt may become actionable. If registration fails
	// the ESCALATE stays in the chain with no approval to grant.
	if outcome.Verdict == contracts.VerdictEscalate && k.approvals != nil {
		approval, err := k.approvals.Register(ctx, r)
		if err != nil {
			return nil, "escalate", fmt.Errorf("kernel: register approval: %w", err)
		}
		res.Approval = approval
	}
	r.Audit = &contracts.AuditLinkSection{
		EntryHash:     entry.EntryHash,
		PrevEntryHash: entry.PrevEntryHash,
		StorageNote:   receipts.StorageNote,
	}

	k.mirror(ctx, r)

	k.logger.InfoContext(ctx, "tool call receipted",
		"verdict", outcome.Verdict,
		"rule_id", outcome.RuleID,
		"receipt_id", r.ReceiptID,
		"tool", tool,
		"session_id", ec.SessionID,
		"latency_ms", latency.Milliseconds(),
	)
	res.State = StateReceipted
	res.Verdict = outcome.Verdict
	res.Receipt = r
	res.Entry = entry
	return res, "", nil
}

type allowEvent struct {
	Event        string `json:"event"`
	SessionID    string `json:"session_id"`
	AgentID      string `json:"agent_id"`
	Tool         string `json:"tool"`
	LatencyMS    int64  `json:"latency_ms"`
	TimestampUTC string `json:"timestamp_utc"`
}

type receiptEvent struct {
	Event   string             `json:"event"`
	Receipt *contracts.Receipt `json:"receipt"`
}

func (k *Kernel) append(ctx context.Context, payload any) (*audit.Entry, error) {
	entry, err := k.log.Append(ctx, payload)
	k.telemetry.RecordAppend(ctx, err == nil)
	if err != nil {
		return nil, fmt.Errorf("kernel: audit append: %w", err)
	}
	return entry, nil
}

// mirror copies the chained receipt to the archive. Failures are logged;
// the audit log remains the system of record.
func (k *Kernel) mirror(ctx context.Context, r *contracts.Receipt) {
	if k.archive == nil {
		return
	}
	hash, err := archive.PutReceipt(ctx, k.archive, r)
	if err != nil {
		k.logger.WarnContext(ctx, "receipt archive failed", "receipt_id", r.ReceiptID, "error", err)
		return
	}
	k.logger.DebugContext(ctx, "receipt archived", "receipt_id", r.ReceiptID, "hash", hash)
}
