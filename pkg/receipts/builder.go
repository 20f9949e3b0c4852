// Package receipts builds, signs and verifies the forensic receipts the
// kernel emits for BLOCK, ESCALATE and ERROR decisions.
package receipts

import (
	"fmt"
	"strings"
	"time"

	"github.com/execlayer/kernel/pkg/compliance"
	"github.com/execlayer/kernel/pkg/contracts"
	"github.com/google/uuid"
)

// Provenance defaults used when a context was never stamped with a bundle.
const (
	UnknownBundleID      = "bundle_unknown"
	UnknownBundleVersion = "0.0.0"
)

// Notes and disclaimers carried on receipts.
const (
	ErrorNote      = "Kernel encountered an error during evaluation"
	DemoDisclaimer = "This is a demonstration. In production, this would block actual tool execution."
	StorageNote    = "Forensic artifact written to ephemeral store. Configure durable storage for production."
)

// Builder assembles receipts. It is safe for concurrent use.
type Builder struct {
	kernelName    string
	kernelVersion string
	clock         func() time.Time
	newHex        func() string
}

// Option configures a Builder.
type Option func(*Builder)

// WithClock overrides the time source.
func WithClock(clock func() time.Time) Option {
	return func(b *Builder) { b.clock = clock }
}

// WithHexSource overrides the random hex source identifiers are cut from.
// It must return at least 10 hex characters.
func WithHexSource(src func() string) Option {
	return func(b *Builder) { b.newHex = src }
}

// NewBuilder returns a builder stamping receipts with the kernel identity.
func NewBuilder(kernelName, kernelVersion string, opts ...Option) *Builder {
	b := &Builder{
		kernelName:    kernelName,
		kernelVersion: kernelVersion,
		clock:         time.Now,
		newHex:        uuidHex,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func uuidHex() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// MintErrorID returns a transport error identifier "err_<8 hex>".
func MintErrorID() string {
	return "err_" + uuidHex()[:8]
}

func (b *Builder) mint(prefix string) string {
	return prefix + "_" + b.newHex()[:10]
}

// Now reads the builder's clock.
func (b *Builder) Now() time.Time { return b.clock() }

// MintReceiptID returns "rcpt_<10 hex>".
func (b *Builder) MintReceiptID() string { return b.mint("rcpt") }

// MintApprovalID returns "appr_<10 hex>".
func (b *Builder) MintApprovalID() string { return b.mint("appr") }

// Timestamp renders t as UTC RFC 3339 with second precision.
func Timestamp(t time.Time) string {
	return t.UTC().Truncate(time.Second).Format("2006-01-02T15:04:05Z")
}

// Base fills identification, provenance and the intercepted call.
func (b *Builder) Base(ec contracts.ExecutionContext, tool string, params any) *contracts.Receipt {
	attrs := ec.Attributes()
	if len(attrs) == 0 {
		attrs = nil
	}
	return &contracts.Receipt{
		ReceiptID:    b.MintReceiptID(),
		TimestampUTC: Timestamp(b.clock()),
		Kernel: contracts.KernelSection{
			Name:                b.kernelName,
			KernelVersion:       b.kernelVersion,
			PolicyBundleID:      ec.AttributeOr(contracts.AttrPolicyBundleID, UnknownBundleID),
			PolicyBundleVersion: ec.AttributeOr(contracts.AttrPolicyBundleVersion, UnknownBundleVersion),
		},
		Actor: ec.Actor,
		Agent: contracts.AgentSection{
			AgentID:     ec.AgentID,
			SessionID:   ec.SessionID,
			Environment: ec.Environment,
		},
		Intent: ec.Intent,
		Context: contracts.ContextSection{
			Jurisdiction: ec.Jurisdiction,
			DataClass:    ec.DataClass,
			Attributes:   attrs,
		},
		Intercepted: contracts.InterceptedSection{
			Tool:       tool,
			Parameters: params,
		},
	}
}

// AttachGovernance records the policy outcome on r.
func AttachGovernance(r *contracts.Receipt, outcome *contracts.PolicyOutcome, latency time.Duration) {
	var key *string
	if outcome.ViolationKey != "" {
		k := outcome.ViolationKey
		key = &k
	}
	r.Verdict = contracts.VerdictSection{
		Status:    outcome.Verdict,
		LatencyMS: latency.Milliseconds(),
		Risk: &contracts.RiskSection{
			Tier:   outcome.RiskTier,
			Score:  outcome.RiskScore,
			Reason: outcome.Reason,
		},
		Policy: &contracts.PolicySection{
			RuleID:       outcome.RuleID,
			ViolationKey: key,
			Citation:     compliance.Lookup(outcome.ViolationKey),
		},
	}
}

// Enforce sets the enforcement action for the receipt's verdict. ESCALATE
// receipts get a fresh approval id, which is returned.
func (b *Builder) Enforce(r *contracts.Receipt, mode string) (string, error) {
	switch r.Verdict.Status {
	case contracts.VerdictBlock:
		r.Enforcement = contracts.EnforcementSection{Action: contracts.ActionTerminated, Mode: mode}
		return "", nil
	case contracts.VerdictEscalate:
		id := b.MintApprovalID()
		r.Enforcement = contracts.EnforcementSection{Action: contracts.ActionEscalated, ApprovalID: id, Mode: mode}
		return id, nil
	}
	return "", fmt.Errorf("receipts: no enforcement for verdict %q", r.Verdict.Status)
}

// Error builds the unsigned receipt returned when a tool call fails
// validation. raw may be malformed; missing pieces fall back to
// "unknown" and an empty parameter object.
func (b *Builder) Error(ec contracts.ExecutionContext, raw contracts.ToolCall, msg string, latency time.Duration) *contracts.Receipt {
	tool := "unknown"
	if v, ok := raw["function"]; ok && v != nil {
		tool = fmt.Sprint(v)
	}
	var params any = map[string]any{}
	if v, ok := raw["parameters"]; ok {
		params = v
	}

	r := b.Base(ec, tool, params)
	r.Verdict = contracts.VerdictSection{
		Status:    contracts.VerdictError,
		LatencyMS: latency.Milliseconds(),
		Error:     msg,
		Note:      ErrorNote,
	}
	r.Enforcement = contracts.EnforcementSection{Action: contracts.ActionBlockedErr}
	return r
}
