// Package escalation tracks the human approvals requested by ESCALATE
// receipts.
//
// Each approval carries a binding: an HMAC, under a key derived from the
// kernel signing secret, over every field including its resolution. A
// stored approval whose binding does not verify is treated as tampered.
package escalation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/execlayer/kernel/pkg/canonicalize"
	"github.com/execlayer/kernel/pkg/contracts"
	"github.com/execlayer/kernel/pkg/crypto"
)

var (
	ErrNotFound        = errors.New("escalation: approval not found")
	ErrDuplicate       = errors.New("escalation: approval already exists")
	ErrBindingMismatch = errors.New("escalation: approval binding mismatch")
	ErrNotPending      = errors.New("escalation: approval is not pending")
)

// Status is the lifecycle state of an approval.
type Status string

const (
	StatusPending  Status = "PENDING"
	StatusApproved Status = "APPROVED"
	StatusDenied   Status = "DENIED"
	StatusExpired  Status = "EXPIRED"
)

// Approval is a pending or resolved request for human sign-off.
type Approval struct {
	ApprovalID string    `json:"approval_id"`
	ReceiptID  string    `json:"receipt_id"`
	RuleID     string    `json:"rule_id"`
	SessionID  string    `json:"session_id"`
	AgentID    string    `json:"agent_id"`
	Tool       string    `json:"tool"`
	Status     Status    `json:"status"`
	CreatedAt  time.Time `json:"created_at"`
	ExpiresAt  time.Time `json:"expires_at"`
	ResolvedBy string    `json:"resolved_by,omitempty"`
	ResolvedAt time.Time `json:"resolved_at,omitzero"`
	Binding    string    `json:"binding"`
}

// Store persists approvals.
type Store interface {
	Create(ctx context.Context, a Approval) error
	Get(ctx context.Context, id string) (*Approval, error)
	// Transition replaces the stored approval with a only if its stored
	// status is still from. Otherwise it returns ErrNotPending.
	Transition(ctx context.Context, a Approval, from Status) error
}

// Manager registers and resolves approvals.
type Manager struct {
	mu     sync.Mutex
	store  Store
	signer *crypto.HMACSigner
	ttl    time.Duration
	clock  func() time.Time
	logger *slog.Logger
}

// NewManager derives the binding key from master.
func NewManager(store Store, master *crypto.HMACSigner, ttl time.Duration) (*Manager, error) {
	if ttl <= 0 {
		return nil, fmt.Errorf("escalation: ttl must be positive, got %s", ttl)
	}
	signer, err := master.Derive("approval")
	if err != nil {
		return nil, fmt.Errorf("escalation: derive binding key: %w", err)
	}
	return &Manager{
		store:  store,
		signer: signer,
		ttl:    ttl,
		clock:  time.Now,
		logger: slog.Default().With("component", "escalation"),
	}, nil
}

// WithClock overrides the clock for deterministic testing.
func (m *Manager) WithClock(clock func() time.Time) *Manager {
	m.clock = clock
	return m
}

type bindingFields struct {
	ApprovalID string `json:"approval_id"`
	ReceiptID  string `json:"receipt_id"`
	RuleID     string `json:"rule_id"`
	SessionID  string `json:"session_id"`
	AgentID    string `json:"agent_id"`
	Tool       string `json:"tool"`
	Status     Status `json:"status"`
	CreatedAt  string `json:"created_at"`
	ExpiresAt  string `json:"expires_at"`
	ResolvedBy string `json:"resolved_by"`
	ResolvedAt string `json:"resolved_at"`
}

func bindingTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func bindingPayload(a Approval) ([]byte, error) {
	return canonicalize.JCS(bindingFields{
		ApprovalID: a.ApprovalID,
		ReceiptID:  a.ReceiptID,
		RuleID:     a.RuleID,
		SessionID:  a.SessionID,
		AgentID:    a.AgentID,
		Tool:       a.Tool,
		Status:     a.Status,
		CreatedAt:  bindingTime(a.CreatedAt),
		ExpiresAt:  bindingTime(a.ExpiresAt),
		ResolvedBy: a.ResolvedBy,
		ResolvedAt: bindingTime(a.ResolvedAt),
	})
}

func (m *Manager) bind(a *Approval) error {
	payload, err := bindingPayload(*a)
	if err != nil {
		return fmt.Errorf("escalation: binding payload: %w", err)
	}
	if a.Binding, err = m.signer.Sign(payload); err != nil {
		return fmt.Errorf("escalation: sign binding: %w", err)
	}
	return nil
}

// Register records the approval requested by an ESCALATE receipt.
func (m *Manager) Register(ctx context.Context, r *contracts.Receipt) (*Approval, error) {
	if r.Enforcement.ApprovalID == "" {
		return nil, fmt.Errorf("escalation: receipt %s carries no approval id", r.ReceiptID)
	}
	now := m.clock().UTC().Truncate(time.Second)
	a := Approval{
		ApprovalID: r.Enforcement.ApprovalID,
		ReceiptID:  r.ReceiptID,
		SessionID:  r.Agent.SessionID,
		AgentID:    r.Agent.AgentID,
		Tool:       r.Intercepted.Tool,
		Status:     StatusPending,
		CreatedAt:  now,
		ExpiresAt:  now.Add(m.ttl),
	}
	if r.Verdict.Policy != nil {
		a.RuleID = r.Verdict.Policy.RuleID
	}

	if err := m.bind(&a); err != nil {
		return nil, err
	}

	if err := m.store.Create(ctx, a); err != nil {
		return nil, fmt.Errorf("escalation: store approval: %w", err)
	}
	m.logger.Info("approval requested", "approval_id", a.ApprovalID, "receipt_id", a.ReceiptID, "rule_id", a.RuleID)
	return &a, nil
}

// Get loads an approval and checks its binding. Pending approvals past
// their expiry are reported as EXPIRED.
func (m *Manager) Get(ctx context.Context, id string) (*Approval, error) {
	a, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := m.verify(*a); err != nil {
		return nil, err
	}
	if a.Status == StatusPending && m.clock().After(a.ExpiresAt) {
		a.Status = StatusExpired
	}
	return a, nil
}

func (m *Manager) verify(a Approval) error {
	payload, err := bindingPayload(a)
	if err != nil {
		return fmt.Errorf("escalation: binding payload: %w", err)
	}
	if !m.signer.Verify(payload, a.Binding) {
		return fmt.Errorf("%w: %s", ErrBindingMismatch, a.ApprovalID)
	}
	return nil
}

// Resolve approves or denies a pending approval. The store transition is
// conditional on the approval still being pending, so concurrent resolvers
// sharing a store see exactly one success.
func (m *Manager) Resolve(ctx context.Context, id string, approve bool, approver string) (*Approval, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if a.Status != StatusPending {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotPending, id, a.Status)
	}

	a.Status = StatusDenied
	if approve {
		a.Status = StatusApproved
	}
	a.ResolvedBy = approver
	a.ResolvedAt = m.clock().UTC().Truncate(time.Second)
	if err := m.bind(a); err != nil {
		return nil, err
	}
	if err := m.store.Transition(ctx, *a, StatusPending); err != nil {
		return nil, fmt.Errorf("escalation: update approval: %w", err)
	}
	m.logger.Info("approval resolved", "approval_id", id, "status", a.Status, "resolved_by", approver)
	return a, nil
}
