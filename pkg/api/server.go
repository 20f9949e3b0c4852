package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/execlayer/kernel/pkg/audit"
	"github.com/execlayer/kernel/pkg/compliance"
	"github.com/execlayer/kernel/pkg/contracts"
	"github.com/execlayer/kernel/pkg/escalation"
	"github.com/execlayer/kernel/pkg/kernel"
	"github.com/execlayer/kernel/pkg/receipts"
)

const maxBodyBytes = 1 << 20

// Server serves the kernel's HTTP surface.
type Server struct {
	kernel       *kernel.Kernel
	limiter      *RateLimiter
	newSessionID func() string
	logger       *slog.Logger
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithRateLimiter applies per-IP limiting to every route.
func WithRateLimiter(rl *RateLimiter) ServerOption { return func(s *Server) { s.limiter = rl } }

// WithSessionIDSource overrides how missing session ids are minted.
func WithSessionIDSource(f func() string) ServerOption { return func(s *Server) { s.newSessionID = f } }

func NewServer(k *kernel.Kernel, opts ...ServerOption) *Server {
	s := &Server{
		kernel:       k,
		newSessionID: shortSessionID,
		logger:       slog.Default().With("component", "api"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the routed, rate-limited handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/{$}", s.handleRoot)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/demo", s.handleDemo)
	mux.HandleFunc("/intercept", s.handleIntercept)
	mux.HandleFunc("/v1/audit/verify", s.handleAuditVerify)
	mux.HandleFunc("/v1/approvals/{id}", s.handleApproval)
	mux.HandleFunc("/v1/receipts/verify", s.handleReceiptVerify)

	var h http.Handler = mux
	if s.limiter != nil {
		h = s.limiter.Middleware(h)
	}
	return h
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w, r)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message":     "ExecLayer Kernel v1.0 - Zero-Trust AI Governance",
		"description": "An execution authority kernel that sits between agent intent and system action.",
		"mode":        s.kernel.Mode(),
		"compliance": map[string]string{
			"framework":      compliance.FrameworkAIGP21,
			"mapping":        "Operationalizes BoK control intent at runtime",
			"effective_date": "2026-02-02",
		},
		"storage_notice": "Receipts are immutable forensic artifacts. Long-term storage is a deployment configuration.",
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w, r)
		return
	}
	b := s.kernel.Bundle()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":                "healthy",
		"kernel_version":        kernel.Version,
		"mode":                  s.kernel.Mode(),
		"policy_bundle":         b.ID(),
		"policy_bundle_version": b.Version(),
		"audit_head":            s.kernel.AuditLog().Head(),
	})
}

type demoScenario struct {
	Name            string            `json:"name"`
	Description     string            `json:"description"`
	Citation        string            `json:"citation"`
	ControlID       string            `json:"control_id"`
	ExpectedVerdict contracts.Verdict `json:"expected_verdict"`
}

func (s *Server) handleDemo(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w, r)
		return
	}
	cite := func(key string) (string, string) {
		c := compliance.Lookup(key)
		return "Mapped to AIGP BoK 2.1 " + c.Domain, c.ControlID
	}
	scenarios := []demoScenario{
		{Name: "Efficiency Exfil to Public Bucket", Description: "Agent attempts to upload PII to public S3 for 'faster processing'", ExpectedVerdict: contracts.VerdictBlock},
		{Name: "Slack Secret Scrape", Description: "Agent searches message history for API keys", ExpectedVerdict: contracts.VerdictBlock},
		{Name: "Self Prompt Rewrite", Description: "Agent attempts to modify its own system constraints", ExpectedVerdict: contracts.VerdictBlock},
		{Name: "Cross-Border Confidential Upload", Description: "Agent moves confidential data to another jurisdiction", ExpectedVerdict: contracts.VerdictEscalate},
	}
	keys := []string{
		compliance.ViolationDataSovereignty,
		compliance.ViolationShadowAI,
		compliance.ViolationAgenticArch,
		compliance.ViolationDataSovereignty,
	}
	for i := range scenarios {
		scenarios[i].Citation, scenarios[i].ControlID = cite(keys[i])
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"description": "ExecLayer is an execution authority kernel that sits between agent intent and system action.",
		"mode":        s.kernel.Mode(),
		"scenarios":   scenarios,
		"storage":     "Receipts are immutable forensic artifacts. In production, stream to your own store (S3, GCS, etc).",
	})
}

func (s *Server) handleIntercept(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteMethodNotAllowed(w, r)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var req InterceptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req == nil {
		WriteBadRequest(w, r, "Request body must be a JSON object")
		return
	}

	ec := req.ExecutionContext(s.newSessionID)
	s.logger.DebugContext(r.Context(), "intercept request", "session_id", ec.SessionID, "agent_id", ec.AgentID)
	res, err := s.kernel.Intercept(r.Context(), ec, req.ToolCall())
	if err != nil {
		WriteKernelFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res.Body())
}

type auditReport struct {
	Valid      bool   `json:"valid"`
	Entries    int    `json:"entries"`
	Head       string `json:"head,omitempty"`
	BrokenAt   *int   `json:"broken_at,omitempty"`
	Error      string `json:"error,omitempty"`
	Checkpoint string `json:"checkpoint,omitempty"`
}

func (s *Server) handleAuditVerify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w, r)
		return
	}
	entries, err := s.kernel.AuditLog().Entries(r.Context())
	if err != nil {
		WriteInternal(w, r, err)
		return
	}

	report := auditReport{Entries: len(entries), Checkpoint: r.URL.Query().Get("checkpoint")}
	if report.Checkpoint != "" {
		err = audit.VerifyAgainstCheckpoint(entries, report.Checkpoint)
	} else {
		err = audit.VerifyChain(entries)
	}
	if len(entries) > 0 {
		report.Head = entries[len(entries)-1].EntryHash
	}

	report.Valid = err == nil
	if err != nil {
		report.Error = err.Error()
		var ce *audit.ChainError
		if errors.As(err, &ce) {
			report.BrokenAt = &ce.Index
		}
	}
	writeJSON(w, http.StatusOK, report)
}

type approvalDecision struct {
	Decision string `json:"decision"`
	Approver string `json:"approver"`
}

func (s *Server) handleApproval(w http.ResponseWriter, r *http.Request) {
	m := s.kernel.Approvals()
	if m == nil {
		WriteNotFound(w, r, "Approvals are not enabled")
		return
	}
	id := r.PathValue("id")

	var (
		a   *escalation.Approval
		err error
	)
	switch r.Method {
	case http.MethodGet:
		a, err = m.Get(r.Context(), id)
	case http.MethodPost:
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		var d approvalDecision
		if derr := json.NewDecoder(r.Body).Decode(&d); derr != nil {
			WriteBadRequest(w, r, "Invalid request body")
			return
		}
		if d.Approver == "" {
			WriteBadRequest(w, r, "Missing required field: approver")
			return
		}
		switch d.Decision {
		case "approve", "deny":
		default:
			WriteBadRequest(w, r, `decision must be "approve" or "deny"`)
			return
		}
		a, err = m.Resolve(r.Context(), id, d.Decision == "approve", d.Approver)
	default:
		WriteMethodNotAllowed(w, r)
		return
	}

	switch {
	case errors.Is(err, escalation.ErrNotFound):
		WriteNotFound(w, r, "Unknown approval: "+id)
	case errors.Is(err, escalation.ErrNotPending):
		WriteConflict(w, r, err.Error())
	case errors.Is(err, escalation.ErrBindingMismatch):
		WriteConflict(w, r, "Approval record failed its integrity check")
	case err != nil:
		WriteInternal(w, r, err)
	default:
		writeJSON(w, http.StatusOK, a)
	}
}

type receiptReport struct {
	Valid     bool   `json:"valid"`
	ReceiptID string `json:"receipt_id"`
	Error     string `json:"error,omitempty"`
}

func (s *Server) handleReceiptVerify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteMethodNotAllowed(w, r)
		return
	}
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		WriteBadRequest(w, r, "Invalid receipt")
		return
	}
	rc, err := receipts.VerifyJSON(data, s.kernel.Signer())
	if rc == nil {
		WriteBadRequest(w, r, "Invalid receipt")
		return
	}

	report := receiptReport{ReceiptID: rc.ReceiptID}
	if err != nil {
		report.Error = err.Error()
	} else {
		report.Valid = true
	}
	writeJSON(w, http.StatusOK, report)
}
