package contracts

// ToolCall is the intercepted invocation as decoded from the wire. It is
// kept untyped so that structural validation can reject malformed shapes.
type ToolCall map[string]any

// Function returns the tool name when present and a string.
func (tc ToolCall) Function() (string, bool) {
	fn, ok := tc["function"].(string)
	return fn, ok
}

// Parameters returns the parameter object when present and an object.
func (tc ToolCall) Parameters() (map[string]any, bool) {
	p, ok := tc["parameters"].(map[string]any)
	return p, ok
}

// Citation ties a violation to a compliance framework control.
// The zero value serializes as an empty object.
type Citation struct {
	Framework   string `json:"framework,omitempty"`
	Domain      string `json:"domain,omitempty"`
	Competency  string `json:"competency,omitempty"`
	ControlID   string `json:"control_id,omitempty"`
	Description string `json:"description,omitempty"`
}

// Receipt is the signed forensic record of a single policy decision.
// Crypto and Audit are excluded from the signed canonical form.
type Receipt struct {
	ReceiptID    string             `json:"receipt_id"`
	TimestampUTC string             `json:"timestamp_utc"`
	Kernel       KernelSection      `json:"kernel"`
	Actor        Actor              `json:"actor"`
	Agent        AgentSection       `json:"agent"`
	Intent       Intent             `json:"intent"`
	Context      ContextSection     `json:"context"`
	Intercepted  InterceptedSection `json:"intercepted"`
	Verdict      VerdictSection     `json:"verdict"`
	Enforcement  EnforcementSection `json:"enforcement"`
	Disclaimer   string             `json:"disclaimer,omitempty"`
	Crypto       *CryptoSection     `json:"crypto,omitempty"`
	Audit        *AuditLinkSection  `json:"audit,omitempty"`
}

type KernelSection struct {
	Name                string `json:"name"`
	KernelVersion       string `json:"kernel_version"`
	PolicyBundleID      string `json:"policy_bundle_id"`
	PolicyBundleVersion string `json:"policy_bundle_version"`
}

type AgentSection struct {
	AgentID     string `json:"agent_id"`
	SessionID   string `json:"session_id"`
	Environment string `json:"environment"`
}

type ContextSection struct {
	Jurisdiction string            `json:"jurisdiction"`
	DataClass    DataClass         `json:"data_class"`
	Attributes   map[string]string `json:"attributes,omitempty"`
}

type InterceptedSection struct {
	Tool       string `json:"tool"`
	Parameters any    `json:"parameters"`
}

type VerdictSection struct {
	Status    Verdict        `json:"status"`
	LatencyMS int64          `json:"latency_ms"`
	Risk      *RiskSection   `json:"risk,omitempty"`
	Policy    *PolicySection `json:"policy,omitempty"`
	Error     string         `json:"error,omitempty"`
	Note      string         `json:"note,omitempty"`
}

type RiskSection struct {
	Tier   RiskTier `json:"tier"`
	Score  float64  `json:"score"`
	Reason string   `json:"reason"`
}

type PolicySection struct {
	RuleID       string   `json:"rule_id"`
	ViolationKey *string  `json:"violation_key"`
	Citation     Citation `json:"citation"`
}

// Enforcement actions recorded on a receipt.
const (
	ActionTerminated = "TERMINATED_AT_KERNEL_BOUNDARY"
	ActionEscalated  = "ESCALATED_FOR_HUMAN_APPROVAL"
	ActionBlockedErr = "BLOCKED_DUE_TO_ERROR"
)

type EnforcementSection struct {
	Action     string `json:"action"`
	ApprovalID string `json:"approval_id,omitempty"`
	Mode       string `json:"mode,omitempty"`
}

// SignatureTypeHMACSHA256 is the only signature scheme receipts carry.
const SignatureTypeHMACSHA256 = "HMAC-SHA256"

type CryptoSection struct {
	PayloadHash   string `json:"payload_hash"`
	SignatureType string `json:"signature_type"`
	SignatureB64  string `json:"signature_b64"`
}

type AuditLinkSection struct {
	EntryHash     string  `json:"entry_hash"`
	PrevEntryHash *string `json:"prev_entry_hash"`
	StorageNote   string  `json:"storage_note,omitempty"`
}

// AllowSummary is returned to the caller when no rule fires.
type AllowSummary struct {
	Status Verdict `json:"status"`
	Mode   string  `json:"mode"`
	Output string  `json:"output"`
}
