// Package contracts defines the value types exchanged between the kernel,
// the policy engine, the receipt builder and the transport.
package contracts

// Actor is the principal on whose behalf the agent acts.
type Actor struct {
	ID      string `json:"id"`
	Display string `json:"display"`
	OrgUnit string `json:"org_unit"`
	Role    string `json:"role"`
}

// Intent states why the action is requested.
type Intent struct {
	Statement       string  `json:"statement"`
	Purpose         string  `json:"purpose"`
	BusinessProcess string  `json:"business_process"`
	TicketID        *string `json:"ticket_id"`
}

// Well-known attribute keys stamped onto an ExecutionContext.
const (
	AttrPolicyBundleID      = "policy_bundle_id"
	AttrPolicyBundleVersion = "policy_bundle_version"
	AttrExecutionMode       = "execution_mode"
	AttrParseWarning        = "parse_warning"
)

// ExecutionContext is the per-request envelope. It is a value type:
// WithAttribute returns a new context and never mutates the receiver,
// so the context observed at decision time is preserved.
type ExecutionContext struct {
	Actor        Actor
	AgentID      string
	SessionID    string
	Intent       Intent
	Environment  string
	Jurisdiction string
	DataClass    DataClass
	attributes   map[string]string
}

// NewExecutionContext builds a context with a private copy of attrs.
func NewExecutionContext(actor Actor, agentID, sessionID string, intent Intent, environment, jurisdiction string, dataClass DataClass, attrs map[string]string) ExecutionContext {
	return ExecutionContext{
		Actor:        actor,
		AgentID:      agentID,
		SessionID:    sessionID,
		Intent:       intent,
		Environment:  environment,
		Jurisdiction: jurisdiction,
		DataClass:    dataClass,
		attributes:   copyAttributes(attrs, 0),
	}
}

// WithAttribute returns a copy of ec carrying one more attribute.
func (ec ExecutionContext) WithAttribute(key, value string) ExecutionContext {
	next := ec
	next.attributes = copyAttributes(ec.attributes, 1)
	next.attributes[key] = value
	return next
}

// Attribute returns the attribute value and whether it was set.
func (ec ExecutionContext) Attribute(key string) (string, bool) {
	v, ok := ec.attributes[key]
	return v, ok
}

// AttributeOr returns the attribute value or def when unset.
func (ec ExecutionContext) AttributeOr(key, def string) string {
	if v, ok := ec.attributes[key]; ok {
		return v
	}
	return def
}

// Attributes returns a copy of the auxiliary attributes.
func (ec ExecutionContext) Attributes() map[string]string {
	return copyAttributes(ec.attributes, 0)
}

func copyAttributes(src map[string]string, extra int) map[string]string {
	dst := make(map[string]string, len(src)+extra)
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
