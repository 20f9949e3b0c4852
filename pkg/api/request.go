package api

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/execlayer/kernel/pkg/contracts"
)

// InterceptRequest is the decoded POST /intercept body. Fields are kept
// loose so absent keys take their defaults and a malformed tool_call is
// reported by the validator rather than the decoder.
type InterceptRequest map[string]any

func (req InterceptRequest) str(key, def string) string {
	v, ok := req[key]
	if !ok || v == nil {
		return def
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

func (req InterceptRequest) optional(key string) *string {
	v, ok := req[key]
	if !ok || v == nil {
		return nil
	}
	s := fmt.Sprint(v)
	return &s
}

// ExecutionContext builds the context, applying defaults. A data_class
// that is missing or unknown falls back to INTERNAL and leaves a
// parse_warning attribute.
func (req InterceptRequest) ExecutionContext(newSessionID func() string) contracts.ExecutionContext {
	dc, warning := contracts.ParseDataClass(req["data_class"])
	var attrs map[string]string
	if warning != "" {
		attrs = map[string]string{contracts.AttrParseWarning: warning}
	}

	sessionID := req.str("session_id", "")
	if sessionID == "" {
		sessionID = newSessionID()
	}

	return contracts.NewExecutionContext(
		contracts.Actor{
			ID:      req.str("actor_id", "anonymous"),
			Display: req.str("actor_display", "Unknown User"),
			OrgUnit: req.str("org_unit", "default"),
			Role:    req.str("role", "user"),
		},
		req.str("agent_id", "unknown_agent"),
		sessionID,
		contracts.Intent{
			Statement:       req.str("intent", "unknown operation"),
			Purpose:         req.str("purpose", "general"),
			BusinessProcess: req.str("process", "unspecified"),
			TicketID:        req.optional("ticket_id"),
		},
		req.str("environment", "production"),
		req.str("jurisdiction", "US"),
		dc,
		attrs,
	)
}

// ToolCall returns the tool_call object, or an empty call when absent or
// not an object.
func (req InterceptRequest) ToolCall() contracts.ToolCall {
	if tc, ok := req["tool_call"].(map[string]any); ok {
		return contracts.ToolCall(tc)
	}
	return contracts.ToolCall{}
}

func shortSessionID() string {
	return uuid.NewString()[:8]
}
