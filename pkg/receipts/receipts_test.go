package receipts

import (
	"encoding/json"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/execlayer/kernel/pkg/compliance"
	"github.com/execlayer/kernel/pkg/contracts"
	"github.com/execlayer/kernel/pkg/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2026, 3, 1, 12, 30, 45, 987654321, time.UTC)

func testBuilder() *Builder {
	return NewBuilder("ExecLayerKernel", "1.0.0",
		WithClock(func() time.Time { return fixedNow }),
		WithHexSource(func() string { return "0123456789abcdef0123456789abcdef" }),
	)
}

func testContext() contracts.ExecutionContext {
	return contracts.NewExecutionContext(
		contracts.Actor{ID: "u1", Display: "Dana", OrgUnit: "eng", Role: "user"},
		"agent_x", "sess1234",
		contracts.Intent{Statement: "share report", Purpose: "general", BusinessProcess: "unspecified"},
		"production", "US", contracts.DataPII, nil,
	)
}

func blockOutcome() *contracts.PolicyOutcome {
	return &contracts.PolicyOutcome{
		Verdict:      contracts.VerdictBlock,
		RiskTier:     contracts.RiskCritical,
		RiskScore:    9.6,
		ViolationKey: compliance.ViolationDataSovereignty,
		Reason:       "Attempted transfer of regulated data to non-compliant destination.",
		RuleID:       "R-DATA-003",
	}
}

func testSigner(t *testing.T) *crypto.HMACSigner {
	t.Helper()
	s, err := crypto.NewHMACSigner([]byte("dev_secret_change_me"), "k1")
	require.NoError(t, err)
	return s
}

func TestBase_Provenance(t *testing.T) {
	b := testBuilder()

	r := b.Base(testContext(), "upload_file", map[string]any{"source": "a"})
	assert.Equal(t, "rcpt_0123456789", r.ReceiptID)
	assert.Equal(t, "2026-03-01T12:30:45Z", r.TimestampUTC)
	assert.Equal(t, UnknownBundleID, r.Kernel.PolicyBundleID)
	assert.Equal(t, UnknownBundleVersion, r.Kernel.PolicyBundleVersion)
	assert.Equal(t, "ExecLayerKernel", r.Kernel.Name)
	assert.Equal(t, "upload_file", r.Intercepted.Tool)
	assert.Nil(t, r.Context.Attributes)

	ec := testContext().
		WithAttribute(contracts.AttrPolicyBundleID, "bundle_execkernel_v1").
		WithAttribute(contracts.AttrPolicyBundleVersion, "1.0.0")
	r = b.Base(ec, "upload_file", nil)
	assert.Equal(t, "bundle_execkernel_v1", r.Kernel.PolicyBundleID)
	assert.Equal(t, "1.0.0", r.Kernel.PolicyBundleVersion)
	assert.Equal(t, "1.0.0", r.Context.Attributes[contracts.AttrPolicyBundleVersion])
}

func TestIdentifierFormats(t *testing.T) {
	b := NewBuilder("ExecLayerKernel", "1.0.0")
	assert.Regexp(t, regexp.MustCompile(`^rcpt_[0-9a-f]{10}$`), b.MintReceiptID())
	assert.Regexp(t, regexp.MustCompile(`^appr_[0-9a-f]{10}$`), b.MintApprovalID())
	assert.Regexp(t, regexp.MustCompile(`^err_[0-9a-f]{8}$`), MintErrorID())
	assert.NotEqual(t, b.MintReceiptID(), b.MintReceiptID())
}

func TestAttachGovernance(t *testing.T) {
	r := testBuilder().Base(testContext(), "upload_file", nil)
	AttachGovernance(r, blockOutcome(), 1500*time.Microsecond)

	assert.Equal(t, contracts.VerdictBlock, r.Verdict.Status)
	assert.Equal(t, int64(1), r.Verdict.LatencyMS)
	require.NotNil(t, r.Verdict.Risk)
	assert.Equal(t, 9.6, r.Verdict.Risk.Score)
	require.NotNil(t, r.Verdict.Policy)
	require.NotNil(t, r.Verdict.Policy.ViolationKey)
	assert.Equal(t, compliance.ViolationDataSovereignty, *r.Verdict.Policy.ViolationKey)
	assert.Equal(t, "AIGP2.1-II.A.3", r.Verdict.Policy.Citation.ControlID)
}

func TestAttachGovernance_NoViolationKey(t *testing.T) {
	r := testBuilder().Base(testContext(), "x", nil)
	o := blockOutcome()
	o.ViolationKey = ""
	AttachGovernance(r, o, 0)

	data, err := json.Marshal(r.Verdict.Policy)
	require.NoError(t, err)
	assert.JSONEq(t, `{"rule_id":"R-DATA-003","violation_key":null,"citation":{}}`, string(data))
}

func TestEnforce(t *testing.T) {
	b := testBuilder()

	r := b.Base(testContext(), "upload_file", nil)
	AttachGovernance(r, blockOutcome(), 0)
	id, err := b.Enforce(r, "demo")
	require.NoError(t, err)
	assert.Empty(t, id)
	assert.Equal(t, contracts.ActionTerminated, r.Enforcement.Action)
	assert.Equal(t, "demo", r.Enforcement.Mode)

	o := blockOutcome()
	o.Verdict = contracts.VerdictEscalate
	AttachGovernance(r, o, 0)
	id, err = b.Enforce(r, "production")
	require.NoError(t, err)
	assert.Equal(t, "appr_0123456789", id)
	assert.Equal(t, contracts.ActionEscalated, r.Enforcement.Action)
	assert.Equal(t, id, r.Enforcement.ApprovalID)

	r.Verdict.Status = contracts.VerdictAllow
	_, err = b.Enforce(r, "demo")
	assert.Error(t, err)
}

func TestSignVerify_RoundTrip(t *testing.T) {
	s := testSigner(t)
	b := testBuilder()
	r := b.Base(testContext(), "upload_file", map[string]any{"source": "customers.csv", "destination": "public_s3_bucket"})
	AttachGovernance(r, blockOutcome(), 3*time.Millisecond)
	_, err := b.Enforce(r, "demo")
	require.NoError(t, err)
	r.Disclaimer = DemoDisclaimer

	require.NoError(t, Sign(r, s))
	require.NotNil(t, r.Crypto)
	assert.Equal(t, "HMAC-SHA256", r.Crypto.SignatureType)
	assert.Regexp(t, `^sha256:[0-9a-f]{64}$`, r.Crypto.PayloadHash)
	assert.NoError(t, Verify(r, s))

	// The audit block is attached after signing and is outside the signature.
	prev := "sha256:" + "00"
	r.Audit = &contracts.AuditLinkSection{EntryHash: "sha256:ff", PrevEntryHash: &prev, StorageNote: StorageNote}
	assert.NoError(t, Verify(r, s))

	// A JSON round trip must still verify.
	data, err := json.Marshal(r)
	require.NoError(t, err)
	var decoded contracts.Receipt
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.NoError(t, Verify(&decoded, s))
}

func TestVerify_DetectsTamper(t *testing.T) {
	s := testSigner(t)
	newSigned := func() *contracts.Receipt {
		r := testBuilder().Base(testContext(), "upload_file", map[string]any{"destination": "public"})
		AttachGovernance(r, blockOutcome(), 0)
		_, _ = testBuilder().Enforce(r, "demo")
		require.NoError(t, Sign(r, s))
		return r
	}

	mutations := map[string]func(r *contracts.Receipt){
		"verdict":     func(r *contracts.Receipt) { r.Verdict.Status = contracts.VerdictEscalate },
		"risk score":  func(r *contracts.Receipt) { r.Verdict.Risk.Score = 1.0 },
		"actor":       func(r *contracts.Receipt) { r.Actor.ID = "mallory" },
		"parameters":  func(r *contracts.Receipt) { r.Intercepted.Parameters = map[string]any{"destination": "private"} },
		"enforcement": func(r *contracts.Receipt) { r.Enforcement.Action = "NONE" },
		"timestamp":   func(r *contracts.Receipt) { r.TimestampUTC = "2020-01-01T00:00:00Z" },
		"signature":   func(r *contracts.Receipt) { r.Crypto.SignatureB64 = "AAAA" },
	}
	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			r := newSigned()
			mutate(r)
			assert.True(t, errors.Is(Verify(r, s), ErrSignatureMismatch))
		})
	}

	t.Run("wrong key", func(t *testing.T) {
		other, _ := crypto.NewHMACSigner([]byte("another"), "k2")
		assert.True(t, errors.Is(Verify(newSigned(), other), ErrSignatureMismatch))
	})
	t.Run("unsigned", func(t *testing.T) {
		r := newSigned()
		r.Crypto = nil
		assert.True(t, errors.Is(Verify(r, s), ErrUnsigned))
	})
}

func TestVerifyJSON_CoversUnknownFields(t *testing.T) {
	s := testSigner(t)
	r := testBuilder().Base(testContext(), "upload_file", map[string]any{"destination": "public"})
	AttachGovernance(r, blockOutcome(), 2*time.Millisecond)
	_, err := testBuilder().Enforce(r, "demo")
	require.NoError(t, err)
	require.NoError(t, Sign(r, s))
	prev := "sha256:00"
	r.Audit = &contracts.AuditLinkSection{EntryHash: "sha256:ff", PrevEntryHash: &prev, StorageNote: StorageNote}

	data, err := json.Marshal(r)
	require.NoError(t, err)
	got, err := VerifyJSON(data, s)
	require.NoError(t, err)
	assert.Equal(t, r.ReceiptID, got.ReceiptID)

	inject := map[string]func(doc map[string]any){
		"top level": func(doc map[string]any) { doc["approved_by"] = "ciso" },
		"nested":    func(doc map[string]any) { doc["verdict"].(map[string]any)["override"] = "ALLOW" },
	}
	for name, mutate := range inject {
		t.Run(name, func(t *testing.T) {
			var doc map[string]any
			require.NoError(t, json.Unmarshal(data, &doc))
			mutate(doc)
			tampered, err := json.Marshal(doc)
			require.NoError(t, err)

			got, err := VerifyJSON(tampered, s)
			require.NotNil(t, got)
			assert.True(t, errors.Is(err, ErrSignatureMismatch))
		})
	}

	t.Run("audit block is outside the signature", func(t *testing.T) {
		var doc map[string]any
		require.NoError(t, json.Unmarshal(data, &doc))
		doc["audit"] = map[string]any{"entry_hash": "sha256:aa"}
		moved, err := json.Marshal(doc)
		require.NoError(t, err)
		_, err = VerifyJSON(moved, s)
		assert.NoError(t, err)
	})

	t.Run("malformed", func(t *testing.T) {
		got, err := VerifyJSON([]byte(`{"receipt_id":`), s)
		assert.Nil(t, got)
		assert.Error(t, err)
	})
}

func TestError_Receipt(t *testing.T) {
	b := testBuilder()

	r := b.Error(testContext(), contracts.ToolCall{"parameters": "oops"}, "Tool call missing required keys: function, parameters", 2*time.Millisecond)
	assert.Equal(t, contracts.VerdictError, r.Verdict.Status)
	assert.Equal(t, "unknown", r.Intercepted.Tool)
	assert.Equal(t, "oops", r.Intercepted.Parameters)
	assert.Equal(t, ErrorNote, r.Verdict.Note)
	assert.Equal(t, contracts.ActionBlockedErr, r.Enforcement.Action)
	assert.Empty(t, r.Enforcement.Mode)
	assert.Nil(t, r.Crypto)
	assert.Nil(t, r.Audit)

	r = b.Error(testContext(), contracts.ToolCall{"function": "delete_database"}, "x", 0)
	assert.Equal(t, "delete_database", r.Intercepted.Tool)
	assert.Equal(t, map[string]any{}, r.Intercepted.Parameters)
}
