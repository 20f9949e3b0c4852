// Package api exposes the kernel over HTTP. Error responses use RFC 7807
// problem details, except kernel failures which keep their own body.
package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/execlayer/kernel/pkg/receipts"
)

// ProblemDetail implements RFC 7807 (Problem Details for HTTP APIs).
type ProblemDetail struct {
	// Type is a URI reference that identifies the problem type.
	Type string `json:"type"`
	// Title is a short, human-readable summary of the problem type.
	Title string `json:"title"`
	// Status is the HTTP status code.
	Status int `json:"status"`
	// Detail is a human-readable explanation specific to this occurrence.
	Detail string `json:"detail,omitempty"`
	// Instance is a URI reference identifying the specific occurrence.
	Instance string `json:"instance,omitempty"`
}

func (p *ProblemDetail) Error() string {
	return fmt.Sprintf("%s: %s", p.Title, p.Detail)
}

// WriteError writes an RFC 7807 Problem Detail JSON response.
func WriteError(w http.ResponseWriter, r *http.Request, status int, title, detail string) {
	problem := &ProblemDetail{
		Type:   fmt.Sprintf("https://execlayer.dev/errors/%d", status),
		Title:  title,
		Status: status,
		Detail: detail,
	}
	if r != nil {
		problem.Instance = r.URL.Path
	}

	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(problem)
}

func WriteBadRequest(w http.ResponseWriter, r *http.Request, detail string) {
	WriteError(w, r, http.StatusBadRequest, "Bad Request", detail)
}

func WriteNotFound(w http.ResponseWriter, r *http.Request, detail string) {
	WriteError(w, r, http.StatusNotFound, "Not Found", detail)
}

func WriteMethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	WriteError(w, r, http.StatusMethodNotAllowed, "Method Not Allowed", "The HTTP method is not supported for this endpoint")
}

func WriteConflict(w http.ResponseWriter, r *http.Request, detail string) {
	WriteError(w, r, http.StatusConflict, "Conflict", detail)
}

// WriteTooManyRequests writes a 429 error response with Retry-After header.
func WriteTooManyRequests(w http.ResponseWriter, r *http.Request, retryAfterSecs int) {
	w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfterSecs))
	WriteError(w, r, http.StatusTooManyRequests, "Too Many Requests", "Rate limit exceeded. Retry after the specified interval.")
}

// WriteInternal writes a 500 error response. err is logged, never sent.
func WriteInternal(w http.ResponseWriter, r *http.Request, err error) {
	slog.Error("internal server error", "path", r.URL.Path, "error", err)
	WriteError(w, r, http.StatusInternalServerError, "Internal Server Error", "An unexpected error occurred. Please try again later.")
}

// KernelFailure is the body returned when Intercept fails.
type KernelFailure struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	ReceiptID string `json:"receipt_id"`
	Note      string `json:"note"`
}

const kernelFailureNote = "In production mode, this would emit a failure receipt with full context."

// WriteKernelFailure writes a 500 carrying a fresh err_ identifier.
func WriteKernelFailure(w http.ResponseWriter, err error) {
	body := KernelFailure{
		Error:     "Kernel execution failed",
		Message:   err.Error(),
		ReceiptID: receipts.MintErrorID(),
		Note:      kernelFailureNote,
	}
	slog.Error("kernel execution failed", "receipt_id", body.ReceiptID, "error", err)
	writeJSON(w, http.StatusInternalServerError, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
