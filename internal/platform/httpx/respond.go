package httpx

import (
	"encoding/json"
	"net/http"

	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
)

// problemTypeBase prefixes the problem type URI of every engine error code.
const problemTypeBase = "urn:odyssey-ledger:error:"

// ProblemDetail is an RFC7807 body carrying the engine error code and kind so
// clients can branch without parsing the detail text.
type ProblemDetail struct {
	Type      string `json:"type,omitempty"`
	Title     string `json:"title"`
	Status    int    `json:"status"`
	Code      string `json:"code,omitempty"`
	Kind      string `json:"kind,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
	Detail    string `json:"detail,omitempty"`
}

// ProblemFor describes err. Internal errors keep their message out of the
// body since it may carry connection strings or SQL.
func ProblemFor(err error) ProblemDetail {
	status := StatusFor(err)
	p := ProblemDetail{Title: http.StatusText(status), Status: status}
	kind := shared.KindOf(err)
	if kind == shared.KindInternal {
		return p
	}
	p.Code = shared.CodeOf(err)
	p.Type = problemTypeBase + p.Code
	p.Kind = string(kind)
	p.Retryable = shared.IsRetryable(err)
	p.Detail = err.Error()
	return p
}

// JSON writes data with status. Ledger reads are point-in-time, so responses
// are marked uncacheable.
func JSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// Problem writes p as application/problem+json.
func Problem(w http.ResponseWriter, p ProblemDetail) {
	if p.Status == 0 {
		p.Status = http.StatusInternalServerError
	}
	if p.Title == "" {
		p.Title = http.StatusText(p.Status)
	}
	if p.Retryable {
		w.Header().Set("Retry-After", "1")
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(p.Status)
	_ = json.NewEncoder(w).Encode(p)
}
