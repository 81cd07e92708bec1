package api

import (
	"encoding/json"
	"net/http"

	"github.com/dripcheck/dripcheck/internal/governance"
)

type Response struct {
	Data    any    `json:"data,omitempty"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

type PaginatedResponse struct {
	Data       any   `json:"data"`
	TotalCount int64 `json:"total_count"`
	Page       int   `json:"page"`
	PageSize   int   `json:"page_size"`
}

// RejectionResponse is the body the browser extension expects for any
// request that was refused.
type RejectionResponse struct {
	ErrorKind    governance.Kind `json:"errorKind"`
	Message      string          `json:"message"`
	Error        string          `json:"error"`
	CurrentCount *int            `json:"currentCount,omitempty"`
	MaxAllowed   *int            `json:"maxAllowed,omitempty"`
}

func JSON(w http.ResponseWriter, status int, data any) {
	JSONBody(w, status, Response{Data: data})
}

// JSONBody writes body without the Response envelope. Extension-facing
// routes use it because the extension reads top-level fields.
func JSONBody(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func JSONMessage(w http.ResponseWriter, status int, message string) {
	JSONBody(w, status, Response{Message: message})
}

func JSONPaginated(w http.ResponseWriter, status int, data any, totalCount int64, page, pageSize int) {
	JSONBody(w, status, PaginatedResponse{
		Data:       data,
		TotalCount: totalCount,
		Page:       page,
		PageSize:   pageSize,
	})
}

func JSONError(w http.ResponseWriter, status int, err error) {
	JSONBody(w, status, Response{Error: err.Error()})
}

func JSONErrorMessage(w http.ResponseWriter, status int, message string) {
	JSONBody(w, status, Response{Error: message})
}

func JSONRejection(w http.ResponseWriter, rej *governance.Rejection) {
	JSONBody(w, rej.Kind.HTTPStatus(), RejectionResponse{
		ErrorKind:    rej.Kind,
		Message:      rej.Reason,
		Error:        rej.Reason,
		CurrentCount: rej.CurrentCount,
		MaxAllowed:   rej.MaxAllowed,
	})
}
