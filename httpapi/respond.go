package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/mohans/sqlgate/domain"
)

type errorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
	JobID string `json:"job_id,omitempty"`
}

const maxBodyBytes = 1 << 20

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// statusFor maps a domain error kind to its HTTP status.
func statusFor(kind domain.Kind) int {
	switch kind {
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindAlreadyExists:
		return http.StatusConflict
	case domain.KindInvalidInput, domain.KindParse:
		return http.StatusBadRequest
	case domain.KindIncompatibleExtension:
		return http.StatusUnprocessableEntity
	case domain.KindTimeout:
		return http.StatusGatewayTimeout
	case domain.KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	s.writeJobError(w, r, "", err)
}

// writeJobError is writeError for failures that still left a job behind.
func (s *Server) writeJobError(w http.ResponseWriter, r *http.Request, jobID string, err error) {
	derr := domain.AsError(err, domain.KindStorage)
	status := statusFor(derr.Kind)
	if status >= http.StatusInternalServerError {
		s.log.Error("request failed", "method", r.Method, "path", r.URL.Path, "job_id", jobID, "error", err)
	}
	writeJSON(w, status, errorBody{Error: derr.Message, Kind: string(derr.Kind), JobID: jobID})
}

// decodeJSON reads a single JSON object from the request body. Numbers in
// untyped fields stay json.Number so bind parameters keep their exact value.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return domain.InvalidInput("request body is empty")
		}
		return domain.InvalidInput("invalid JSON body: %v", err)
	}
	return nil
}
