package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/randalmurphal/flowrun/pkg/flowrun"
)

// Kinds produced by the transport itself.
const (
	kindInvalidRequest = "InvalidRequest"
	kindRateLimited    = "RateLimited"
)

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// statusFor maps an error kind to an HTTP status.
func statusFor(kind flowrun.Kind) int {
	switch kind {
	case flowrun.KindInvalidGraph:
		return http.StatusBadRequest
	case flowrun.KindNotFound:
		return http.StatusNotFound
	case flowrun.KindToolNotFound:
		return http.StatusUnprocessableEntity
	case flowrun.KindStorage:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError reports an engine error.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	info := flowrun.Describe(err)
	status := statusFor(flowrun.Kind(info.Kind))
	if errors.Is(err, flowrun.ErrEngineClosed) {
		status = http.StatusServiceUnavailable
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"kind", info.Kind,
			"error", err,
		)
	}
	writeJSON(w, status, errorBody{Kind: info.Kind, Message: info.Message})
}

func writeBadRequest(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusBadRequest, errorBody{Kind: kindInvalidRequest, Message: message})
}

// decode reads a JSON body of at most limit bytes into v.
func decode(w http.ResponseWriter, r *http.Request, limit int64, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, limit))
	if err := dec.Decode(v); err != nil {
		return err
	}
	if dec.More() {
		return errors.New("unexpected data after JSON body")
	}
	return nil
}
