package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"planpal/internal/dispatch"
	"planpal/internal/plan"
	"planpal/internal/storage"
	logx "planpal/pkg/logx"
)

const maxBodyBytes = 64 << 10

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

// writeErr maps domain errors to HTTP status codes.
func (s *Server) writeErr(w http.ResponseWriter, r *http.Request, err error) {
	var (
		inErr  *plan.InputError
		genErr *plan.GenerationError
		trErr  *dispatch.TransportError
	)
	switch {
	case errors.As(err, &inErr):
		writeError(w, http.StatusBadRequest, inErr.Error())
	case errors.As(err, &genErr):
		writeError(w, http.StatusBadRequest, genErr.Error())
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, dispatch.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, storage.ErrBadStatus):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, dispatch.ErrInProgress):
		writeError(w, http.StatusConflict, err.Error())
	case errors.As(err, &trErr):
		writeError(w, http.StatusBadGateway, trErr.Error())
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusServiceUnavailable, "request timed out")
	default:
		s.log.Error("request error", logx.String("path", r.URL.Path), logx.Err(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

var errBadJSON = errors.New("invalid JSON body")

// decodeBody reads a JSON object body. An empty body decodes to the zero value.
func decodeBody(r *http.Request, v any) error {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		return errBadJSON
	}
	if len(data) > maxBodyBytes {
		return errors.New("request body too large")
	}
	if strings.TrimSpace(string(data)) == "" {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return errBadJSON
	}
	return nil
}

func pathID(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}
