// Package jsonutil writes the JSON success and error envelopes shared by the
// huma operations and the raw streaming handlers.
package jsonutil

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	apperr "github.com/ossgate/ossgate/internal/errors"
)

// CodeSuccess is the "code" of every successful response envelope.
const CodeSuccess = 0

// Envelope is the common head of a successful response.
type Envelope struct {
	Code int    `json:"code" example:"0" doc:"Always 0 on success"`
	Msg  string `json:"msg" example:"success"`
}

// OK returns the success envelope.
func OK() Envelope {
	return Envelope{Code: CodeSuccess, Msg: "success"}
}

// ErrorResponse is the body written for failed requests.
type ErrorResponse struct {
	*apperr.Error
	RequestID string `json:"request_id,omitempty"`
}

// WriteError renders err as the JSON error envelope with the status of its
// kind. Foreign errors are reported as internal errors and logged.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	e := apperr.As(err)
	if e.Kind == apperr.KindInternal || e.Kind == apperr.KindPartial {
		zerolog.Ctx(r.Context()).Error().Err(err).Str("path", r.URL.Path).Msg("Request failed")
	}
	WriteJSON(w, e.GetStatus(), ErrorResponse{Error: e, RequestID: middleware.GetReqID(r.Context())})
}

// WriteJSON marshals v as JSON and writes it with the given status code.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"code":"InternalError","message":"encoding response"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(body)
}

// WriteOK writes the success envelope merged with the fields of extra, which
// must marshal to a JSON object or be nil.
func WriteOK(w http.ResponseWriter, extra any) {
	out := map[string]any{"code": CodeSuccess, "msg": "success"}
	if extra != nil {
		raw, err := json.Marshal(extra)
		if err == nil {
			var fields map[string]any
			if json.Unmarshal(raw, &fields) == nil {
				for k, v := range fields {
					out[k] = v
				}
			}
		}
	}
	WriteJSON(w, http.StatusOK, out)
}
