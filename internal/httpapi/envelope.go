// Package httpapi implements the external HTTP surface spec.md §6
// names, treated as the "collaborator" spec.md §1 places out of scope
// for the core: thin net/http handlers decoding/encoding the uniform
// envelope and calling straight into the component stores.
package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/kpnc/server/internal/apperr"
)

// envelope is the uniform `{data?, error?}` response shape spec.md §6
// requires on every endpoint, always served with HTTP 200 (the
// "legacy constraint" spec.md §7 names).
type envelope struct {
	Data  any    `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
}

func writeData(w http.ResponseWriter, data any) {
	writeEnvelope(w, envelope{Data: data})
}

func writeSuccess(w http.ResponseWriter) {
	writeData(w, map[string]bool{"success": true})
}

// writeErr recovers ClientValidation/NotFound/Conflict into the
// user-visible error envelope (spec.md §7); anything else is an
// internal failure that still can't break the "always 200" contract,
// so it is reported with a generic message.
func writeErr(w http.ResponseWriter, err error) {
	if kind, ok := apperr.KindOf(err); ok {
		switch kind {
		case apperr.KindClientValidation, apperr.KindNotFound, apperr.KindConflict:
			writeEnvelope(w, envelope{Error: err.Error()})
			return
		}
	}
	writeEnvelope(w, envelope{Error: "internal error"})
}

func writeEnvelope(w http.ResponseWriter, e envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(e)
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return apperr.ClientValidation("malformed request body")
	}
	return nil
}
