package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/burrowhq/burrow/pkg/errdefs"
	"github.com/burrowhq/burrow/pkg/log"
)

type errorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger := log.WithComponent("api")
		logger.Error().Err(err).Msg("response encoding failed")
	}
}

// writeError maps the error taxonomy onto HTTP status codes
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	kind := ""

	var typed *errdefs.Error
	if errors.As(err, &typed) {
		kind = string(typed.Kind)
		switch typed.Kind {
		case errdefs.KindNotFound:
			status = http.StatusNotFound
		case errdefs.KindConflict:
			status = http.StatusConflict
		case errdefs.KindAccess:
			status = http.StatusForbidden
		case errdefs.KindTimeout:
			status = http.StatusGatewayTimeout
		}
	}

	writeJSON(w, status, errorBody{Error: err.Error(), Kind: kind})
}

func decodeBody(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
