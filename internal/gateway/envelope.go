package gateway

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/nextlevelbuilder/foreman/internal/kanban"
	"github.com/nextlevelbuilder/foreman/internal/orchestrator"
	"github.com/nextlevelbuilder/foreman/internal/store"
)

// envelope is the uniform response shape: {ok:true,data} or
// {ok:false,error}.
type envelope struct {
	OK    bool        `json:"ok"`
	Data  interface{} `json:"data,omitempty"`
	Error string      `json:"error,omitempty"`
}

func writeOK(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(envelope{OK: true, Data: data}); err != nil {
		slog.Warn("gateway.write_failed", "error", err)
	}
}

func writeErr(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{OK: false, Error: msg})
}

// writeMapped translates domain errors into HTTP statuses.
func writeMapped(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeErr(w, http.StatusNotFound, err.Error())
	case errors.Is(err, store.ErrConflict), errors.Is(err, kanban.ErrIllegalTransition):
		writeErr(w, http.StatusConflict, err.Error())
	case errors.Is(err, orchestrator.ErrConcurrencyLimit),
		errors.Is(err, orchestrator.ErrProjectBusy),
		errors.Is(err, orchestrator.ErrCardBusy):
		writeErr(w, http.StatusTooManyRequests, err.Error())
	case errors.Is(err, orchestrator.ErrWorktreeFailed):
		writeErr(w, http.StatusBadGateway, err.Error())
	default:
		slog.Error("gateway.internal_error", "error", err)
		writeErr(w, http.StatusInternalServerError, "internal error")
	}
}

// decodeBody parses a JSON request body into dst; a failure is the caller's
// 400.
func decodeBody(r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

// clampQueryInt reads an integer query parameter and clamps it to [lo, hi].
// Missing or malformed values fall back to def.
func clampQueryInt(r *http.Request, name string, def, lo, hi int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	if n < lo {
		return lo
	}
	if n > hi {
		return hi
	}
	return n
}

// authorize checks the bearer token in constant time.
func authorize(r *http.Request, token string) bool {
	if token == "" {
		return true
	}
	header := r.Header.Get("Authorization")
	got, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		// WS clients cannot always set headers; accept ?token= as well.
		got = r.URL.Query().Get("token")
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(token)) == 1
}
