package utils

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/goccy/go-json"
)

func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to write JSON", "error", err)
	}
}

func WriteError(w http.ResponseWriter, status int, msg string) {
	WriteJSON(w, status, map[string]any{
		"error":   http.StatusText(status),
		"message": msg,
	})
}

// QueryLimit reads the "limit" query parameter. An absent value yields def;
// anything outside 1..upper is an error.
func QueryLimit(r *http.Request, def, upper int) (int, error) {
	s := r.URL.Query().Get("limit")
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, errInvalidLimit("invalid 'limit' (expected integer)")
	}
	if n <= 0 {
		return 0, errInvalidLimit("'limit' must be > 0")
	}
	if n > upper {
		return 0, errInvalidLimit("'limit' must be <= " + strconv.Itoa(upper))
	}
	return n, nil
}

type errInvalidLimit string

func (e errInvalidLimit) Error() string { return string(e) }
