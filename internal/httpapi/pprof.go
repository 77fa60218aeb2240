package httpapi

import (
	"crypto/subtle"
	"net/http"
	hpprof "net/http/pprof"
	"strings"
)

func mountPprof(mux *http.ServeMux, token string) {
	wrap := func(h http.HandlerFunc) http.Handler { return withToken(token, h) }
	mux.Handle("GET /debug/pprof/", wrap(hpprof.Index))
	mux.Handle("GET /debug/pprof/cmdline", wrap(hpprof.Cmdline))
	mux.Handle("GET /debug/pprof/profile", wrap(hpprof.Profile))
	mux.Handle("GET /debug/pprof/symbol", wrap(hpprof.Symbol))
	mux.Handle("POST /debug/pprof/symbol", wrap(hpprof.Symbol))
	mux.Handle("GET /debug/pprof/trace", wrap(hpprof.Trace))
}

// withToken accepts either "Authorization: Bearer <token>" or ?token=<token>.
// An empty token disables the check.
func withToken(token string, h http.HandlerFunc) http.Handler {
	tok := strings.TrimSpace(token)
	if tok == "" {
		return h
	}
	match := func(got string) bool {
		return subtle.ConstantTimeCompare([]byte(strings.TrimSpace(got)), []byte(tok)) == 1
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("token"); got != "" {
			if match(got) {
				h(w, r)
				return
			}
			unauthorized(w)
			return
		}
		const p = "Bearer "
		if ah := r.Header.Get("Authorization"); strings.HasPrefix(ah, p) && match(strings.TrimPrefix(ah, p)) {
			h(w, r)
			return
		}
		unauthorized(w)
	})
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	writeError(w, http.StatusUnauthorized, "unauthorized")
}
