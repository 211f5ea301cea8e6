package recovery

import (
	"net/http"
	"runtime/debug"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/ansforge/annuaire-sante-fhir-serveur-sub000/internal/api/respond"
	"github.com/ansforge/annuaire-sante-fhir-serveur-sub000/internal/metrics"
)

// New returns middleware that turns a panic in an admin handler into a 500
// carrying the standard error body. The panic is logged and counted under the
// matched route template.
func New(log zerolog.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				route := routeOf(r)
				metrics.AdminPanics.WithLabelValues(route).Inc()
				log.Error().
					Interface("panic", rec).
					Str("method", r.Method).
					Str("route", route).
					Str("query", r.URL.RawQuery).
					Bytes("stack", debug.Stack()).
					Msg("admin handler panicked")
				respond.WriteInternalError(w, "internal error")
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func routeOf(r *http.Request) string {
	if cur := mux.CurrentRoute(r); cur != nil {
		if tpl, err := cur.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return "unmatched"
}
