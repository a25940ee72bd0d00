package observability

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Mounter registers extra routes on the ops router.
type Mounter interface {
	MountRoutes(r chi.Router)
}

// NewOpsRouter serves /metrics plus whatever the mounters add, typically the
// queue health endpoint.
func NewOpsRouter(m *Metrics, mounters ...Mounter) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(m.Middleware)
	r.Method(http.MethodGet, "/metrics", m.Handler())
	for _, mt := range mounters {
		if mt != nil {
			mt.MountRoutes(r)
		}
	}
	return r
}
