package cli

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"cdr.dev/slog/v3"

	"github.com/coder/liveness/client"
	"github.com/coder/liveness/presence"
)

type rosterResponse struct {
	Count   int               `json:"count"`
	Members []presence.Member `json:"members"`
}

// router serves metrics and the roster as seen by observer.
func (s *simulation) router(observer *client.Client) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	r.Get("/roster", func(rw http.ResponseWriter, req *http.Request) {
		members := observer.Roster()
		if members == nil {
			members = []presence.Member{}
		}
		rw.Header().Set("Content-Type", "application/json")
		err := json.NewEncoder(rw).Encode(rosterResponse{Count: len(members), Members: members})
		if err != nil {
			s.logger.Debug(req.Context(), "write roster response", slog.Error(err))
		}
	})
	r.Get("/healthz", func(rw http.ResponseWriter, _ *http.Request) {
		rw.WriteHeader(http.StatusOK)
		_, _ = rw.Write([]byte("OK"))
	})
	return r
}
