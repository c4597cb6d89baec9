// SPDX-License-Identifier: MIT

// Package api exposes the REST and websocket surface of the daemon.
package api

import (
	"net"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/crowdcue/crowdcue/internal/api/middleware"
	"github.com/crowdcue/crowdcue/internal/config"
	"github.com/crowdcue/crowdcue/internal/hub"
	"github.com/crowdcue/crowdcue/internal/lifecycle"
	"github.com/crowdcue/crowdcue/internal/log"
	"github.com/crowdcue/crowdcue/internal/playback"
	"github.com/crowdcue/crowdcue/internal/queue"
)

// Server holds the wired services behind the HTTP surface.
type Server struct {
	events   *lifecycle.Service
	queues   *queue.Manager
	playback *playback.Coordinator
	rooms    *hub.Hub
	cfg      config.Config
	logger   zerolog.Logger
}

func NewServer(events *lifecycle.Service, queues *queue.Manager, coord *playback.Coordinator, rooms *hub.Hub, cfg config.Config) *Server {
	return &Server{
		events:   events,
		queues:   queues,
		playback: coord,
		rooms:    rooms,
		cfg:      cfg,
		logger:   log.WithComponent("api"),
	}
}

// Routes builds the full router including middleware.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.CORS(s.cfg.CORSOrigins))
	r.Use(middleware.Metrics())
	r.Use(log.Middleware())

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	r.Get("/ws", s.handleWebsocket)

	r.Route("/api", func(r chi.Router) {
		r.Route("/venues/{venueID}", func(r chi.Router) {
			r.Get("/events", s.handleListVenueEvents)
		})

		r.Route("/events", func(r chi.Router) {
			r.Post("/", s.handleCreateEvent)

			r.Route("/{eventID}", func(r chi.Router) {
				r.Get("/", s.handleGetEvent)
				r.Patch("/", s.handleUpdateEvent)
				r.Delete("/", s.handleDeleteEvent)

				r.Post("/schedule", s.handleScheduleEvent)
				r.Post("/activate", s.handleActivateEvent)
				r.Post("/end", s.handleEndEvent)
				r.Post("/cancel", s.handleCancelEvent)

				r.Get("/stats", s.handleEventStats)

				limited := r.With(middleware.RateLimit(s.cfg.RateLimitRPS))
				limited.Post("/votes", s.handleVote)
				limited.Post("/queue", s.handleVote)

				r.Get("/queue", s.handleGetQueue)
				r.Delete("/queue", s.handleClearQueue)
				r.Get("/queue/next", s.handleNextTrack)
				r.Get("/queue/stats", s.handleEventStats)
				r.Delete("/queue/{trackID}", s.handleRemoveTrack)
				r.Post("/queue/{trackID}/played", s.handleMarkPlayed)
				r.Post("/queue/{trackID}/skip", s.handleSkipQueued)

				r.Route("/playback", func(r chi.Router) {
					r.Get("/", s.handlePlaybackStatus)
					r.Post("/initialize", s.handleInitializePlayback)
					r.Post("/next", s.handlePlayNext)
					r.Post("/pause", s.handlePause)
					r.Post("/resume", s.handleResume)
					r.Post("/skip", s.handleSkipPlayback)
					r.Post("/stop", s.handleStopPlayback)
					r.Put("/autoplay", s.handleSetAutoPlay)
				})
			})
		})
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// clientIP resolves the voter's network identity. Forwarded headers are only
// trusted when the direct peer is a configured proxy.
func (s *Server) clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}

	trusted := false
	for _, p := range s.cfg.TrustedProxies {
		if p == host {
			trusted = true
			break
		}
	}
	if !trusted {
		return host
	}

	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first := strings.TrimSpace(strings.Split(xff, ",")[0])
		if first != "" {
			return first
		}
	}
	if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
		return realIP
	}
	return host
}
