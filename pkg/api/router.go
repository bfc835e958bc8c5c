package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/meshreg/meshreg/internal/logger"
	"github.com/meshreg/meshreg/pkg/model"
	"github.com/meshreg/meshreg/pkg/slot"
)

// SlotView is implemented by the slot manager; nil on session nodes.
type SlotView interface {
	Snapshot() []slot.SlotStatus
	CurrentEpoch() int64
}

// PushControl is implemented by the push processor; nil on data nodes.
type PushControl interface {
	SetStopPush(stop bool)
	StopPushEnabled() bool
	PendingCount() int
}

// TableIntake accepts heartbeat-delivered slot tables; implemented by the
// meta handler.
type TableIntake interface {
	OnHeartbeat(t *model.SlotTable) bool
}

// Sources bundles the node internals the admin API surfaces.
type Sources struct {
	Slots  SlotView
	Push   PushControl
	Tables TableIntake

	// Stats returns free-form counters (store sizes, datum counts).
	Stats func() map[string]any
}

// NewRouter builds the chi router with all middleware and routes.
//
// Routes:
//   - GET /health            - liveness probe
//   - GET /health/ready      - readiness probe
//   - GET /api/v1/slots      - local slot view (data nodes)
//   - GET /api/v1/stats      - store and pipeline counters
//   - PUT /api/v1/push/stop  - toggle the stop-push switch (auth-guarded)
func NewRouter(src Sources, jwtSecret string) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Route("/health", func(r chi.Router) {
		r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
			JSON(w, http.StatusOK, HealthyResponse(nil))
		})
		r.Get("/ready", func(w http.ResponseWriter, _ *http.Request) {
			JSON(w, http.StatusOK, HealthyResponse(nil))
		})
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/slots", func(w http.ResponseWriter, _ *http.Request) {
			if src.Slots == nil {
				JSON(w, http.StatusNotFound, ErrorResponse("no slot manager on this node"))
				return
			}
			JSON(w, http.StatusOK, OKResponse(map[string]any{
				"epoch": src.Slots.CurrentEpoch(),
				"slots": src.Slots.Snapshot(),
			}))
		})

		r.Get("/stats", func(w http.ResponseWriter, _ *http.Request) {
			stats := map[string]any{}
			if src.Stats != nil {
				stats = src.Stats()
			}
			if src.Push != nil {
				stats["pushPending"] = src.Push.PendingCount()
				stats["stopPush"] = src.Push.StopPushEnabled()
			}
			JSON(w, http.StatusOK, OKResponse(stats))
		})

		// the heartbeat intake for deployments where the meta tier
		// delivers tables over HTTP
		r.With(requireAuth(jwtSecret)).Post("/slots/table", func(w http.ResponseWriter, req *http.Request) {
			if src.Tables == nil {
				JSON(w, http.StatusNotFound, ErrorResponse("no table intake on this node"))
				return
			}
			var body struct {
				Epoch int64 `json:"epoch"`
				Slots []struct {
					ID          int      `json:"id"`
					Leader      string   `json:"leader"`
					Followers   []string `json:"followers"`
					LeaderEpoch int64    `json:"leaderEpoch"`
				} `json:"slots"`
			}
			if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
				JSON(w, http.StatusBadRequest, ErrorResponse("invalid body"))
				return
			}
			table := &model.SlotTable{Epoch: body.Epoch, Slots: make(map[int]*model.Slot, len(body.Slots))}
			for _, s := range body.Slots {
				table.Slots[s.ID] = &model.Slot{
					ID:          s.ID,
					Leader:      s.Leader,
					Followers:   s.Followers,
					LeaderEpoch: s.LeaderEpoch,
				}
			}
			accepted := src.Tables.OnHeartbeat(table)
			JSON(w, http.StatusOK, OKResponse(map[string]any{"accepted": accepted, "epoch": body.Epoch}))
		})

		r.With(requireAuth(jwtSecret)).Put("/push/stop", func(w http.ResponseWriter, req *http.Request) {
			if src.Push == nil {
				JSON(w, http.StatusNotFound, ErrorResponse("no push processor on this node"))
				return
			}
			var body struct {
				Enabled bool `json:"enabled"`
			}
			if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
				JSON(w, http.StatusBadRequest, ErrorResponse("invalid body"))
				return
			}
			src.Push.SetStopPush(body.Enabled)
			JSON(w, http.StatusOK, OKResponse(map[string]any{"stopPush": body.Enabled}))
		})
	})

	return r
}

// requestLogger logs each request through the internal logger.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		logger.Debug("api request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start))
	})
}
