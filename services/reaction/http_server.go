package reaction

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"multiverse-ripple/internal/entity"
	"multiverse-ripple/internal/eventbus"
	"multiverse-ripple/internal/logging"
)

type HTTPServer struct {
	server *http.Server
	router *mux.Router
	log    *zap.Logger
}

func NewHTTPServer(addr string, log *zap.Logger) *HTTPServer {
	router := mux.NewRouter()
	return &HTTPServer{
		server: &http.Server{
			Addr:         addr,
			WriteTimeout: 15 * time.Second,
			ReadTimeout:  15 * time.Second,
			IdleTimeout:  60 * time.Second,
			Handler:      router,
		},
		router: router,
		log:    logging.OrNop(log).Named("http"),
	}
}

func (hs *HTTPServer) Start() {
	go func() {
		hs.log.Info("HTTP server starting", zap.String("addr", hs.server.Addr))
		if err := hs.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			hs.log.Error("HTTP server error", zap.Error(err))
		}
	}()
}

func (hs *HTTPServer) Stop(ctx context.Context) error {
	return hs.server.Shutdown(ctx)
}

func (hs *HTTPServer) Handler() http.Handler { return hs.router }

func (hs *HTTPServer) RegisterRoutes(s *Service, feed *EventFeed) {
	hs.router.HandleFunc("/healthz", s.HealthHandler).Methods(http.MethodGet)
	hs.router.HandleFunc("/v1/worlds/{world_id}/beats", s.InjectBeatHandler).Methods(http.MethodPost)
	hs.router.HandleFunc("/v1/usage", s.UsageHandler).Methods(http.MethodGet)
	hs.router.HandleFunc("/ws/events", feed.HandleWebSocket)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Service) HealthHandler(w http.ResponseWriter, r *http.Request) {
	subs := make(map[string]int)
	for _, o := range s.orchestrators {
		subs[string(o.Kind())] = len(o.Topics())
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":        "ok",
		"orchestrators": subs,
		"max_hop":       s.bus.MaxHop(),
	})
}

type beatRequest struct {
	BeatID         string   `json:"beat_id"`
	ArcID          string   `json:"arc_id"`
	BeatIndex      *int     `json:"beat_index"`
	Summary        string   `json:"summary"`
	Directives     []string `json:"directives"`
	EmergentThemes []string `json:"emergent_themes"`
}

// InjectBeatHandler publishes a beat.created root event for a world.
func (s *Service) InjectBeatHandler(w http.ResponseWriter, r *http.Request) {
	worldID := mux.Vars(r)["world_id"]
	var req beatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return
	}
	if req.BeatIndex == nil || *req.BeatIndex < 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "beat_index must be a non-negative integer"})
		return
	}
	beat := entity.Beat{
		ID:             req.BeatID,
		WorldID:        worldID,
		ArcID:          req.ArcID,
		Index:          *req.BeatIndex,
		Summary:        req.Summary,
		Directives:     req.Directives,
		EmergentThemes: req.EmergentThemes,
	}
	ev := eventbus.NewEvent(eventbus.TopicBeatCreated, "reaction-engine.http", worldID, beat.Payload())
	// Handlers must not inherit the request's deadline.
	if _, err := s.bus.Publish(context.Background(), ev); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"event_id":       ev.EventID,
		"correlation_id": ev.CorrelationID,
	})
}

func (s *Service) UsageHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"usage": s.tally.Snapshot()})
}
