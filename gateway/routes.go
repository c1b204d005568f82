package gateway

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/maxpert/fanout/record"
	"github.com/rs/zerolog/log"
)

const maxEventBody = 1 << 20

// Appender stores change records; implemented by changelog.Log
type Appender interface {
	Append(records []record.ChangeRecord) error
}

// RouterConfig lists the handlers mounted by NewRouter. Nil members are
// left unmounted.
type RouterConfig struct {
	Hub     *Hub
	Path    string // WebSocket path, defaults to /graphql
	Events  Appender
	Metrics http.Handler
}

type emitRequest struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

type emitResponse struct {
	Seq uint64 `json:"seq"`
}

// NewRouter builds the HTTP surface of a node
func NewRouter(config RouterConfig) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	path := config.Path
	if path == "" {
		path = "/graphql"
	}
	if config.Hub != nil {
		r.Get(path, config.Hub.ServeHTTP)
	}
	if config.Events != nil {
		r.Post("/v1/events", handleEmit(config.Events))
	}
	if config.Metrics != nil {
		r.Handle("/metrics", config.Metrics)
	}
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		clients := 0
		if config.Hub != nil {
			clients = config.Hub.Size()
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ok", "connections": clients})
	})

	return r
}

// handleEmit appends one INSERT record carrying the posted event. The payload
// is stored as its JSON text, the way upstream writers store it.
func handleEmit(events Appender) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req emitRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxEventBody)).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}

		var payload interface{}
		if len(req.Payload) > 0 && string(req.Payload) != "null" {
			payload = string(req.Payload)
		}

		rec, err := record.NewInsert(req.Event, payload)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		records := []record.ChangeRecord{rec}
		if err := events.Append(records); err != nil {
			log.Error().Err(err).Str("event", req.Event).Msg("Failed to append event")
			writeError(w, http.StatusServiceUnavailable, "failed to append event")
			return
		}

		writeJSON(w, http.StatusAccepted, emitResponse{Seq: records[0].SeqNum})
	}
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]interface{}{"error": message})
}
