// SPDX-License-Identifier: MIT

// Package wsstream implements the WebSocket `stream` endpoint (spec §6):
// it subscribes to a Device Client DRD session and relays each parsed
// Snapshot to the connected client as a JSON envelope, closing the
// stream (and cancelling the underlying DRD session) the moment the
// client disconnects.
package wsstream

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"slmgateway/internal/deviceclient"
	"slmgateway/internal/protocol"
	"slmgateway/internal/registry"
	"slmgateway/internal/status"
)

// Envelope is one JSON message pushed per DRD line, per spec §6's field
// list.
type Envelope struct {
	UnitID               string     `json:"unit_id"`
	Timestamp            time.Time  `json:"timestamp"`
	MeasurementState     string     `json:"measurement_state"`
	MeasurementStartTime *time.Time `json:"measurement_start_time,omitempty"`
	Counter              string     `json:"counter,omitempty"`
	Lp                   string     `json:"lp,omitempty"`
	Leq                  string     `json:"leq,omitempty"`
	Lmax                 string     `json:"lmax,omitempty"`
	Lmin                 string     `json:"lmin,omitempty"`
	Lpeak                string     `json:"lpeak,omitempty"`
	RawPayload           string     `json:"raw_payload,omitempty"`
}

// Handler upgrades GET stream requests to WebSocket connections and
// relays one device's DRD stream to each connected client.
type Handler struct {
	registry registry.Store
	status   status.Store
	client   *deviceclient.Client
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// New constructs a Handler.
func New(reg registry.Store, st status.Store, client *deviceclient.Client, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		registry: reg,
		status:   st,
		client:   client,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// ServeHTTP implements http.Handler for "GET /devices/{unit_id}/stream".
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	unitID := r.PathValue("unit_id")
	cfg, ok, err := h.registry.Get(r.Context(), unitID)
	if err != nil || !ok {
		http.Error(w, "unknown device", http.StatusNotFound)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("wsstream: upgrade failed", "device", unitID, "error", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// A DRD session has no application-level ping; watch for the
	// client's close frame (or any read error) to cancel the stream
	// promptly rather than leaning on StreamDRD's own quiet timeout.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				cancel()
				return
			}
		}
	}()

	target := deviceclient.Target{UnitID: cfg.UnitID, Host: cfg.Host, Port: cfg.TCPPort}
	err = h.client.StreamDRD(ctx, target, func(snap *protocol.Snapshot) error {
		return h.relay(conn, cfg.UnitID, snap)
	}, deviceclient.DefaultStreamQuiet)

	if err != nil && ctx.Err() == nil {
		h.logger.Warn("wsstream: drd stream ended", "device", unitID, "error", err)
		_ = conn.WriteMessage(websocket.TextMessage, mustMarshal(map[string]string{"error": err.Error()}))
	}
}

func (h *Handler) relay(conn *websocket.Conn, unitID string, snap *protocol.Snapshot) error {
	row, _, err := h.status.Get(context.Background(), unitID)
	if err != nil {
		h.logger.Warn("wsstream: status lookup failed", "device", unitID, "error", err)
	}

	env := Envelope{
		UnitID:               unitID,
		Timestamp:            time.Now().UTC(),
		MeasurementState:     string(row.MeasurementState),
		MeasurementStartTime: row.MeasurementStartTime,
		Counter:              derefString(snap.Counter),
		Lp:                   derefString(snap.Lp),
		Leq:                  derefString(snap.Leq),
		Lmax:                 derefString(snap.Lmax),
		Lmin:                 derefString(snap.Lmin),
		Lpeak:                derefString(snap.Lpeak),
		RawPayload:           snap.Raw,
	}
	return conn.WriteJSON(env)
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func mustMarshal(v any) []byte {
	b, _ := json.Marshal(v)
	return b
}
