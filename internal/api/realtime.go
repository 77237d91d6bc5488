package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/opensource-finance/harrier/internal/domain"
	"github.com/opensource-finance/harrier/internal/realtime"
	"github.com/opensource-finance/harrier/internal/telemetry"
)

const (
	hubWriteWait  = 10 * time.Second
	hubPingPeriod = 30 * time.Second
	hubBuffer     = 64
)

// Hub relays score updates from the event bus to dashboard websockets.
type Hub struct {
	bus      domain.EventBus
	upgrader websocket.Upgrader
}

// NewHub creates a hub reading from bus.
func NewHub(bus domain.EventBus) *Hub {
	return &Hub{
		bus: bus,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// ServeWS handles GET /ws/updates. Clients receive scorer pushes and, when
// ?tenant= is set, that tenant's own score updates.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	tenantID := r.URL.Query().Get("tenant")
	if tenantID == domain.GlobalTenant {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "reserved tenant id",
		})
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	frames := make(chan string, hubBuffer)
	forward := func(ctx context.Context, msg *domain.Message) error {
		var update domain.ScoreUpdate
		if err := json.Unmarshal(msg.Payload, &update); err != nil {
			return nil
		}
		select {
		case frames <- realtime.FormatFrame(update):
			telemetry.RealtimeFrames.WithLabelValues("relayed").Inc()
		default:
			telemetry.RealtimeFrames.WithLabelValues("overflow").Inc()
		}
		return nil
	}

	tenants := []string{domain.GlobalTenant}
	if tenantID != "" {
		tenants = append(tenants, tenantID)
	}
	for _, t := range tenants {
		sub, err := h.bus.Subscribe(ctx, t, domain.TopicScoreUpdated, forward)
		if err != nil {
			slog.Error("failed to subscribe dashboard",
				"tenant_id", t,
				"error", err,
			)
			return
		}
		defer sub.Unsubscribe()
	}

	telemetry.RealtimeClients.Inc()
	defer telemetry.RealtimeClients.Dec()

	slog.Debug("dashboard connected", "tenant_id", tenantID)

	// Reads only detect the close; clients send nothing.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(hubPingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Debug("dashboard disconnected", "tenant_id", tenantID)
			return
		case frame := <-frames:
			conn.SetWriteDeadline(time.Now().Add(hubWriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(hubWriteWait)); err != nil {
				return
			}
		}
	}
}
