// Package ws exposes the sandbox transport endpoint. Each connection
// hosts one bridge: the browser-side sandbox relays its postMessage
// traffic here, and the bridge answers data requests through the proxy.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/appcanvas/runtime/internal/infrastructure/config"
	"github.com/appcanvas/runtime/internal/infrastructure/logging"
	"github.com/appcanvas/runtime/internal/infrastructure/monitoring"
	"github.com/appcanvas/runtime/internal/sandbox/bridge"
	"github.com/appcanvas/runtime/internal/sandbox/protocol"
	"github.com/appcanvas/runtime/internal/sandbox/proxy"
	"github.com/appcanvas/runtime/internal/shared/id"
	"github.com/appcanvas/runtime/internal/store"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 1 << 20
)

// ErrNoSandbox is returned when an app has no connected sandbox.
var ErrNoSandbox = errors.New("no sandbox connected")

// Handler upgrades sandbox connections and runs their bridges.
type Handler struct {
	cfg      config.SandboxConfig
	records  store.Store
	logger   *logging.Logger
	metrics  *monitoring.Metrics
	upgrader websocket.Upgrader

	mu      sync.Mutex
	bridges map[string]map[*bridge.Bridge]struct{} // live bridges per app
}

// NewHandler creates the sandbox transport handler. When an expected
// origin is configured, both the upgrade and the bridge enforce it.
func NewHandler(cfg config.SandboxConfig, records store.Store, logger *logging.Logger, metrics *monitoring.Metrics) *Handler {
	h := &Handler{
		cfg:     cfg,
		records: records,
		logger:  logger.Named("ws"),
		metrics: metrics,
		bridges: make(map[string]map[*bridge.Bridge]struct{}),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if cfg.ExpectedOrigin == "" {
				return true
			}
			return r.Header.Get("Origin") == cfg.ExpectedOrigin
		},
	}
	return h
}

// wsTransport adapts one websocket connection to the bridge transport.
// gorilla connections allow one concurrent writer, hence the mutex.
type wsTransport struct {
	mu     sync.Mutex
	conn   *websocket.Conn
	origin string
}

func (t *wsTransport) Send(msg protocol.Message) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *wsTransport) Origin() string { return t.origin }

// Serve handles GET /ws/sandbox/:appId. The connection lives until the
// sandbox disconnects; pending bridge requests are rejected on close.
func (h *Handler) Serve(c *gin.Context) {
	appID := c.Param("appId")
	if appID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "app id is required"})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("upgrade failed", zap.String("app_id", appID), zap.Error(err))
		return
	}
	defer conn.Close()
	conn.SetReadLimit(maxMessageSize)

	if h.metrics != nil {
		h.metrics.WSConnections.Inc()
		defer h.metrics.WSConnections.Dec()
	}

	transport := &wsTransport{
		conn:   conn,
		origin: c.Request.Header.Get("Origin"),
	}

	dataProxy := proxy.New(appID, h.records, h.logger)
	b, err := bridge.New(bridge.Config{
		AppID:          appID,
		ExpectedOrigin: h.cfg.ExpectedOrigin,
		RequestTimeout: h.cfg.RequestTimeout,
		Handler:        dataProxy,
		OnDataUpdate: func(p protocol.DataUpdatePayload) {
			h.persistUpdate(c, appID, p)
		},
		OnEvent: func(p protocol.EventPayload) {
			h.logger.Debug("sandbox event",
				zap.String("app_id", appID),
				zap.String("kind", p.Kind),
				zap.String("message", p.Message),
			)
		},
	}, transport, h.logger, h.metrics)
	if err != nil {
		h.logger.Warn("bridge rejected connection", zap.String("app_id", appID), zap.Error(err))
		return
	}
	h.register(appID, b)
	defer func() {
		h.unregister(appID, b)
		b.Close()
	}()

	initial, err := h.initialSnapshot(c, appID)
	if err != nil {
		h.logger.Warn("initial snapshot failed", zap.String("app_id", appID), zap.Error(err))
		initial = []byte("[]")
	}
	if err := b.Start(initial); err != nil {
		h.logger.Warn("handshake start failed", zap.String("app_id", appID), zap.Error(err))
		return
	}

	h.logger.Info("sandbox connected", zap.String("app_id", appID))

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Warn("connection error", zap.String("app_id", appID), zap.Error(err))
			}
			break
		}
		b.HandleInbound(c.Request.Context(), data)
	}

	h.logger.Info("sandbox disconnected", zap.String("app_id", appID))
}

func (h *Handler) register(appID string, b *bridge.Bridge) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.bridges[appID] == nil {
		h.bridges[appID] = make(map[*bridge.Bridge]struct{})
	}
	h.bridges[appID][b] = struct{}{}
}

func (h *Handler) unregister(appID string, b *bridge.Bridge) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.bridges[appID], b)
	if len(h.bridges[appID]) == 0 {
		delete(h.bridges, appID)
	}
}

func (h *Handler) appBridges(appID string) []*bridge.Bridge {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*bridge.Bridge, 0, len(h.bridges[appID]))
	for b := range h.bridges[appID] {
		out = append(out, b)
	}
	return out
}

// Broadcast pushes a fresh record snapshot into every sandbox running
// appID. Send failures are logged; a sandbox that misses the update
// re-reads the store on its next data request.
func (h *Handler) Broadcast(appID string, data json.RawMessage) {
	for _, b := range h.appBridges(appID) {
		if err := b.SendDataUpdate(data); err != nil {
			h.logger.Warn("data-update push failed", zap.String("app_id", appID), zap.Error(err))
		}
	}
}

// Snapshot asks a connected sandbox for its current working data. The
// sandbox copy can be ahead of the store between data-updates.
func (h *Handler) Snapshot(ctx context.Context, appID string) (json.RawMessage, error) {
	bridges := h.appBridges(appID)
	if len(bridges) == 0 {
		return nil, ErrNoSandbox
	}

	resp, err := bridges[0].Request(ctx, protocol.APIRequestPayload{
		RequestID: id.NewRequestID().String(),
		Method:    "GET",
	})
	if err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, errors.New(resp.Error)
	}
	return resp.Data, nil
}

func (h *Handler) initialSnapshot(c *gin.Context, appID string) ([]byte, error) {
	records, err := h.records.List(c.Request.Context(), appID)
	if err != nil {
		return nil, err
	}
	if records == nil {
		records = []store.Record{}
	}
	return sonic.Marshal(records)
}

// persistUpdate writes the sandbox's announced snapshot through to the
// store. The sandbox copy is authoritative for its own session; failures
// are logged and the next data request re-reads the store.
func (h *Handler) persistUpdate(c *gin.Context, appID string, p protocol.DataUpdatePayload) {
	var records []store.Record
	if err := sonic.Unmarshal(p.Data, &records); err != nil {
		h.logger.Warn("malformed data-update snapshot", zap.String("app_id", appID), zap.Error(err))
		return
	}
	if err := h.records.Replace(c.Request.Context(), appID, records); err != nil {
		h.logger.Warn("persist data-update failed", zap.String("app_id", appID), zap.Error(err))
	}
}
