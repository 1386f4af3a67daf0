// Package ws serves the bidirectional push channel used by simulators and
// dashboards. Inbound scans are normalized into the same ScanEvent the HTTP
// endpoint produces.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/fjod/rfid-cart/internal/auth"
	"github.com/fjod/rfid-cart/internal/domain"
	"github.com/fjod/rfid-cart/internal/notify"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 8 << 10
	replyBuffer    = 16
)

// Frame types accepted from observers.
const (
	FrameRFIDScan        = "rfid_scan"
	FrameInventoryUpdate = "inventory_update"
	FrameSubscribe       = "subscribe"
	FrameUnsubscribe     = "unsubscribe"
)

// EventScanResult acknowledges a scan sent over the channel.
const EventScanResult notify.EventType = "scan_result"

var ErrForbidden = errors.New("inventory updates require the admin role")

type Engine interface {
	ProcessScan(ctx context.Context, ev domain.ScanEvent) (domain.ScanResult, error)
	OverrideInventory(ctx context.Context, productID int64, qty int) (domain.Product, error)
	Inventory(ctx context.Context) ([]domain.Product, error)
}

type Options struct {
	Engine Engine
	Hub    *notify.Hub
	// Validator authenticates the optional token. When nil every observer
	// may send inventory updates.
	Validator *auth.Validator
	// CheckOrigin defaults to accepting every origin.
	CheckOrigin func(r *http.Request) bool
	Logger      *slog.Logger
	Now         func() time.Time
}

type Server struct {
	engine    Engine
	hub       *notify.Hub
	validator *auth.Validator
	upgrader  websocket.Upgrader
	logger    *slog.Logger
	now       func() time.Time
}

func NewServer(opts Options) *Server {
	if opts.CheckOrigin == nil {
		opts.CheckOrigin = func(*http.Request) bool { return true }
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Server{
		engine:    opts.Engine,
		hub:       opts.Hub,
		validator: opts.Validator,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     opts.CheckOrigin,
		},
		logger: opts.Logger,
		now:    opts.Now,
	}
}

type inboundFrame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type ScanFrame struct {
	RFIDTag  string        `json:"rfidTag"`
	Action   domain.Action `json:"action"`
	UserID   string        `json:"userId,omitempty"`
	DeviceID string        `json:"deviceId,omitempty"`
}

type InventoryUpdateFrame struct {
	ProductID int64 `json:"productId"`
	Quantity  int   `json:"quantity"`
}

type SubscribeFrame struct {
	UserID    string `json:"userId,omitempty"`
	DeviceID  string `json:"deviceId,omitempty"`
	Inventory bool   `json:"inventory,omitempty"`
}

func (f SubscribeFrame) topics() []notify.Topic {
	var topics []notify.Topic
	if f.UserID != "" {
		topics = append(topics, notify.UserTopic(f.UserID))
	}
	if f.DeviceID != "" {
		topics = append(topics, notify.DeviceTopic(f.DeviceID))
	}
	if f.Inventory {
		topics = append(topics, notify.InventoryTopic())
	}
	return topics
}

type ScanResultFrame struct {
	Applied   bool            `json:"applied"`
	Duplicate bool            `json:"duplicate,omitempty"`
	UserID    string          `json:"userId,omitempty"`
	Product   *domain.Product `json:"product,omitempty"`
}

// ServeHTTP upgrades the request and runs the connection until either side
// closes it. Query parameters userId, deviceId and inventory=true subscribe
// at connect time.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	identity, err := s.identify(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied to the client.
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	q := r.URL.Query()
	inventory, _ := strconv.ParseBool(q.Get("inventory"))
	initial := SubscribeFrame{UserID: q.Get("userId"), DeviceID: q.Get("deviceId"), Inventory: inventory}

	c := &connection{
		server:   s,
		conn:     conn,
		sub:      s.hub.Subscribe(initial.topics()...),
		replies:  make(chan notify.Event, replyBuffer),
		done:     make(chan struct{}),
		identity: identity,
		logger:   s.logger.With("remote_addr", r.RemoteAddr),
	}
	c.logger = c.logger.With("subscriber_id", c.sub.ID())
	c.logger.Info("observer connected", "topics", len(initial.topics()))

	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	if initial.Inventory {
		c.sendSnapshot(ctx)
	}

	go c.writePump(ctx)
	c.readPump(ctx)
	cancel()
	c.sub.Close()
	c.logger.Info("observer disconnected")
}

func (s *Server) identify(r *http.Request) (*auth.Identity, error) {
	if s.validator == nil {
		return nil, nil
	}
	header := r.Header.Get("Authorization")
	if token := r.URL.Query().Get("token"); token != "" {
		header = "Bearer " + token
	}
	if header == "" {
		return nil, nil
	}
	id, err := s.validator.FromHeader(header)
	if err != nil {
		return nil, err
	}
	return &id, nil
}

type connection struct {
	server   *Server
	conn     *websocket.Conn
	sub      *notify.Subscriber
	replies  chan notify.Event
	done     chan struct{} // closed when the write pump exits
	identity *auth.Identity
	logger   *slog.Logger
}

func (c *connection) readPump(ctx context.Context) {
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var frame inboundFrame
		if err := c.conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("websocket read failed", "error", err)
			}
			return
		}
		c.handle(ctx, frame)
	}
}

func (c *connection) handle(ctx context.Context, frame inboundFrame) {
	switch frame.Type {
	case FrameRFIDScan:
		var scan ScanFrame
		if err := json.Unmarshal(frame.Data, &scan); err != nil {
			c.reply(ctx, notify.NewError("invalid rfid_scan payload"))
			return
		}
		c.scan(ctx, scan)

	case FrameInventoryUpdate:
		var update InventoryUpdateFrame
		if err := json.Unmarshal(frame.Data, &update); err != nil {
			c.reply(ctx, notify.NewError("invalid inventory_update payload"))
			return
		}
		if c.server.validator != nil && (c.identity == nil || !c.identity.IsAdmin()) {
			c.reply(ctx, notify.NewError(ErrForbidden.Error()))
			return
		}
		if _, err := c.server.engine.OverrideInventory(ctx, update.ProductID, update.Quantity); err != nil {
			c.reply(ctx, notify.NewError(err.Error()))
		}

	case FrameSubscribe, FrameUnsubscribe:
		var sf SubscribeFrame
		if err := json.Unmarshal(frame.Data, &sf); err != nil {
			c.reply(ctx, notify.NewError("invalid "+frame.Type+" payload"))
			return
		}
		if frame.Type == FrameUnsubscribe {
			c.sub.Unsubscribe(sf.topics()...)
			return
		}
		c.sub.Subscribe(sf.topics()...)
		if sf.Inventory {
			c.sendSnapshot(ctx)
		}

	default:
		c.reply(ctx, notify.NewError("unknown frame type "+strings.TrimSpace(frame.Type)))
	}
}

// scan applies a simulator scan. The sender always gets exactly one reply:
// a scan_result or an error.
func (c *connection) scan(ctx context.Context, frame ScanFrame) {
	ev := domain.ScanEvent{
		DeviceID:   strings.TrimSpace(frame.DeviceID),
		UserID:     strings.TrimSpace(frame.UserID),
		RFIDTag:    strings.TrimSpace(frame.RFIDTag),
		Action:     frame.Action,
		ReceivedAt: c.server.now(),
		Origin:     domain.OriginPush,
	}

	result, err := c.server.engine.ProcessScan(ctx, ev)
	if err != nil {
		c.reply(ctx, notify.NewError(err.Error()))
		return
	}
	c.reply(ctx, notify.Event{Type: EventScanResult, Data: ScanResultFrame{
		Applied:   result.Applied,
		Duplicate: result.Reason == domain.ReasonDuplicate,
		UserID:    result.UserID,
		Product:   result.Product,
	}})
}

func (c *connection) sendSnapshot(ctx context.Context) {
	products, err := c.server.engine.Inventory(ctx)
	if err != nil {
		c.logger.Error("inventory snapshot failed", "error", err)
		c.reply(ctx, notify.NewError("inventory unavailable"))
		return
	}
	c.reply(ctx, notify.NewInventorySnapshot(products))
}

func (c *connection) reply(ctx context.Context, ev notify.Event) {
	select {
	case c.replies <- ev:
	case <-c.done:
	case <-ctx.Done():
	}
}

func (c *connection) writePump(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
		close(c.done)
	}()

	for {
		select {
		case ev, ok := <-c.sub.Events():
			if !ok {
				c.closeWith(websocket.CloseNormalClosure)
				return
			}
			if err := c.write(ev); err != nil {
				return
			}
		case ev := <-c.replies:
			if err := c.write(ev); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-ctx.Done():
			c.closeWith(websocket.CloseNormalClosure)
			return
		}
	}
}

func (c *connection) write(ev notify.Event) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteJSON(ev); err != nil {
		c.logger.Debug("websocket write failed", "error", err)
		return err
	}
	return nil
}

func (c *connection) closeWith(code int) {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, ""))
}
