package handler

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/example/taxidispatch/internal/booking/dispatch"
	"github.com/example/taxidispatch/internal/booking/service"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 30 * time.Second
	wsMaxMessage = 4096
)

// ErrNoSession is returned when the taxi has no open offer socket.
var ErrNoSession = errors.New("no offer session for taxi")

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

type wsSession struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *wsSession) write(messageType int, v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if v == nil {
		return s.conn.WriteMessage(messageType, nil)
	}
	return s.conn.WriteJSON(v)
}

// wsFrame is both the offer pushed to the driver and the reply read back.
type wsFrame struct {
	Type      string          `json:"type"`
	Offer     *dispatch.Offer `json:"offer,omitempty"`
	BookingID string          `json:"booking_id,omitempty"`
	Accept    bool            `json:"accept,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// OfferHub keeps one WebSocket per taxi. Drivers receive offers on it and may answer
// on the same socket.
type OfferHub struct {
	mu       sync.RWMutex
	sessions map[uuid.UUID]*wsSession
	svc      *service.Service
	logger   *zap.Logger
}

func NewOfferHub(logger *zap.Logger) *OfferHub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OfferHub{sessions: make(map[uuid.UUID]*wsSession), logger: logger.Named("ws")}
}

// Bind sets the service replies are forwarded to. The hub is built before the
// dispatcher because it is one of its notifiers.
func (h *OfferHub) Bind(svc *service.Service) { h.svc = svc }

// NotifyOffer satisfies dispatch.OfferNotifier.
func (h *OfferHub) NotifyOffer(_ context.Context, offer dispatch.Offer) error {
	h.mu.RLock()
	s, ok := h.sessions[offer.TaxiID]
	h.mu.RUnlock()
	if !ok {
		return ErrNoSession
	}
	return s.write(websocket.TextMessage, wsFrame{Type: "offer", Offer: &offer})
}

// Connected reports whether taxiID has an open socket.
func (h *OfferHub) Connected(taxiID uuid.UUID) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.sessions[taxiID]
	return ok
}

// serve upgrades the request and runs the session until the socket closes. A newer
// connection for the same taxi replaces the older one.
func (h *OfferHub) serve(w http.ResponseWriter, r *http.Request, taxiID uuid.UUID) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("upgrade failed", zap.Error(err))
		return
	}
	s := &wsSession{conn: conn}
	h.mu.Lock()
	if old, ok := h.sessions[taxiID]; ok {
		_ = old.conn.Close()
	}
	h.sessions[taxiID] = s
	h.mu.Unlock()

	log := h.logger.With(zap.String("taxi_id", taxiID.String()))
	log.Info("driver connected")
	done := make(chan struct{})
	defer func() {
		close(done)
		h.mu.Lock()
		if h.sessions[taxiID] == s {
			delete(h.sessions, taxiID)
		}
		h.mu.Unlock()
		_ = conn.Close()
		log.Info("driver disconnected")
	}()
	go h.ping(s, done)

	conn.SetReadLimit(wsMaxMessage)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		var in wsFrame
		if err := conn.ReadJSON(&in); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn("read failed", zap.Error(err))
			}
			return
		}
		if err := s.write(websocket.TextMessage, h.handle(r.Context(), taxiID, in)); err != nil {
			return
		}
	}
}

func (h *OfferHub) handle(ctx context.Context, taxiID uuid.UUID, in wsFrame) wsFrame {
	out := wsFrame{Type: "ack", BookingID: in.BookingID, Accept: in.Accept}
	if in.Type != "reply" {
		out.Type, out.Error = "error", "unknown message type"
		return out
	}
	bookingID, err := uuid.Parse(in.BookingID)
	if err != nil {
		out.Type, out.Error = "error", "invalid booking_id"
		return out
	}
	if h.svc == nil {
		out.Type, out.Error = "error", "replies not accepted"
		return out
	}
	if err := h.svc.DriverReply(ctx, bookingID, taxiID, in.Accept); err != nil {
		out.Type, out.Error = "error", err.Error()
	}
	return out
}

func (h *OfferHub) ping(s *wsSession, done <-chan struct{}) {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := s.write(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
