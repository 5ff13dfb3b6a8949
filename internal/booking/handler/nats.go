package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/example/taxidispatch/internal/booking/service"
)

const (
	SubjectDriverReplies   = "dispatch.replies"
	SubjectBookingCommands = "booking.commands"
)

// DriverReplyMessage is a driver's answer to an offer received over NATS.
type DriverReplyMessage struct {
	BookingID string `json:"booking_id"`
	TaxiID    string `json:"taxi_id"`
	Accept    bool   `json:"accept"`
}

// CommandMessage carries passenger commands. Only "cancel" is understood.
type CommandMessage struct {
	Command     string `json:"command"`
	BookingID   string `json:"booking_id"`
	PassengerID string `json:"passenger_id,omitempty"`
}

// CommandResult is sent back when the incoming message has a reply subject.
type CommandResult struct {
	OK      bool                 `json:"ok"`
	Code    int                  `json:"code,omitempty"`
	Error   string               `json:"error,omitempty"`
	Booking *service.BookingView `json:"booking,omitempty"`
}

// NATS consumes driver replies and booking commands.
type NATS struct {
	conn    *nats.Conn
	svc     *service.Service
	queue   string
	timeout time.Duration
	logger  *zap.Logger
	subs    []*nats.Subscription
}

// NewNATS builds the subscriber. All instances sharing queue split the messages.
func NewNATS(conn *nats.Conn, svc *service.Service, queue string, timeout time.Duration, logger *zap.Logger) *NATS {
	if queue == "" {
		queue = "dispatch"
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NATS{conn: conn, svc: svc, queue: queue, timeout: timeout, logger: logger.Named("nats")}
}

// Subscribe registers the queue subscriptions.
func (n *NATS) Subscribe() error {
	if n.conn == nil {
		return errors.New("nats handler requires a connection")
	}
	handlers := map[string]nats.MsgHandler{
		SubjectDriverReplies:   n.handleReply,
		SubjectBookingCommands: n.handleCommand,
	}
	for subject, h := range handlers {
		sub, err := n.conn.QueueSubscribe(subject, n.queue, h)
		if err != nil {
			n.Unsubscribe()
			return fmt.Errorf("subscribe %s: %w", subject, err)
		}
		n.subs = append(n.subs, sub)
	}
	return nil
}

// Unsubscribe drains every subscription.
func (n *NATS) Unsubscribe() {
	for _, sub := range n.subs {
		if err := sub.Drain(); err != nil {
			n.logger.Warn("drain subscription", zap.String("subject", sub.Subject), zap.Error(err))
		}
	}
	n.subs = nil
}

func (n *NATS) handleReply(msg *nats.Msg) {
	var in DriverReplyMessage
	if err := json.Unmarshal(msg.Data, &in); err != nil {
		n.respond(msg, CommandResult{Code: 400, Error: fmt.Sprintf("decode reply: %v", err)})
		return
	}
	bookingID, err1 := uuid.Parse(in.BookingID)
	taxiID, err2 := uuid.Parse(in.TaxiID)
	if err := errors.Join(err1, err2); err != nil {
		n.respond(msg, CommandResult{Code: 400, Error: err.Error()})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), n.timeout)
	defer cancel()
	if err := n.svc.DriverReply(ctx, bookingID, taxiID, in.Accept); err != nil {
		n.logger.Info("driver reply rejected",
			zap.String("booking_id", in.BookingID),
			zap.String("taxi_id", in.TaxiID),
			zap.Error(err))
		n.respond(msg, failure(err))
		return
	}
	n.respond(msg, n.viewResult(ctx, bookingID))
}

func (n *NATS) handleCommand(msg *nats.Msg) {
	var in CommandMessage
	if err := json.Unmarshal(msg.Data, &in); err != nil {
		n.respond(msg, CommandResult{Code: 400, Error: fmt.Sprintf("decode command: %v", err)})
		return
	}
	if in.Command != "cancel" {
		n.respond(msg, CommandResult{Code: 400, Error: fmt.Sprintf("unknown command %q", in.Command)})
		return
	}
	bookingID, err := uuid.Parse(in.BookingID)
	if err != nil {
		n.respond(msg, CommandResult{Code: 400, Error: "invalid booking_id"})
		return
	}
	passengerID := uuid.Nil
	if in.PassengerID != "" {
		if passengerID, err = uuid.Parse(in.PassengerID); err != nil {
			n.respond(msg, CommandResult{Code: 400, Error: "invalid passenger_id"})
			return
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), n.timeout)
	defer cancel()
	view, err := n.svc.Cancel(ctx, bookingID, passengerID)
	if err != nil {
		n.respond(msg, failure(err))
		return
	}
	n.respond(msg, CommandResult{OK: true, Booking: &view})
}

func (n *NATS) viewResult(ctx context.Context, id uuid.UUID) CommandResult {
	view, err := n.svc.GetBooking(ctx, id, uuid.Nil)
	if err != nil {
		return CommandResult{OK: true}
	}
	return CommandResult{OK: true, Booking: &view}
}

func failure(err error) CommandResult {
	return CommandResult{Code: statusFor(err), Error: err.Error()}
}

func (n *NATS) respond(msg *nats.Msg, result CommandResult) {
	if msg.Reply == "" {
		return
	}
	payload, err := json.Marshal(result)
	if err != nil {
		n.logger.Error("marshal result", zap.Error(err))
		return
	}
	if err := msg.Respond(payload); err != nil {
		n.logger.Warn("respond", zap.String("subject", msg.Subject), zap.Error(err))
	}
}
