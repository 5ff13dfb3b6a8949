package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/status"

	"github.com/example/taxidispatch/internal/booking/service"
)

// The reply stream messages are plain structs, so they travel with a JSON codec.
// Clients select it with grpc.CallContentSubtype(JSONCodecName).
const JSONCodecName = "json"

type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return JSONCodecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// DriverReply answers an offer.
type DriverReply struct {
	BookingID string `json:"booking_id"`
	TaxiID    string `json:"taxi_id"`
	Accept    bool   `json:"accept"`
}

// Ack closes a client stream.
type Ack struct {
	Accepted int      `json:"accepted"`
	Rejected int      `json:"rejected"`
	Errors   []string `json:"errors,omitempty"`
}

// DriverRepliesServer is the driver-facing streaming contract.
type DriverRepliesServer interface {
	StreamReplies(DriverReplies_StreamRepliesServer) error
}

const DriverRepliesServiceName = "dispatch.DriverReplies"

// RegisterDriverRepliesServer registers srv on s.
func RegisterDriverRepliesServer(s *grpc.Server, srv DriverRepliesServer) {
	s.RegisterService(&grpc.ServiceDesc{
		ServiceName: DriverRepliesServiceName,
		HandlerType: (*DriverRepliesServer)(nil),
		Streams: []grpc.StreamDesc{{
			StreamName:    "StreamReplies",
			Handler:       streamRepliesHandler,
			ClientStreams: true,
		}},
	}, srv)
}

type DriverReplies_StreamRepliesServer interface {
	grpc.ServerStream
	SendAndClose(*Ack) error
	Recv() (*DriverReply, error)
}

func streamRepliesHandler(srv any, stream grpc.ServerStream) error {
	return srv.(DriverRepliesServer).StreamReplies(&repliesStreamServer{ServerStream: stream})
}

type repliesStreamServer struct {
	grpc.ServerStream
}

func (s *repliesStreamServer) SendAndClose(ack *Ack) error { return s.ServerStream.SendMsg(ack) }

func (s *repliesStreamServer) Recv() (*DriverReply, error) {
	msg := new(DriverReply)
	if err := s.ServerStream.RecvMsg(msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// GRPC implements DriverRepliesServer on top of the booking service.
type GRPC struct {
	svc    *service.Service
	logger *zap.Logger
}

func NewGRPC(svc *service.Service, logger *zap.Logger) *GRPC {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GRPC{svc: svc, logger: logger.Named("grpc")}
}

// StreamReplies forwards offer answers to the dispatcher.
func (g *GRPC) StreamReplies(stream DriverReplies_StreamRepliesServer) error {
	var ack Ack
	for {
		msg, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return stream.SendAndClose(&ack)
		}
		if err != nil {
			return err
		}
		bookingID, err1 := uuid.Parse(msg.BookingID)
		taxiID, err2 := uuid.Parse(msg.TaxiID)
		err = errors.Join(err1, err2)
		if err != nil {
			err = fmt.Errorf("%w: %v", service.ErrInvalidRequest, err)
		} else {
			err = g.svc.DriverReply(stream.Context(), bookingID, taxiID, msg.Accept)
		}
		if err != nil {
			g.logger.Info("driver reply rejected", zap.String("booking_id", msg.BookingID), zap.Error(err))
			if stream.Context().Err() != nil {
				return status.FromContextError(stream.Context().Err()).Err()
			}
		}
		ack.record(err)
	}
}

func (a *Ack) record(err error) {
	if err == nil {
		a.Accepted++
		return
	}
	a.Rejected++
	a.Errors = append(a.Errors, status.New(codeFor(err), err.Error()).String())
}
