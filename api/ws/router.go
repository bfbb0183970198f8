package ws

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/kasuganosora/mailsystem/game/player"
	"go.uber.org/zap"
)

const defaultDispatchTimeout = 10 * time.Second

// HandlerFunc processes a decoded WS message payload.
type HandlerFunc func(ctx context.Context, session *player.PlayerSession, payload json.RawMessage) error

// Router dispatches incoming WS packets to registered handlers.
type Router struct {
	handlers map[string]HandlerFunc
	timeout  time.Duration
	logger   *zap.Logger
}

// NewRouter creates a new Router.
func NewRouter(logger *zap.Logger) *Router {
	return &Router{
		handlers: make(map[string]HandlerFunc),
		timeout:  defaultDispatchTimeout,
		logger:   logger,
	}
}

// SetTimeout bounds how long one handler may run.
func (r *Router) SetTimeout(d time.Duration) {
	if d > 0 {
		r.timeout = d
	}
}

// On registers a HandlerFunc for the given message type.
func (r *Router) On(msgType string, fn HandlerFunc) {
	r.handlers[msgType] = fn
}

// Dispatch decodes raw bytes, validates seq, and invokes the appropriate
// handler. Replies sent through reply carry the request's seq.
func (r *Router) Dispatch(s *player.PlayerSession, raw []byte) {
	var pkt player.Packet
	if err := json.Unmarshal(raw, &pkt); err != nil {
		r.logger.Warn("malformed packet",
			zap.Int64("account_id", s.AccountID),
			zap.Error(err))
		return
	}

	// Monotonic seq check (anti-replay). Seq == 0 means no seq tracking.
	if pkt.Seq != 0 && pkt.Seq <= s.LastSeq {
		r.logger.Warn("replayed or out-of-order packet",
			zap.Int64("account_id", s.AccountID),
			zap.Uint64("seq", pkt.Seq),
			zap.Uint64("last_seq", s.LastSeq))
		return
	}
	if pkt.Seq != 0 {
		s.LastSeq = pkt.Seq
	}

	fn, ok := r.handlers[pkt.Type]
	if !ok {
		r.logger.Debug("unhandled message type",
			zap.String("type", pkt.Type),
			zap.Int64("account_id", s.AccountID))
		replyError(withSeq(context.Background(), pkt.Seq), s, "unknown_type", pkt.Type)
		return
	}

	s.TraceID = uuid.NewString()
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	ctx = context.WithValue(ctx, ctxKeyTraceID{}, s.TraceID)
	ctx = withSeq(ctx, pkt.Seq)

	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("ws handler panic",
				zap.String("type", pkt.Type),
				zap.Int64("char_id", s.CharID),
				zap.String("trace_id", s.TraceID),
				zap.Any("recover", rec),
				zap.Stack("stack"))
			replyError(ctx, s, "internal", "internal error")
		}
	}()

	if err := fn(ctx, s, pkt.Payload); err != nil {
		r.logger.Error("handler error",
			zap.String("type", pkt.Type),
			zap.Int64("char_id", s.CharID),
			zap.String("trace_id", s.TraceID),
			zap.Error(err))
		replyError(ctx, s, "internal", "internal error")
	}
}

type ctxKeyTraceID struct{}

type ctxKeySeq struct{}

// TraceIDFromCtx extracts the trace ID from a handler context.
func TraceIDFromCtx(ctx context.Context) string {
	if v, ok := ctx.Value(ctxKeyTraceID{}).(string); ok {
		return v
	}
	return ""
}

func withSeq(ctx context.Context, seq uint64) context.Context {
	return context.WithValue(ctx, ctxKeySeq{}, seq)
}

func seqFromCtx(ctx context.Context) uint64 {
	v, _ := ctx.Value(ctxKeySeq{}).(uint64)
	return v
}

// reply sends typ to s, echoing the seq of the request being handled.
func reply(ctx context.Context, s *player.PlayerSession, typ string, payload any) {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return
		}
		raw = b
	}
	s.Send(&player.Packet{Seq: seqFromCtx(ctx), Type: typ, Payload: raw})
}

type errorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func replyError(ctx context.Context, s *player.PlayerSession, code, msg string) {
	reply(ctx, s, "error", errorPayload{Code: code, Message: msg})
}
