// internal/transport/endpoint.go
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/webext-auto/api/schemas"
)

var (
	// ErrUnknownAck is returned when an ack names a correlation id with no pending call.
	ErrUnknownAck = errors.New("transport: ack for unknown correlation id")
	// ErrAckTimeout is passed to an AckFunc whose call was never acknowledged in time.
	ErrAckTimeout = errors.New("transport: acknowledgment timed out")
	// ErrClosed is returned for work on a closed endpoint, and passed to calls pending at close.
	ErrClosed = errors.New("transport: endpoint closed")
	// ErrNotConnected is returned when sending before a Conn is bound.
	ErrNotConnected = errors.New("transport: endpoint has no connection")
)

// Conn carries envelopes from an endpoint to its peer.
type Conn interface {
	Write(ctx context.Context, env *schemas.Envelope) error
	Close() error
}

// Message is an inbound request as seen by a hook.
type Message struct {
	Src     schemas.ContextID
	Type    string
	Msg     json.RawMessage
	FromTab int64
}

// Decode unmarshals the message payload into v.
func (m Message) Decode(v any) error { return schemas.UnmarshalPayload(m.Msg, v) }

// Reply acknowledges a request. Only the first call has an effect.
type Reply func(result any, err error)

// HandlerFunc receives requests from one source context. Returning true means the
// handler owns reply and will call it, possibly from another goroutine; any
// other return makes the endpoint acknowledge with no result right away.
// Handlers run on the connection's read goroutine and must not block on it.
type HandlerFunc func(ctx context.Context, msg Message, reply Reply) bool

// AckFunc receives the result of a call, followed by the extra arguments given to Send.
type AckFunc func(result json.RawMessage, err error, args ...any)

// RemoteError is an error reported by the acknowledging context.
type RemoteError struct {
	From    schemas.ContextID
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("transport: %s replied with error: %s", e.From, e.Message)
}

type pendingCall struct {
	onAck AckFunc
	args  []any
	timer *time.Timer
}

// Option configures an Endpoint.
type Option func(*Endpoint)

// WithCallTimeout bounds how long a pending call waits for its ack. Zero waits forever.
func WithCallTimeout(d time.Duration) Option {
	return func(e *Endpoint) { e.callTimeout = d }
}

// Endpoint is one context's view of the transport: directed sends with correlated
// acknowledgments, and receive hooks keyed by the source context.
type Endpoint struct {
	self        schemas.ContextID
	logger      *zap.Logger
	callTimeout time.Duration

	mu      sync.Mutex
	conn    Conn
	tab     int64
	nextID  int64
	pending map[int64]*pendingCall
	hooks   map[schemas.ContextID]HandlerFunc
	closed  bool
}

// NewEndpoint creates an endpoint for the given context.
func NewEndpoint(self schemas.ContextID, logger *zap.Logger, opts ...Option) *Endpoint {
	e := &Endpoint{
		self:    self,
		logger:  logger.Named("endpoint").With(zap.Stringer("context", self)),
		pending: make(map[int64]*pendingCall),
		hooks:   make(map[schemas.ContextID]HandlerFunc),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Self returns the context this endpoint speaks for.
func (e *Endpoint) Self() schemas.ContextID { return e.self }

// Bind attaches the connection outbound envelopes are written to.
func (e *Endpoint) Bind(conn Conn) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.conn = conn
}

// SetTab records the tab this endpoint lives in, as assigned by the relay.
func (e *Endpoint) SetTab(tab int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tab = tab
}

// Tab returns the tab this endpoint lives in, if one was assigned.
func (e *Endpoint) Tab() (int64, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tab, e.tab != 0
}

// Handle installs the hook for requests coming from src, replacing any previous one.
func (e *Endpoint) Handle(src schemas.ContextID, h HandlerFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.hooks[src] = h
}

// Pending returns the number of calls still waiting for an acknowledgment.
func (e *Endpoint) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

// ToBackground sends to the background context.
func (e *Endpoint) ToBackground(ctx context.Context, typ string, payload any, onAck AckFunc, args ...any) error {
	return e.Send(ctx, schemas.ContextBackground, 0, typ, payload, onAck, args...)
}

// ToContent sends to the content context of a tab.
func (e *Endpoint) ToContent(ctx context.Context, tab int64, typ string, payload any, onAck AckFunc, args ...any) error {
	return e.Send(ctx, schemas.ContextContent, tab, typ, payload, onAck, args...)
}

// ToWeb sends to the web context of a tab.
func (e *Endpoint) ToWeb(ctx context.Context, tab int64, typ string, payload any, onAck AckFunc, args ...any) error {
	return e.Send(ctx, schemas.ContextWeb, tab, typ, payload, onAck, args...)
}

// ToPopup sends to the popup.
func (e *Endpoint) ToPopup(ctx context.Context, typ string, payload any, onAck AckFunc, args ...any) error {
	return e.Send(ctx, schemas.ContextPopup, 0, typ, payload, onAck, args...)
}

// Send writes a request to dst. A zero tab leaves the destination tab unset.
// With a nil onAck the envelope is fire-and-forget; otherwise onAck runs exactly
// once with the remote result (or an error) followed by args. When Send itself
// returns an error, onAck is never called.
func (e *Endpoint) Send(ctx context.Context, dst schemas.ContextID, tab int64, typ string, payload any, onAck AckFunc, args ...any) error {
	_, err := e.send(ctx, dst, tab, typ, payload, onAck, args)
	return err
}

func (e *Endpoint) send(ctx context.Context, dst schemas.ContextID, tab int64, typ string, payload any, onAck AckFunc, args []any) (int64, error) {
	msg, err := schemas.MarshalPayload(payload)
	if err != nil {
		return 0, err
	}
	env := &schemas.Envelope{Src: e.self, Dst: dst, Type: typ, Msg: msg}
	if tab != 0 {
		env.ToTab = schemas.ID(tab)
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return 0, ErrClosed
	}
	conn := e.conn
	if conn == nil {
		e.mu.Unlock()
		return 0, ErrNotConnected
	}
	if e.tab != 0 {
		env.FromTab = schemas.ID(e.tab)
	}
	var id int64
	if onAck != nil {
		e.nextID++
		id = e.nextID
		env.Ack = schemas.ID(id)
		call := &pendingCall{onAck: onAck, args: args}
		if e.callTimeout > 0 {
			call.timer = time.AfterFunc(e.callTimeout, func() { e.expire(id) })
		}
		e.pending[id] = call
	}
	e.mu.Unlock()

	if err := conn.Write(ctx, env); err != nil {
		if onAck != nil {
			e.take(id)
		}
		return 0, fmt.Errorf("transport: send %q to %s: %w", typ, dst, err)
	}
	e.logger.Debug("Sent envelope.", zap.String("type", typ), zap.Stringer("dst", dst), zap.Int64("ack", id), zap.Int64("tab", tab))
	return id, nil
}

// Call sends a request and blocks until it is acknowledged or ctx ends.
func (e *Endpoint) Call(ctx context.Context, dst schemas.ContextID, tab int64, typ string, payload any) (json.RawMessage, error) {
	type outcome struct {
		result json.RawMessage
		err    error
	}
	done := make(chan outcome, 1)
	id, err := e.send(ctx, dst, tab, typ, payload, func(result json.RawMessage, err error, _ ...any) {
		done <- outcome{result, err}
	}, nil)
	if err != nil {
		return nil, err
	}

	select {
	case out := <-done:
		return out.result, out.err
	case <-ctx.Done():
		// A late ack will find no entry and be reported as unknown.
		e.take(id)
		return nil, ctx.Err()
	}
}

// Receive consumes one inbound envelope: acks resolve pending calls, anything
// else is dispatched to the hook registered for its source.
func (e *Endpoint) Receive(ctx context.Context, env *schemas.Envelope) error {
	if env.IsAck() {
		return e.resolve(env)
	}

	e.mu.Lock()
	closed := e.closed
	hook := e.hooks[env.Src]
	e.mu.Unlock()
	if closed {
		return ErrClosed
	}

	msg := Message{Src: env.Src, Type: env.Type, Msg: env.Msg}
	if env.FromTab != nil {
		msg.FromTab = *env.FromTab
	}
	reply := e.replier(ctx, env)

	if hook == nil {
		e.logger.Debug("No hook for source; acknowledging empty.", zap.Stringer("src", env.Src), zap.String("type", env.Type))
		reply(nil, nil)
		return nil
	}
	if !hook(ctx, msg, reply) {
		reply(nil, nil)
	}
	return nil
}

// replier binds the acknowledgment for env. Fire-and-forget requests get a no-op.
func (e *Endpoint) replier(ctx context.Context, env *schemas.Envelope) Reply {
	if !env.WantsAck() {
		return func(any, error) {}
	}
	var once sync.Once
	// Replies may outlive the read that delivered the request.
	replyCtx := valueOnlyContext{ctx}
	return func(result any, err error) {
		once.Do(func() {
			payload := schemas.AckPayload{}
			if err != nil {
				payload.Error = err.Error()
			} else if raw, mErr := schemas.MarshalPayload(result); mErr != nil {
				payload.Error = mErr.Error()
			} else {
				payload.Result = raw
			}
			msg, mErr := schemas.MarshalPayload(payload)
			if mErr != nil {
				e.logger.Error("Failed to encode ack.", zap.Error(mErr))
				return
			}

			ack := &schemas.Envelope{
				Src:     e.self,
				Dst:     env.Src,
				Type:    schemas.TypeAck,
				Msg:     msg,
				Ack:     schemas.ID(*env.Ack),
				ToTab:   env.FromTab,
				FromTab: nil,
			}
			e.mu.Lock()
			conn := e.conn
			if e.tab != 0 {
				ack.FromTab = schemas.ID(e.tab)
			}
			e.mu.Unlock()
			if conn == nil {
				e.logger.Warn("Cannot acknowledge without a connection.", zap.Int64("ack", *env.Ack))
				return
			}
			if wErr := conn.Write(replyCtx, ack); wErr != nil {
				e.logger.Warn("Failed to write ack.", zap.Int64("ack", *env.Ack), zap.Error(wErr))
			}
		})
	}
}

func (e *Endpoint) resolve(env *schemas.Envelope) error {
	if env.Ack == nil {
		return fmt.Errorf("%w: ack without correlation id", schemas.ErrMalformedEnvelope)
	}
	id := *env.Ack
	call := e.take(id)
	if call == nil {
		e.logger.Warn("Dropping ack for unknown correlation id.", zap.Int64("ack", id), zap.Stringer("src", env.Src))
		return fmt.Errorf("%w: %d", ErrUnknownAck, id)
	}

	var payload schemas.AckPayload
	if err := schemas.UnmarshalPayload(env.Msg, &payload); err != nil {
		call.onAck(nil, err, call.args...)
		return nil
	}
	var err error
	if payload.Error != "" {
		err = &RemoteError{From: env.Src, Message: payload.Error}
	}
	call.onAck(payload.Result, err, call.args...)
	return nil
}

// take removes and returns the pending call for id, stopping its timer.
func (e *Endpoint) take(id int64) *pendingCall {
	e.mu.Lock()
	defer e.mu.Unlock()
	call, ok := e.pending[id]
	if !ok {
		return nil
	}
	delete(e.pending, id)
	if call.timer != nil {
		call.timer.Stop()
	}
	return call
}

func (e *Endpoint) expire(id int64) {
	call := e.take(id)
	if call == nil {
		return
	}
	e.logger.Warn("Pending call expired without acknowledgment.", zap.Int64("ack", id), zap.Duration("timeout", e.callTimeout))
	call.onAck(nil, ErrAckTimeout, call.args...)
}

// Close fails every pending call with ErrClosed and closes the connection.
func (e *Endpoint) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	pending := e.pending
	e.pending = make(map[int64]*pendingCall)
	conn := e.conn
	e.mu.Unlock()

	for _, call := range pending {
		if call.timer != nil {
			call.timer.Stop()
		}
		call.onAck(nil, ErrClosed, call.args...)
	}
	if conn != nil {
		return conn.Close()
	}
	return nil
}

// valueOnlyContext inherits values but not cancellation, so a late reply is still written.
type valueOnlyContext struct{ context.Context }

func (valueOnlyContext) Deadline() (time.Time, bool) { return time.Time{}, false }
func (valueOnlyContext) Done() <-chan struct{}       { return nil }
func (valueOnlyContext) Err() error                  { return nil }
