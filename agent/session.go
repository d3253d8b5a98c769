// Package agent implements the per-call voice agent session.
//
// A Session owns one connection to the voice agent. It sends the settings
// message, waits for the handshake, keeps the connection alive, greets the
// callee once, relays audio in both directions and answers function calls.
// Sessions are torn down with Cleanup, which may be called any number of
// times from either leg of the call.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/agentplexus/callbridge"
	"github.com/agentplexus/callbridge/audio"
	"github.com/agentplexus/callbridge/functions"
	"github.com/agentplexus/callbridge/internal/metrics"
)

// State is a session lifecycle state.
type State int

// Session states.
const (
	StateCreated State = iota
	StateConnecting
	StateAwaitingHandshake
	StateReady
	StateActive
	StateClosing
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateConnecting:
		return "connecting"
	case StateAwaitingHandshake:
		return "awaiting_handshake"
	case StateReady:
		return "ready"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// terminal reports whether no further transitions are allowed.
func (s State) terminal() bool {
	return s == StateClosed || s == StateFailed
}

// Conn is a message-oriented connection. *websocket.Conn satisfies it.
// WriteControl and Close may be called concurrently with the other methods.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Dialer opens agent connections.
type Dialer interface {
	Dial(ctx context.Context, url string, header http.Header) (Conn, error)
}

// WebsocketDialer dials with gorilla/websocket.
type WebsocketDialer struct {
	Dialer *websocket.Dialer
}

// Dial implements Dialer.
func (d WebsocketDialer) Dial(ctx context.Context, url string, header http.Header) (Conn, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, _, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// AudioSink receives synthesized speech for the telephony leg.
type AudioSink interface {
	SendAudio(frame []byte) error
}

// Clearer is implemented by sinks that can discard speech queued for
// playback.
type Clearer interface {
	Clear() error
}

// TicketStatusSink updates the status of the call's ticket.
type TicketStatusSink interface {
	SetStatus(ctx context.Context, ticketID string, status int) error
}

// Remover removes a call from the registry.
type Remover interface {
	Remove(callID string) bool
}

// Option configures a Session.
type Option func(*options)

type options struct {
	dialer   Dialer
	tickets  TicketStatusSink
	registry Remover
	logger   *zap.Logger
	metrics  *metrics.Collector
	now      func() time.Time
}

// WithDialer sets the dialer. The default dials with gorilla/websocket.
func WithDialer(d Dialer) Option {
	return func(o *options) {
		o.dialer = d
	}
}

// WithTicketStatus sets the ticket status sink.
func WithTicketStatus(t TicketStatusSink) Option {
	return func(o *options) {
		o.tickets = t
	}
}

// WithRegistry sets the registry the session removes its call from on cleanup.
func WithRegistry(r Remover) Option {
	return func(o *options) {
		o.registry = r
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(c *metrics.Collector) Option {
	return func(o *options) {
		o.metrics = c
	}
}

// WithClock sets the time source used for the prompt date.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

type frame struct {
	binary bool
	data   []byte
	err    error
}

// Session is a voice agent session for one call.
type Session struct {
	id     string
	callID string
	sctx   callbridge.SessionContext
	cfg    Config
	router *functions.Router

	dialer   Dialer
	tickets  TicketStatusSink
	registry Remover
	logger   *zap.Logger
	metrics  *metrics.Collector
	now      func() time.Time

	outbound *audio.Transcoder

	mu      sync.Mutex
	state   State
	conn    Conn
	sink    AudioSink
	retries int

	writeMu sync.Mutex

	active       atomic.Bool
	ready        atomic.Bool
	greetingSent atomic.Bool
	heartbeating atomic.Bool

	initDone   *Signal
	ticketOnce sync.Once

	ctx         context.Context
	cancel      context.CancelFunc
	heartbeatWG sync.WaitGroup
	cleanupOnce sync.Once
	done        chan struct{}
}

// NewSession creates a session for callID. router must not be nil.
func NewSession(callID string, sctx callbridge.SessionContext, cfg Config, router *functions.Router, opts ...Option) (*Session, error) {
	if callID == "" {
		return nil, errors.New("call id is required")
	}
	if router == nil {
		return nil, errors.New("function router is required")
	}

	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	if o.dialer == nil {
		o.dialer = WebsocketDialer{}
	}
	if o.now == nil {
		o.now = time.Now
	}

	cfg = cfg.withDefaults()
	id := uuid.NewString()
	logger := o.logger.With(
		zap.String("component", "agent"),
		zap.String("call_sid", callID),
		zap.String("session_id", id),
	)

	outbound, err := audio.AgentToTelephony(cfg.OutputRate, cfg.TelephonyRate, logger)
	if err != nil {
		return nil, fmt.Errorf("outbound transcoder: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:       id,
		callID:   callID,
		sctx:     sctx.Clone(),
		cfg:      cfg,
		router:   router,
		dialer:   o.dialer,
		tickets:  o.tickets,
		registry: o.registry,
		logger:   logger,
		metrics:  o.metrics,
		now:      o.now,
		outbound: outbound,
		state:    StateCreated,
		initDone: NewSignal(),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	s.active.Store(true)
	s.metrics.SessionOpened()
	return s, nil
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// CallID returns the call SID.
func (s *Session) CallID() string { return s.callID }

// Context returns the call's session context.
func (s *Session) Context() callbridge.SessionContext { return s.sctx.Clone() }

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Retries returns the number of failed connection attempts.
func (s *Session) Retries() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.retries
}

// Ready returns the initialization-complete signal.
func (s *Session) Ready() *Signal { return s.initDone }

// Done is closed when cleanup has finished.
func (s *Session) Done() <-chan struct{} { return s.done }

// Heartbeating reports whether the keep-alive task is running.
func (s *Session) Heartbeating() bool { return s.heartbeating.Load() }

// IsRelaying reports whether audio may flow, i.e. the session is active and
// the handshake has completed.
func (s *Session) IsRelaying() bool {
	return s.active.Load() && s.ready.Load()
}

// Bind sets the sink for synthesized speech.
func (s *Session) Bind(sink AudioSink) {
	s.mu.Lock()
	s.sink = sink
	s.mu.Unlock()
}

// MarkInactive stops audio relay. The connection stays open until Cleanup.
func (s *Session) MarkInactive() {
	if s.active.Swap(false) {
		s.logger.Info("session marked inactive")
	}
}

// transition moves to a new state unless the session already reached a
// terminal state. Closing may only move on to Closed.
func (s *Session) transition(to State) bool {
	s.mu.Lock()
	from := s.state
	ok := !from.terminal() && from != to && (from != StateClosing || to == StateClosed)
	if ok {
		s.state = to
	}
	s.mu.Unlock()

	if ok {
		s.logger.Info("session state changed",
			zap.Stringer("from", from),
			zap.Stringer("to", to),
		)
		s.metrics.RecordStateTransition(from.String(), to.String())
	}
	return ok
}

// Connect opens the agent connection and completes the handshake. Dial
// failures are retried up to MaxRetries attempts with a flat backoff; a
// rejected or timed out handshake is not retried. Any failure leaves the
// session Failed and cleaned up.
func (s *Session) Connect(ctx context.Context) error {
	conn, err := s.dial(ctx)
	if err != nil {
		return s.fail(err)
	}

	frames := make(chan frame, 64)
	go s.readLoop(conn, frames)

	if !s.transition(StateAwaitingHandshake) {
		return callbridge.NewError(callbridge.KindStreamTerminated, "connect", errors.New("session closed")).WithCall(s.callID)
	}
	if err := s.awaitHandshake(ctx, frames); err != nil {
		return s.fail(err)
	}

	s.onReady(frames)
	return nil
}

// dial makes up to MaxRetries attempts to connect and send settings.
func (s *Session) dial(ctx context.Context) (Conn, error) {
	dctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	header := http.Header{}
	header.Set("Authorization", "Token "+s.cfg.APIKey)

	for {
		if !s.transition(StateConnecting) && s.State() != StateConnecting {
			return nil, callbridge.NewError(callbridge.KindStreamTerminated, "connect", errors.New("session closed")).WithCall(s.callID)
		}

		conn, err := s.attempt(dctx, header)
		if err == nil {
			s.metrics.RecordConnectAttempt("success")
			return conn, nil
		}
		s.metrics.RecordConnectAttempt("error")

		s.mu.Lock()
		s.retries++
		retries := s.retries
		s.mu.Unlock()

		if retries >= s.cfg.MaxRetries {
			return nil, callbridge.NewError(callbridge.KindConnection, "connect",
				fmt.Errorf("giving up after %d attempts: %w", retries, err)).WithCall(s.callID)
		}

		s.logger.Warn("agent connection failed, retrying",
			zap.Int("attempt", retries),
			zap.Duration("backoff", s.cfg.RetryBackoff),
			zap.Error(err),
		)

		t := time.NewTimer(s.cfg.RetryBackoff)
		select {
		case <-t.C:
		case <-dctx.Done():
			t.Stop()
			return nil, callbridge.NewError(callbridge.KindConnection, "connect", dctx.Err()).WithCall(s.callID)
		}
	}
}

// attempt dials once and sends the settings message.
func (s *Session) attempt(ctx context.Context, header http.Header) (Conn, error) {
	conn, err := s.dialer.Dial(ctx, s.cfg.URL, header)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.state.terminal() || s.state == StateClosing {
		s.mu.Unlock()
		_ = conn.Close()
		return nil, errors.New("session closed while dialing")
	}
	s.conn = conn
	s.mu.Unlock()

	settings := BuildSettings(s.cfg, s.router.Definitions(), s.now())
	if err := s.writeJSON(settings); err != nil {
		s.mu.Lock()
		if s.conn == conn {
			s.conn = nil
		}
		s.mu.Unlock()
		_ = conn.Close()
		return nil, fmt.Errorf("send settings: %w", err)
	}

	s.logger.Info("agent connected, settings sent")
	return conn, nil
}

// readLoop pumps frames from conn until it fails. The final frame carries
// the read error.
func (s *Session) readLoop(conn Conn, frames chan<- frame) {
	defer close(frames)
	for {
		mt, data, err := conn.ReadMessage()
		var f frame
		switch {
		case err != nil:
			f = frame{err: err}
		case mt == websocket.BinaryMessage:
			f = frame{binary: true, data: data}
		case mt == websocket.TextMessage:
			f = frame{data: data}
		default:
			continue
		}

		select {
		case frames <- f:
		case <-s.ctx.Done():
			return
		}
		if err != nil {
			return
		}
	}
}

// awaitHandshake waits for SettingsApplied under HandshakeTimeout.
func (s *Session) awaitHandshake(ctx context.Context, frames <-chan frame) error {
	deadline := time.NewTimer(s.cfg.HandshakeTimeout)
	defer deadline.Stop()
	poll := time.NewTicker(s.cfg.HandshakePoll)
	defer poll.Stop()

	handshakeErr := func(kind callbridge.ErrorKind, err error) error {
		return callbridge.NewError(kind, "handshake", err).WithCall(s.callID)
	}

	for {
		select {
		case f, ok := <-frames:
			if !ok || f.err != nil {
				cause := errors.New("connection closed")
				if ok {
					cause = f.err
				}
				return handshakeErr(callbridge.KindHandshake, cause)
			}
			if f.binary {
				continue
			}

			var msg inboundMessage
			if err := json.Unmarshal(f.data, &msg); err != nil {
				s.logger.Warn("malformed handshake message", zap.Error(err))
				continue
			}
			switch msg.Type {
			case MsgWelcome:
				s.logger.Info("agent welcome received", zap.String("request_id", msg.RequestID))
			case MsgSettingsApplied:
				return nil
			case MsgError:
				s.metrics.RecordConnectAttempt("handshake_failed")
				return handshakeErr(callbridge.KindHandshake,
					fmt.Errorf("agent rejected settings: %s (code %v)", msg.Description, msg.Code))
			default:
				s.logger.Debug("ignoring message during handshake", zap.String("type", msg.Type))
			}

		case <-poll.C:
			s.logger.Debug("awaiting settings applied")

		case <-deadline.C:
			return handshakeErr(callbridge.KindHandshakeTimeout,
				fmt.Errorf("no settings applied within %s", s.cfg.HandshakeTimeout))

		case <-ctx.Done():
			return handshakeErr(callbridge.KindHandshake, ctx.Err())

		case <-s.ctx.Done():
			return handshakeErr(callbridge.KindStreamTerminated, errors.New("session closed"))
		}
	}
}

func (s *Session) onReady(frames <-chan frame) {
	if !s.transition(StateReady) {
		return
	}
	s.ready.Store(true)
	s.initDone.Fire()

	s.updateTicketOnce()

	// Cleanup moves to Closing under mu before waiting, so the heartbeat is
	// either registered here first or never started.
	s.mu.Lock()
	if s.state != StateReady && s.state != StateActive {
		s.mu.Unlock()
		return
	}
	s.heartbeatWG.Add(1)
	s.mu.Unlock()
	go s.heartbeat()

	go s.run(frames)

	go func() {
		t := time.NewTimer(s.cfg.GreetingDelay)
		defer t.Stop()
		select {
		case <-t.C:
			if err := s.SendGreeting(s.ctx); err != nil {
				s.logger.Warn("greeting failed", zap.Error(err))
			}
		case <-s.ctx.Done():
		}
	}()
}

// updateTicketOnce marks the call's ticket in progress after the first
// successful connection. Failure is logged only.
func (s *Session) updateTicketOnce() {
	if s.tickets == nil || s.sctx.TicketID == "" {
		return
	}
	s.ticketOnce.Do(func() {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), s.cfg.TicketTimeout)
			defer cancel()
			if err := s.tickets.SetStatus(ctx, s.sctx.TicketID, callbridge.TicketStatusInProgress); err != nil {
				s.logger.Warn("failed to mark ticket in progress",
					zap.String("ticket_id", s.sctx.TicketID),
					zap.Error(err),
				)
			}
		}()
	})
}

// Activate moves a ready session to Active once the telephony stream is bound.
func (s *Session) Activate() error {
	if s.State() != StateReady || !s.transition(StateActive) {
		return fmt.Errorf("cannot activate session in state %s", s.State())
	}
	return nil
}

// WaitReady blocks until the handshake completes, the session ends, timeout
// elapses or ctx is done.
func (s *Session) WaitReady(ctx context.Context, timeout time.Duration) error {
	t := time.NewTimer(timeout)
	defer t.Stop()

	select {
	case <-s.initDone.Done():
		return nil
	case <-s.done:
		return callbridge.NewError(callbridge.KindStreamTerminated, "wait_ready", errors.New("session ended before ready")).WithCall(s.callID)
	case <-t.C:
		return callbridge.NewError(callbridge.KindHandshakeTimeout, "wait_ready", fmt.Errorf("not ready within %s", timeout)).WithCall(s.callID)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SendGreeting injects the opening line. Only the first successful call
// sends anything.
func (s *Session) SendGreeting(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !s.greetingSent.CompareAndSwap(false, true) {
		return nil
	}
	if !s.connected() {
		s.greetingSent.Store(false)
		return errors.New("agent connection not open")
	}

	text := Greeting(s.sctx, s.cfg)
	if err := s.writeJSON(injectAgentMessage{Type: MsgInjectAgentMessage, Content: text}); err != nil {
		return fmt.Errorf("send greeting: %w", err)
	}
	s.logger.Info("greeting sent", zap.String("text", text))
	return nil
}

// RelayToAgent forwards a transcoded telephony frame to the agent. It does
// nothing unless the session is relaying; a send failure cleans up the session.
func (s *Session) RelayToAgent(frame []byte) error {
	if !s.IsRelaying() || len(frame) == 0 {
		return nil
	}
	if err := s.write(websocket.BinaryMessage, frame); err != nil {
		s.logger.Warn("failed to relay audio to agent", zap.Error(err))
		s.Cleanup()
		return callbridge.NewError(callbridge.KindConnection, "relay", err).WithCall(s.callID)
	}
	s.metrics.RecordAudioFrame("inbound")
	return nil
}

// run handles agent frames after the handshake. It owns the outbound
// transcoder and resets it on exit.
func (s *Session) run(frames <-chan frame) {
	defer s.outbound.Reset()
	for {
		select {
		case f, ok := <-frames:
			if !ok || f.err != nil {
				s.onDisconnect(f.err)
				return
			}
			if f.binary {
				s.relayToTelephony(f.data)
				continue
			}
			if closeRequested := s.handleControl(f.data); closeRequested {
				s.Cleanup()
				return
			}
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Session) onDisconnect(err error) {
	if s.ctx.Err() != nil {
		return
	}
	if err != nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		s.logger.Warn("agent connection lost", zap.Error(err))
		if s.State() == StateActive {
			s.transition(StateFailed)
		}
	} else {
		s.logger.Info("agent connection closed")
	}
	s.Cleanup()
}

// handleControl processes one control message and reports whether the agent
// asked to close the connection.
func (s *Session) handleControl(data []byte) bool {
	var msg inboundMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.logger.Warn("malformed agent message",
			zap.Error(callbridge.NewError(callbridge.KindProtocol, "decode", err)),
		)
		return false
	}

	switch msg.Type {
	case MsgConversationText:
		s.logger.Info("conversation",
			zap.String("role", msg.Role),
			zap.String("content", msg.Content),
		)
	case MsgUserStartedSpeaking:
		s.logger.Debug("user started speaking")
		s.mu.Lock()
		sink := s.sink
		s.mu.Unlock()
		if c, ok := sink.(Clearer); ok && s.IsRelaying() {
			if err := c.Clear(); err != nil {
				s.logger.Debug("failed to clear queued speech", zap.Error(err))
			}
		}
	case MsgAgentThinking, MsgAgentStartedSpeaking, MsgAgentAudioDone, MsgWelcome, MsgSettingsApplied:
		s.logger.Debug("agent event", zap.String("type", msg.Type))
	case MsgFunctionCallRequest:
		go s.handleFunctionCall(msg)
	case MsgCloseConnection:
		s.logger.Info("agent requested close")
		return true
	case MsgError:
		s.logger.Error("agent error",
			zap.String("description", msg.Description),
			zap.Any("code", msg.Code),
		)
	case MsgWarning:
		s.logger.Warn("agent warning",
			zap.String("description", msg.Description),
			zap.Any("code", msg.Code),
		)
	default:
		s.logger.Debug("unhandled agent message",
			zap.Error(callbridge.NewError(callbridge.KindProtocol, "dispatch", fmt.Errorf("unknown type %q", msg.Type))),
		)
	}
	return false
}

// handleFunctionCall dispatches one request and sends exactly one response
// while the connection is open.
func (s *Session) handleFunctionCall(msg inboundMessage) {
	s.logger.Info("function call received",
		zap.String("function", msg.FunctionName),
		zap.String("function_call_id", msg.FunctionCallID),
	)

	var result map[string]any
	params, err := functionInput(msg.Input)
	if err != nil {
		result = map[string]any{"error": fmt.Sprintf("invalid function input: %v", err)}
	} else {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.FunctionTimeout)
		result = s.router.Dispatch(ctx, msg.FunctionName, params, s.sctx)
		cancel()
	}

	output, err := json.Marshal(result)
	if err != nil {
		output, _ = json.Marshal(map[string]any{"error": fmt.Sprintf("unencodable result: %v", err)})
	}

	if !s.connected() {
		s.logger.Warn("dropping function response, connection closed",
			zap.String("function_call_id", msg.FunctionCallID),
		)
		return
	}
	resp := functionCallResponse{
		Type:           MsgFunctionCallResponse,
		FunctionCallID: msg.FunctionCallID,
		Output:         string(output),
	}
	if err := s.writeJSON(resp); err != nil {
		s.logger.Warn("failed to send function response", zap.Error(err))
		return
	}
	s.logger.Info("function response sent",
		zap.String("function", msg.FunctionName),
		zap.ByteString("output", output),
	)
}

// relayToTelephony transcodes an agent frame and hands it to the sink.
func (s *Session) relayToTelephony(data []byte) {
	s.mu.Lock()
	sink := s.sink
	s.mu.Unlock()
	if sink == nil {
		return
	}

	out, err := s.outbound.Transcode(data)
	if err != nil {
		s.metrics.RecordTranscodeError("outbound")
		return
	}
	if len(out) == 0 {
		return
	}
	if err := sink.SendAudio(out); err != nil {
		s.logger.Debug("telephony send failed", zap.Error(err))
		return
	}
	s.metrics.RecordAudioFrame("outbound")
}

// heartbeat sends KeepAlive every KeepAliveInterval while Ready or Active.
func (s *Session) heartbeat() {
	defer s.heartbeatWG.Done()
	s.heartbeating.Store(true)
	defer s.heartbeating.Store(false)

	t := time.NewTicker(s.cfg.KeepAliveInterval)
	defer t.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-t.C:
			if st := s.State(); st != StateReady && st != StateActive {
				return
			}
			if err := s.writeJSON(keepAliveMessage{Type: MsgKeepAlive}); err != nil {
				s.logger.Debug("keep-alive stopped", zap.Error(err))
				return
			}
			s.logger.Debug("keep-alive sent")
		}
	}
}

// fail marks the session Failed, cleans it up and returns err.
func (s *Session) fail(err error) error {
	if s.transition(StateFailed) {
		s.logger.Error("session failed", zap.Error(err))
	}
	s.Cleanup()
	return err
}

// Cleanup tears the session down: relay stops, the agent connection is
// closed, the heartbeat is cancelled and awaited and the call is removed
// from the registry. Safe to call concurrently and repeatedly.
func (s *Session) Cleanup() {
	s.teardown(true)
}

// Discard tears down a session that was never attached to its call. The
// registry entry belongs to another session and is left alone.
func (s *Session) Discard() {
	s.teardown(false)
}

func (s *Session) teardown(removeCall bool) {
	s.cleanupOnce.Do(func() {
		s.active.Store(false)
		s.ready.Store(false)
		s.transition(StateClosing)

		s.cancel()

		s.mu.Lock()
		conn := s.conn
		s.conn = nil
		s.mu.Unlock()
		if conn != nil {
			// WriteControl does not need writeMu, so a stalled writer cannot
			// hold teardown up.
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(s.cfg.WriteTimeout))
			if err := conn.Close(); err != nil {
				s.logger.Debug("error closing agent connection", zap.Error(err))
			}
		}
		s.heartbeatWG.Wait()

		s.transition(StateClosed)

		if removeCall && s.registry != nil && s.registry.Remove(s.callID) {
			s.logger.Info("call removed from registry")
		}
		s.metrics.SessionClosed()
		close(s.done)
		s.logger.Info("session cleaned up", zap.Stringer("state", s.State()))
	})
}

func (s *Session) connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

func (s *Session) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.write(websocket.TextMessage, data)
}

// write sends one message. Writes are serialized; the connection allows a
// single concurrent writer.
func (s *Session) write(messageType int, data []byte) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return errors.New("agent connection not open")
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout)); err != nil {
		return err
	}
	return conn.WriteMessage(messageType, data)
}
