// Package transport bridges Twilio Media Streams websockets to voice agent
// sessions.
package transport

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/agentplexus/callbridge"
	"github.com/agentplexus/callbridge/agent"
	"github.com/agentplexus/callbridge/audio"
	"github.com/agentplexus/callbridge/internal/metrics"
	"github.com/agentplexus/callbridge/registry"
)

// Verify interface compliance at compile time.
var (
	_ agent.AudioSink = (*Connection)(nil)
	_ agent.Clearer   = (*Connection)(nil)
)

// AgentSession is what a media stream needs from a voice agent session.
type AgentSession interface {
	registry.Session
	// Discard tears down a session that never got attached to its call,
	// leaving the registry untouched.
	Discard()
	Bind(sink agent.AudioSink)
	Connect(ctx context.Context) error
	WaitReady(ctx context.Context, timeout time.Duration) error
	Activate() error
	SendGreeting(ctx context.Context) error
	RelayToAgent(frame []byte) error
	IsRelaying() bool
	Done() <-chan struct{}
}

// SessionFactory creates the session for a call when its stream starts.
type SessionFactory func(callID string, sctx callbridge.SessionContext) (AgentSession, error)

// Config configures stream handling.
type Config struct {
	// ReadyTimeout bounds the wait for the agent handshake after start.
	ReadyTimeout time.Duration
	// GreetingDelay is the settle time between activation and greeting.
	GreetingDelay time.Duration
	// WriteTimeout bounds each write to the telephony socket.
	WriteTimeout   time.Duration
	TelephonyRate  int
	AgentInputRate int
}

func (c Config) withDefaults() Config {
	if c.ReadyTimeout <= 0 {
		c.ReadyTimeout = 20 * time.Second
	}
	if c.GreetingDelay <= 0 {
		c.GreetingDelay = time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.TelephonyRate <= 0 {
		c.TelephonyRate = callbridge.TelephonySampleRate
	}
	if c.AgentInputRate <= 0 {
		c.AgentInputRate = callbridge.DefaultAgentInputRate
	}
	return c
}

// Provider accepts Media Streams connections and binds each to a session.
type Provider struct {
	registry *registry.Registry
	factory  SessionFactory
	cfg      Config
	upgrader websocket.Upgrader
	logger   *zap.Logger
	metrics  *metrics.Collector

	mu          sync.RWMutex
	connections map[string]*Connection
}

// Option configures the Provider.
type Option func(*options)

type options struct {
	cfg     Config
	logger  *zap.Logger
	metrics *metrics.Collector
}

// WithConfig sets the stream configuration.
func WithConfig(cfg Config) Option {
	return func(o *options) {
		o.cfg = cfg
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

// New creates a new Media Streams provider.
func New(reg *registry.Registry, factory SessionFactory, opts ...Option) (*Provider, error) {
	if reg == nil {
		return nil, errors.New("registry is required")
	}
	if factory == nil {
		return nil, errors.New("session factory is required")
	}

	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}

	return &Provider{
		registry: reg,
		factory:  factory,
		cfg:      o.cfg.withDefaults(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger:      o.logger.With(zap.String("component", "transport")),
		metrics:     o.metrics,
		connections: make(map[string]*Connection),
	}, nil
}

// Name returns the transport name.
func (p *Provider) Name() string {
	return "twilio-media-streams"
}

// HandleWebSocket upgrades an incoming Media Streams request and serves it
// until the stream stops or the socket closes.
func (p *Provider) HandleWebSocket(w http.ResponseWriter, r *http.Request) error {
	wsConn, err := p.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return fmt.Errorf("websocket upgrade failed: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	conn := &Connection{
		wsConn:   wsConn,
		provider: p,
		audioIn:  newAudioWriter(),
		logger:   p.logger,
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}

	go conn.readLoop()
	go conn.writeLoop()
	return nil
}

// StreamCount returns the number of started streams.
func (p *Provider) StreamCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.connections)
}

// Close shuts down all streams.
func (p *Provider) Close() error {
	p.mu.Lock()
	conns := make([]*Connection, 0, len(p.connections))
	for _, c := range p.connections {
		conns = append(conns, c)
	}
	p.mu.Unlock()

	for _, c := range conns {
		_ = c.Close()
	}
	return nil
}

// Connection is one Media Streams websocket.
type Connection struct {
	streamSID string
	callSID   string
	wsConn    *websocket.Conn
	provider  *Provider
	session   AgentSession
	inbound   *audio.Transcoder
	audioIn   *audioWriter
	logger    *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.RWMutex
	writeMu   sync.Mutex
	closed    bool
	closeOnce sync.Once
}

// StreamSID returns the stream SID.
func (c *Connection) StreamSID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.streamSID
}

// CallSID returns the associated call SID.
func (c *Connection) CallSID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.callSID
}

// Close ends the stream, marks its session inactive and cleans it up.
func (c *Connection) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		session := c.session
		streamSID := c.streamSID
		c.mu.Unlock()

		c.cancel()
		close(c.done)
		_ = c.audioIn.Close()

		if session != nil {
			session.MarkInactive()
			session.Cleanup()
		}
		_ = c.wsConn.Close()

		if streamSID != "" {
			c.provider.mu.Lock()
			delete(c.provider.connections, streamSID)
			c.provider.mu.Unlock()
		}
		c.logger.Info("media stream closed")
	})
	return nil
}

// Twilio Media Streams message types.
type mediaMessage struct {
	Event     string        `json:"event"`
	StreamSID string        `json:"streamSid,omitempty"`
	Start     *startMessage `json:"start,omitempty"`
	Media     *mediaPayload `json:"media,omitempty"`
	Mark      *markMessage  `json:"mark,omitempty"`
	Stop      *stopMessage  `json:"stop,omitempty"`
	DTMF      *dtmfMessage  `json:"dtmf,omitempty"`
}

type startMessage struct {
	StreamSID    string            `json:"streamSid"`
	AccountSID   string            `json:"accountSid"`
	CallSID      string            `json:"callSid"`
	Tracks       []string          `json:"tracks"`
	MediaFormat  mediaFormat       `json:"mediaFormat"`
	CustomParams map[string]string `json:"customParameters"`
}

type mediaFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
}

type mediaPayload struct {
	Track     string `json:"track,omitempty"`
	Chunk     string `json:"chunk,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   string `json:"payload"` // Base64 encoded audio
}

type markMessage struct {
	Name string `json:"name"`
}

type stopMessage struct {
	AccountSID string `json:"accountSid"`
	CallSID    string `json:"callSid"`
}

type dtmfMessage struct {
	Digit string `json:"digit"`
}

// readLoop reads messages from the WebSocket. It owns the inbound
// transcoder and resets it on exit.
func (c *Connection) readLoop() {
	defer func() { _ = c.Close() }()
	defer func() {
		c.mu.RLock()
		inbound := c.inbound
		c.mu.RUnlock()
		if inbound != nil {
			inbound.Reset()
		}
	}()

	for {
		_, data, err := c.wsConn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				select {
				case <-c.done:
				default:
					c.logger.Warn("media stream read failed", zap.Error(err))
				}
			}
			return
		}

		var msg mediaMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Debug("ignoring malformed media stream message", zap.Error(err))
			continue
		}

		switch msg.Event {
		case "connected":
			c.logger.Debug("media stream connected")

		case "start":
			if msg.Start == nil || !c.start(msg.Start) {
				return
			}

		case "media":
			if msg.Media != nil && msg.Media.Payload != "" {
				c.relay(msg.Media.Payload)
			}

		case "dtmf":
			if msg.DTMF != nil {
				c.logger.Info("dtmf received", zap.String("digit", msg.DTMF.Digit))
			}

		case "mark":
			if msg.Mark != nil {
				c.logger.Debug("mark received", zap.String("name", msg.Mark.Name))
			}

		case "stop":
			c.logger.Info("media stream stopped")
			return
		}
	}
}

// start binds the stream to a session for its call. It reports false when
// the stream must be aborted.
func (c *Connection) start(m *startMessage) bool {
	p := c.provider
	logger := c.logger.With(
		zap.String("call_sid", m.CallSID),
		zap.String("stream_sid", m.StreamSID),
	)

	c.mu.Lock()
	if c.session != nil {
		c.mu.Unlock()
		logger.Warn("duplicate start event ignored")
		return true
	}
	c.streamSID = m.StreamSID
	c.callSID = m.CallSID
	c.logger = logger
	c.mu.Unlock()

	sctx, ok := p.registry.Context(m.CallSID)
	if !ok {
		logger.Error("no context registered for call, aborting stream")
		return false
	}
	if _, exists := p.registry.Session(m.CallSID); exists {
		logger.Error("call already has a session, aborting stream")
		return false
	}

	inbound, err := audio.TelephonyToAgent(p.cfg.TelephonyRate, p.cfg.AgentInputRate, logger)
	if err != nil {
		logger.Error("failed to create inbound transcoder", zap.Error(err))
		return false
	}

	session, err := p.factory(m.CallSID, sctx)
	if err != nil {
		logger.Error("failed to create session", zap.Error(err))
		return false
	}
	if err := p.registry.Attach(m.CallSID, session); err != nil {
		logger.Error("failed to attach session", zap.Error(err))
		session.Discard()
		return false
	}

	c.mu.Lock()
	c.session = session
	c.inbound = inbound
	c.mu.Unlock()

	p.mu.Lock()
	p.connections[m.StreamSID] = c
	p.mu.Unlock()

	session.Bind(c)
	logger.Info("media stream started")

	go func() {
		if err := session.Connect(c.ctx); err != nil {
			logger.Warn("agent session failed to connect", zap.Error(err))
		}
	}()
	go c.activate(session)
	go func() {
		select {
		case <-session.Done():
			_ = c.Close()
		case <-c.done:
		}
	}()
	return true
}

// activate waits for the agent handshake, then starts relaying and greets.
func (c *Connection) activate(session AgentSession) {
	if err := session.WaitReady(c.ctx, c.provider.cfg.ReadyTimeout); err != nil {
		c.logger.Warn("agent session not ready, aborting stream", zap.Error(err))
		session.MarkInactive()
		session.Cleanup()
		_ = c.Close()
		return
	}
	if err := session.Activate(); err != nil {
		c.logger.Warn("failed to activate session", zap.Error(err))
		return
	}

	t := time.NewTimer(c.provider.cfg.GreetingDelay)
	defer t.Stop()
	select {
	case <-t.C:
	case <-c.done:
		return
	}
	if err := session.SendGreeting(c.ctx); err != nil {
		c.logger.Warn("failed to send greeting", zap.Error(err))
	}
}

// relay decodes, transcodes and forwards one inbound media payload.
func (c *Connection) relay(payload string) {
	c.mu.RLock()
	session := c.session
	inbound := c.inbound
	c.mu.RUnlock()

	if session == nil || !session.IsRelaying() {
		return
	}

	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		c.logger.Debug("invalid media payload", zap.Error(err))
		c.provider.metrics.RecordTranscodeError("inbound")
		return
	}
	pcm, err := inbound.Transcode(data)
	if err != nil {
		c.provider.metrics.RecordTranscodeError("inbound")
		return
	}
	if len(pcm) == 0 {
		return
	}
	_ = session.RelayToAgent(pcm)
}

// SendAudio queues a μ-law frame for the caller. It does nothing once the
// stream or its session is inactive.
func (c *Connection) SendAudio(frame []byte) error {
	c.mu.RLock()
	closed := c.closed
	session := c.session
	streamSID := c.streamSID
	c.mu.RUnlock()

	if closed || streamSID == "" || session == nil || !session.IsRelaying() {
		return nil
	}
	_, err := c.audioIn.Write(frame)
	return err
}

type outboundMedia struct {
	Event     string        `json:"event"`
	StreamSID string        `json:"streamSid"`
	Media     *mediaPayload `json:"media,omitempty"`
	Mark      *markMessage  `json:"mark,omitempty"`
}

// writeLoop writes queued audio to the WebSocket. A failed write marks the
// session inactive.
func (c *Connection) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case frame, ok := <-c.audioIn.ch:
			if !ok {
				return
			}
			msg := outboundMedia{
				Event:     "media",
				StreamSID: c.StreamSID(),
				Media:     &mediaPayload{Payload: base64.StdEncoding.EncodeToString(frame)},
			}
			if err := c.writeJSON(msg); err != nil {
				c.logger.Warn("media stream write failed", zap.Error(err))
				c.mu.RLock()
				session := c.session
				c.mu.RUnlock()
				if session != nil {
					session.MarkInactive()
				}
				return
			}
		}
	}
}

// SendMark sends a mark message for playback synchronization.
func (c *Connection) SendMark(name string) error {
	return c.writeJSON(outboundMedia{
		Event:     "mark",
		StreamSID: c.StreamSID(),
		Mark:      &markMessage{Name: name},
	})
}

// Clear drops audio Twilio has buffered but not yet played, used when the
// caller barges in.
func (c *Connection) Clear() error {
	c.audioIn.drain()
	return c.writeJSON(outboundMedia{
		Event:     "clear",
		StreamSID: c.StreamSID(),
	})
}

func (c *Connection) writeJSON(v any) error {
	c.mu.RLock()
	closed := c.closed
	c.mu.RUnlock()
	if closed {
		return io.ErrClosedPipe
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.wsConn.SetWriteDeadline(time.Now().Add(c.provider.cfg.WriteTimeout)); err != nil {
		return err
	}
	return c.wsConn.WriteJSON(v)
}

// audioWriter queues outbound frames, dropping the oldest when full.
type audioWriter struct {
	ch     chan []byte
	closed bool
	mu     sync.Mutex
}

func newAudioWriter() *audioWriter {
	return &audioWriter{
		ch: make(chan []byte, 100),
	}
}

func (w *audioWriter) Write(p []byte) (n int, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return 0, io.ErrClosedPipe
	}

	data := make([]byte, len(p))
	copy(data, p)

	select {
	case w.ch <- data:
		return len(p), nil
	default:
		select {
		case <-w.ch:
		default:
		}
		w.ch <- data
		return len(p), nil
	}
}

// drain discards queued frames.
func (w *audioWriter) drain() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for {
		select {
		case <-w.ch:
		default:
			return
		}
	}
}

func (w *audioWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.closed {
		w.closed = true
		close(w.ch)
	}
	return nil
}
