// Package callsystem places outbound incident calls through Twilio and
// reacts to their status callbacks.
package callsystem

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentplexus/callbridge"
	"github.com/agentplexus/callbridge/internal/client"
	"github.com/agentplexus/callbridge/internal/metrics"
	"github.com/agentplexus/callbridge/registry"
	"github.com/agentplexus/callbridge/twiml"
)

// ErrInvalidPhoneNumber is returned for numbers that are not E.164.
var ErrInvalidPhoneNumber = errors.New("invalid phone number")

var e164 = regexp.MustCompile(`^\+\d{10,15}$`)

// StatusCallbackEvents are the call progress events Twilio reports.
var StatusCallbackEvents = []string{"initiated", "ringing", "answered", "completed"}

// NormalizePhoneNumber strips formatting, adds a missing leading "+" and
// validates the result as E.164.
func NormalizePhoneNumber(raw string) (string, error) {
	n := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '-', '(', ')', '.':
			return -1
		}
		return r
	}, strings.TrimSpace(raw))
	if n != "" && !strings.HasPrefix(n, "+") {
		n = "+" + n
	}
	if !e164.MatchString(n) {
		return "", fmt.Errorf("%w: %q", ErrInvalidPhoneNumber, raw)
	}
	return n, nil
}

// TicketStatusSetter updates the status of an incident ticket.
type TicketStatusSetter interface {
	SetStatus(ctx context.Context, ticketID string, status int) error
}

// Config configures call placement.
type Config struct {
	// PhoneNumber is the caller ID for outbound calls.
	PhoneNumber string
	// WebhookURL serves TwiML when a call connects. When empty the TwiML is
	// sent inline with the call.
	WebhookURL        string
	StatusCallbackURL string
	// StreamURL is the public wss:// URL of the media stream endpoint.
	StreamURL   string
	RingTimeout time.Duration
}

// Provider places calls and tracks them until they end.
type Provider struct {
	client   *client.Client
	registry *registry.Registry
	tickets  TicketStatusSetter
	cfg      Config
	logger   *zap.Logger
	metrics  *metrics.Collector
	now      func() time.Time

	mu    sync.RWMutex
	calls map[string]*Call
}

// Option configures the Provider.
type Option func(*options)

type options struct {
	tickets TicketStatusSetter
	logger  *zap.Logger
	metrics *metrics.Collector
	now     func() time.Time
}

// WithTicketStatus sets where ticket status changes are written.
func WithTicketStatus(t TicketStatusSetter) Option {
	return func(o *options) {
		o.tickets = t
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

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

// New creates a call system provider.
func New(c *client.Client, reg *registry.Registry, cfg Config, opts ...Option) (*Provider, error) {
	if c == nil {
		return nil, errors.New("twilio client is required")
	}
	if reg == nil {
		return nil, errors.New("registry is required")
	}
	if cfg.PhoneNumber == "" {
		return nil, errors.New("from number is required")
	}
	if cfg.StreamURL == "" {
		return nil, errors.New("stream URL is required")
	}
	if cfg.RingTimeout <= 0 {
		cfg.RingTimeout = 60 * time.Second
	}

	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	if o.now == nil {
		o.now = time.Now
	}

	return &Provider{
		client:   c,
		registry: reg,
		tickets:  o.tickets,
		cfg:      cfg,
		logger:   o.logger.With(zap.String("component", "callsystem")),
		metrics:  o.metrics,
		now:      o.now,
		calls:    make(map[string]*Call),
	}, nil
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return callbridge.ProviderName
}

// PlaceCall dials the incident's contact number and registers the incident
// context under the new call SID.
func (p *Provider) PlaceCall(ctx context.Context, sctx callbridge.SessionContext) (*Call, error) {
	to, err := NormalizePhoneNumber(sctx.PhoneNumber)
	if err != nil {
		p.metrics.RecordCallPlaced("invalid_number")
		return nil, err
	}
	sctx = sctx.Clone()
	sctx.PhoneNumber = to

	params := &client.MakeCallParams{
		To:      to,
		From:    p.cfg.PhoneNumber,
		Timeout: int(p.cfg.RingTimeout.Seconds()),
	}
	if p.cfg.WebhookURL != "" {
		params.URL = p.cfg.WebhookURL
		params.Method = "POST"
	} else {
		doc, err := p.IncomingTwiML()
		if err != nil {
			return nil, err
		}
		params.Twiml = doc
	}
	if p.cfg.StatusCallbackURL != "" {
		params.StatusCallback = p.cfg.StatusCallbackURL
		params.StatusCallbackMethod = "POST"
		params.StatusCallbackEvent = StatusCallbackEvents
	}

	twilioCall, err := p.client.MakeCall(ctx, params)
	if err != nil {
		p.metrics.RecordCallPlaced("failed")
		return nil, fmt.Errorf("failed to make call: %w", err)
	}

	if err := p.registry.Register(twilioCall.SID, sctx); err != nil {
		p.logger.Error("failed to register call context",
			zap.String("call_sid", twilioCall.SID),
			zap.Error(err),
		)
	}

	call := &Call{
		id:        twilioCall.SID,
		to:        to,
		from:      p.cfg.PhoneNumber,
		ticketID:  sctx.TicketID,
		status:    twilioCall.Status,
		startTime: p.now(),
	}
	if call.status == "" {
		call.status = callbridge.CallStatusQueued
	}

	p.mu.Lock()
	p.calls[call.id] = call
	p.mu.Unlock()

	p.metrics.RecordCallPlaced("placed")
	p.logger.Info("call initiated",
		zap.String("call_sid", call.id),
		zap.String("to", to),
		zap.String("ticket_id", sctx.TicketID),
	)
	return call, nil
}

// IncomingTwiML returns the TwiML that connects an answered call to the
// media stream endpoint.
func (p *Provider) IncomingTwiML() (string, error) {
	return twiml.ConnectStream(p.cfg.StreamURL, nil)
}

// HandleStatusCallback records a call status update. A terminal status
// stops the call's session, closes its ticket and forgets the call.
func (p *Provider) HandleStatusCallback(ctx context.Context, callSID, status string) {
	logger := p.logger.With(zap.String("call_sid", callSID))
	logger.Info("call status update", zap.String("status", status))

	p.mu.Lock()
	call, known := p.calls[callSID]
	if known {
		call.setStatus(status)
	}
	terminal := callbridge.IsTerminalCallStatus(status)
	if known && terminal {
		delete(p.calls, callSID)
	}
	p.mu.Unlock()

	if !terminal {
		return
	}

	sctx, registered := p.registry.Context(callSID)
	if !known && !registered {
		logger.Warn("status for unknown call")
		return
	}

	if session, ok := p.registry.Session(callSID); ok {
		session.MarkInactive()
		session.Cleanup()
	}

	ticketID := sctx.TicketID
	if ticketID == "" && known {
		ticketID = call.ticketID
	}
	if ticketID != "" && p.tickets != nil {
		if err := p.tickets.SetStatus(ctx, ticketID, callbridge.TicketStatusClosed); err != nil {
			logger.Error("failed to close ticket", zap.String("ticket_id", ticketID), zap.Error(err))
		} else {
			logger.Info("ticket closed", zap.String("ticket_id", ticketID))
		}
	}

	p.registry.Remove(callSID)
	logger.Info("call cleaned up")
}

// Hangup ends a call.
func (p *Provider) Hangup(ctx context.Context, callSID string) error {
	if _, err := p.client.HangupCall(ctx, callSID); err != nil {
		return fmt.Errorf("failed to hangup: %w", err)
	}

	p.mu.Lock()
	if call, ok := p.calls[callSID]; ok {
		call.setStatus(callbridge.CallStatusCompleted)
	}
	p.mu.Unlock()
	return nil
}

// ActiveCalls returns the calls that have not ended, oldest first.
func (p *Provider) ActiveCalls() []*Call {
	p.mu.RLock()
	calls := make([]*Call, 0, len(p.calls))
	for _, call := range p.calls {
		calls = append(calls, call)
	}
	p.mu.RUnlock()

	sort.Slice(calls, func(i, j int) bool {
		if calls[i].startTime.Equal(calls[j].startTime) {
			return calls[i].id < calls[j].id
		}
		return calls[i].startTime.Before(calls[j].startTime)
	})
	return calls
}

// Close hangs up every active call.
func (p *Provider) Close(ctx context.Context) error {
	var errs []error
	for _, call := range p.ActiveCalls() {
		if err := p.Hangup(ctx, call.ID()); err != nil {
			errs = append(errs, err)
		}
	}

	p.mu.Lock()
	p.calls = make(map[string]*Call)
	p.mu.Unlock()
	return errors.Join(errs...)
}

// Call is an outbound call placed for a ticket.
type Call struct {
	id        string
	to        string
	from      string
	ticketID  string
	startTime time.Time

	mu     sync.RWMutex
	status string
}

// ID returns the call SID.
func (c *Call) ID() string {
	return c.id
}

// To returns the called number.
func (c *Call) To() string {
	return c.to
}

// From returns the caller ID.
func (c *Call) From() string {
	return c.from
}

// TicketID returns the ticket the call was placed for.
func (c *Call) TicketID() string {
	return c.ticketID
}

// StartTime returns when the call was placed.
func (c *Call) StartTime() time.Time {
	return c.startTime
}

// Status returns the last reported Twilio status.
func (c *Call) Status() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

func (c *Call) setStatus(status string) {
	c.mu.Lock()
	c.status = status
	c.mu.Unlock()
}
