// Package dispatcher polls the ticketing system for open incidents and
// places a call for each.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/agentplexus/callbridge"
	"github.com/agentplexus/callbridge/callsystem"
	"github.com/agentplexus/callbridge/extract"
	"github.com/agentplexus/callbridge/internal/metrics"
	"github.com/agentplexus/callbridge/ticketing"
)

// Tickets is the ticketing system as the dispatcher uses it.
type Tickets interface {
	ListOpenTickets(ctx context.Context) ([]ticketing.Ticket, error)
	SetStatus(ctx context.Context, ticketID string, status int) error
}

// Extractor turns ticket text into incident fields.
type Extractor interface {
	Extract(ctx context.Context, subject, description string) (*extract.Incident, error)
}

// CallPlacer places a call for an incident.
type CallPlacer interface {
	PlaceCall(ctx context.Context, sctx callbridge.SessionContext) (*callsystem.Call, error)
}

// Config configures polling.
type Config struct {
	PollInterval time.Duration
	DedupeTTL    time.Duration
	// CallSpacing is the minimum gap between two placed calls.
	CallSpacing time.Duration
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 30 * time.Second
	}
	if c.DedupeTTL <= 0 {
		c.DedupeTTL = 300 * time.Second
	}
	if c.CallSpacing <= 0 {
		c.CallSpacing = 5 * time.Second
	}
	return c
}

// Result summarizes one poll.
type Result struct {
	Seen    int
	Placed  int
	Skipped int
	Closed  int
}

// Dispatcher turns open tickets into outbound calls.
type Dispatcher struct {
	tickets   Tickets
	extractor Extractor
	calls     CallPlacer
	dedupe    Deduper
	limiter   *rate.Limiter
	cfg       Config
	logger    *zap.Logger
	metrics   *metrics.Collector

	mu       sync.RWMutex
	lastPoll time.Time
}

// Option configures the Dispatcher.
type Option func(*options)

type options struct {
	dedupe  Deduper
	logger  *zap.Logger
	metrics *metrics.Collector
}

// WithDeduper replaces the in-memory deduper.
func WithDeduper(d Deduper) Option {
	return func(o *options) {
		o.dedupe = d
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

// New creates a dispatcher.
func New(tickets Tickets, ex Extractor, calls CallPlacer, cfg Config, opts ...Option) (*Dispatcher, error) {
	if tickets == nil || ex == nil || calls == nil {
		return nil, errors.New("tickets, extractor and call placer are required")
	}
	cfg = cfg.withDefaults()

	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	if o.dedupe == nil {
		o.dedupe = NewMemoryDeduper(cfg.DedupeTTL, nil)
	}

	return &Dispatcher{
		tickets:   tickets,
		extractor: ex,
		calls:     calls,
		dedupe:    o.dedupe,
		limiter:   rate.NewLimiter(rate.Every(cfg.CallSpacing), 1),
		cfg:       cfg,
		logger:    o.logger.With(zap.String("component", "dispatcher")),
		metrics:   o.metrics,
	}, nil
}

// Run polls until ctx is cancelled. Poll failures are logged and retried
// on the next tick.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.Info("dispatcher started", zap.Duration("interval", d.cfg.PollInterval))

	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if _, err := d.Poll(ctx); err != nil && ctx.Err() == nil {
			d.logger.Error("poll failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			d.logger.Info("dispatcher stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// LastPoll returns when the last poll started.
func (d *Dispatcher) LastPoll() time.Time {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.lastPoll
}

// Claimed returns the ticket IDs claimed within the dedupe window.
func (d *Dispatcher) Claimed(ctx context.Context) ([]string, error) {
	ids, err := d.dedupe.Claimed(ctx)
	if err != nil {
		return nil, err
	}
	sort.Strings(ids)
	return ids, nil
}

// Poll lists open tickets once, most urgent first, and places a call for
// each unclaimed ticket.
func (d *Dispatcher) Poll(ctx context.Context) (Result, error) {
	d.mu.Lock()
	d.lastPoll = time.Now()
	d.mu.Unlock()

	open, err := d.tickets.ListOpenTickets(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("list tickets: %w", err)
	}
	d.metrics.RecordTicketsPolled(len(open))

	sort.SliceStable(open, func(i, j int) bool {
		return open[i].Priority > open[j].Priority
	})

	res := Result{Seen: len(open)}
	for i := range open {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		switch d.dispatch(ctx, &open[i]) {
		case outcomePlaced:
			res.Placed++
		case outcomeClosed:
			res.Closed++
		default:
			res.Skipped++
		}
	}
	return res, nil
}

type outcome int

const (
	outcomeSkipped outcome = iota
	outcomePlaced
	outcomeClosed
)

func (d *Dispatcher) dispatch(ctx context.Context, t *ticketing.Ticket) outcome {
	id := strconv.FormatInt(t.ID, 10)
	logger := d.logger.With(zap.String("ticket_id", id))

	if t.Status != callbridge.TicketStatusOpen {
		return outcomeSkipped
	}

	claimed, err := d.dedupe.Claim(ctx, id)
	if err != nil {
		logger.Warn("failed to claim ticket", zap.Error(err))
		return outcomeSkipped
	}
	if !claimed {
		return outcomeSkipped
	}

	inc, err := d.extractor.Extract(ctx, t.Subject, t.Body())
	if err != nil {
		logger.Warn("failed to extract incident", zap.Error(err))
		return outcomeSkipped
	}

	phone, err := callsystem.NormalizePhoneNumber(inc.PhoneNumber)
	if err != nil {
		logger.Info("skipping ticket with invalid phone number", zap.String("phone_number", inc.PhoneNumber))
		d.close(ctx, id, logger)
		return outcomeClosed
	}

	if err := d.limiter.Wait(ctx); err != nil {
		return outcomeSkipped
	}

	logger.Info("processing ticket",
		zap.String("incident_type", inc.IncidentType),
		zap.String("address", inc.Address),
	)
	sctx := callbridge.SessionContext{
		IncidentType:    inc.IncidentType,
		Address:         inc.Address,
		PhoneNumber:     phone,
		Priority:        inc.Priority,
		ConfidenceScore: inc.ConfidenceScore,
		ImageURLs:       inc.ImageURLs,
		TicketID:        id,
	}
	if _, err := d.calls.PlaceCall(ctx, sctx); err != nil {
		logger.Error("failed to initiate call", zap.Error(err))
		d.close(ctx, id, logger)
		return outcomeClosed
	}
	return outcomePlaced
}

func (d *Dispatcher) close(ctx context.Context, id string, logger *zap.Logger) {
	if err := d.tickets.SetStatus(ctx, id, callbridge.TicketStatusClosed); err != nil {
		logger.Error("failed to close ticket", zap.Error(err))
	}
}
