package functions

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentplexus/callbridge"
	"github.com/agentplexus/callbridge/extract"
	"github.com/agentplexus/callbridge/internal/metrics"
	"github.com/agentplexus/callbridge/ticketing"
)

func echo(name string) Function {
	return Function{
		Definition: Definition{Name: name},
		Handler: func(_ context.Context, params map[string]any) (map[string]any, error) {
			return params, nil
		},
	}
}

func TestNewRouter_Validation(t *testing.T) {
	_, err := NewRouter([]Function{{Definition: Definition{Name: ""}, Handler: echo("x").Handler}})
	assert.Error(t, err)

	_, err = NewRouter([]Function{{Definition: Definition{Name: "x"}}})
	assert.Error(t, err)

	_, err = NewRouter([]Function{echo("x"), echo("x")})
	assert.Error(t, err)

	r, err := NewRouter([]Function{echo("b"), echo("a")})
	require.NoError(t, err)
	defs := r.Definitions()
	require.Len(t, defs, 2)
	assert.Equal(t, "b", defs[0].Name)
	assert.Equal(t, "a", defs[1].Name)
	assert.True(t, r.Has("a"))
	assert.False(t, r.Has("c"))
}

func TestRouter_UnknownFunction(t *testing.T) {
	r, err := NewRouter(nil)
	require.NoError(t, err)

	result := r.Dispatch(context.Background(), "foo", nil, callbridge.SessionContext{})
	assert.Contains(t, result["error"], "foo")
}

func TestRouter_HandlerErrorAndPanic(t *testing.T) {
	reg := prometheus.NewRegistry()
	r, err := NewRouter([]Function{
		{
			Definition: Definition{Name: "fails"},
			Handler: func(context.Context, map[string]any) (map[string]any, error) {
				return nil, errors.New("boom")
			},
		},
		{
			Definition: Definition{Name: "panics"},
			Handler: func(context.Context, map[string]any) (map[string]any, error) {
				panic("kaboom")
			},
		},
		{
			Definition: Definition{Name: "empty"},
			Handler: func(context.Context, map[string]any) (map[string]any, error) {
				return nil, nil
			},
		},
	}, WithMetrics(metrics.NewCollector("test", reg, nil)))
	require.NoError(t, err)

	ctx := context.Background()

	result := r.Dispatch(ctx, "fails", nil, callbridge.SessionContext{})
	assert.Contains(t, result["error"], "boom")

	result = r.Dispatch(ctx, "panics", nil, callbridge.SessionContext{})
	assert.Contains(t, result["error"], "kaboom")

	result = r.Dispatch(ctx, "empty", nil, callbridge.SessionContext{})
	assert.NotNil(t, result)
	assert.Empty(t, result)
}

func TestRouter_DispatchDoesNotMutateParams(t *testing.T) {
	r, err := NewRouter([]Function{{
		Definition: Definition{Name: "mut"},
		Handler: func(_ context.Context, params map[string]any) (map[string]any, error) {
			params["added"] = true
			return nil, nil
		},
		Enrich: func(params map[string]any, _ callbridge.SessionContext) {
			params["enriched"] = true
		},
	}})
	require.NoError(t, err)

	params := map[string]any{"a": 1}
	r.Dispatch(context.Background(), "mut", params, callbridge.SessionContext{})
	assert.Equal(t, map[string]any{"a": 1}, params)
}

func TestRouter_ConcurrentDispatch(t *testing.T) {
	r, err := NewRouter([]Function{echo("echo")})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			result := r.Dispatch(context.Background(), "echo", map[string]any{"i": i}, callbridge.SessionContext{})
			assert.Equal(t, i, result["i"])
		}(i)
	}
	wg.Wait()
}

type recordingNotifier struct {
	mu       sync.Mutex
	messages []string
	ok       bool
}

func (n *recordingNotifier) Notify(_ context.Context, text string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.messages = append(n.messages, text)
	return n.ok
}

func fixedNow() time.Time {
	return time.Date(2026, 10, 16, 9, 30, 0, 0, time.UTC)
}

func TestSendNotification_EnrichesFromContext(t *testing.T) {
	n := &recordingNotifier{ok: true}
	r, err := NewRouter([]Function{SendNotification(n, fixedNow)})
	require.NoError(t, err)

	sctx := callbridge.SessionContext{
		IncidentType:    "fire",
		Address:         "123 Main St",
		PhoneNumber:     "+15551234567",
		Priority:        1,
		ConfidenceScore: 0.95,
		ImageURLs:       []string{"u1", "u2", "u3", "u4"},
	}

	result := r.Dispatch(context.Background(), SendNotificationName, map[string]any{}, sctx)
	assert.Equal(t, true, result["success"])
	assert.Equal(t, "Alert sent successfully", result["message"])

	require.Len(t, n.messages, 1+MaxEvidenceImages)
	assert.True(t, strings.HasPrefix(n.messages[0], "🚨 EMERGENCY ALERT 🚨"))
	assert.Contains(t, n.messages[0], "Type: fire")
	assert.Contains(t, n.messages[0], "Location: 123 Main St")
	assert.Contains(t, n.messages[0], "Phone: +15551234567")
	assert.Contains(t, n.messages[0], "Priority: 1")
	assert.Contains(t, n.messages[0], "Time: 2026-10-16 09:30:00")
	assert.Equal(t, "📸 Evidence: u1", n.messages[1])
	assert.Equal(t, "📸 Evidence: u3", n.messages[3])
}

func TestSendNotification_FailedDelivery(t *testing.T) {
	n := &recordingNotifier{ok: false}
	r, err := NewRouter([]Function{SendNotification(n, fixedNow)})
	require.NoError(t, err)

	result := r.Dispatch(context.Background(), SendNotificationName, nil, callbridge.SessionContext{})
	assert.Equal(t, "Failed to send alert", result["message"])
	assert.Contains(t, n.messages[0], "Type: Unknown")
	assert.Contains(t, n.messages[0], "Phone: N/A")
}

func TestEnrichNotification_NeverOverwrites(t *testing.T) {
	sctx := callbridge.SessionContext{
		IncidentType: "fire",
		Address:      "123 Main St",
		ImageURLs:    []string{"ctx-image"},
	}

	params := map[string]any{
		"incident_details": map[string]any{"incident_type": "flood"},
		"image_urls":       []any{"caller-image"},
	}
	EnrichNotification(params, sctx)

	details := params["incident_details"].(map[string]any)
	assert.Equal(t, "flood", details["incident_type"])
	assert.Equal(t, "123 Main St", details["address"])
	assert.Equal(t, []any{"caller-image"}, params["image_urls"])

	params = map[string]any{}
	EnrichNotification(params, sctx)
	assert.Equal(t, "fire", params["incident_details"].(map[string]any)["incident_type"])
	assert.Equal(t, []any{"ctx-image"}, params["image_urls"])
}

func TestEnrichNotification_LeavesNonObjectDetails(t *testing.T) {
	params := map[string]any{"incident_details": "see ticket"}
	EnrichNotification(params, callbridge.SessionContext{IncidentType: "fire"})
	assert.Equal(t, "see ticket", params["incident_details"])
	_, ok := params["image_urls"]
	assert.False(t, ok)
}

type fakeTickets struct {
	ticket    *ticketing.Ticket
	open      []ticketing.Ticket
	err       error
	setID     string
	setStatus int
}

func (f *fakeTickets) GetTicket(context.Context, string) (*ticketing.Ticket, error) {
	return f.ticket, f.err
}

func (f *fakeTickets) ListOpenTickets(context.Context) ([]ticketing.Ticket, error) {
	return f.open, f.err
}

func (f *fakeTickets) SetStatus(_ context.Context, id string, status int) error {
	f.setID, f.setStatus = id, status
	return f.err
}

type fakeExtractor struct {
	incident *extract.Incident
	err      error
}

func (f *fakeExtractor) Extract(context.Context, string, string) (*extract.Incident, error) {
	return f.incident, f.err
}

func TestRetrieveTicket(t *testing.T) {
	tickets := &fakeTickets{ticket: &ticketing.Ticket{ID: 42, Subject: "Fire", DescriptionText: "smoke", Status: 2}}
	ex := &fakeExtractor{incident: &extract.Incident{IncidentType: "fire", Address: "123 Main St", Priority: 1}}
	r, err := NewRouter([]Function{RetrieveTicket(tickets, ex)})
	require.NoError(t, err)

	result := r.Dispatch(context.Background(), RetrieveTicketName, map[string]any{"ticket_id": float64(42)}, callbridge.SessionContext{})
	assert.Equal(t, "42", result["ticket_id"])
	assert.Equal(t, "fire", result["incident_type"])
	assert.Equal(t, "smoke", result["description"])

	result = r.Dispatch(context.Background(), RetrieveTicketName, map[string]any{}, callbridge.SessionContext{})
	assert.Contains(t, result["error"], "ticket_id is required")

	ex.err = errors.New("model down")
	result = r.Dispatch(context.Background(), RetrieveTicketName, map[string]any{"ticket_id": "42"}, callbridge.SessionContext{})
	assert.Contains(t, result["error"], "model down")
}

func TestListOpenTickets(t *testing.T) {
	tickets := &fakeTickets{open: []ticketing.Ticket{{ID: 1, Subject: "a"}, {ID: 2, Subject: "b"}}}
	ex := &fakeExtractor{incident: &extract.Incident{IncidentType: "medical"}}
	r, err := NewRouter([]Function{ListOpenTickets(tickets, ex)})
	require.NoError(t, err)

	result := r.Dispatch(context.Background(), ListOpenTicketsName, nil, callbridge.SessionContext{})
	list := result["tickets"].([]map[string]any)
	require.Len(t, list, 2)
	assert.Equal(t, "2", list[1]["ticket_id"])
	assert.Equal(t, "medical", list[1]["incident_type"])
}

func TestUpdateTicketStatus(t *testing.T) {
	tickets := &fakeTickets{}
	r, err := NewRouter([]Function{UpdateTicketStatus(tickets)})
	require.NoError(t, err)

	result := r.Dispatch(context.Background(), UpdateTicketStatusName,
		map[string]any{"ticket_id": "7", "status": float64(4)}, callbridge.SessionContext{})
	assert.Equal(t, "Ticket 7 updated to status 4", result["message"])
	assert.Equal(t, "7", tickets.setID)
	assert.Equal(t, 4, tickets.setStatus)

	result = r.Dispatch(context.Background(), UpdateTicketStatusName,
		map[string]any{"ticket_id": "7"}, callbridge.SessionContext{})
	assert.Contains(t, result["error"], "required")
}
