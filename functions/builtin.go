package functions

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/agentplexus/callbridge"
	"github.com/agentplexus/callbridge/extract"
	"github.com/agentplexus/callbridge/ticketing"
)

// Built-in function names.
const (
	SendNotificationName   = "send_notification"
	RetrieveTicketName     = "retrieve_ticket"
	UpdateTicketStatusName = "update_ticket_status"
	ListOpenTicketsName    = "list_open_tickets"
)

// MaxEvidenceImages caps the image links sent with one notification.
const MaxEvidenceImages = 3

// Notifier delivers a message to the notification channel.
type Notifier interface {
	Notify(ctx context.Context, text string) bool
}

// TicketReader fetches tickets.
type TicketReader interface {
	GetTicket(ctx context.Context, ticketID string) (*ticketing.Ticket, error)
}

// TicketLister lists open tickets.
type TicketLister interface {
	ListOpenTickets(ctx context.Context) ([]ticketing.Ticket, error)
}

// TicketStatusSetter updates a ticket's status.
type TicketStatusSetter interface {
	SetStatus(ctx context.Context, ticketID string, status int) error
}

// Extractor turns ticket text into incident fields.
type Extractor interface {
	Extract(ctx context.Context, subject, description string) (*extract.Incident, error)
}

// SendNotification builds the notification function. now may be nil.
func SendNotification(n Notifier, now func() time.Time) Function {
	if now == nil {
		now = time.Now
	}
	return Function{
		Definition: Definition{
			Name:        SendNotificationName,
			Description: "Send an emergency alert with incident details and evidence images to the response team channel",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"incident_details": map[string]any{
						"type": "object",
						"properties": map[string]any{
							"incident_type": map[string]any{"type": "string"},
							"address":       map[string]any{"type": "string"},
							"phone_number":  map[string]any{"type": "string"},
							"priority":      map[string]any{"type": "integer"},
						},
					},
					"image_urls": map[string]any{
						"type":  "array",
						"items": map[string]any{"type": "string"},
					},
				},
				"required": []string{"incident_details"},
			},
		},
		Handler: func(ctx context.Context, params map[string]any) (map[string]any, error) {
			details, _ := params["incident_details"].(map[string]any)

			ok := n.Notify(ctx, alertText(details, now()))
			for _, u := range stringList(params["image_urls"], MaxEvidenceImages) {
				n.Notify(ctx, "📸 Evidence: "+u)
			}

			if !ok {
				return map[string]any{"success": false, "message": "Failed to send alert"}, nil
			}
			return map[string]any{"success": true, "message": "Alert sent successfully"}, nil
		},
		Enrich: EnrichNotification,
	}
}

// EnrichNotification fills incident_details and image_urls from the session
// context. Keys the caller supplied, including keys inside a supplied
// incident_details object, are left as they are.
func EnrichNotification(params map[string]any, sctx callbridge.SessionContext) {
	switch supplied := params["incident_details"].(type) {
	case nil:
		params["incident_details"] = sctx.IncidentDetails()
	case map[string]any:
		merged := make(map[string]any, len(supplied))
		for k, v := range supplied {
			merged[k] = v
		}
		for k, v := range sctx.IncidentDetails() {
			if _, ok := merged[k]; !ok {
				merged[k] = v
			}
		}
		params["incident_details"] = merged
	}

	if params["image_urls"] == nil && len(sctx.ImageURLs) > 0 {
		params["image_urls"] = sctx.ImageURLList()
	}
}

func alertText(details map[string]any, at time.Time) string {
	field := func(key, fallback string) string {
		v, ok := details[key]
		if !ok || v == nil || v == "" {
			return fallback
		}
		return fmt.Sprint(v)
	}

	var b strings.Builder
	b.WriteString("🚨 EMERGENCY ALERT 🚨\n")
	fmt.Fprintf(&b, "Type: %s\n", field("incident_type", "Unknown"))
	fmt.Fprintf(&b, "Location: %s\n", field("address", "Unknown"))
	fmt.Fprintf(&b, "Phone: %s\n", field("phone_number", "N/A"))
	fmt.Fprintf(&b, "Priority: %s\n", field("priority", "Unknown"))
	fmt.Fprintf(&b, "Time: %s", at.Format("2006-01-02 15:04:05"))
	return b.String()
}

// RetrieveTicket builds the ticket lookup function.
func RetrieveTicket(tickets TicketReader, ex Extractor) Function {
	return Function{
		Definition: Definition{
			Name:        RetrieveTicketName,
			Description: "Get an incident ticket and extract its emergency details",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"ticket_id": map[string]any{"type": "string", "description": "Ticket ID to retrieve"},
				},
				"required": []string{"ticket_id"},
			},
		},
		Handler: func(ctx context.Context, params map[string]any) (map[string]any, error) {
			id := stringParam(params, "ticket_id")
			if id == "" {
				return nil, errors.New("ticket_id is required")
			}

			ticket, err := tickets.GetTicket(ctx, id)
			if err != nil {
				return nil, fmt.Errorf("get ticket: %w", err)
			}
			inc, err := ex.Extract(ctx, ticket.Subject, ticket.Body())
			if err != nil {
				return nil, fmt.Errorf("extract ticket: %w", err)
			}

			return map[string]any{
				"ticket_id":        strconv.FormatInt(ticket.ID, 10),
				"phone_number":     inc.PhoneNumber,
				"incident_type":    inc.IncidentType,
				"address":          inc.Address,
				"priority":         inc.Priority,
				"confidence_score": inc.ConfidenceScore,
				"image_urls":       inc.ImageURLs,
				"description":      ticket.Body(),
				"status":           ticket.Status,
			}, nil
		},
	}
}

// ListOpenTickets builds the open ticket listing function.
func ListOpenTickets(tickets TicketLister, ex Extractor) Function {
	return Function{
		Definition: Definition{
			Name:        ListOpenTicketsName,
			Description: "List open incident tickets with their extracted emergency details",
			Parameters: map[string]any{
				"type":       "object",
				"properties": map[string]any{},
			},
		},
		Handler: func(ctx context.Context, _ map[string]any) (map[string]any, error) {
			open, err := tickets.ListOpenTickets(ctx)
			if err != nil {
				return nil, fmt.Errorf("list tickets: %w", err)
			}

			out := make([]map[string]any, 0, len(open))
			for _, t := range open {
				entry := map[string]any{
					"ticket_id": strconv.FormatInt(t.ID, 10),
					"subject":   t.Subject,
					"status":    t.Status,
				}
				if inc, err := ex.Extract(ctx, t.Subject, t.Body()); err == nil {
					entry["phone_number"] = inc.PhoneNumber
					entry["incident_type"] = inc.IncidentType
					entry["address"] = inc.Address
					entry["priority"] = inc.Priority
					entry["confidence_score"] = inc.ConfidenceScore
				}
				out = append(out, entry)
			}
			return map[string]any{"tickets": out}, nil
		},
	}
}

// UpdateTicketStatus builds the ticket status function.
func UpdateTicketStatus(tickets TicketStatusSetter) Function {
	return Function{
		Definition: Definition{
			Name:        UpdateTicketStatusName,
			Description: "Update an incident ticket's status",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"ticket_id": map[string]any{"type": "string"},
					"status":    map[string]any{"type": "integer"},
				},
				"required": []string{"ticket_id", "status"},
			},
		},
		Handler: func(ctx context.Context, params map[string]any) (map[string]any, error) {
			id := stringParam(params, "ticket_id")
			status, ok := intParam(params, "status")
			if id == "" || !ok {
				return nil, errors.New("ticket_id and status are required")
			}
			if err := tickets.SetStatus(ctx, id, status); err != nil {
				return nil, fmt.Errorf("update ticket: %w", err)
			}
			return map[string]any{"message": fmt.Sprintf("Ticket %s updated to status %d", id, status)}, nil
		},
	}
}

// stringParam reads a string or JSON number parameter.
func stringParam(params map[string]any, key string) string {
	switch v := params[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	}
	return ""
}

// intParam reads an integer parameter that may arrive as a number or string.
func intParam(params map[string]any, key string) (int, bool) {
	switch v := params[key].(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(v))
		return n, err == nil
	}
	return 0, false
}

func stringList(v any, max int) []string {
	var out []string
	add := func(s string) bool {
		if s == "" {
			return true
		}
		out = append(out, s)
		return len(out) < max
	}
	switch list := v.(type) {
	case []any:
		for _, item := range list {
			s, _ := item.(string)
			if !add(s) {
				break
			}
		}
	case []string:
		for _, s := range list {
			if !add(s) {
				break
			}
		}
	}
	return out
}
