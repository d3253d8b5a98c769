package callbridge

// SessionContext is the incident metadata a call carries from placement
// through conversation. It is created once when the call is placed and is
// never mutated afterwards; hand out copies with Clone.
type SessionContext struct {
	IncidentType    string   `json:"incident_type"`
	Address         string   `json:"address"`
	PhoneNumber     string   `json:"phone_number"`
	Priority        int      `json:"priority"`
	ConfidenceScore float64  `json:"confidence_score"`
	ImageURLs       []string `json:"image_urls"`
	TicketID        string   `json:"ticket_id"`
}

// Clone returns a deep copy.
func (c SessionContext) Clone() SessionContext {
	out := c
	if c.ImageURLs != nil {
		out.ImageURLs = make([]string, len(c.ImageURLs))
		copy(out.ImageURLs, c.ImageURLs)
	}
	return out
}

// IsZero reports whether no incident fields are set.
func (c SessionContext) IsZero() bool {
	return c.IncidentType == "" && c.Address == "" && c.PhoneNumber == "" &&
		c.Priority == 0 && c.ConfidenceScore == 0 && len(c.ImageURLs) == 0 && c.TicketID == ""
}

// IncidentDetails returns the incident fields as a parameter map, the shape
// function handlers receive under "incident_details".
func (c SessionContext) IncidentDetails() map[string]any {
	return map[string]any{
		"incident_type":    c.IncidentType,
		"address":          c.Address,
		"phone_number":     c.PhoneNumber,
		"priority":         c.Priority,
		"confidence_score": c.ConfidenceScore,
		"ticket_id":        c.TicketID,
	}
}

// ImageURLList returns the image URLs as a []any, matching decoded JSON.
func (c SessionContext) ImageURLList() []any {
	out := make([]any, 0, len(c.ImageURLs))
	for _, u := range c.ImageURLs {
		out = append(out, u)
	}
	return out
}
