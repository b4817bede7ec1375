package event

// Payload helpers for the event types the core itself produces. All
// other payloads pass through opaque.

// StartPayload is the payload of a session.start event.
type StartPayload struct {
	Model            string `json:"model,omitempty"`
	WorkingDirectory string `json:"workingDirectory,omitempty"`
	Title            string `json:"title,omitempty"`
}

// ForkPayload is the payload of a session.fork event. It carries the
// fork lineage so the event graph alone can explain session ancestry.
type ForkPayload struct {
	SourceSessionID string `json:"sourceSessionId"`
	SourceEventID   string `json:"sourceEventId"`
	Name            string `json:"name,omitempty"`
}

// RewindPayload is the payload of a session.rewind audit event.
type RewindPayload struct {
	FromEventID string `json:"fromEventId"`
	ToEventID   string `json:"toEventId"`
}

// DeletePayload is the payload of a message.deleted event.
type DeletePayload struct {
	TargetEventID string `json:"targetEventId"`
	TargetType    string `json:"targetType"`
	Reason        string `json:"reason,omitempty"`
}

// Map converts the payload to the generic map form stored on an Event.
func (p StartPayload) Map() map[string]any {
	m := map[string]any{}
	if p.Model != "" {
		m["model"] = p.Model
	}
	if p.WorkingDirectory != "" {
		m["workingDirectory"] = p.WorkingDirectory
	}
	if p.Title != "" {
		m["title"] = p.Title
	}
	return m
}

// Map converts the payload to the generic map form stored on an Event.
func (p ForkPayload) Map() map[string]any {
	m := map[string]any{
		"sourceSessionId": p.SourceSessionID,
		"sourceEventId":   p.SourceEventID,
	}
	if p.Name != "" {
		m["name"] = p.Name
	}
	return m
}

// Map converts the payload to the generic map form stored on an Event.
func (p RewindPayload) Map() map[string]any {
	return map[string]any{
		"fromEventId": p.FromEventID,
		"toEventId":   p.ToEventID,
	}
}

// Map converts the payload to the generic map form stored on an Event.
func (p DeletePayload) Map() map[string]any {
	m := map[string]any{
		"targetEventId": p.TargetEventID,
		"targetType":    p.TargetType,
	}
	if p.Reason != "" {
		m["reason"] = p.Reason
	}
	return m
}

// ForkPayloadFrom extracts fork lineage from a stored payload map.
// Returns ok=false if either field is missing.
func ForkPayloadFrom(m map[string]any) (ForkPayload, bool) {
	var p ForkPayload
	if m == nil {
		return p, false
	}
	sid, _ := m["sourceSessionId"].(string)
	eid, _ := m["sourceEventId"].(string)
	if sid == "" || eid == "" {
		return p, false
	}
	p.SourceSessionID = sid
	p.SourceEventID = eid
	p.Name, _ = m["name"].(string)
	return p, true
}
