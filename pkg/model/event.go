package model

// EventType enumerates the triggers a run can be entered under (§3, §6).
type EventType string

const (
	EventPROpened        EventType = "pr_opened"
	EventPRUpdated       EventType = "pr_updated"
	EventPRClosed        EventType = "pr_closed"
	EventIssueOpened     EventType = "issue_opened"
	EventIssueComment    EventType = "issue_comment"
	EventManual          EventType = "manual"
	EventSchedule        EventType = "schedule"
	EventWebhookReceived EventType = "webhook_received"
)

// Valid reports whether t is one of the enumerated event types.
func (t EventType) Valid() bool {
	switch t {
	case EventPROpened, EventPRUpdated, EventPRClosed, EventIssueOpened,
		EventIssueComment, EventManual, EventSchedule, EventWebhookReceived:
		return true
	}
	return false
}

// Event is the immutable per-run trigger payload (§3).
type Event struct {
	Type       EventType
	Repository string
	Branch     string
	BaseBranch string
	Author     string
	Comment    string
	FilesChanged []string
	// Payload carries adapter-specific fields (PR/issue metadata, webhook
	// body, ...) the core never interprets directly but exposes to the
	// expression sandbox as `event`.
	Payload map[string]interface{}
}

// ToSandboxMap renders the event the way the expression sandbox's `event`
// variable expects it (§4.5).
func (e Event) ToSandboxMap() map[string]interface{} {
	m := map[string]interface{}{
		"type":         string(e.Type),
		"repository":   e.Repository,
		"branch":       e.Branch,
		"baseBranch":   e.BaseBranch,
		"author":       e.Author,
		"comment":      e.Comment,
		"filesChanged": e.FilesChanged,
	}
	for k, v := range e.Payload {
		if _, exists := m[k]; !exists {
			m[k] = v
		}
	}
	return m
}
