package chat

import "time"

// SessionKind distinguishes ordinary chats from tool- or job-driven sessions.
type SessionKind string

const (
	KindChat       SessionKind = "chat"
	KindTool       SessionKind = "tool"
	KindBackground SessionKind = "background"
)

// Session is the authoritative conversation record as cached on the client.
// It is persisted by the server; locally it is only ever replaced as a whole
// or extended by merging a completed turn.
type Session struct {
	ID         string      `json:"id"`
	Scope      string      `json:"scope,omitempty"`
	Title      string      `json:"title,omitempty"`
	Kind       SessionKind `json:"kind,omitempty"`
	ChatStatus string      `json:"chatStatus,omitempty"`
	// LinkedToolID ties tool/background sessions to the job that drives them.
	LinkedToolID string    `json:"linkedToolID,omitempty"`
	Messages     []Message `json:"messages"`
	Created      time.Time `json:"created"`
	Updated      time.Time `json:"updated"`
}

// Clone returns a deep copy of the session.
func (s Session) Clone() Session {
	cp := s
	if s.Messages != nil {
		cp.Messages = make([]Message, len(s.Messages))
		for i, m := range s.Messages {
			cp.Messages[i] = m.Clone()
		}
	}
	return cp
}

// InteractRequest is a mid-stream pause asking the human to approve a tool
// action before the turn may continue. At most one is pending per session.
type InteractRequest struct {
	ID      string         `json:"id"`
	Tool    string         `json:"tool"`
	Payload map[string]any `json:"payload,omitempty"`
}

// Clone returns a deep copy of the request.
func (r InteractRequest) Clone() InteractRequest {
	cp := r
	if r.Payload != nil {
		cp.Payload = make(map[string]any, len(r.Payload))
		for k, v := range r.Payload {
			cp.Payload[k] = v
		}
	}
	return cp
}
