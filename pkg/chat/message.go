package chat

import (
	"strings"
	"time"
)

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// PartType discriminates the Part tagged union.
type PartType string

const (
	PartText      PartType = "text"
	PartImage     PartType = "image"
	PartTool      PartType = "tool"
	PartReasoning PartType = "reasoning"
)

// ToolStatus tracks the lifecycle of a tool part. Done is terminal.
type ToolStatus string

const (
	ToolPreparing ToolStatus = "preparing"
	ToolRunning   ToolStatus = "running"
	ToolDone      ToolStatus = "done"
)

// ToolState carries the mutable portion of a tool part while it executes.
type ToolState struct {
	Status    ToolStatus `json:"status"`
	Arguments string     `json:"arguments,omitempty"`
	Result    string     `json:"result,omitempty"`
	IsError   bool       `json:"isError,omitempty"`
}

// Part is one element of a message body. Use Type to determine which
// fields are populated.
type Part struct {
	Type PartType `json:"type"`

	// PartText and PartReasoning
	Text string `json:"text,omitempty"`

	// PartImage
	URL      string `json:"url,omitempty"`
	MimeType string `json:"mimeType,omitempty"`

	// PartTool
	ToolID string     `json:"toolID,omitempty"`
	Tool   string     `json:"tool,omitempty"`
	State  *ToolState `json:"state,omitempty"`
}

// Clone returns a deep copy of the part.
func (p Part) Clone() Part {
	cp := p
	if p.State != nil {
		st := *p.State
		cp.State = &st
	}
	return cp
}

// TokenUsage is the token accounting snapshot reported by the backend.
type TokenUsage struct {
	Input     int `json:"input"`
	Output    int `json:"output"`
	Reasoning int `json:"reasoning,omitempty"`
}

// Message is a single turn entry. Once part of a session's history it is
// immutable; optimistic messages are structurally identical but carry
// client-generated temporary identifiers.
type Message struct {
	ID      string      `json:"id"`
	Role    Role        `json:"role"`
	Parts   []Part      `json:"parts"`
	Created time.Time   `json:"created"`
	Model   string      `json:"modelID,omitempty"`
	Usage   *TokenUsage `json:"tokens,omitempty"`
	// Aborted marks an assistant turn that was cut short by a local stop.
	Aborted bool `json:"aborted,omitempty"`
}

// Clone returns a deep copy of the message.
func (m Message) Clone() Message {
	cp := m
	if m.Parts != nil {
		cp.Parts = make([]Part, len(m.Parts))
		for i, p := range m.Parts {
			cp.Parts[i] = p.Clone()
		}
	}
	if m.Usage != nil {
		u := *m.Usage
		cp.Usage = &u
	}
	return cp
}

// Text concatenates the message's text parts.
func (m Message) Text() string {
	var b strings.Builder
	for _, p := range m.Parts {
		if p.Type == PartText {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

// TextMessage builds a single-part text message.
func TextMessage(id string, role Role, text string, created time.Time) Message {
	return Message{
		ID:      id,
		Role:    role,
		Parts:   []Part{{Type: PartText, Text: text}},
		Created: created,
	}
}
