// Package transport declares the boundary the engine consumes: a streaming
// chat call plus the request/response RPC surface of the backend. Concrete
// wire implementations (HTTP, SSE, IPC) live outside this module; the
// package ships only the contracts and an in-memory mock for tests and
// examples.
package transport

import (
	"context"
	"errors"

	"github.com/prizm-dev/prizm-go/pkg/chat"
)

var (
	// ErrNoSession indicates the requested session is unknown to the backend.
	ErrNoSession = errors.New("transport: session not found")
	// ErrNoScript indicates the mock has no scripted stream for the session.
	ErrNoScript = errors.New("transport: no scripted stream")
)

// ChatOptions carries the per-turn options of a streaming send.
type ChatOptions struct {
	Scope    string
	Model    string
	FileRefs []string
	Thinking bool
}

// ChatRequest is the outbound payload of a streaming send.
type ChatRequest struct {
	SessionID string
	Content   string
	Options   ChatOptions
}

// InteractAnswer is the extra payload of an interact response.
type InteractAnswer struct {
	Paths []string
	Scope string
}

// SessionPatch is a partial session update. Nil fields are left unchanged.
type SessionPatch struct {
	Title    *string
	Archived *bool
}

// Registration is the result of registering this client with the server.
type Registration struct {
	ClientID string
	APIKey   string
}

// StreamClient opens chunk streams. Both calls return a chunk channel and an
// error channel; the stream terminates when the chunk channel closes, and a
// non-nil value on the error channel reports why a stream ended early.
// Cancel the context to tear a stream down locally.
type StreamClient interface {
	SendChat(ctx context.Context, req ChatRequest) (<-chan chat.Chunk, <-chan error, error)
	Observe(ctx context.Context, sessionID, scope string) (<-chan chat.Chunk, <-chan error, error)
}

// RPCClient is the request/response surface of the backend.
type RPCClient interface {
	ListSessions(ctx context.Context, scope string) ([]chat.Session, error)
	GetSession(ctx context.Context, id, scope string) (*chat.Session, error)
	CreateSession(ctx context.Context, scope string) (*chat.Session, error)
	DeleteSession(ctx context.Context, id, scope string) error
	UpdateSession(ctx context.Context, id string, patch SessionPatch, scope string) (*chat.Session, error)
	RevertSession(ctx context.Context, id, messageID, scope string) (*chat.Session, error)

	// StopChat asks the server to end a running turn. Best effort: the
	// caller must not rely on it succeeding.
	StopChat(ctx context.Context, sessionID, scope string) error
	RespondToInteract(ctx context.Context, sessionID, requestID string, approved bool, answer InteractAnswer) error

	Health(ctx context.Context) error
	Register(ctx context.Context, name string, scopes []string) (*Registration, error)
}

// Client combines the streaming and RPC halves of the backend boundary.
type Client interface {
	StreamClient
	RPCClient
}
