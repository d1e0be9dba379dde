package transport

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/prizm-dev/prizm-go/pkg/chat"
)

// Script is one scripted stream for the mock client. Chunks are emitted in
// order; emitting an interact-request chunk pauses the script until
// RespondToInteract is called for the session. With Hang set the stream
// never closes on its own and only ends when the caller cancels the context.
type Script struct {
	Chunks []chat.Chunk
	Hang   bool
}

// CallCounts snapshots how often each backend call was made.
type CallCounts struct {
	SendChat    int
	Observe     int
	List        int
	Get         int
	Create      int
	Delete      int
	Update      int
	Revert      int
	Stop        int
	Respond     int
	Register    int
	HealthCheck int
}

// MockClient is an in-memory Client with scripted streams. It is intended
// for tests and examples; all methods are safe for concurrent use.
type MockClient struct {
	mu       sync.Mutex
	sessions map[string]*chat.Session
	scripts  map[string][]Script
	resume   map[string]chan struct{}
	calls    CallCounts

	// Delay paces chunk emission when set.
	Delay time.Duration

	getErr     error
	respondErr error
	stopErr    error
}

// NewMockClient returns an empty mock backend.
func NewMockClient() *MockClient {
	return &MockClient{
		sessions: map[string]*chat.Session{},
		scripts:  map[string][]Script{},
		resume:   map[string]chan struct{}{},
	}
}

// AddSession seeds a session into the mock backend.
func (m *MockClient) AddSession(s chat.Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := s.Clone()
	m.sessions[s.ID] = &cp
}

// Queue appends a scripted stream for the session. Scripts are consumed in
// FIFO order by SendChat and Observe.
func (m *MockClient) Queue(sessionID string, sc Script) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scripts[sessionID] = append(m.scripts[sessionID], sc)
}

// FailGets makes GetSession return err until reset with nil.
func (m *MockClient) FailGets(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.getErr = err
}

// FailRespond makes RespondToInteract return err until reset with nil.
func (m *MockClient) FailRespond(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.respondErr = err
}

// FailStop makes StopChat return err until reset with nil.
func (m *MockClient) FailStop(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopErr = err
}

// Calls returns a snapshot of the per-method call counters.
func (m *MockClient) Calls() CallCounts {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func (m *MockClient) popScript(sessionID string) (Script, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := m.scripts[sessionID]
	if len(q) == 0 {
		return Script{}, false
	}
	sc := q[0]
	m.scripts[sessionID] = q[1:]
	return sc, true
}

func (m *MockClient) resumeChan(sessionID string) chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.resume[sessionID]
	if !ok {
		ch = make(chan struct{}, 1)
		m.resume[sessionID] = ch
	}
	return ch
}

func (m *MockClient) play(ctx context.Context, sessionID string, sc Script) (<-chan chat.Chunk, <-chan error, error) {
	chunks := make(chan chat.Chunk, 16)
	errs := make(chan error, 1)
	resume := m.resumeChan(sessionID)
	delay := m.Delay

	go func() {
		defer close(chunks)
		defer close(errs)
		for _, ch := range sc.Chunks {
			if delay > 0 {
				select {
				case <-time.After(delay):
				case <-ctx.Done():
					errs <- ctx.Err()
					return
				}
			}
			select {
			case chunks <- ch:
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			}
			if ch.Kind == chat.ChunkInteractRequest {
				select {
				case <-resume:
				case <-ctx.Done():
					errs <- ctx.Err()
					return
				}
			}
		}
		if sc.Hang {
			<-ctx.Done()
			errs <- ctx.Err()
		}
	}()
	return chunks, errs, nil
}

// SendChat plays the next queued script for the session. Without a script it
// echoes the request content as a single text delta followed by done.
func (m *MockClient) SendChat(ctx context.Context, req ChatRequest) (<-chan chat.Chunk, <-chan error, error) {
	m.mu.Lock()
	m.calls.SendChat++
	m.mu.Unlock()

	sc, ok := m.popScript(req.SessionID)
	if !ok {
		sc = Script{Chunks: []chat.Chunk{
			{Kind: chat.ChunkTextDelta, Text: req.Content},
			{Kind: chat.ChunkDone, Done: &chat.TurnResult{
				UserMessageID:      uuid.NewString(),
				AssistantMessageID: uuid.NewString(),
			}},
		}}
	}
	return m.play(ctx, req.SessionID, sc)
}

// Observe plays the next queued script for the session.
func (m *MockClient) Observe(ctx context.Context, sessionID, scope string) (<-chan chat.Chunk, <-chan error, error) {
	m.mu.Lock()
	m.calls.Observe++
	m.mu.Unlock()

	sc, ok := m.popScript(sessionID)
	if !ok {
		return nil, nil, ErrNoScript
	}
	return m.play(ctx, sessionID, sc)
}

// ListSessions returns all seeded sessions in the scope.
func (m *MockClient) ListSessions(ctx context.Context, scope string) ([]chat.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls.List++
	var out []chat.Session
	for _, s := range m.sessions {
		if scope != "" && s.Scope != "" && s.Scope != scope {
			continue
		}
		out = append(out, s.Clone())
	}
	return out, nil
}

// GetSession returns a copy of the stored session.
func (m *MockClient) GetSession(ctx context.Context, id, scope string) (*chat.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls.Get++
	if m.getErr != nil {
		return nil, m.getErr
	}
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNoSession
	}
	cp := s.Clone()
	return &cp, nil
}

// CreateSession stores and returns a fresh session.
func (m *MockClient) CreateSession(ctx context.Context, scope string) (*chat.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls.Create++
	now := time.Now().UTC()
	s := &chat.Session{
		ID:      uuid.NewString(),
		Scope:   scope,
		Kind:    chat.KindChat,
		Created: now,
		Updated: now,
	}
	m.sessions[s.ID] = s
	cp := s.Clone()
	return &cp, nil
}

// DeleteSession removes the session.
func (m *MockClient) DeleteSession(ctx context.Context, id, scope string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls.Delete++
	if _, ok := m.sessions[id]; !ok {
		return ErrNoSession
	}
	delete(m.sessions, id)
	return nil
}

// UpdateSession applies the patch and returns the updated copy.
func (m *MockClient) UpdateSession(ctx context.Context, id string, patch SessionPatch, scope string) (*chat.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls.Update++
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNoSession
	}
	if patch.Title != nil {
		s.Title = *patch.Title
	}
	s.Updated = time.Now().UTC()
	cp := s.Clone()
	return &cp, nil
}

// RevertSession truncates history back to (and including) messageID.
func (m *MockClient) RevertSession(ctx context.Context, id, messageID, scope string) (*chat.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls.Revert++
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNoSession
	}
	for i, msg := range s.Messages {
		if msg.ID == messageID {
			s.Messages = s.Messages[:i+1]
			break
		}
	}
	s.Updated = time.Now().UTC()
	cp := s.Clone()
	return &cp, nil
}

// StopChat records the stop request.
func (m *MockClient) StopChat(ctx context.Context, sessionID, scope string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls.Stop++
	return m.stopErr
}

// RespondToInteract records the decision and resumes a paused script.
func (m *MockClient) RespondToInteract(ctx context.Context, sessionID, requestID string, approved bool, answer InteractAnswer) error {
	m.mu.Lock()
	m.calls.Respond++
	err := m.respondErr
	m.mu.Unlock()
	if err != nil {
		return err
	}
	select {
	case m.resumeChan(sessionID) <- struct{}{}:
	default:
	}
	return nil
}

// Health always reports healthy.
func (m *MockClient) Health(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls.HealthCheck++
	return nil
}

// Register issues a deterministic-shaped registration.
func (m *MockClient) Register(ctx context.Context, name string, scopes []string) (*Registration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls.Register++
	return &Registration{ClientID: "client-" + uuid.NewString()[:8], APIKey: uuid.NewString()}, nil
}
