package builder

import (
	"context"
	"sync"

	"github.com/logabell/conversator/pkg/config"
)

// FakeAdapter is a scriptable in-memory Adapter for tests: remote events are
// injected through Emit and observed calls are recorded.
type FakeAdapter struct {
	mu            sync.Mutex
	nextSessionID string
	createErr     error
	health        map[string]*SessionHealth
	abortCalls    int
	gateCalls     []bool
	sentMessages  []string

	events chan *RemoteEvent
	closed bool
}

// NewFakeAdapter creates a fake whose CreateSession returns sessionID.
func NewFakeAdapter(sessionID string) *FakeAdapter {
	return &FakeAdapter{
		nextSessionID: sessionID,
		health:        make(map[string]*SessionHealth),
		events:        make(chan *RemoteEvent, 64),
	}
}

// Emit injects one remote event into the open stream.
func (f *FakeAdapter) Emit(ev *RemoteEvent) {
	f.events <- ev
}

// EndStream closes the remote stream (as after a terminal event).
func (f *FakeAdapter) EndStream() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		close(f.events)
		f.closed = true
	}
}

// SetCreateError makes CreateSession fail.
func (f *FakeAdapter) SetCreateError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createErr = err
}

// SetHealth scripts the Health result for a session id.
func (f *FakeAdapter) SetHealth(sessionID string, h *SessionHealth) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.health[sessionID] = h
}

// AbortCalls returns how many times Abort was invoked.
func (f *FakeAdapter) AbortCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.abortCalls
}

// GateCalls returns the forwarded gate decisions in order.
func (f *FakeAdapter) GateCalls() []bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]bool(nil), f.gateCalls...)
}

// SentMessages returns the messages delivered via SendMessage.
func (f *FakeAdapter) SentMessages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sentMessages...)
}

// CreateSession implements Adapter.
func (f *FakeAdapter) CreateSession(_ context.Context, _ *CreateSessionRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return "", f.createErr
	}
	return f.nextSessionID, nil
}

// SendMessage implements Adapter.
func (f *FakeAdapter) SendMessage(_ context.Context, _ string, content string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sentMessages = append(f.sentMessages, content)
	return nil
}

// ResolveGate implements Adapter.
func (f *FakeAdapter) ResolveGate(_ context.Context, _ string, approved bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gateCalls = append(f.gateCalls, approved)
	return nil
}

// StreamEvents implements Adapter.
func (f *FakeAdapter) StreamEvents(ctx context.Context, _ string, _ string) (<-chan *RemoteEvent, <-chan error) {
	out := make(chan *RemoteEvent)
	errs := make(chan error, 1)
	go func() {
		defer close(out)
		defer close(errs)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-f.events:
				if !ok {
					return
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, errs
}

// Abort implements Adapter. Like a real builder, the fake answers an abort
// by emitting a terminal frame and closing the stream.
func (f *FakeAdapter) Abort(_ context.Context, _ string) error {
	f.mu.Lock()
	f.abortCalls++
	alreadyClosed := f.closed
	f.mu.Unlock()
	if !alreadyClosed {
		f.events <- &RemoteEvent{Type: RemoteEventFailed, Reason: "aborted"}
	}
	f.EndStream()
	return nil
}

// Health implements Adapter.
func (f *FakeAdapter) Health(_ context.Context, sessionID string) (*SessionHealth, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if h, ok := f.health[sessionID]; ok {
		return h, nil
	}
	return &SessionHealth{Known: true, Status: "running"}, nil
}

// Ping implements Adapter.
func (f *FakeAdapter) Ping(_ context.Context) error {
	return nil
}

// NewTestRegistry builds a registry from pre-constructed adapters. Test-only.
func NewTestRegistry(adapters map[string]Adapter) *Registry {
	r := &Registry{
		adapters: make(map[string]Adapter),
		configs:  make(map[string]*config.BuilderConfig),
	}
	for name, a := range adapters {
		r.adapters[name] = a
		r.configs[name] = &config.BuilderConfig{
			Name:     name,
			Kind:     config.BuilderKindHTTP,
			Endpoint: "http://fake.invalid",
		}
	}
	return r
}
