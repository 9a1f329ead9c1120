// Package mock provides test doubles for the s2s package interfaces.
//
// Use Provider to verify Connect calls and hand out controllable sessions.
// Use Session to script inbound events and inspect which audio was sent.
//
// Example:
//
//	p := &mock.Provider{}
//	handle, _ := p.Connect(ctx, cfg)
//	sess := p.LastSession()
//	sess.Emit(s2s.Event{Kind: s2s.EventOpened})
//	sess.Emit(s2s.Event{Kind: s2s.EventAudio, Audio: pcm})
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/gatebud/pkg/provider/s2s"
)

// Compile-time interface assertions.
var (
	_ s2s.Provider      = (*Provider)(nil)
	_ s2s.SessionHandle = (*Session)(nil)
)

// ConnectCall records a single invocation of Provider.Connect.
type ConnectCall struct {
	// Cfg is the SessionConfig passed to Connect.
	Cfg s2s.SessionConfig
}

// Provider is a mock implementation of s2s.Provider.
type Provider struct {
	mu sync.Mutex

	// ConnectErr, if non-nil, is returned as the error from Connect.
	ConnectErr error

	// ConnectGate, when non-nil, makes Connect block until the channel is
	// closed or ctx is cancelled.
	ConnectGate chan struct{}

	// ProviderCapabilities is returned by Capabilities.
	ProviderCapabilities s2s.Capabilities

	// ConnectCalls records every call to Connect in order.
	ConnectCalls []ConnectCall

	// Sessions records every session returned by Connect in order.
	Sessions []*Session
}

// Connect records the call and returns a fresh [Session] or ConnectErr.
func (p *Provider) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	p.mu.Lock()
	p.ConnectCalls = append(p.ConnectCalls, ConnectCall{Cfg: cfg})
	gate := p.ConnectGate
	err := p.ConnectErr
	p.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}

	sess := NewSession()
	p.mu.Lock()
	p.Sessions = append(p.Sessions, sess)
	p.mu.Unlock()
	return sess, nil
}

// Capabilities returns ProviderCapabilities.
func (p *Provider) Capabilities() s2s.Capabilities {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ProviderCapabilities
}

// LastSession returns the most recently connected session, or nil.
func (p *Provider) LastSession() *Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.Sessions) == 0 {
		return nil
	}
	return p.Sessions[len(p.Sessions)-1]
}

// ConnectCount returns the number of Connect calls so far.
func (p *Provider) ConnectCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.ConnectCalls)
}

// SentAudio records a single SendAudio call.
type SentAudio struct {
	Chunk      []byte
	SampleRate int
}

// Session is a mock implementation of s2s.SessionHandle.
type Session struct {
	mu     sync.Mutex
	events chan s2s.Event
	closed bool

	// SendErr, if non-nil, is returned by SendAudio (after the call is recorded).
	SendErr error

	// CloseErr is returned by the first Close.
	CloseErr error

	// Sent records every chunk passed to SendAudio while open.
	Sent []SentAudio

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int
}

// NewSession returns an open Session with a buffered event stream.
func NewSession() *Session {
	return &Session{events: make(chan s2s.Event, 64)}
}

// Emit pushes ev onto the event stream. It reports false if the session is
// already closed. A terminal event closes the stream after delivery.
func (s *Session) Emit(ev s2s.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.events <- ev
	if ev.Kind.Terminal() {
		s.closed = true
		close(s.events)
	}
	return true
}

// SendAudio records the chunk. It returns [s2s.ErrSessionClosed] once closed.
func (s *Session) SendAudio(chunk []byte, sampleRate int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return s2s.ErrSessionClosed
	}
	cp := make([]byte, len(chunk))
	copy(cp, chunk)
	s.Sent = append(s.Sent, SentAudio{Chunk: cp, SampleRate: sampleRate})
	return s.SendErr
}

// Events returns the scripted event stream.
func (s *Session) Events() <-chan s2s.Event { return s.events }

// Close closes the event stream. The first call returns CloseErr.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCallCount++
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.events)
	return s.CloseErr
}

// Closed reports whether the session was closed locally or by a terminal event.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// SentCount returns the number of recorded SendAudio calls.
func (s *Session) SentCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Sent)
}
