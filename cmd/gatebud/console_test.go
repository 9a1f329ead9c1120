package main

import (
	"bytes"
	"context"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/MrWong99/gatebud/internal/session"
)

type fakeSession struct {
	mu        sync.Mutex
	state     session.State
	toggles   int
	observers []func(session.Status)
}

func (f *fakeSession) Toggle(context.Context) error {
	f.mu.Lock()
	f.toggles++
	if f.state == session.StateActive {
		f.state = session.StateIdle
	} else {
		f.state = session.StateActive
	}
	st := session.Status{State: f.state}
	obs := f.observers
	f.mu.Unlock()
	for _, fn := range obs {
		fn(st)
	}
	return nil
}

func (f *fakeSession) Status() session.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return session.Status{State: f.state}
}

func (f *fakeSession) OnStateChange(fn func(session.Status)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.observers = append(f.observers, fn)
}

func TestRunConsole_TogglesPerLine(t *testing.T) {
	t.Parallel()

	s := &fakeSession{}
	var out bytes.Buffer
	runConsole(context.Background(), strings.NewReader("\n\n\n"), &out, s)

	if s.toggles != 3 {
		t.Errorf("toggles = %d, want 3", s.toggles)
	}
	want := "Tap to start conversation\nListening...\nTap to start conversation\nListening...\n"
	if got := out.String(); got != want {
		t.Errorf("output = %q, want %q", got, want)
	}
}

func TestRunConsole_StopsOnCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s := &fakeSession{}
	var out bytes.Buffer
	// The pipe never delivers a line; only the cancelled ctx ends the loop.
	pr, pw := io.Pipe()
	t.Cleanup(func() { pw.Close() })
	runConsole(ctx, pr, &out, s)
	if s.toggles != 0 {
		t.Errorf("toggles = %d, want 0", s.toggles)
	}
}
