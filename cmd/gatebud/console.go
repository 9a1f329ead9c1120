package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/MrWong99/gatebud/internal/session"
)

// toggler is the part of [session.Session] the console drives.
type toggler interface {
	Toggle(ctx context.Context) error
	Status() session.Status
	OnStateChange(fn func(session.Status))
}

// runConsole toggles the conversation on every line read from in and prints
// the status line to out on every transition. It returns when in is exhausted
// or ctx is done.
func runConsole(ctx context.Context, in io.Reader, out io.Writer, s toggler) {
	s.OnStateChange(func(st session.Status) {
		fmt.Fprintln(out, st.Message())
	})
	fmt.Fprintln(out, s.Status().Message())

	lines := make(chan struct{})
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- struct{}{}:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-lines:
			if !ok {
				return
			}
			if err := s.Toggle(ctx); err != nil {
				slog.Debug("toggle failed", "err", err)
			}
		}
	}
}
