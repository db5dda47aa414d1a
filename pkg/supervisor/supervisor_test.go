package supervisor

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

func shell(script string, grace time.Duration) *Supervisor {
	return &Supervisor{
		Command:     "/bin/sh",
		Args:        []string{"-c", script},
		GraceWindow: grace,
		Logger:      zap.NewNop().Sugar(),
	}
}

func stopAfter(t *testing.T, s *Supervisor) {
	t.Helper()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = s.Stop(ctx)
	})
}

func TestBenignStderrStartsCleanly(t *testing.T) {
	s := shell(`echo "Autoloading plugin libfoo" >&2; echo ready; exec sleep 30`, 300*time.Millisecond)
	stopAfter(t, s)

	h, err := s.EnsureStarted(context.Background())
	if err != nil {
		t.Fatalf("EnsureStarted() error = %v", err)
	}
	if h == nil || h.Pid() <= 0 {
		t.Fatalf("EnsureStarted() returned handle %+v", h)
	}
	if !h.Running() {
		t.Fatal("process should still be running")
	}
	if s.Handle() != h {
		t.Error("Handle() should return the started process")
	}
	if !h.Stdout.IsEmpty() || !h.Stderr.IsEmpty() {
		t.Error("output of a started process should no longer be buffered")
	}
}

func TestOffendingStderrFailsStartup(t *testing.T) {
	s := shell(`echo "Autoloading plugin" >&2; echo "cannot bind port 5001" >&2; echo "booting"; exec sleep 30`, 300*time.Millisecond)
	stopAfter(t, s)

	_, err := s.EnsureStarted(context.Background())
	var startErr *StartupError
	if !errors.As(err, &startErr) {
		t.Fatalf("EnsureStarted() error = %v, want *StartupError", err)
	}
	want := "cannot bind port 5001\n\nbooting"
	if startErr.Message != want {
		t.Errorf("Message = %q, want %q", startErr.Message, want)
	}
	if len(startErr.Lines) != 1 || startErr.Lines[0] != "cannot bind port 5001" {
		t.Errorf("Lines = %q", startErr.Lines)
	}
	if strings.Contains(startErr.Message, "Autoloading") {
		t.Error("benign line leaked into the startup error")
	}
}

func TestEarlyExitEndsGraceWindow(t *testing.T) {
	s := shell(`echo "fatal: missing library" >&2; exit 3`, 10*time.Second)

	start := time.Now()
	_, err := s.EnsureStarted(context.Background())
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("EnsureStarted() waited %v for an exited process", elapsed)
	}
	var startErr *StartupError
	if !errors.As(err, &startErr) {
		t.Fatalf("EnsureStarted() error = %v, want *StartupError", err)
	}
	if !strings.HasPrefix(startErr.Message, "fatal: missing library") {
		t.Errorf("Message = %q", startErr.Message)
	}
	if startErr.ExitErr == nil {
		t.Error("ExitErr should carry the exit status")
	}
}

func TestSilentEarlyExitFailsStartup(t *testing.T) {
	s := shell(`exit 0`, 10*time.Second)

	_, err := s.EnsureStarted(context.Background())
	var startErr *StartupError
	if !errors.As(err, &startErr) {
		t.Fatalf("EnsureStarted() error = %v, want *StartupError", err)
	}
	if !strings.HasPrefix(startErr.Message, "process exited during startup") {
		t.Errorf("Message = %q", startErr.Message)
	}
}

func TestEnsureStartedIsIdempotent(t *testing.T) {
	s := shell(`exec sleep 30`, 100*time.Millisecond)
	stopAfter(t, s)

	outcomes := 0
	s.OnOutcome = func(error) { outcomes++ }

	var wg sync.WaitGroup
	handles := make([]*Handle, 5)
	for i := range handles {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h, err := s.EnsureStarted(context.Background())
			if err != nil {
				t.Errorf("EnsureStarted() error = %v", err)
			}
			handles[i] = h
		}(i)
	}
	wg.Wait()

	for _, h := range handles[1:] {
		if h != handles[0] {
			t.Fatal("concurrent EnsureStarted calls launched more than one process")
		}
	}
	again, _ := s.EnsureStarted(context.Background())
	if again != handles[0] {
		t.Error("later EnsureStarted call relaunched the process")
	}
	if outcomes != 1 {
		t.Errorf("OnOutcome called %d times, want 1", outcomes)
	}
}

func TestFailureIsRecorded(t *testing.T) {
	s := shell(`echo nope >&2; exec sleep 30`, 200*time.Millisecond)
	stopAfter(t, s)

	_, first := s.EnsureStarted(context.Background())
	_, second := s.EnsureStarted(context.Background())
	if first == nil || first != second {
		t.Fatalf("EnsureStarted() errors = %v, %v; want the same recorded failure", first, second)
	}
}

func TestCancelledStartIsNotRecorded(t *testing.T) {
	s := shell(`exec sleep 30`, 10*time.Second)
	stopAfter(t, s)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if _, err := s.EnsureStarted(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("EnsureStarted() error = %v, want deadline exceeded", err)
	}

	s.GraceWindow = 100 * time.Millisecond
	h, err := s.EnsureStarted(context.Background())
	if err != nil || h == nil {
		t.Fatalf("EnsureStarted() after cancellation = %v, %v", h, err)
	}
}

func TestStopTerminatesProcessGroup(t *testing.T) {
	s := shell(`sleep 30 & wait`, 100*time.Millisecond)

	h, err := s.EnsureStarted(context.Background())
	if err != nil {
		t.Fatalf("EnsureStarted() error = %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	select {
	case <-h.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("process still running after Stop")
	}
	if h.Running() {
		t.Error("Running() = true after Stop")
	}
}

func TestLaunchRequiresCommand(t *testing.T) {
	if _, err := Launch(context.Background(), LaunchOptions{}, ""); err == nil {
		t.Fatal("expected error for empty command")
	}
	if _, err := Launch(context.Background(), LaunchOptions{Logger: zap.NewNop().Sugar()}, "/definitely/not/here"); err == nil {
		t.Fatal("expected error for missing binary")
	}
}

func TestIsBenign(t *testing.T) {
	prefixes := []string{"Autoloading ", "INFO"}
	tests := map[string]bool{
		"Autoloading plugin": true,
		"INFO: ready":        true,
		"Autoloadingplugin":  false,
		"ERROR: nope":        false,
		"":                   false,
	}
	for line, want := range tests {
		if got := isBenign(line, prefixes); got != want {
			t.Errorf("isBenign(%q) = %v, want %v", line, got, want)
		}
	}
}
