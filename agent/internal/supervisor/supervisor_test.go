package supervisor_test

import (
	"context"
	"errors"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/onsembl/onsembl/agent/internal/config"
	"github.com/onsembl/onsembl/agent/internal/metrics"
	"github.com/onsembl/onsembl/agent/internal/stream"
	"github.com/onsembl/onsembl/agent/internal/supervisor"
	"github.com/onsembl/onsembl/shared/protocol"
)

// fakeReporter records everything the supervisor reports.
type fakeReporter struct {
	mu        sync.Mutex
	states    []protocol.AgentState
	outputs   []stream.Chunk
	completes []completion
	errors    []string
}

type completion struct {
	commandID   string
	exitCode    int
	interrupted bool
}

func (r *fakeReporter) ReportState(state protocol.AgentState, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, state)
}

func (r *fakeReporter) ReportOutput(commandID string, seq uint64, c stream.Chunk) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outputs = append(r.outputs, c)
}

func (r *fakeReporter) ReportComplete(commandID string, exitCode int, errMsg string, interrupted bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completes = append(r.completes, completion{commandID, exitCode, interrupted})
}

func (r *fakeReporter) ReportError(code, message string, recoverable bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errors = append(r.errors, code)
}

func (r *fakeReporter) lastState() protocol.AgentState {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.states) == 0 {
		return ""
	}
	return r.states[len(r.states)-1]
}

func (r *fakeReporter) sawState(want protocol.AgentState) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, st := range r.states {
		if st == want {
			return true
		}
	}
	return false
}

func (r *fakeReporter) sawError(code string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.errors {
		if c == code {
			return true
		}
	}
	return false
}

func (r *fakeReporter) completions() []completion {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]completion(nil), r.completes...)
}

func (r *fakeReporter) outputData() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out string
	for _, c := range r.outputs {
		out += c.Data + "\n"
	}
	return out
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, d time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v: %s", d, msg)
}

func requireShell(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("test child requires /bin/sh")
	}
}

// shellChild is a REPL-style child: it prints READY at startup and again
// after evaluating each input line, imitating a prompt marker.
const shellChild = `echo READY; while read line; do eval "$line"; echo READY; done`

func newSupervisor(t *testing.T, script string) (*supervisor.Supervisor, *fakeReporter, context.CancelFunc, chan error) {
	t.Helper()

	sup := supervisor.New(supervisor.Config{
		Command:         "/bin/sh",
		Args:            []string{"-c", script},
		ReadySentinels:  []string{"READY"},
		InterruptSignal: config.InterruptETX,
		FlushInterval:   20 * time.Millisecond,
	}, metrics.NewCollector(), zap.NewNop())

	reporter := &fakeReporter{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx, reporter); close(done) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(10 * time.Second):
			t.Error("supervisor did not stop")
		}
	})
	return sup, reporter, cancel, done
}

func TestBecomesReadyOnSentinel(t *testing.T) {
	requireShell(t)
	t.Parallel()

	sup, reporter, _, _ := newSupervisor(t, shellChild)

	waitFor(t, 5*time.Second, func() bool {
		return sup.State() == protocol.AgentReady
	}, "agent never became ready")

	if !reporter.sawState(protocol.AgentConnecting) {
		t.Error("connecting state was not reported")
	}
	if !reporter.sawState(protocol.AgentReady) {
		t.Error("ready state was not reported")
	}
}

func TestCommandRunsToCompletion(t *testing.T) {
	requireShell(t)
	t.Parallel()

	sup, reporter, _, _ := newSupervisor(t, shellChild)
	waitFor(t, 5*time.Second, func() bool {
		return sup.State() == protocol.AgentReady
	}, "agent never became ready")

	err := sup.Submit(protocol.CommandRequest{
		CommandID: "cmd-1",
		Command:   "echo",
		Args:      []string{"hello", "world"},
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	waitFor(t, 5*time.Second, func() bool {
		return len(reporter.completions()) == 1
	}, "command never completed")

	got := reporter.completions()[0]
	if got.commandID != "cmd-1" || got.exitCode != 0 || got.interrupted {
		t.Errorf("completion = %+v", got)
	}
	if out := reporter.outputData(); !strings.Contains(out, "hello world") {
		t.Errorf("command output missing, got %q", out)
	}

	waitFor(t, 2*time.Second, func() bool {
		return sup.State() == protocol.AgentReady
	}, "agent did not return to ready")
}

func TestSubmitRejectedWhileBusy(t *testing.T) {
	requireShell(t)
	t.Parallel()

	sup, _, _, _ := newSupervisor(t, shellChild)
	waitFor(t, 5*time.Second, func() bool {
		return sup.State() == protocol.AgentReady
	}, "agent never became ready")

	if err := sup.Submit(protocol.CommandRequest{CommandID: "cmd-slow", Command: "sleep", Args: []string{"5"}}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool {
		return sup.State() == protocol.AgentBusy
	}, "agent never became busy")

	err := sup.Submit(protocol.CommandRequest{CommandID: "cmd-2", Command: "echo", Args: []string{"no"}})
	if !errors.Is(err, supervisor.ErrNotReady) {
		t.Errorf("Submit while busy: got %v, want ErrNotReady", err)
	}
}

func TestInterruptForcesCompletion(t *testing.T) {
	requireShell(t)
	t.Parallel()

	sup, reporter, _, _ := newSupervisor(t, shellChild)
	waitFor(t, 5*time.Second, func() bool {
		return sup.State() == protocol.AgentReady
	}, "agent never became ready")

	if err := sup.Submit(protocol.CommandRequest{CommandID: "cmd-stuck", Command: "sleep", Args: []string{"30"}}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool {
		return sup.State() == protocol.AgentBusy
	}, "agent never became busy")

	if err := sup.Interrupt("cmd-stuck", "user requested"); err != nil {
		t.Fatalf("Interrupt: %v", err)
	}

	// The shell ignores in-band ETX, so the grace timer must settle the
	// command as interrupted.
	waitFor(t, 5*time.Second, func() bool {
		return len(reporter.completions()) == 1
	}, "interrupt never settled")

	got := reporter.completions()[0]
	if got.commandID != "cmd-stuck" || !got.interrupted {
		t.Errorf("completion = %+v, want interrupted", got)
	}
}

func TestSentinelLessCommandCompletesOnSilence(t *testing.T) {
	requireShell(t)
	t.Parallel()

	// No prompt markers configured: first output counts as ready and
	// command completion is inferred from output silence.
	sup := supervisor.New(supervisor.Config{
		Command:         "/bin/sh",
		Args:            []string{"-c", `echo hello; while read line; do eval "$line"; done`},
		InterruptSignal: config.InterruptETX,
		FlushInterval:   20 * time.Millisecond,
	}, metrics.NewCollector(), zap.NewNop())

	reporter := &fakeReporter{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx, reporter) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(10 * time.Second):
			t.Error("supervisor did not stop")
		}
	})

	waitFor(t, 5*time.Second, func() bool {
		return sup.State() == protocol.AgentReady
	}, "agent never became ready")

	if err := sup.Submit(protocol.CommandRequest{CommandID: "cmd-quiet", Command: "echo", Args: []string{"working"}}); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	// Output stops after the echo; the silence window settles the command.
	waitFor(t, 10*time.Second, func() bool {
		return len(reporter.completions()) == 1
	}, "silence never completed the command")

	got := reporter.completions()[0]
	if got.commandID != "cmd-quiet" || got.exitCode != 0 || got.interrupted {
		t.Errorf("completion = %+v, want clean exit", got)
	}
	waitFor(t, 2*time.Second, func() bool {
		return sup.State() == protocol.AgentReady
	}, "agent did not return to ready")
}

func TestUnexpectedExitReportsErrorAndRestarts(t *testing.T) {
	requireShell(t)
	t.Parallel()

	// Child exits on its own shortly after becoming ready.
	sup, reporter, _, _ := newSupervisor(t, `echo READY; sleep 0.2`)

	waitFor(t, 5*time.Second, func() bool {
		return reporter.sawError("CHILD_EXIT")
	}, "child exit was not reported")
	if !reporter.sawState(protocol.AgentError) {
		t.Error("error state was not reported")
	}

	// The restart budget brings it back to connecting at least once more.
	waitFor(t, 5*time.Second, func() bool {
		reporter.mu.Lock()
		defer reporter.mu.Unlock()
		n := 0
		for _, st := range reporter.states {
			if st == protocol.AgentConnecting {
				n++
			}
		}
		return n >= 2
	}, "child was not respawned")
	_ = sup
}

func TestStopShutsDownGracefully(t *testing.T) {
	requireShell(t)
	t.Parallel()

	sup, reporter, _, done := newSupervisor(t, shellChild)
	waitFor(t, 5*time.Second, func() bool {
		return sup.State() == protocol.AgentReady
	}, "agent never became ready")

	sup.Stop("operator requested")

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v, want nil on requested stop", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after Stop")
	}

	if !reporter.sawState(protocol.AgentStopping) || reporter.lastState() != protocol.AgentStopped {
		reporter.mu.Lock()
		states := append([]protocol.AgentState(nil), reporter.states...)
		reporter.mu.Unlock()
		t.Errorf("states = %v, want stopping then stopped at the end", states)
	}
}
