package lifecycle

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/deskctl/internal/contrib"
	"github.com/danmuck/deskctl/internal/credentials"
	"github.com/danmuck/deskctl/internal/testutil/testlog"
	"github.com/danmuck/deskctl/internal/worker"
)

type fakeBackend struct {
	ep    worker.Endpoint
	err   error
	calls int
}

func (b *fakeBackend) Start(context.Context) (worker.Endpoint, error) {
	b.calls++
	return b.ep, b.err
}

type fakeBroker struct {
	mu       sync.Mutex
	err      error
	attached []worker.Endpoint
}

func (b *fakeBroker) Attach(_ context.Context, ep worker.Endpoint) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return b.err
	}
	b.attached = append(b.attached, ep)
	return nil
}

func (b *fakeBroker) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.attached)
}

type fakeRuntime struct {
	ready  chan struct{}
	events chan Event

	mu     sync.Mutex
	quits  int
	exits  []int
	onQuit func()
}

func newFakeRuntime(ready bool) *fakeRuntime {
	rt := &fakeRuntime{ready: make(chan struct{}), events: make(chan Event, 8)}
	if ready {
		close(rt.ready)
	}
	return rt
}

func (r *fakeRuntime) Ready() <-chan struct{} { return r.ready }
func (r *fakeRuntime) Events() <-chan Event { return r.events }

func (r *fakeRuntime) Quit() {
	r.mu.Lock()
	r.quits++
	onQuit := r.onQuit
	r.mu.Unlock()
	if onQuit != nil {
		onQuit()
	}
}

func (r *fakeRuntime) Exit(code int) {
	r.mu.Lock()
	r.exits = append(r.exits, code)
	r.mu.Unlock()
}

func (r *fakeRuntime) exitCodes() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.exits...)
}

type journal struct {
	mu      sync.Mutex
	entries []string
	params  []contrib.ExecutionParams
}

func (j *journal) add(entry string) {
	j.mu.Lock()
	j.entries = append(j.entries, entry)
	j.mu.Unlock()
}

func (j *journal) count(entry string) int {
	j.mu.Lock()
	defer j.mu.Unlock()
	n := 0
	for _, e := range j.entries {
		if e == entry {
			n++
		}
	}
	return n
}

type harness struct {
	orch     *Orchestrator
	backend  *fakeBackend
	broker   *fakeBroker
	runtime  *fakeRuntime
	registry *contrib.Registry
	journal  *journal
}

// newHarness registers A (start+launch+stop), B (launch) and C (stop, exit 7).
func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		backend:  &fakeBackend{ep: worker.Endpoint{Port: 3000}},
		broker:   &fakeBroker{},
		runtime:  newFakeRuntime(true),
		registry: contrib.NewRegistry(),
		journal:  &journal{},
	}
	launch := func(name string) contrib.LaunchFunc {
		return func(_ context.Context, p contrib.ExecutionParams) error {
			h.journal.mu.Lock()
			h.journal.entries = append(h.journal.entries, name+".launch")
			h.journal.params = append(h.journal.params, p)
			h.journal.mu.Unlock()
			return nil
		}
	}
	register := func(c contrib.Contribution) {
		if _, err := h.registry.Register(c); err != nil {
			t.Fatalf("register %s: %v", c.Name, err)
		}
	}
	register(contrib.Contribution{
		Name: "A",
		Start: func(context.Context) error {
			if h.broker.count() != 1 {
				t.Errorf("expected token attached before start hook")
			}
			if phase := h.orch.Phase(); phase != PhaseContributionsStarting {
				t.Errorf("expected start hook during %s, got %s", PhaseContributionsStarting, phase)
			}
			h.journal.add("A.start")
			return nil
		},
		Launch: launch("A"),
		Stop:   func(context.Context) error { h.journal.add("A.stop"); return nil },
	})
	register(contrib.Contribution{Name: "B", Launch: launch("B")})
	register(contrib.Contribution{Name: "C", Stop: func(context.Context) error {
		h.journal.add("C.stop")
		return contrib.WithExitCode(errors.New("C failed to stop"), 7)
	}})

	orch, err := New(Config{
		Backend:          h.backend,
		Broker:           h.broker,
		Contributions:    h.registry,
		Runtime:          h.runtime,
		Argv:             []string{"deskctl", "notes.md"},
		WorkingDirectory: "/home/user",
	})
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	h.orch = orch
	return h
}

func TestStartReachesRunning(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t)

	if _, err := h.orch.Endpoint(); !errors.Is(err, ErrEndpointUnset) {
		t.Fatalf("expected ErrEndpointUnset before start, got %v", err)
	}
	if err := h.orch.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if h.orch.Phase() != PhaseRunning {
		t.Fatalf("expected running, got %s", h.orch.Phase())
	}
	for _, call := range []string{"A.start", "A.launch", "B.launch"} {
		if got := h.journal.count(call); got != 1 {
			t.Fatalf("expected %s once, got %d", call, got)
		}
	}
	for _, p := range h.journal.params {
		if p.SecondInstance {
			t.Fatalf("expected first launch to not be a second instance")
		}
		if p.WorkingDirectory != "/home/user" || len(p.Argv) != 2 || p.Argv[1] != "notes.md" {
			t.Fatalf("unexpected first launch params %+v", p)
		}
	}

	first := h.orch.MustEndpoint()
	second, err := h.orch.Endpoint()
	if err != nil || first != second || first.Port != 3000 {
		t.Fatalf("expected stable endpoint port 3000, got %+v / %+v err=%v", first, second, err)
	}
	if err := h.orch.Start(context.Background()); !errors.Is(err, ErrLifecycleOrder) {
		t.Fatalf("expected ErrLifecycleOrder on restart, got %v", err)
	}
}

func TestMustEndpointPanicsBeforeStartup(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t)
	defer func() {
		rec := recover()
		err, ok := rec.(error)
		if !ok || !errors.Is(err, ErrEndpointUnset) {
			t.Fatalf("expected panic with ErrEndpointUnset, got %v", rec)
		}
	}()
	h.orch.MustEndpoint()
}

func TestWorkerStartFailureSkipsContributions(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t)
	h.backend.err = &worker.StartError{Mode: worker.ModeSubprocess, PID: 42, ExitCode: 3, Err: worker.ErrExitedEarly}

	code, err := h.orch.Run(context.Background())
	if !errors.Is(err, worker.ErrWorkerStart) {
		t.Fatalf("expected ErrWorkerStart, got %v", err)
	}
	if code == 0 {
		t.Fatalf("expected nonzero exit code on startup failure")
	}
	if len(h.journal.entries) != 0 {
		t.Fatalf("expected no hooks to run, got %v", h.journal.entries)
	}
	if h.broker.count() != 0 {
		t.Fatalf("expected token not attached after worker failure")
	}
	if h.orch.Phase() != PhaseStopped {
		t.Fatalf("expected stopped, got %s", h.orch.Phase())
	}
	if _, err := h.orch.Endpoint(); !errors.Is(err, ErrEndpointUnset) {
		t.Fatalf("expected endpoint unset after failed start, got %v", err)
	}
}

func TestTokenAttachFailureAbortsStartup(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t)
	h.broker.err = &credentials.AttachError{URL: "http://localhost:3000", Err: errors.New("store unavailable")}

	err := h.orch.Start(context.Background())
	if !errors.Is(err, credentials.ErrTokenAttach) {
		t.Fatalf("expected ErrTokenAttach, got %v", err)
	}
	if h.journal.count("A.start") != 0 {
		t.Fatalf("expected no start hook after attach failure")
	}
	if h.orch.Phase() != PhaseStopped {
		t.Fatalf("expected stopped, got %s", h.orch.Phase())
	}
}

func TestStartWaitsForRuntimeReady(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t)
	h.runtime = newFakeRuntime(false)
	h.orch.cfg.Runtime = h.runtime

	go func() {
		time.Sleep(50 * time.Millisecond)
		if h.journal.count("A.start") != 0 {
			t.Errorf("start hook ran before runtime was ready")
		}
		close(h.runtime.ready)
	}()
	if err := h.orch.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if h.journal.count("A.start") != 1 {
		t.Fatalf("expected start hook once after ready")
	}
}

func TestStartCancelledWhileWaitingReady(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t)
	h.runtime = newFakeRuntime(false)
	h.orch.cfg.Runtime = h.runtime

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := h.orch.Start(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if h.orch.Phase() != PhaseStopped {
		t.Fatalf("expected stopped, got %s", h.orch.Phase())
	}
}

func TestStartHookFailureAbortsBeforeLaunch(t *testing.T) {
	testlog.Start(t)
	reg := contrib.NewRegistry()
	launched := false
	if _, err := reg.Register(contrib.Contribution{Name: "broken", Start: func(context.Context) error { return errors.New("no db") }}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := reg.Register(contrib.Contribution{Name: "window", Launch: func(context.Context, contrib.ExecutionParams) error {
		launched = true
		return nil
	}}); err != nil {
		t.Fatalf("register: %v", err)
	}
	orch, err := New(Config{
		Backend:       &fakeBackend{ep: worker.Endpoint{Port: 1}},
		Broker:        &fakeBroker{},
		Contributions: reg,
		Runtime:       newFakeRuntime(true),
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	if err := orch.Start(context.Background()); !errors.Is(err, contrib.ErrContribution) {
		t.Fatalf("expected ErrContribution, got %v", err)
	}
	if launched {
		t.Fatalf("expected launch to be skipped after start failure")
	}
}

func TestSecondInstanceRelaunchesWithoutRestart(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t)
	ctx := context.Background()

	if err := h.orch.HandleSecondInstance(ctx, []string{"deskctl"}, "/"); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("expected ErrNotRunning before start, got %v", err)
	}
	if err := h.orch.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := h.orch.HandleSecondInstance(ctx, []string{"deskctl", "other.md"}, "/tmp"); err != nil {
			t.Fatalf("second instance %d: %v", i, err)
		}
		if h.orch.Phase() != PhaseRunning {
			t.Fatalf("expected running after second instance, got %s", h.orch.Phase())
		}
	}

	if got := h.journal.count("A.start"); got != 1 {
		t.Fatalf("expected start exactly once, got %d", got)
	}
	if got := h.journal.count("A.launch"); got != 4 {
		t.Fatalf("expected 4 launches of A, got %d", got)
	}
	firsts, seconds := 0, 0
	for _, p := range h.journal.params {
		if p.SecondInstance {
			seconds++
			if p.WorkingDirectory != "/tmp" || p.Argv[1] != "other.md" {
				t.Fatalf("unexpected second instance params %+v", p)
			}
		} else {
			firsts++
		}
	}
	// A and B each see exactly one first launch.
	if firsts != 2 || seconds != 6 {
		t.Fatalf("expected 2 first launches and 6 second-instance launches, got %d/%d", firsts, seconds)
	}
	status := h.orch.Status()
	if status.Launches != 4 || status.SecondInstances != 3 {
		t.Fatalf("unexpected status %+v", status)
	}
}

func TestSecondInstanceLaunchFailureStaysRunning(t *testing.T) {
	testlog.Start(t)
	reg := contrib.NewRegistry()
	calls := 0
	if _, err := reg.Register(contrib.Contribution{Name: "flaky", Launch: func(_ context.Context, p contrib.ExecutionParams) error {
		calls++
		if p.SecondInstance {
			return errors.New("window refused")
		}
		return nil
	}}); err != nil {
		t.Fatalf("register: %v", err)
	}
	orch, err := New(Config{
		Backend:       &fakeBackend{ep: worker.Endpoint{Port: 1}},
		Broker:        &fakeBroker{},
		Contributions: reg,
		Runtime:       newFakeRuntime(true),
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := orch.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := orch.HandleSecondInstance(context.Background(), nil, "/"); !errors.Is(err, contrib.ErrContribution) {
		t.Fatalf("expected ErrContribution, got %v", err)
	}
	if orch.Phase() != PhaseRunning || calls != 2 {
		t.Fatalf("expected running after failed relaunch, phase=%s calls=%d", orch.Phase(), calls)
	}
}

func TestRunQuitExitsWithFirstStopStatus(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t)
	h.runtime.events <- Event{Kind: EventSecondInstance, Argv: []string{"deskctl", "b.md"}, WorkingDirectory: "/srv"}
	h.runtime.events <- Event{Kind: EventQuitRequested}

	code, err := h.orch.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if code != 7 {
		t.Fatalf("expected exit code 7, got %d", code)
	}
	if h.journal.count("A.stop") != 1 || h.journal.count("C.stop") != 1 {
		t.Fatalf("expected A.stop and C.stop once, got %v", h.journal.entries)
	}
	if h.journal.count("A.launch") != 2 {
		t.Fatalf("expected queued second instance to relaunch, got %v", h.journal.entries)
	}
	if exits := h.runtime.exitCodes(); len(exits) != 1 || exits[0] != 7 {
		t.Fatalf("expected runtime exit(7), got %v", exits)
	}
	if h.orch.Phase() != PhaseStopped {
		t.Fatalf("expected stopped, got %s", h.orch.Phase())
	}

	if again := h.orch.HandleQuit(context.Background()); again != 7 {
		t.Fatalf("expected repeated quit to report 7, got %d", again)
	}
	if h.journal.count("C.stop") != 1 {
		t.Fatalf("expected stop hooks to run once")
	}
	if err := h.orch.HandleSecondInstance(context.Background(), nil, "/"); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("expected ErrNotRunning after stop, got %v", err)
	}
}

func TestQuitWithCleanStopExitsZero(t *testing.T) {
	testlog.Start(t)
	reg := contrib.NewRegistry()
	for i := 0; i < 3; i++ {
		if _, err := reg.Register(contrib.Contribution{Name: "clean", Stop: func(context.Context) error { return nil }}); err != nil {
			t.Fatalf("register: %v", err)
		}
	}
	rt := newFakeRuntime(true)
	orch, err := New(Config{
		Backend:       &fakeBackend{ep: worker.Endpoint{Port: 1}},
		Broker:        &fakeBroker{},
		Contributions: reg,
		Runtime:       rt,
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := orch.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if code := orch.HandleQuit(context.Background()); code != 0 {
		t.Fatalf("expected exit 0, got %d", code)
	}
	if exits := rt.exitCodes(); len(exits) != 1 || exits[0] != 0 {
		t.Fatalf("expected runtime exit(0), got %v", exits)
	}
}

func TestRunContextCancelStillStops(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan int, 1)
	go func() {
		code, _ := h.orch.Run(ctx)
		done <- code
	}()
	deadline := time.Now().Add(2 * time.Second)
	for h.orch.Phase() != PhaseRunning {
		if time.Now().After(deadline) {
			t.Fatalf("orchestrator never reached running")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	select {
	case code := <-done:
		if code != 7 {
			t.Fatalf("expected exit code 7 from C.stop, got %d", code)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("run did not return after cancel")
	}
	if h.journal.count("A.stop") != 1 {
		t.Fatalf("expected stop hooks to run on cancel")
	}
}

func TestRequestStopCanBeVetoed(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t)
	if err := h.orch.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	// A vetoing runtime simply never delivers the quit event.
	h.orch.RequestStop()
	if h.runtime.quits != 1 {
		t.Fatalf("expected runtime quit request, got %d", h.runtime.quits)
	}
	if h.orch.Phase() != PhaseRunning {
		t.Fatalf("expected to remain running after vetoed quit, got %s", h.orch.Phase())
	}


	h.runtime.onQuit = func() { h.runtime.events <- Event{Kind: EventQuitRequested} }
	h.orch.RequestStop()
	select {
	case ev := <-h.runtime.Events():
		if ev.Kind != EventQuitRequested {
			t.Fatalf("expected quit event, got %s", ev.Kind)
		}
	default:
		t.Fatalf("expected accepted quit to deliver an event")
	}
	if got := h.orch.HandleQuit(context.Background()); got != 7 {
		t.Fatalf("expected exit code 7, got %d", got)
	}
}

func TestNewRequiresDependencies(t *testing.T) {
	testlog.Start(t)
	if _, err := New(Config{}); !errors.Is(err, ErrMissingDependency) {
		t.Fatalf("expected ErrMissingDependency, got %v", err)
	}
}
