package driver

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/scopectl/internal/config"
	"github.com/danmuck/scopectl/internal/executor"
	"github.com/danmuck/scopectl/internal/instrument"
	"github.com/danmuck/scopectl/internal/retry"
	"github.com/danmuck/scopectl/internal/scorecard"
	"github.com/danmuck/scopectl/internal/sink"
	"github.com/danmuck/scopectl/internal/testutil/testlog"
)

const testIDN = "RIGOL TECHNOLOGIES,DS1104Z,DS1ZA000000001,00.04.05"

// fakeScope answers SCPI traffic and fails commands from a per-command queue.
type fakeScope struct {
	mu       sync.Mutex
	answers  map[string]string
	failures map[string][]error
	sent     []string
	pending  string
	closed   bool
}

func newFakeScope() *fakeScope {
	return &fakeScope{
		answers: map[string]string{
			"*IDN?":              testIDN,
			":TIM:SCAL?":         "1.000000e-03",
			":MEAS:ITEM? VPP,CH": "3.28",
		},
		failures: make(map[string][]error),
	}
}

func (f *fakeScope) fail(cmd string, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[cmd] = append(f.failures[cmd], errs...)
}

func (f *fakeScope) Send(_ context.Context, msg []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cmd := string(msg)
	f.sent = append(f.sent, cmd)
	if errs := f.failures[cmd]; len(errs) > 0 {
		f.failures[cmd] = errs[1:]
		return errs[0]
	}
	f.pending = f.answers[cmd]
	return nil
}

func (f *fakeScope) Receive(context.Context) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return []byte(f.pending + "\n"), nil
}

func (f *fakeScope) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeScope) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type recordingSink struct {
	mu      sync.Mutex
	reports []sink.Report
	onEmit  func(sink.Report)
}

func (r *recordingSink) Emit(_ context.Context, report sink.Report) error {
	r.mu.Lock()
	r.reports = append(r.reports, report)
	hook := r.onEmit
	r.mu.Unlock()
	if hook != nil {
		hook(report)
	}
	return nil
}

func (r *recordingSink) phases() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.reports))
	for _, report := range r.reports {
		out = append(out, report.Phase)
	}
	return out
}

func testPlan() config.Plan {
	return config.Plan{
		Name: "test",
		Settings: []config.SettingConfig{
			{Label: "timebase.scale", Command: ":TIM:SCAL", Value: "1e-3", Verify: true},
			{Label: "ch1.scale", Command: ":CHAN1:SCAL", Value: "0.5"},
		},
		Polls: []config.PollConfig{
			{Label: "ch1.vpp", Query: ":MEAS:ITEM? VPP,CH"},
		},
	}
}

func testConfig(plan config.Plan) ServiceConfig {
	cfg := DefaultServiceConfig()
	cfg.InstrumentID = "scope.test"
	cfg.Retry = retry.Config{MaxTries: 3, Timeout: time.Second}
	cfg.PollInterval = time.Millisecond
	cfg.PollCycles = 2
	cfg.Plan = plan
	return cfg
}

func newTestService(cfg ServiceConfig, scope *fakeScope, rec *recordingSink) *Service {
	return NewServiceWithConfig(cfg).
		WithOpener(func(instrument.Config) (instrument.Transport, error) { return scope, nil }).
		WithSink(rec)
}

func TestRunContextAppliesPlanAndPolls(t *testing.T) {
	testlog.Start(t)
	scope := newFakeScope()
	rec := &recordingSink{}
	svc := newTestService(testConfig(testPlan()), scope, rec)

	if err := svc.RunContext(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if svc.Phase() != PhaseClosed {
		t.Fatalf("expected closed phase, got %s", svc.Phase())
	}
	if !scope.isClosed() {
		t.Fatalf("transport not closed")
	}

	want := []string{"connected", "configured", "polling", "polling", "closed"}
	if got := rec.phases(); !slices.Equal(got, want) {
		t.Fatalf("unexpected report phases: %v", got)
	}

	snap, ok := svc.Scorecard()
	if !ok {
		t.Fatalf("expected published scorecard")
	}
	wantSuccess := []string{IdentifyLabel, "timebase.scale", "ch1.scale", "ch1.vpp", "ch1.vpp"}
	if !slices.Equal(snap.Success, wantSuccess) {
		t.Fatalf("unexpected success list: %v", snap.Success)
	}
	if len(snap.Failure) != 0 || snap.Errors != (scorecard.ErrorCounts{}) {
		t.Fatalf("unexpected failures: %+v", snap)
	}

	status := svc.Status()
	if status.Identity != testIDN || status.Cycles != 2 || status.Readings["ch1.vpp"] != "3.28" {
		t.Fatalf("unexpected status: %+v", status)
	}
	if status.Ready {
		t.Fatalf("closed session must not report ready")
	}
}

func TestRunContextRetriesBusySetting(t *testing.T) {
	testlog.Start(t)
	scope := newFakeScope()
	scope.fail(":CHAN1:SCAL 0.5", executor.ErrUSBBusy, executor.ErrUSBBusy)
	rec := &recordingSink{}
	cfg := testConfig(testPlan())
	cfg.PollCycles = 1
	svc := newTestService(cfg, scope, rec)

	if err := svc.RunContext(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	snap, _ := svc.Scorecard()
	if snap.Errors.USBResourceBusy != 2 {
		t.Fatalf("expected 2 busy errors, got %+v", snap.Errors)
	}
	if snap.AttemptCount("ch1.scale") != 3 {
		t.Fatalf("expected 3 attempts, got %d", snap.AttemptCount("ch1.scale"))
	}
	if !slices.Contains(snap.Success, "ch1.scale") || slices.Contains(snap.Failure, "ch1.scale") {
		t.Fatalf("setting should succeed on third attempt: %+v", snap)
	}
}

func TestRunContextRecordsExhaustedSetting(t *testing.T) {
	testlog.Start(t)
	scope := newFakeScope()
	scope.fail(":CHAN1:SCAL 0.5", executor.ErrUSBTimeout, executor.ErrUSBTimeout, executor.ErrUSBTimeout)
	rec := &recordingSink{}
	cfg := testConfig(testPlan())
	cfg.PollCycles = 1
	svc := newTestService(cfg, scope, rec)

	if err := svc.RunContext(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	snap, _ := svc.Scorecard()
	if !slices.Equal(snap.Failure, []string{"ch1.scale"}) {
		t.Fatalf("unexpected failure list: %v", snap.Failure)
	}
	if snap.FinalKinds["ch1.scale"] != executor.KindUSBTimeout {
		t.Fatalf("unexpected final kind: %q", snap.FinalKinds["ch1.scale"])
	}
	if snap.Errors.USBTimeouts != 3 || snap.AttemptCount("ch1.scale") != 3 {
		t.Fatalf("unexpected counters: %+v attempts=%d", snap.Errors, snap.AttemptCount("ch1.scale"))
	}
	if !slices.Contains(snap.Success, "ch1.vpp") {
		t.Fatalf("polling should continue after a failed setting: %v", snap.Success)
	}
}

func TestRunContextIdentifyFailure(t *testing.T) {
	testlog.Start(t)
	scope := newFakeScope()
	boom := errors.New("boom")
	scope.fail("*IDN?", boom, boom, boom)
	rec := &recordingSink{}
	svc := newTestService(testConfig(testPlan()), scope, rec)

	err := svc.RunContext(context.Background())
	var failed *retry.FailedError
	if !errors.As(err, &failed) || failed.Label != IdentifyLabel || failed.Attempts != 3 {
		t.Fatalf("expected identify FailedError, got %v", err)
	}
	if !errors.Is(err, boom) {
		t.Fatalf("expected cause to be preserved, got %v", err)
	}
	if svc.Phase() != PhaseClosed || !scope.isClosed() {
		t.Fatalf("expected closed session after identify failure")
	}
	if got := rec.phases(); !slices.Equal(got, []string{"closed"}) {
		t.Fatalf("unexpected report phases: %v", got)
	}
	snap, _ := svc.Scorecard()
	if snap.Errors.Generic != 3 || !slices.Equal(snap.Failure, []string{IdentifyLabel}) {
		t.Fatalf("unexpected scorecard: %+v", snap)
	}
}

func TestRunContextOpenFailure(t *testing.T) {
	testlog.Start(t)
	rec := &recordingSink{}
	svc := NewServiceWithConfig(testConfig(testPlan())).
		WithOpener(func(instrument.Config) (instrument.Transport, error) { return nil, instrument.ErrDeviceNotFound }).
		WithSink(rec)

	err := svc.RunContext(context.Background())
	if !errors.Is(err, instrument.ErrDeviceNotFound) {
		t.Fatalf("expected ErrDeviceNotFound, got %v", err)
	}
	if svc.Phase() != PhaseClosed {
		t.Fatalf("unexpected phase: %s", svc.Phase())
	}
}

func TestRunContextStopsOnCancel(t *testing.T) {
	testlog.Start(t)
	scope := newFakeScope()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rec := &recordingSink{onEmit: func(r sink.Report) {
		if r.Phase == string(PhasePolling) {
			cancel()
		}
	}}
	cfg := testConfig(testPlan())
	cfg.PollCycles = 0
	cfg.PollInterval = time.Hour
	svc := newTestService(cfg, scope, rec)

	done := make(chan error, 1)
	go func() { done <- svc.RunContext(ctx) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("run did not stop after cancel")
	}
	if svc.Phase() != PhaseClosed || svc.Status().Cycles != 1 {
		t.Fatalf("unexpected final status: %+v", svc.Status())
	}
	phases := rec.phases()
	if phases[len(phases)-1] != string(PhaseClosed) {
		t.Fatalf("closing report missing: %v", phases)
	}
}

func TestRunContextRunsAgainWithFreshScorecard(t *testing.T) {
	testlog.Start(t)
	scope := newFakeScope()
	scope.fail(":CHAN1:SCAL 0.5", executor.ErrUSBBusy)
	rec := &recordingSink{}
	cfg := testConfig(testPlan())
	cfg.PollCycles = 1
	svc := newTestService(cfg, scope, rec)

	if err := svc.RunContext(context.Background()); err != nil {
		t.Fatalf("first run: %v", err)
	}
	first := svc.Status().SessionID
	if err := svc.RunContext(context.Background()); err != nil {
		t.Fatalf("second run: %v", err)
	}
	if svc.Status().SessionID == first {
		t.Fatalf("expected a new session id")
	}
	snap, _ := svc.Scorecard()
	if snap.Errors.USBResourceBusy != 0 || snap.AttemptCount("ch1.scale") != 1 {
		t.Fatalf("second session should start from an empty scorecard: %+v", snap)
	}
}

func TestRunContextRollsOverScorecard(t *testing.T) {
	testlog.Start(t)
	scope := newFakeScope()
	scope.fail(":MEAS:ITEM? VPP,CH", executor.ErrUSBBusy)
	rec := &recordingSink{}
	cfg := testConfig(testPlan())
	cfg.PollCycles = 25
	cfg.RolloverCycles = 4
	svc := newTestService(cfg, scope, rec)

	if err := svc.RunContext(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	rec.mu.Lock()
	reports := slices.Clone(rec.reports)
	rec.mu.Unlock()
	sessions := make(map[string]int)
	busy := make(map[string]int)
	for _, r := range reports {
		sessions[r.SessionID]++
		if n := len(r.Scorecard.Success); n > 3+cfg.RolloverCycles {
			t.Fatalf("report for cycle %d carries %d successes", r.Cycle, n)
		}
		if r.Scorecard.AttemptCount("ch1.vpp") > cfg.RolloverCycles+1 {
			t.Fatalf("report for cycle %d carries %d poll attempts", r.Cycle, r.Scorecard.AttemptCount("ch1.vpp"))
		}
		if r.Scorecard.Errors.USBResourceBusy < busy[r.SessionID] {
			t.Fatalf("error counters went backwards within %s", r.SessionID)
		}
		busy[r.SessionID] = r.Scorecard.Errors.USBResourceBusy
	}
	// 25 cycles in windows of 4: six full windows and a final one.
	if len(sessions) != 7 {
		t.Fatalf("expected 7 session ids, got %d: %v", len(sessions), sessions)
	}

	status := svc.Status()
	if status.Cycles != 25 || status.Identity != testIDN {
		t.Fatalf("rollover must keep cycles and identity: %+v", status)
	}
	snap, _ := svc.Scorecard()
	if !slices.Equal(snap.Success, []string{"ch1.vpp"}) || snap.Errors != (scorecard.ErrorCounts{}) {
		t.Fatalf("last window should hold only its own cycle: %+v", snap)
	}
}

func TestValidateRejectsBadConfig(t *testing.T) {
	testlog.Start(t)
	reserved := testPlan()
	reserved.Polls = append(reserved.Polls, config.PollConfig{Label: IdentifyLabel, Query: "*IDN?"})

	cases := []struct {
		name string
		mut  func(*ServiceConfig)
		want error
	}{
		{name: "empty id", mut: func(c *ServiceConfig) { c.InstrumentID = " " }, want: ErrInstrumentIDRequired},
		{name: "zero interval", mut: func(c *ServiceConfig) { c.PollInterval = 0 }, want: ErrInvalidPollInterval},
		{name: "negative cycles", mut: func(c *ServiceConfig) { c.PollCycles = -1 }, want: ErrInvalidPollCycles},
		{name: "negative rollover", mut: func(c *ServiceConfig) { c.RolloverCycles = -1 }, want: ErrInvalidRollover},
		{name: "reserved label", mut: func(c *ServiceConfig) { c.Plan = reserved }, want: ErrReservedLabel},
		{
			name: "invalid plan",
			mut: func(c *ServiceConfig) {
				c.Plan = config.Plan{Settings: []config.SettingConfig{{Label: "x"}}}
			},
			want: config.ErrInvalidPlan,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := testConfig(testPlan())
			tc.mut(&cfg)
			err := NewServiceWithConfig(cfg).WithSink(&recordingSink{}).RunContext(context.Background())
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestLifecycleTransitions(t *testing.T) {
	testlog.Start(t)
	cases := []struct {
		from, to Phase
		ok       bool
	}{
		{PhaseIdle, PhaseConnected, true},
		{PhaseConnected, PhaseConfigured, true},
		{PhaseConfigured, PhasePolling, true},
		{PhasePolling, PhaseClosed, true},
		{PhaseIdle, PhaseClosed, true},
		{PhaseClosed, PhaseIdle, true},
		{PhaseIdle, PhasePolling, false},
		{PhasePolling, PhaseConfigured, false},
		{PhaseClosed, PhaseClosed, false},
	}
	for _, tc := range cases {
		if got := canTransition(tc.from, tc.to); got != tc.ok {
			t.Fatalf("%s -> %s: got %v want %v", tc.from, tc.to, got, tc.ok)
		}
	}
	if err := transitionError(PhaseIdle, PhasePolling); !errors.Is(err, ErrLifecycleOrder) {
		t.Fatalf("expected ErrLifecycleOrder, got %v", err)
	}
}
