package pump

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

// fakeCommander records commands and fails them on demand
type fakeCommander struct {
	mu          sync.Mutex
	pumpCalls   []bool
	autoCalls   int
	pumpErr     error
	autoErr     error
	beforeReply func()
}

func (f *fakeCommander) SetPump(_ context.Context, on bool) error {
	f.mu.Lock()
	f.pumpCalls = append(f.pumpCalls, on)
	hook := f.beforeReply
	err := f.pumpErr
	f.mu.Unlock()

	if hook != nil {
		hook()
	}
	return err
}

func (f *fakeCommander) EnableAutoMode(_ context.Context) error {
	f.mu.Lock()
	f.autoCalls++
	hook := f.beforeReply
	err := f.autoErr
	f.mu.Unlock()

	if hook != nil {
		hook()
	}
	return err
}

// recorder collects published states
type recorder struct {
	mu     sync.Mutex
	states []State
}

func (r *recorder) publish(s State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, s)
}

func (r *recorder) all() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]State(nil), r.states...)
}

func newMachine(cmd Commander) (*Machine, *recorder) {
	rec := &recorder{}
	return New(cmd, rec.publish, zap.NewNop()), rec
}

// seed sets both the displayed and the confirmed state
func seed(m *Machine, s State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = s
	m.confirmed = s
}

// gatedCommander holds every command until the test replies to it by call index
type gatedCommander struct {
	mu      sync.Mutex
	replies []chan error
	entered chan int
}

func newGatedCommander() *gatedCommander {
	return &gatedCommander{entered: make(chan int, 4)}
}

func (g *gatedCommander) wait() error {
	reply := make(chan error, 1)
	g.mu.Lock()
	g.replies = append(g.replies, reply)
	idx := len(g.replies) - 1
	g.mu.Unlock()

	g.entered <- idx
	return <-reply
}

func (g *gatedCommander) SetPump(context.Context, bool) error { return g.wait() }
func (g *gatedCommander) EnableAutoMode(context.Context) error { return g.wait() }

func (g *gatedCommander) reply(idx int, err error) {
	g.mu.Lock()
	reply := g.replies[idx]
	g.mu.Unlock()
	reply <- err
}

// start runs fn in the background and returns once its command reached the device
func (g *gatedCommander) start(t *testing.T, fn func() error) <-chan error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- fn() }()
	select {
	case <-g.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("command never reached the device")
	}
	return done
}

func finish(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("command never returned")
		return nil
	}
}

func TestInitialState(t *testing.T) {
	m, _ := newMachine(&fakeCommander{})

	s := m.State()
	if s.Mode != ModeAuto {
		t.Errorf("Expected initial mode AUTO, got %s", s.Mode)
	}
	if s.Active {
		t.Error("Expected pump to start inactive")
	}
	if s.LastUpdated != nil {
		t.Error("Expected no lastUpdated before any status")
	}
}

func TestManualToggle_Success(t *testing.T) {
	cmd := &fakeCommander{}
	m, rec := newMachine(cmd)

	var optimistic State
	cmd.beforeReply = func() { optimistic = m.State() }

	if err := m.ManualToggle(context.Background()); err != nil {
		t.Fatalf("Expected success, got %v", err)
	}

	if !optimistic.Active || optimistic.Mode != ModeManual {
		t.Errorf("Expected optimistic ON/MANUAL before the reply, got %+v", optimistic)
	}

	s := m.State()
	if !s.Active || s.Mode != ModeManual {
		t.Errorf("Expected ON/MANUAL, got %+v", s)
	}
	if s.LastUpdated == nil {
		t.Error("Expected lastUpdated to be stamped after acknowledgement")
	}
	if len(cmd.pumpCalls) != 1 || cmd.pumpCalls[0] != true {
		t.Errorf("Expected a single PUMP_ON command, got %v", cmd.pumpCalls)
	}
	if len(rec.all()) == 0 {
		t.Error("Expected states to be published")
	}
}

func TestManualToggle_FailureRollsBackActiveButKeepsManual(t *testing.T) {
	tests := []struct {
		name        string
		startActive bool
		startMode   Mode
	}{
		{"from AUTO/OFF", false, ModeAuto},
		{"from AUTO/ON", true, ModeAuto},
		{"from MANUAL/OFF", false, ModeManual},
		{"from MANUAL/ON", true, ModeManual},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd := &fakeCommander{pumpErr: errors.New("bridge unreachable")}
			m, rec := newMachine(cmd)
			seed(m, State{Active: tt.startActive, Mode: tt.startMode})

			err := m.ManualToggle(context.Background())
			if err == nil {
				t.Fatal("Expected command error to be surfaced")
			}
			if !errors.Is(err, cmd.pumpErr) {
				t.Errorf("Expected wrapped command error, got %v", err)
			}

			s := m.State()
			if s.Mode != ModeManual {
				t.Errorf("Expected mode MANUAL after failed toggle, got %s", s.Mode)
			}
			if s.Active != tt.startActive {
				t.Errorf("Expected active rolled back to %v, got %v", tt.startActive, s.Active)
			}
			if len(cmd.pumpCalls) != 1 || cmd.pumpCalls[0] != !tt.startActive {
				t.Errorf("Expected one command for %v, got %v", !tt.startActive, cmd.pumpCalls)
			}

			published := rec.all()
			if len(published) != 2 {
				t.Fatalf("Expected optimistic and rollback publications, got %d", len(published))
			}
			if published[0].Active == tt.startActive {
				t.Error("Expected first publication to carry the optimistic flip")
			}
			if published[1].Active != tt.startActive {
				t.Error("Expected last publication to carry the rolled back value")
			}
		})
	}
}

func TestAutoModeToggle_EnableSuccess(t *testing.T) {
	cmd := &fakeCommander{}
	m, _ := newMachine(cmd)
	seed(m, State{Mode: ModeManual})

	if err := m.AutoModeToggle(context.Background(), true); err != nil {
		t.Fatalf("Expected success, got %v", err)
	}
	if m.State().Mode != ModeAuto {
		t.Errorf("Expected AUTO, got %s", m.State().Mode)
	}
	if cmd.autoCalls != 1 {
		t.Errorf("Expected one AUTO_MODE command, got %d", cmd.autoCalls)
	}
}

func TestAutoModeToggle_EnableFailureRestoresMode(t *testing.T) {
	for _, startMode := range []Mode{ModeManual, ModeAuto} {
		t.Run(string(startMode), func(t *testing.T) {
			cmd := &fakeCommander{autoErr: errors.New("rejected")}
			m, _ := newMachine(cmd)
			seed(m, State{Mode: startMode})

			var during Mode
			cmd.beforeReply = func() { during = m.State().Mode }

			err := m.AutoModeToggle(context.Background(), true)
			if err == nil {
				t.Fatal("Expected error to propagate to the caller")
			}
			if during != ModeAuto {
				t.Errorf("Expected optimistic AUTO while the command is in flight, got %s", during)
			}
			if got := m.State().Mode; got != startMode {
				t.Errorf("Expected mode restored to %s, got %s", startMode, got)
			}
		})
	}
}

func TestAutoModeToggle_DisableIsLocal(t *testing.T) {
	cmd := &fakeCommander{autoErr: errors.New("should not be called")}
	m, rec := newMachine(cmd)

	if err := m.AutoModeToggle(context.Background(), false); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if m.State().Mode != ModeManual {
		t.Errorf("Expected MANUAL, got %s", m.State().Mode)
	}
	if cmd.autoCalls != 0 || len(cmd.pumpCalls) != 0 {
		t.Error("Expected no command to be sent")
	}
	if len(rec.all()) != 1 {
		t.Errorf("Expected one publication, got %d", len(rec.all()))
	}
}

func TestApplyDeviceStatus_NeverChangesMode(t *testing.T) {
	m, rec := newMachine(&fakeCommander{})
	seed(m, State{Mode: ModeManual})

	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	m.ApplyDeviceStatus(true, at)

	s := m.State()
	if !s.Active {
		t.Error("Expected device status ON to be applied")
	}
	if s.Mode != ModeManual {
		t.Errorf("Expected mode to stay MANUAL, got %s", s.Mode)
	}
	if s.LastUpdated == nil || !s.LastUpdated.Equal(at) {
		t.Errorf("Expected lastUpdated %v, got %v", at, s.LastUpdated)
	}

	// Same status again is not republished
	m.ApplyDeviceStatus(true, at)
	if len(rec.all()) != 1 {
		t.Errorf("Expected a single publication, got %d", len(rec.all()))
	}
}

func TestPublishedStatesAreIndependentValues(t *testing.T) {
	m, rec := newMachine(&fakeCommander{})

	first := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	m.ApplyDeviceStatus(true, first)
	m.ApplyDeviceStatus(false, first.Add(time.Minute))

	published := rec.all()
	if len(published) != 2 {
		t.Fatalf("Expected 2 publications, got %d", len(published))
	}
	if !published[0].LastUpdated.Equal(first) {
		t.Errorf("Expected earlier publication to keep its timestamp, got %v", published[0].LastUpdated)
	}
	if !published[0].Active || published[1].Active {
		t.Errorf("Unexpected published sequence %+v", published)
	}
}

func TestManualToggle_OverlappingFailuresRestoreConfirmedState(t *testing.T) {
	cmd := newGatedCommander()
	m, rec := newMachine(cmd)
	ctx := context.Background()

	first := cmd.start(t, func() error { return m.ManualToggle(ctx) })
	if !m.State().Active {
		t.Fatal("Expected optimistic ON from the first toggle")
	}
	second := cmd.start(t, func() error { return m.ManualToggle(ctx) })
	if m.State().Active {
		t.Fatal("Expected optimistic OFF from the second toggle")
	}

	cmd.reply(0, errors.New("timeout"))
	if err := finish(t, first); err == nil {
		t.Error("Expected first toggle to fail")
	}
	cmd.reply(1, errors.New("timeout"))
	if err := finish(t, second); err == nil {
		t.Error("Expected second toggle to fail")
	}

	s := m.State()
	if s.Active {
		t.Error("Expected pump OFF after both commands failed, got ON")
	}
	if s.Mode != ModeManual {
		t.Errorf("Expected MANUAL, got %s", s.Mode)
	}
	published := rec.all()
	if last := published[len(published)-1]; last.Active {
		t.Error("Expected last publication to carry OFF")
	}
}

func TestManualToggle_FailureAfterAcknowledgedToggleKeepsAcknowledgedValue(t *testing.T) {
	cmd := newGatedCommander()
	m, _ := newMachine(cmd)
	ctx := context.Background()

	first := cmd.start(t, func() error { return m.ManualToggle(ctx) })
	second := cmd.start(t, func() error { return m.ManualToggle(ctx) })

	cmd.reply(0, nil)
	if err := finish(t, first); err != nil {
		t.Fatalf("Expected first toggle to succeed, got %v", err)
	}
	if m.State().Active {
		t.Error("Expected the in-flight OFF to stay displayed until it resolves")
	}

	cmd.reply(1, errors.New("rejected"))
	if err := finish(t, second); err == nil {
		t.Error("Expected second toggle to fail")
	}
	if !m.State().Active {
		t.Error("Expected pump ON as acknowledged by the device, got OFF")
	}
}

func TestAutoModeToggle_OverlappingFailuresRestoreManual(t *testing.T) {
	cmd := newGatedCommander()
	m, _ := newMachine(cmd)
	seed(m, State{Mode: ModeManual})
	ctx := context.Background()

	first := cmd.start(t, func() error { return m.AutoModeToggle(ctx, true) })
	second := cmd.start(t, func() error { return m.AutoModeToggle(ctx, true) })

	cmd.reply(0, errors.New("rejected"))
	if err := finish(t, first); err == nil {
		t.Error("Expected first enable to fail")
	}
	cmd.reply(1, errors.New("rejected"))
	if err := finish(t, second); err == nil {
		t.Error("Expected second enable to fail")
	}

	if got := m.State().Mode; got != ModeManual {
		t.Errorf("Expected MANUAL after both enables failed, got %s", got)
	}
}

func TestAutoModeToggle_DisableDuringEnableWins(t *testing.T) {
	cmd := newGatedCommander()
	m, _ := newMachine(cmd)
	seed(m, State{Mode: ModeManual})
	ctx := context.Background()

	enable := cmd.start(t, func() error { return m.AutoModeToggle(ctx, true) })
	if err := m.AutoModeToggle(ctx, false); err != nil {
		t.Fatalf("Expected local disable to succeed, got %v", err)
	}

	cmd.reply(0, nil)
	if err := finish(t, enable); err != nil {
		t.Fatalf("Expected enable to succeed, got %v", err)
	}
	if got := m.State().Mode; got != ModeManual {
		t.Errorf("Expected the later switch to MANUAL to stand, got %s", got)
	}
}
