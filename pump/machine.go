package pump

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Mode is the client-side control mode layered over the device's ON/OFF state
type Mode string

const (
	ModeAuto   Mode = "AUTO"
	ModeManual Mode = "MANUAL"
)

// State is the displayed pump state
type State struct {
	Active      bool       `json:"active"`
	Mode        Mode       `json:"mode"`
	LastUpdated *time.Time `json:"lastUpdated"`
}

// InitialState is the state before any device status or command is seen
func InitialState() State {
	return State{Active: false, Mode: ModeAuto}
}

// Commander sends pump commands to the device
type Commander interface {
	SetPump(ctx context.Context, on bool) error
	EnableAutoMode(ctx context.Context) error
}

// Machine owns the pump state. Transitions are applied optimistically and rolled back
// to the last confirmed state when the device refuses or cannot be reached. Every change
// is handed to the publish callback as a complete State value.
type Machine struct {
	mu    sync.Mutex
	state State

	// confirmed holds the last Active value the device acknowledged or reported and
	// the last mode that was settled locally or acknowledged
	confirmed State
	// pending counts pump commands in flight
	pending int
	// modeEpoch advances on every local switch to MANUAL
	modeEpoch uint64

	cmd     Commander
	publish func(State)
	now     func() time.Time
	logger  *zap.Logger
}

// New creates a state machine starting from InitialState
func New(cmd Commander, publish func(State), logger *zap.Logger) *Machine {
	if publish == nil {
		publish = func(State) {}
	}
	return &Machine{
		state:     InitialState(),
		confirmed: InitialState(),
		cmd:       cmd,
		publish:   publish,
		now:       time.Now,
		logger:    logger,
	}
}

// State returns the current state
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// ManualToggle switches to MANUAL and flips the pump. An explicit manual toggle always
// leaves the machine in MANUAL, even when the command fails. On failure Active returns to
// the last confirmed device state, so overlapping failed commands never leave a
// provisional value standing.
func (m *Machine) ManualToggle(ctx context.Context) error {
	m.mu.Lock()
	wasManual := m.state.Mode == ModeManual
	target := !m.state.Active
	m.setManualLocked()
	m.state.Active = target
	m.pending++
	m.commitLocked()
	m.mu.Unlock()

	if !wasManual {
		m.logger.Info("switched pump to manual mode")
	}

	err := m.cmd.SetPump(ctx, target)

	m.mu.Lock()
	m.pending--
	if err != nil {
		m.state.Active = m.confirmed.Active
		restored := m.state.Active
		m.commitLocked()
		m.mu.Unlock()

		m.logger.Warn("pump command failed, rolled back",
			zap.Bool("requested_active", target),
			zap.Bool("restored_active", restored),
			zap.Error(err))
		return fmt.Errorf("pump %s command failed: %w", onOff(target), err)
	}

	m.confirmed.Active = target
	if m.pending == 0 {
		m.state.Active = m.confirmed.Active
	}
	now := m.now()
	m.state.LastUpdated = &now
	m.commitLocked()
	m.mu.Unlock()

	m.logger.Info("pump command acknowledged", zap.Bool("active", target))
	return nil
}

// AutoModeToggle enables or disables automatic control. Enabling is confirmed with the
// device and reverted to the last settled mode on failure; disabling is local only.
// A switch to MANUAL made while an enable is in flight wins over its acknowledgement.
func (m *Machine) AutoModeToggle(ctx context.Context, enabled bool) error {
	if !enabled {
		m.mu.Lock()
		m.setManualLocked()
		m.commitLocked()
		m.mu.Unlock()

		m.logger.Info("auto mode disabled")
		return nil
	}

	m.mu.Lock()
	epoch := m.modeEpoch
	m.state.Mode = ModeAuto
	m.commitLocked()
	m.mu.Unlock()

	err := m.cmd.EnableAutoMode(ctx)

	m.mu.Lock()
	if err != nil {
		m.state.Mode = m.confirmed.Mode
		restored := m.state.Mode
		m.commitLocked()
		m.mu.Unlock()

		m.logger.Warn("auto mode command failed, rolled back",
			zap.String("restored_mode", string(restored)),
			zap.Error(err))
		return fmt.Errorf("auto mode command failed: %w", err)
	}

	if m.modeEpoch != epoch {
		m.mu.Unlock()
		m.logger.Info("auto mode acknowledged after a switch to manual, keeping manual")
		return nil
	}
	m.confirmed.Mode = ModeAuto
	m.state.Mode = ModeAuto
	m.commitLocked()
	m.mu.Unlock()

	m.logger.Info("auto mode enabled")
	return nil
}

// setManualLocked settles the mode at MANUAL; m.mu must be held
func (m *Machine) setManualLocked() {
	m.state.Mode = ModeManual
	m.confirmed.Mode = ModeManual
	m.modeEpoch++
}

// ApplyDeviceStatus records the ON/OFF state reported by the device. The mode is
// never changed here since the device has no notion of it.
func (m *Machine) ApplyDeviceStatus(active bool, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.confirmed.Active = active
	if m.state.Active == active && m.state.LastUpdated != nil && !at.After(*m.state.LastUpdated) {
		return
	}
	m.state.Active = active
	m.state.LastUpdated = &at
	m.commitLocked()
}

// commitLocked publishes the current state; m.mu must be held
func (m *Machine) commitLocked() {
	m.publish(m.state)
}

func onOff(on bool) string {
	if on {
		return "ON"
	}
	return "OFF"
}
