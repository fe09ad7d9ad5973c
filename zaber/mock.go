package zaber

import (
	"context"
	"math"
	"sync"
	"time"
)

const (
	mockServoPeriod    = time.Millisecond
	mockServoPeriodSec = 1e-3
)

// MockStage simulates a single-device Zaber bus.  Moves take real time,
// advancing the position at the velocity setpoint until the target is
// reached.  FailMoves and Stuck inject the two interesting failure modes,
// transient command rejection and an axis that never settles.
type MockStage struct {
	sync.Mutex
	pos    map[string]float64
	target map[string]float64
	vel    map[string]float64
	moving map[string]bool
	homed  map[string]bool

	// FailMoves rejects this many move commands with ErrBusy before
	// accepting one
	FailMoves int

	// Stuck reports the axis as never in position once a move begins
	Stuck bool
}

// NewMockStage returns a mock with a 2 mm/s default velocity on every axis
func NewMockStage() *MockStage {
	return &MockStage{
		pos:    make(map[string]float64),
		target: make(map[string]float64),
		vel:    make(map[string]float64),
		moving: make(map[string]bool),
		homed:  make(map[string]bool)}
}

func (m *MockStage) velocity(axis string) float64 {
	v, ok := m.vel[axis]
	if !ok {
		v = 2
		m.vel[axis] = v
	}
	return v
}

// moveTo advances the axis toward tgt in servo-period steps
func (m *MockStage) moveTo(axis string, tgt float64) {
	tick := time.NewTicker(mockServoPeriod)
	defer tick.Stop()
	for range tick.C {
		m.Lock()
		if !m.moving[axis] { // stopped out from under us
			m.Unlock()
			return
		}
		v := m.velocity(axis)
		pos := m.pos[axis]
		step := v * mockServoPeriodSec
		if math.Abs(tgt-pos) <= step {
			m.pos[axis] = tgt
			m.moving[axis] = false
			m.Unlock()
			return
		}
		if tgt > pos {
			m.pos[axis] = pos + step
		} else {
			m.pos[axis] = pos - step
		}
		m.Unlock()
	}
}

func (m *MockStage) beginMove(axis string, tgt float64) error {
	m.Lock()
	defer m.Unlock()
	if m.FailMoves > 0 {
		m.FailMoves--
		return ErrBusy{cmd: "move"}
	}
	m.target[axis] = tgt
	m.moving[axis] = true
	go m.moveTo(axis, tgt)
	return nil
}

// MoveAbs starts a move to an absolute position in mm
func (m *MockStage) MoveAbs(axis string, pos float64) error {
	return m.beginMove(axis, pos)
}

// MoveRel starts a move an incremental distance in mm
func (m *MockStage) MoveRel(axis string, dist float64) error {
	m.Lock()
	cur := m.pos[axis]
	m.Unlock()
	return m.beginMove(axis, cur+dist)
}

// Home drives the axis to zero
func (m *MockStage) Home(axis string) error {
	err := m.beginMove(axis, 0)
	if err == nil {
		m.Lock()
		m.homed[axis] = true
		m.Unlock()
	}
	return err
}

// Stop halts any in-progress motion
func (m *MockStage) Stop(axis string) error {
	m.Lock()
	defer m.Unlock()
	m.moving[axis] = false
	return nil
}

// GetPos returns the current simulated position in mm
func (m *MockStage) GetPos(axis string) (float64, error) {
	m.Lock()
	defer m.Unlock()
	return m.pos[axis], nil
}

// SetVelocity sets the simulated velocity in mm/s
func (m *MockStage) SetVelocity(axis string, vel float64) error {
	m.Lock()
	defer m.Unlock()
	m.vel[axis] = vel
	return nil
}

// GetVelocity returns the simulated velocity in mm/s
func (m *MockStage) GetVelocity(axis string) (float64, error) {
	m.Lock()
	defer m.Unlock()
	return m.velocity(axis), nil
}

// GetInPosition returns true when no move is in progress
func (m *MockStage) GetInPosition(axis string) (bool, error) {
	m.Lock()
	defer m.Unlock()
	if m.Stuck {
		return false, nil
	}
	return !m.moving[axis], nil
}

// WaitInPosition polls the axis until it settles or ctx expires
func (m *MockStage) WaitInPosition(ctx context.Context, axis string) error {
	tick := time.NewTicker(mockServoPeriod)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
			inPos, err := m.GetInPosition(axis)
			if err != nil {
				return err
			}
			if inPos {
				return nil
			}
		}
	}
}
