package zaber

import (
	"context"
	"path"
	"testing"
	"time"
)

func TestParseReplyNominal(t *testing.T) {
	r, err := parseReply("@01 1 OK IDLE -- 0")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if r.device != 1 {
		t.Errorf("expected device 1, got %d", r.device)
	}
	if r.axis != 1 {
		t.Errorf("expected axis 1, got %d", r.axis)
	}
	if !r.ok {
		t.Error("expected OK reply")
	}
	if r.busy {
		t.Error("expected IDLE reply")
	}
	if r.data != "0" {
		t.Errorf("expected data 0, got %q", r.data)
	}
}

func TestParseReplyRejected(t *testing.T) {
	r, err := parseReply("@01 1 RJ BUSY -- AGAIN")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if r.ok {
		t.Error("expected RJ reply")
	}
	if !r.busy {
		t.Error("expected BUSY reply")
	}
	if r.data != "AGAIN" {
		t.Errorf("expected data AGAIN, got %q", r.data)
	}
}

func TestParseReplyStripsChecksum(t *testing.T) {
	r, err := parseReply("@01 1 OK IDLE -- 251200:2F")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if r.data != "251200" {
		t.Errorf("expected checksum stripped, got %q", r.data)
	}
}

func TestParseReplyMalformed(t *testing.T) {
	cases := []string{"", "@", "01 1 OK IDLE --", "@01 1 OK"}
	for _, c := range cases {
		_, err := parseReply(c)
		if err == nil {
			t.Errorf("expected error parsing %q", c)
		}
	}
}

func TestStepConversionRoundTrip(t *testing.T) {
	s := NewStage("/dev/null", true)
	steps := s.mmToSteps(25)
	mm := s.stepsToMM(float64(steps))
	if diff := mm - 25; diff > 1e-3 || diff < -1e-3 {
		t.Errorf("round trip error too large, got %f mm", mm)
	}
}

func TestMockMoveSettles(t *testing.T) {
	m := NewMockStage()
	m.SetVelocity("1", 1000)
	err := m.MoveAbs("1", 1)
	if err != nil {
		t.Fatalf("move failed: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err = m.WaitInPosition(ctx, "1")
	if err != nil {
		t.Fatalf("axis did not settle: %v", err)
	}
	pos, _ := m.GetPos("1")
	if pos != 1 {
		t.Errorf("expected pos 1, got %f", pos)
	}
}

func TestMockStuckAxisTimesOut(t *testing.T) {
	m := NewMockStage()
	m.Stuck = true
	m.MoveAbs("1", 1)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := m.WaitInPosition(ctx, "1")
	if err == nil {
		t.Fatal("expected timeout waiting on stuck axis")
	}
}

func TestMockFailMovesRejects(t *testing.T) {
	m := NewMockStage()
	m.FailMoves = 1
	err := m.MoveAbs("1", 1)
	if _, ok := err.(ErrBusy); !ok {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
	err = m.MoveAbs("1", 1)
	if err != nil {
		t.Fatalf("expected second move to be accepted, got %v", err)
	}
}

func TestFaultFlagClassification(t *testing.T) {
	cases := []struct {
		flag  string
		fault bool
	}{
		{"--", false},
		{"WR", false},
		{"NI", false},
		{"FD", true},
		{"FS", true},
	}
	for _, tc := range cases {
		if got := faultFlag(tc.flag); got != tc.fault {
			t.Errorf("faultFlag(%q) = %v, want %v", tc.flag, got, tc.fault)
		}
	}
}

func TestFindNoPortsIsAnError(t *testing.T) {
	old := listPorts
	listPorts = func() ([]string, error) { return nil, nil }
	defer func() { listPorts = old }()

	start := time.Now()
	_, err := Find()
	if err != ErrNoPorts {
		t.Fatalf("expected ErrNoPorts, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("empty enumeration took %v, expected a prompt return", elapsed)
	}
}

func TestFindNoResponderIsAnError(t *testing.T) {
	old := listPorts
	listPorts = func() ([]string, error) {
		return []string{path.Join(t.TempDir(), "not-a-port")}, nil
	}
	defer func() { listPorts = old }()

	_, err := Find()
	if err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
