package telemetry

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/nasa-jpl/ftsctl/labjack"
)

func someSamples(n int) []labjack.Sample {
	t0 := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	out := make([]labjack.Sample, n)
	for i := range out {
		out[i] = labjack.Sample{
			Time: t0.Add(time.Duration(i) * time.Millisecond),
			Pos:  float64(i * 10),
			Volt: 2 + float64(i)*0.25}
	}
	return out
}

func TestCSVRoundTrip(t *testing.T) {
	in := someSamples(5)
	var buf bytes.Buffer
	err := WriteCSV(&buf, in)
	if err != nil {
		t.Fatalf("write failed: %v", err)
	}
	out, err := ReadCSV(&buf)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if len(out) != len(in) {
		t.Fatalf("expected %d samples, got %d", len(in), len(out))
	}
	for i := range in {
		if !out[i].Time.Equal(in[i].Time) {
			t.Errorf("sample %d: time mismatch", i)
		}
		if out[i].Pos != in[i].Pos {
			t.Errorf("sample %d: expected pos %f, got %f", i, in[i].Pos, out[i].Pos)
		}
		if out[i].Volt != in[i].Volt {
			t.Errorf("sample %d: expected volt %f, got %f", i, in[i].Volt, out[i].Volt)
		}
	}
}

func TestCSVHeader(t *testing.T) {
	var buf bytes.Buffer
	err := WriteCSV(&buf, someSamples(1))
	if err != nil {
		t.Fatalf("write failed: %v", err)
	}
	first := strings.SplitN(buf.String(), "\n", 2)[0]
	want := "Start,Mirror Position,Bolometer Data (V),End"
	if strings.TrimSpace(first) != want {
		t.Errorf("expected header %q, got %q", want, first)
	}
}

func TestReadCSVRejectsGarbage(t *testing.T) {
	_, err := ReadCSV(strings.NewReader("Start,Mirror Position,Bolometer Data (V),End\nnot-a-time,1,2,x\n"))
	if err == nil {
		t.Fatal("expected error on malformed timestamp")
	}
}

func TestRunFolderLayoutAndCounter(t *testing.T) {
	root := t.TempDir()
	r, err := NewRun(root)
	if err != nil {
		t.Fatalf("NewRun failed: %v", err)
	}
	if r.Counter() != 0 {
		t.Fatalf("expected fresh run to start at 0, got %d", r.Counter())
	}
	samples := someSamples(3)
	fn, err := r.SaveRaw(samples)
	if err != nil {
		t.Fatalf("SaveRaw failed: %v", err)
	}
	if !strings.Contains(fn, RawFolder) {
		t.Errorf("expected raw sweep under %s, got %s", RawFolder, fn)
	}
	if r.Counter() != 1 {
		t.Errorf("expected counter 1 after save, got %d", r.Counter())
	}
	_, err = r.SaveProcessed(0, samples)
	if err != nil {
		t.Fatalf("SaveProcessed failed: %v", err)
	}
	procs, err := r.Processed()
	if err != nil || len(procs) != 1 {
		t.Fatalf("expected 1 processed sweep, got %d (%v)", len(procs), err)
	}

	// a second run over the same root picks up the numbering
	r2, err := NewRun(root)
	if err != nil {
		t.Fatalf("NewRun failed: %v", err)
	}
	if r2.Counter() != 1 {
		t.Errorf("expected restarted run to continue at 1, got %d", r2.Counter())
	}
}
