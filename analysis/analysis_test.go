package analysis

import (
	"bytes"
	"math"
	"path"
	"testing"
	"time"

	"github.com/nasa-jpl/ftsctl/labjack"
	"github.com/nasa-jpl/ftsctl/telemetry"
)

func rampSamples(n int, volt func(i int) float64) []labjack.Sample {
	t0 := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	out := make([]labjack.Sample, n)
	for i := range out {
		out[i] = labjack.Sample{
			Time: t0.Add(time.Duration(i) * time.Millisecond),
			Pos:  float64(i),
			Volt: volt(i)}
	}
	return out
}

func TestDetrendRemovesPolynomialDrift(t *testing.T) {
	// pure quadratic drift, no signal, should detrend to zero
	in := rampSamples(200, func(i int) float64 {
		x := float64(i)
		return 3 + 0.01*x + 0.0002*x*x
	})
	out, err := Detrend(in, DetrendDegree)
	if err != nil {
		t.Fatalf("detrend failed: %v", err)
	}
	for i, s := range out {
		if math.Abs(s.Volt) > 1e-6 {
			t.Fatalf("sample %d: expected ~0 after detrend, got %g", i, s.Volt)
		}
	}
}

func TestDetrendPreservesFringes(t *testing.T) {
	in := rampSamples(256, func(i int) float64 {
		return 5 + 0.01*float64(i) + math.Cos(2*math.Pi*float64(i)/16)
	})
	out, err := Detrend(in, DetrendDegree)
	if err != nil {
		t.Fatalf("detrend failed: %v", err)
	}
	peak := 0.0
	for _, s := range out {
		if math.Abs(s.Volt) > peak {
			peak = math.Abs(s.Volt)
		}
	}
	if peak < 0.5 {
		t.Errorf("fringes attenuated by detrend, peak %f", peak)
	}
}

func TestDetrendTooFewSamples(t *testing.T) {
	in := rampSamples(5, func(i int) float64 { return 1 })
	_, err := Detrend(in, DetrendDegree)
	if err == nil {
		t.Fatal("expected error with fewer samples than fit degree")
	}
}

func TestAverageBinsByPosition(t *testing.T) {
	a := rampSamples(4, func(i int) float64 { return 1 })
	b := rampSamples(4, func(i int) float64 { return 3 })
	out, err := Average([][]labjack.Sample{a, b})
	if err != nil {
		t.Fatalf("average failed: %v", err)
	}
	if len(out) != 4 {
		t.Fatalf("expected 4 bins, got %d", len(out))
	}
	for i, s := range out {
		if s.Pos != float64(i) {
			t.Errorf("bin %d: expected sorted position %d, got %f", i, i, s.Pos)
		}
		if s.Volt != 2 {
			t.Errorf("bin %d: expected mean 2, got %f", i, s.Volt)
		}
	}
}

func TestTransformPeakAtFringeFrequency(t *testing.T) {
	n := 256
	in := rampSamples(n, func(i int) float64 {
		return math.Cos(2 * math.Pi * float64(i) / 16)
	})
	sp, err := Transform(in)
	if err != nil {
		t.Fatalf("transform failed: %v", err)
	}
	f, _ := sp.Peak()
	want := 1.0 / 16
	if math.Abs(f-want) > 1.0/float64(n) {
		t.Errorf("expected peak near %f, got %f", want, f)
	}
}

func TestGraphTransformIsIdempotent(t *testing.T) {
	g := NewGraph()
	g.LoadSamples(rampSamples(64, func(i int) float64 {
		return math.Sin(2 * math.Pi * float64(i) / 8)
	}))
	if g.Transformed() {
		t.Fatal("graph claims transformed before Transform")
	}
	if err := g.Transform(); err != nil {
		t.Fatalf("transform failed: %v", err)
	}
	first, err := g.Spectrum()
	if err != nil {
		t.Fatalf("spectrum failed: %v", err)
	}
	if err := g.Transform(); err != nil {
		t.Fatalf("second transform failed: %v", err)
	}
	second, _ := g.Spectrum()
	for i := range first.Mag {
		if first.Mag[i] != second.Mag[i] {
			t.Fatal("second transform changed the spectrum")
		}
	}
}

func TestGraphLoadResetsTransform(t *testing.T) {
	g := NewGraph()
	samples := rampSamples(32, func(i int) float64 { return float64(i) })
	dir := t.TempDir()
	fn := path.Join(dir, "sweep000.csv")
	if err := telemetry.SaveCSV(fn, samples); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	g.LoadSamples(samples)
	if err := g.Transform(); err != nil {
		t.Fatalf("transform failed: %v", err)
	}
	if err := g.Load(fn); err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if g.Transformed() {
		t.Fatal("load did not reset the transform")
	}
}

func TestPlotInterferogramWritesPNG(t *testing.T) {
	g := NewGraph()
	g.LoadSamples(rampSamples(64, func(i int) float64 {
		return math.Cos(2 * math.Pi * float64(i) / 8)
	}))
	var buf bytes.Buffer
	if err := g.PlotInterferogram(&buf); err != nil {
		t.Fatalf("plot failed: %v", err)
	}
	sig := []byte{0x89, 'P', 'N', 'G'}
	if !bytes.HasPrefix(buf.Bytes(), sig) {
		t.Error("output does not look like a PNG")
	}
}

func TestLoadAverageSpansSessions(t *testing.T) {
	root := t.TempDir()
	// two sessions writing into the same dated run folder
	run, err := telemetry.NewRun(root)
	if err != nil {
		t.Fatalf("first run failed: %v", err)
	}
	if _, err := run.SaveRaw(rampSamples(8, func(i int) float64 { return 1 })); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	run, err = telemetry.NewRun(root)
	if err != nil {
		t.Fatalf("second run failed: %v", err)
	}
	if _, err := run.SaveRaw(rampSamples(8, func(i int) float64 { return 3 })); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	g := NewGraph()
	if err := g.LoadAverage(run.Dir()); err != nil {
		t.Fatalf("load average failed: %v", err)
	}
	g.mu.Lock()
	samples := g.samples
	g.mu.Unlock()
	if len(samples) != 8 {
		t.Fatalf("expected 8 bins, got %d", len(samples))
	}
	for i, s := range samples {
		if s.Volt != 2 {
			t.Errorf("bin %d: expected mean of both sessions 2, got %f", i, s.Volt)
		}
	}
}

func TestLoadLatestPicksNewestProcessed(t *testing.T) {
	root := t.TempDir()
	run, err := telemetry.NewRun(root)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if _, err := run.SaveProcessed(0, rampSamples(4, func(i int) float64 { return 1 })); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	if _, err := run.SaveProcessed(1, rampSamples(4, func(i int) float64 { return 7 })); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	g := NewGraph()
	if err := g.LoadLatest(run.Dir()); err != nil {
		t.Fatalf("load latest failed: %v", err)
	}
	g.mu.Lock()
	samples := g.samples
	g.mu.Unlock()
	if len(samples) != 4 {
		t.Fatalf("expected 4 samples, got %d", len(samples))
	}
	if samples[0].Volt != 7 {
		t.Errorf("expected the newest sweep, got volt %f", samples[0].Volt)
	}
}
