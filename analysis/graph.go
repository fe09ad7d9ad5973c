package analysis

import (
	"io"
	"sync"

	"github.com/astrogo/fitsio"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/nasa-jpl/ftsctl/labjack"
	"github.com/nasa-jpl/ftsctl/telemetry"
)

// Graph holds one sweep and its transform, and renders either to a plot.
// Transforming twice is a no-op, the spectrum is computed once per load.
type Graph struct {
	mu       sync.Mutex
	samples  []labjack.Sample
	spectrum *Spectrum
}

// NewGraph returns an empty graph
func NewGraph() *Graph {
	return &Graph{}
}

// Load reads a sweep CSV from disk, dropping any previous transform
func (g *Graph) Load(fn string) error {
	samples, err := telemetry.LoadCSV(fn)
	if err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.samples = samples
	g.spectrum = nil
	return nil
}

// AverageFiles loads every sweep CSV in paths and averages them by mirror
// position
func AverageFiles(paths []string) ([]labjack.Sample, error) {
	var sweeps [][]labjack.Sample
	for _, fn := range paths {
		s, err := telemetry.LoadCSV(fn)
		if err != nil {
			return nil, err
		}
		sweeps = append(sweeps, s)
	}
	return Average(sweeps)
}

// LoadAverage re-reads every raw sweep persisted under a run folder and
// loads the cross-sweep average, dropping any previous transform
func (g *Graph) LoadAverage(runDir string) error {
	paths, err := telemetry.SweepFiles(runDir, telemetry.RawFolder)
	if err != nil {
		return err
	}
	avg, err := AverageFiles(paths)
	if err != nil {
		return err
	}
	g.LoadSamples(avg)
	return nil
}

// LoadLatest loads the newest processed sweep under a run folder
func (g *Graph) LoadLatest(runDir string) error {
	paths, err := telemetry.SweepFiles(runDir, telemetry.ProcessedFolder)
	if err != nil {
		return err
	}
	if len(paths) == 0 {
		return ErrNoData
	}
	return g.Load(paths[len(paths)-1])
}

// LoadSamples installs samples directly, dropping any previous transform
func (g *Graph) LoadSamples(samples []labjack.Sample) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.samples = samples
	g.spectrum = nil
}

// Transformed returns true once the spectrum has been computed
func (g *Graph) Transformed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.spectrum != nil
}

// Transform computes the spectrum of the loaded sweep.  Calling it again
// before another load does nothing.
func (g *Graph) Transform() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.spectrum != nil {
		return nil
	}
	sp, err := Transform(g.samples)
	if err != nil {
		return err
	}
	g.spectrum = &sp
	return nil
}

// Spectrum returns the computed transform
func (g *Graph) Spectrum() (Spectrum, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.spectrum == nil {
		return Spectrum{}, ErrNoData
	}
	return *g.spectrum, nil
}

// renderLine plots y against x as a line and writes a PNG to w
func renderLine(w io.Writer, title, xlabel, ylabel string, x, y []float64) error {
	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = xlabel
	p.Y.Label.Text = ylabel
	pts := make(plotter.XYs, len(x))
	for i := range x {
		pts[i].X = x[i]
		pts[i].Y = y[i]
	}
	line, err := plotter.NewLine(pts)
	if err != nil {
		return err
	}
	p.Add(line)
	wt, err := p.WriterTo(8*vg.Inch, 5*vg.Inch, "png")
	if err != nil {
		return err
	}
	_, err = wt.WriteTo(w)
	return err
}

// PlotInterferogram writes a PNG of detector voltage against mirror
// position to w
func (g *Graph) PlotInterferogram(w io.Writer) error {
	g.mu.Lock()
	samples := g.samples
	g.mu.Unlock()
	if len(samples) == 0 {
		return ErrNoData
	}
	x := make([]float64, len(samples))
	y := make([]float64, len(samples))
	for i, s := range samples {
		x[i] = s.Pos
		y[i] = s.Volt
	}
	return renderLine(w, "Interferogram", "Mirror Position (counts)", "Bolometer Data (V)", x, y)
}

// PlotSpectrum writes a PNG of the transform magnitude to w
func (g *Graph) PlotSpectrum(w io.Writer) error {
	sp, err := g.Spectrum()
	if err != nil {
		return err
	}
	return renderLine(w, "Spectrum", "Frequency (cycles/sample)", "Magnitude", sp.Freq, sp.Mag)
}

// WriteFITS streams the spectrum to w as a 1-D double precision image
func (g *Graph) WriteFITS(w io.Writer) error {
	sp, err := g.Spectrum()
	if err != nil {
		return err
	}
	fits, err := fitsio.Create(w)
	if err != nil {
		return err
	}
	defer fits.Close()
	im := fitsio.NewImage(-64, []int{len(sp.Mag)})
	defer im.Close()
	freqStep := 0.0
	if len(sp.Freq) > 1 {
		freqStep = sp.Freq[1] - sp.Freq[0]
	}
	err = im.Header().Append(
		fitsio.Card{Name: "INSTRUME", Value: "FTS"},
		fitsio.Card{Name: "CDELT1", Value: freqStep, Comment: "frequency step, cycles/sample"},
		fitsio.Card{Name: "CRVAL1", Value: 0.0, Comment: "frequency of first bin"})
	if err != nil {
		return err
	}
	err = im.Write(sp.Mag)
	if err != nil {
		return err
	}
	return fits.Write(im)
}
