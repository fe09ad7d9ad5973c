// Package analysis turns captured interferogram sweeps into spectra, with
// polynomial detrending, sweep averaging, Fourier transformation and
// rendering to PNG plots or FITS files
package analysis

import (
	"errors"
	"math"
	"math/cmplx"
	"sort"

	"github.com/mjibson/go-dsp/fft"
	"gonum.org/v1/gonum/mat"

	"github.com/nasa-jpl/ftsctl/labjack"
)

// DetrendDegree is the default polynomial order removed from sweeps, high
// enough to absorb slow thermal drift of the bolometer without touching
// the fringes
const DetrendDegree = 8

// ErrNoData is generated when an operation requires samples and has none
var ErrNoData = errors.New("analysis: no samples loaded")

// polyfit fits a polynomial of the given degree to (x, y) by least squares
// and returns the coefficients, constant term first
func polyfit(x, y []float64, degree int) ([]float64, error) {
	if len(x) != len(y) {
		return nil, errors.New("analysis: x and y must be the same length")
	}
	if len(x) <= degree {
		return nil, errors.New("analysis: not enough samples for the fit degree")
	}
	// Vandermonde design matrix
	a := mat.NewDense(len(x), degree+1, nil)
	for i, xi := range x {
		v := 1.0
		for j := 0; j <= degree; j++ {
			a.Set(i, j, v)
			v *= xi
		}
	}
	b := mat.NewVecDense(len(y), y)
	var qr mat.QR
	qr.Factorize(a)
	var c mat.VecDense
	err := qr.SolveVecTo(&c, false, b)
	if err != nil {
		return nil, err
	}
	out := make([]float64, degree+1)
	for i := range out {
		out[i] = c.AtVec(i)
	}
	return out, nil
}

// polyval evaluates a polynomial with coefficients c, constant term first
func polyval(c []float64, x float64) float64 {
	out := 0.0
	for i := len(c) - 1; i >= 0; i-- {
		out = out*x + c[i]
	}
	return out
}

// Detrend removes a fitted polynomial in position from the detector signal,
// leaving the fringes centered on zero
func Detrend(samples []labjack.Sample, degree int) ([]labjack.Sample, error) {
	if len(samples) == 0 {
		return nil, ErrNoData
	}
	x := make([]float64, len(samples))
	y := make([]float64, len(samples))
	for i, s := range samples {
		x[i] = s.Pos
		y[i] = s.Volt
	}
	// positions span thousands of counts, normalize to keep the
	// Vandermonde matrix well conditioned
	lo, hi := x[0], x[0]
	for _, v := range x {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	span := hi - lo
	if span == 0 {
		span = 1
	}
	xn := make([]float64, len(x))
	for i, v := range x {
		xn[i] = 2*(v-lo)/span - 1
	}
	c, err := polyfit(xn, y, degree)
	if err != nil {
		return nil, err
	}
	out := make([]labjack.Sample, len(samples))
	for i, s := range samples {
		out[i] = s
		out[i].Volt = s.Volt - polyval(c, xn[i])
	}
	return out, nil
}

// Average bins the samples of several sweeps by position and averages the
// detector values within each bin.  The output is sorted by position.
func Average(sweeps [][]labjack.Sample) ([]labjack.Sample, error) {
	sums := map[float64]*labjack.Sample{}
	counts := map[float64]int{}
	for _, sweep := range sweeps {
		for _, s := range sweep {
			agg, ok := sums[s.Pos]
			if !ok {
				cp := s
				sums[s.Pos] = &cp
				counts[s.Pos] = 1
				continue
			}
			agg.Volt += s.Volt
			counts[s.Pos]++
		}
	}
	if len(sums) == 0 {
		return nil, ErrNoData
	}
	out := make([]labjack.Sample, 0, len(sums))
	for pos, agg := range sums {
		agg.Volt /= float64(counts[pos])
		out = append(out, *agg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Pos < out[j].Pos })
	return out, nil
}

// Spectrum is the Fourier transform of an interferogram
type Spectrum struct {
	// Freq is the frequency axis in cycles per sample
	Freq []float64

	// Mag is the transform magnitude at each frequency
	Mag []float64
}

// Transform computes the magnitude spectrum of the detector signal.  Only
// the non-redundant half of the transform is returned.
func Transform(samples []labjack.Sample) (Spectrum, error) {
	if len(samples) == 0 {
		return Spectrum{}, ErrNoData
	}
	y := make([]float64, len(samples))
	for i, s := range samples {
		y[i] = s.Volt
	}
	coeffs := fft.FFTReal(y)
	n := len(coeffs)
	half := n/2 + 1
	sp := Spectrum{
		Freq: make([]float64, half),
		Mag:  make([]float64, half)}
	for i := 0; i < half; i++ {
		sp.Freq[i] = float64(i) / float64(n)
		sp.Mag[i] = cmplx.Abs(coeffs[i])
	}
	return sp, nil
}

// Peak returns the frequency with the largest magnitude, excluding the DC
// term
func (s Spectrum) Peak() (float64, float64) {
	best, bestMag := 0.0, math.Inf(-1)
	for i := 1; i < len(s.Mag); i++ {
		if s.Mag[i] > bestMag {
			best, bestMag = s.Freq[i], s.Mag[i]
		}
	}
	return best, bestMag
}
