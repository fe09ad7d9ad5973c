package analysis

import (
	"encoding/json"
	"go/types"
	"net/http"

	"github.com/nasa-jpl/ftsctl/generichttp"
)

// HTTPGraph wraps a Graph with an HTTP route table
type HTTPGraph struct {
	g *Graph

	RouteTable generichttp.RouteTable
}

// NewHTTPGraph returns an HTTP wrapper around a graph
func NewHTTPGraph(g *Graph) HTTPGraph {
	w := HTTPGraph{g: g}
	rt := generichttp.RouteTable{}
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/load"}] = w.Load
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/load/latest"}] = w.LoadLatest
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/average"}] = w.LoadAverage
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/transform"}] = w.Transform
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/transformed"}] = generichttp.GetBool(func() (bool, error) { return g.Transformed(), nil })
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/plot/interferogram"}] = w.PlotInterferogram
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/plot/spectrum"}] = w.PlotSpectrum
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/spectrum.fits"}] = w.FITS
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/peak"}] = w.Peak
	w.RouteTable = rt
	return w
}

// RT satisfies the HTTPer interface
func (h HTTPGraph) RT() generichttp.RouteTable {
	return h.RouteTable
}

// Load reads a sweep CSV named by json:str from the server's filesystem
func (h HTTPGraph) Load(w http.ResponseWriter, r *http.Request) {
	str := generichttp.StrT{}
	err := json.NewDecoder(r.Body).Decode(&str)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	err = h.g.Load(str.Str)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// LoadLatest loads the newest processed sweep of the run folder named by
// json:str
func (h HTTPGraph) LoadLatest(w http.ResponseWriter, r *http.Request) {
	str := generichttp.StrT{}
	err := json.NewDecoder(r.Body).Decode(&str)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	err = h.g.LoadLatest(str.Str)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// LoadAverage re-reads every raw sweep of the run folder named by json:str
// and loads the cross-sweep average
func (h HTTPGraph) LoadAverage(w http.ResponseWriter, r *http.Request) {
	str := generichttp.StrT{}
	err := json.NewDecoder(r.Body).Decode(&str)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	err = h.g.LoadAverage(str.Str)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// Transform computes the spectrum of the loaded sweep
func (h HTTPGraph) Transform(w http.ResponseWriter, r *http.Request) {
	err := h.g.Transform()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// PlotInterferogram serves a PNG of the loaded sweep
func (h HTTPGraph) PlotInterferogram(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "image/png")
	err := h.g.PlotInterferogram(w)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// PlotSpectrum serves a PNG of the transform
func (h HTTPGraph) PlotSpectrum(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "image/png")
	err := h.g.PlotSpectrum(w)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// FITS serves the spectrum as a FITS file
func (h HTTPGraph) FITS(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/fits")
	err := h.g.WriteFITS(w)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// Peak serves the frequency of the largest non-DC spectral line
func (h HTTPGraph) Peak(w http.ResponseWriter, r *http.Request) {
	sp, err := h.g.Spectrum()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	f, _ := sp.Peak()
	hp := generichttp.HumanPayload{T: types.Float64, Float: f}
	hp.EncodeAndRespond(w, r)
}
