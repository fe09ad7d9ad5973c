// Package daq provides a generic HTTP interface to streaming ADC devices
//
// This is not the last word in speed, due to HTTP having reasonable latency in
// most client languages, but it is the last word in ease of use.
package daq

import (
	"encoding/csv"
	"encoding/json"
	"go/types"
	"net/http"
	"strconv"
	"time"

	"github.com/nasa-jpl/ftsctl/generichttp"
)

// Sampler is a device which can do one-shot reads of an analog input
type Sampler interface {
	// ReadVoltage reads the voltage on a channel
	ReadVoltage(int) (float64, error)
}

// Streamer is a device which can run a continuous acquisition
type Streamer interface {
	// StartStream begins acquisition
	StartStream() error

	// StopStream ends acquisition
	StopStream()

	// Streaming returns true while acquisition runs
	Streaming() bool

	// Err returns the terminal stream error, if the last stream died
	Err() error

	// SetScanRate sets scans per second for the next stream
	SetScanRate(float64) error

	// GetScanRate returns scans per second
	GetScanRate() (float64, error)

	// Recent returns the latest timestamps, positions and voltages
	Recent() ([]time.Time, []float64, []float64)
}

type channelT struct {
	Channel int `json:"channel"`
}

// ReadVoltage returns an HTTP handler func that does a one-shot read of a channel
func ReadVoltage(s Sampler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var input channelT
		err := json.NewDecoder(r.Body).Decode(&input)
		defer r.Body.Close()
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		v, err := s.ReadVoltage(input.Channel)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		hp := generichttp.HumanPayload{T: types.Float64, Float: v}
		hp.EncodeAndRespond(w, r)
	}
}

// StartStream returns an HTTP handler func that begins acquisition
func StartStream(s Streamer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := s.StartStream()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

// StopStream returns an HTTP handler func that ends acquisition
func StopStream(s Streamer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.StopStream()
		w.WriteHeader(http.StatusOK)
	}
}

// Streaming returns an HTTP handler func that reports if acquisition is running
func Streaming(s Streamer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		hp := generichttp.HumanPayload{T: types.Bool, Bool: s.Streaming()}
		hp.EncodeAndRespond(w, r)
	}
}

// recentT mirrors the Recent return for JSON encoding
type recentT struct {
	Time []time.Time `json:"timestamp"`
	Pos  []float64   `json:"position"`
	Volt []float64   `json:"voltage"`
}

// Recent returns an HTTP handler func that serves the latest stream contents
func Recent(s Streamer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		times, pos, volt := s.Recent()
		w.Header().Set("Content-Type", "application/json")
		err := json.NewEncoder(w).Encode(recentT{Time: times, Pos: pos, Volt: volt})
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	}
}

// RecentCSV returns an HTTP handler func that serves the latest stream
// contents as a CSV download
func RecentCSV(s Streamer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		times, pos, volt := s.Recent()
		w.Header().Set("Content-Type", "text/csv")
		w.Header().Set("Content-Disposition", "attachment; filename=recent.csv")
		cw := csv.NewWriter(w)
		cw.Write([]string{"Timestamp", "Mirror Position", "Bolometer Data (V)"})
		for i := range times {
			cw.Write([]string{
				times[i].Format(time.RFC3339Nano),
				strconv.FormatFloat(pos[i], 'G', -1, 64),
				strconv.FormatFloat(volt[i], 'G', -1, 64)})
		}
		cw.Flush()
		if err := cw.Error(); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	}
}

// HTTPDAQ wraps a DAQ with an HTTP route table
type HTTPDAQ struct {
	s Streamer

	RouteTable generichttp.RouteTable
}

// NewHTTPDAQ returns an HTTP wrapper around a streamer, binding one-shot
// read routes when the concrete type supports them
func NewHTTPDAQ(s Streamer) HTTPDAQ {
	w := HTTPDAQ{s: s}
	rt := generichttp.RouteTable{}
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/stream/start"}] = StartStream(s)
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/stream/stop"}] = StopStream(s)
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/stream/running"}] = Streaming(s)
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/stream/recent"}] = Recent(s)
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/stream/recent.csv"}] = RecentCSV(s)
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/scan-rate"}] = generichttp.GetFloat(s.GetScanRate)
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/scan-rate"}] = generichttp.SetFloat(s.SetScanRate)
	if sampler, ok := s.(Sampler); ok {
		rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/read"}] = ReadVoltage(sampler)
	}
	w.RouteTable = rt
	return w
}

// RT satisfies the HTTPer interface
func (h HTTPDAQ) RT() generichttp.RouteTable {
	return h.RouteTable
}
