package fts

import (
	"encoding/json"
	"net/http"

	"github.com/nasa-jpl/ftsctl/generichttp"
)

// HTTPApp wraps an App with an HTTP route table
type HTTPApp struct {
	app *App

	RouteTable generichttp.RouteTable
}

// NewHTTPApp returns an HTTP wrapper around the state machine
func NewHTTPApp(app *App) HTTPApp {
	w := HTTPApp{app: app}
	rt := generichttp.RouteTable{}
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/start"}] = w.Start
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/stop"}] = w.Stop
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/status"}] = w.Status
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/config"}] = w.GetConfig
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/config"}] = w.SetConfig
	w.RouteTable = rt
	return w
}

// RT satisfies the HTTPer interface
func (h HTTPApp) RT() generichttp.RouteTable {
	return h.RouteTable
}

// Start begins a sweep session, 409 if one is already running
func (h HTTPApp) Start(w http.ResponseWriter, r *http.Request) {
	err := h.app.Start()
	if err == ErrBusy {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// Stop requests the running session abort
func (h HTTPApp) Stop(w http.ResponseWriter, r *http.Request) {
	h.app.Stop()
	w.WriteHeader(http.StatusOK)
}

// Status serves a snapshot of the state machine
func (h HTTPApp) Status(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	err := json.NewEncoder(w).Encode(h.app.Status())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// GetConfig serves the sweep parameters
func (h HTTPApp) GetConfig(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	err := json.NewEncoder(w).Encode(h.app.Cfg)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// SetConfig replaces the sweep parameters, rejected while a session runs
func (h HTTPApp) SetConfig(w http.ResponseWriter, r *http.Request) {
	if h.app.State() != Idle {
		http.Error(w, ErrBusy.Error(), http.StatusConflict)
		return
	}
	var cfg Config
	err := json.NewDecoder(r.Body).Decode(&cfg)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := cfg.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	h.app.Cfg = cfg
	w.WriteHeader(http.StatusOK)
}
