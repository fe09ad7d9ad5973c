package main

import (
	"encoding/json"
	"log"
	"net/http"

	"github.com/nasa-jpl/ftsctl/analysis"
	"github.com/nasa-jpl/ftsctl/fts"
	"github.com/nasa-jpl/ftsctl/generichttp"
	"github.com/nasa-jpl/ftsctl/generichttp/ascii"
	"github.com/nasa-jpl/ftsctl/generichttp/daq"
	"github.com/nasa-jpl/ftsctl/generichttp/motion"
	"github.com/nasa-jpl/ftsctl/labjack"
	"github.com/nasa-jpl/ftsctl/server/middleware/locker"
	"github.com/nasa-jpl/ftsctl/util"
	"github.com/nasa-jpl/ftsctl/zaber"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
)

// Minmax holds a min and max value
type Minmax struct {
	Min float64 `yaml:"Min"`
	Max float64 `yaml:"Max"`
}

// StageSetup holds the connection parameters for the mirror stage
type StageSetup struct {
	// Addr holds the filesystem address of the stage, e.g. /dev/ttyUSB0 for
	// an RS232 device on a serial cable, or a network address for a stage
	// behind a terminal server
	Addr string `yaml:"Addr"`

	// Serial determines if the connection is serial/RS232 (True) or TCP (False)
	Serial bool `yaml:"Serial"`

	// Autodetect scans the serial ports for a responding stage when Addr
	// is blank
	Autodetect bool `yaml:"Autodetect"`

	// Limits are server imposed software travel limits per axis, in mm
	Limits map[string]Minmax `yaml:"Limits"`
}

// Config is a struct that holds the initialization parameters for the
// spectrometer server.  It is to be populated by a yaml/unmarshal call.
type Config struct {
	// Addr is the address to listen at
	Addr string `yaml:"Addr"`

	// Mock substitutes simulated hardware for the stage and the DAQ
	Mock bool `yaml:"Mock"`

	Stage StageSetup `yaml:"Stage"`

	Sweep fts.Config `yaml:"Sweep"`
}

// stageDevice is the union of what the HTTP layer and the sweep engine
// need from the stage
type stageDevice interface {
	motion.Controller
	fts.Stage
}

func buildStage(c Config) stageDevice {
	if c.Mock {
		return zaber.NewMockStage()
	}
	if c.Stage.Autodetect && c.Stage.Addr == "" {
		stage, err := zaber.Find()
		if err != nil {
			log.Fatal(err)
		}
		return stage
	}
	return zaber.NewStage(c.Stage.Addr, c.Stage.Serial)
}

func buildDAQ(c Config) *labjack.DAQ {
	if c.Mock {
		return labjack.NewDAQ(labjack.NewMockSource())
	}
	return labjack.NewDAQ(labjack.NewU6())
}

// buildApp assembles the instrument.  The returned lockers guard the stage
// and DAQ endpoints while a sweep session holds them.
func buildApp(c Config) (*fts.App, stageDevice, *labjack.DAQ, []*locker.Locker) {
	stage := buildStage(c)
	dq := buildDAQ(c)
	stageLock := locker.New()
	daqLock := locker.New()
	app := fts.New(c.Sweep, stage, dq, analysis.NewGraph())
	app.Lockers = []fts.Lockable{stageLock, daqLock}
	return app, stage, dq, []*locker.Locker{stageLock, daqLock}
}

// mountSub binds an HTTPer under endpoint with the given middleware and
// records its routes in the endpoint graph
func mountSub(root chi.Router, graph map[string][]string, endpoint string, h generichttp.HTTPer, mw ...func(http.Handler) http.Handler) {
	hndlS := generichttp.SubMuxSanitize(endpoint)
	graph[hndlS] = h.RT().Endpoints()
	r := chi.NewRouter()
	for _, m := range mw {
		r.Use(m)
	}
	h.RT().Bind(r)
	root.Mount(hndlS, r)
}

// BuildMux converts a config to a runnable HTTP mux
func BuildMux(c Config) chi.Router {
	root := chi.NewRouter()
	root.Use(middleware.Logger)
	supergraph := map[string][]string{}

	app, stage, dq, locks := buildApp(c)
	stageLock, daqLock := locks[0], locks[1]

	limiters := map[string]util.Limiter{}
	for axis, mm := range c.Stage.Limits {
		limiters[axis] = util.Limiter{Min: mm.Min, Max: mm.Max}
	}
	limiter := motion.LimitMiddleware{Limits: limiters, Mov: stage}
	httper := motion.NewHTTPMotionController(stage)
	limiter.Inject(httper)
	if raw, ok := stage.(ascii.RawCommunicator); ok {
		ascii.InjectRawComm(httper, raw)
	}
	locker.Inject(httper, stageLock)
	mountSub(root, supergraph, "stage", httper, limiter.Check, stageLock.Check)

	daqHTTP := daq.NewHTTPDAQ(dq)
	locker.Inject(daqHTTP, daqLock)
	mountSub(root, supergraph, "daq", daqHTTP, daqLock.Check)

	mountSub(root, supergraph, "sweep", fts.NewHTTPApp(app))
	mountSub(root, supergraph, "data", analysis.NewHTTPGraph(app.Graph()))

	root.Get("/endpoints", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		err := json.NewEncoder(w).Encode(supergraph)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})
	return root
}
