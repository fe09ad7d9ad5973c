package main

import (
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/theckman/yacspin"

	"github.com/nasa-jpl/ftsctl/fts"

	yml "gopkg.in/yaml.v2"
)

var (
	// Version is the version number.  Typically injected via ldflags with git build
	Version = "1"

	// ConfigFileName is what it sounds like
	ConfigFileName = "ftsctl.yml"
	k              = koanf.New(".")
)

func setupconfig() {
	k.Load(structs.Provider(Config{
		Addr: ":8000",
		Stage: StageSetup{
			Addr:   "/dev/ttyUSB0",
			Serial: true,
			Limits: map[string]Minmax{"1": {Min: 0, Max: 150}}},
		Sweep: fts.DefaultConfig()}, "koanf"), nil)
	if err := k.Load(file.Provider(ConfigFileName), yaml.Parser()); err != nil {
		errtxt := err.Error()
		if !strings.Contains(errtxt, "no such") { // file missing, who cares
			log.Fatalf("error loading config: %v", err)
		}
	}
}

func root() {
	str := `ftsctl drives a Fourier transform spectrometer and exposes an HTTP
interface to it.  This enables a server-client architecture, and the clients
can leverage the excellent HTTP libraries for any programming language.

Usage:
	ftsctl <command>

Commands:
	run
	sweep
	help
	mkconf
	conf
	version`
	fmt.Println(str)
}

func help() {
	str := `ftsctl is amenable to configuration via its .yaml file.  For a primer on
YAML, see https://yaml.org/start.html

The instrument is a Zaber linear stage carrying the moving mirror and a
LabJack U6 streaming the bolometer voltage against the stage encoder.

Without a configuration, the server uses the bench defaults: a serial stage
at /dev/ttyUSB0 on axis "1", 50 mm sweeps at 2 mm/s, and one sweep per run.

Config sections:
- Addr: address the server listens at, e.g. :8000
- Mock: true substitutes simulated hardware, useful for dry runs
- Stage: Addr/Serial for the connection, Autodetect to scan serial ports
  when Addr is blank, Limits for per-axis software travel limits in mm
- Sweep: the sweep parameters, see "ftsctl mkconf" for the field names

Endpoints are served under /stage, /daq, /sweep and /data; GET /endpoints
lists every route.  The stage and DAQ routes are locked out while a sweep
session is in progress.

"ftsctl sweep" runs a single session from the terminal without the server.`
	fmt.Println(str)
}

func mkconf() {
	c := Config{}
	err := k.Unmarshal("", &c)
	if err != nil {
		log.Fatal(err)
	}
	f, err := os.Create(ConfigFileName)
	if err != nil {
		log.Fatal(err)
	}
	defer f.Close()
	err = yml.NewEncoder(f).Encode(c)
	if err != nil {
		log.Fatal(err)
	}
}

func printconf() {
	c := Config{}
	k.Unmarshal("", &c)
	err := yml.NewEncoder(os.Stdout).Encode(c)
	if err != nil {
		log.Fatal(err)
	}
}

func pversion() {
	fmt.Printf("ftsctl version %v\n", Version)
}

func run() {
	c := Config{}
	err := k.Unmarshal("", &c)
	if err != nil {
		log.Fatal(err)
	}
	mux := BuildMux(c)
	log.Println("now listening for requests at ", c.Addr)
	log.Fatal(http.ListenAndServe(c.Addr, mux))
}

func sweep() {
	c := Config{}
	err := k.Unmarshal("", &c)
	if err != nil {
		log.Fatal(err)
	}
	app, _, dq, _ := buildApp(c)
	defer dq.Close()

	spinner, err := yacspin.New(yacspin.Config{
		Frequency:         100 * time.Millisecond,
		CharSet:           yacspin.CharSets[59],
		Suffix:            " sweep",
		SuffixAutoColon:   true,
		StopCharacter:     "✓",
		StopColors:        []string{"fgGreen"},
		StopFailCharacter: "✗",
		StopFailColors:    []string{"fgRed"}})
	if err != nil {
		log.Fatal(err)
	}
	err = app.Start()
	if err != nil {
		log.Fatal(err)
	}
	spinner.Start()

	// Ctrl-C finishes the step in progress, then unwinds the session
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt)
	go func() {
		<-sigs
		app.Stop()
	}()

	done := make(chan struct{})
	go func() {
		app.Wait()
		close(done)
	}()
	tick := time.NewTicker(250 * time.Millisecond)
	defer tick.Stop()
poll:
	for {
		select {
		case <-done:
			break poll
		case <-tick.C:
			st := app.Status()
			spinner.Message(fmt.Sprintf("%s, sweep %d of %d", st.State, st.Sweep+1, st.Repeats))
		}
	}
	if err := app.Err(); err != nil {
		spinner.StopFailMessage(err.Error())
		spinner.StopFail()
		os.Exit(1)
	}
	spinner.StopMessage("run complete, data in " + app.Status().RunDir)
	spinner.Stop()
}

func main() {
	var cmd string
	args := os.Args
	if len(args) == 1 {
		root()
		return
	}
	setupconfig()
	cmd = args[1]
	cmd = strings.ToLower(cmd)
	switch cmd {
	case "help":
		help()
		return
	case "mkconf":
		mkconf()
		return
	case "conf":
		printconf()
		return
	case "run":
		run()
		return
	case "sweep":
		sweep()
		return
	case "version":
		pversion()
		return
	default:
		log.Fatal("unknown command")
	}
}
