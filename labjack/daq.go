package labjack

import (
	"errors"
	"sync"
	"time"

	"github.com/brandondube/ringo"
)

const (
	// DefaultScanRate is scans per second for interferogram capture
	DefaultScanRate = 1000

	// DefaultTolerance is the error and missed-packet budget for one
	// stream before acquisition is declared unavailable
	DefaultTolerance = 50

	// DefaultEncoderWrap is the count above which the quadrature reading
	// is treated as a small negative excursion and clamped to zero
	DefaultEncoderWrap = 17000

	// BolometerChannel is the analog input wired to the detector
	BolometerChannel = 0

	// EncoderChannel reads the low word of Timer0, the quadrature count
	EncoderChannel = 200

	// ringCapacity is the depth of the recent-sample ring buffers
	ringCapacity = 4096
)

// ErrAcquisitionUnavailable is generated when the stream exceeds its error
// budget or a sample window closes empty
var ErrAcquisitionUnavailable = errors.New("labjack: acquisition unavailable")

// Sample is one scan of the DAQ, a timestamped position/voltage pair
type Sample struct {
	// Time the scan was taken, interpolated within the packet
	Time time.Time

	// Pos is the encoder count at the scan
	Pos float64

	// Volt is the detector voltage at the scan
	Volt float64
}

// StreamSource is the hardware half of a DAQ, satisfied by U6 and by
// MockSource
type StreamSource interface {
	// Connect opens the device
	Connect() error

	// Close releases the device
	Close() error

	// Configure prepares the scan list and rate
	Configure(scanRate float64, channels []int) error

	// Start begins streaming
	Start() error

	// Stop ends streaming
	Stop() error

	// ReadPacket blocks for the next stream response
	ReadPacket() (StreamPacket, error)

	// Convert translates a raw data number to volts
	Convert(dn uint16) float64

	// ReadVoltage does a one-shot read outside of streaming
	ReadVoltage(channel int) (float64, error)
}

// Configure prepares the U6 for interferogram capture, two timers in
// quadrature mode and the given scan list
func (u *U6) Configure(scanRate float64, channels []int) error {
	if err := u.ConfigIO(); err != nil {
		return err
	}
	if err := u.ConfigTimersQuadrature(); err != nil {
		return err
	}
	return u.StreamConfig(scanRate, channels)
}

// Start begins streaming on the U6
func (u *U6) Start() error {
	return u.StreamStart()
}

// Stop ends streaming on the U6
func (u *U6) Stop() error {
	return u.StreamStop()
}

// DAQ owns the stream from a source and fans samples into ring buffers and
// an optional capture window.  One stream runs at a time.
type DAQ struct {
	// ScanRate is scans per second
	ScanRate float64

	// Tolerance is the error/missed packet budget per stream
	Tolerance int

	// EncoderWrap clamps counts above this value to zero
	EncoderWrap float64

	src      StreamSource
	channels []int

	mu        sync.Mutex
	times     ringo.CircleTime
	pos       ringo.CircleF64
	volt      ringo.CircleF64
	window    []Sample
	windowing bool
	streaming bool
	streamErr error
	errCount  int
	missed    int
	lastCount int
	lastRead  time.Time
	pending   []uint16

	stop chan struct{}
	done chan struct{}
}

// NewDAQ returns a DAQ with the default scan configuration over src
func NewDAQ(src StreamSource) *DAQ {
	d := &DAQ{
		ScanRate:    DefaultScanRate,
		Tolerance:   DefaultTolerance,
		EncoderWrap: DefaultEncoderWrap,
		src:         src,
		channels:    []int{BolometerChannel, EncoderChannel}}
	d.times.Init(ringCapacity)
	d.pos.Init(ringCapacity)
	d.volt.Init(ringCapacity)
	return d
}

// Connect opens the underlying device
func (d *DAQ) Connect() error {
	return d.src.Connect()
}

// Close stops any stream and releases the device
func (d *DAQ) Close() error {
	d.StopStream()
	return d.src.Close()
}

// Streaming returns true while a stream is running
func (d *DAQ) Streaming() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.streaming
}

// Err returns the terminal stream error, if the last stream died
func (d *DAQ) Err() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.streamErr
}

// StartStream configures the device and begins pumping packets.  It is an
// error to start a stream while one is running.
func (d *DAQ) StartStream() error {
	d.mu.Lock()
	if d.streaming {
		d.mu.Unlock()
		return errors.New("labjack: stream already running")
	}
	d.mu.Unlock()
	err := d.src.Configure(d.ScanRate, d.channels)
	if err != nil {
		return err
	}
	err = d.src.Start()
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.streaming = true
	d.streamErr = nil
	d.errCount = 0
	d.missed = 0
	d.lastCount = -1
	d.lastRead = time.Now()
	d.pending = nil
	d.stop = make(chan struct{})
	d.done = make(chan struct{})
	d.mu.Unlock()
	go d.run()
	return nil
}

// StopStream ends the stream and waits for the pump to exit.  Safe to call
// when no stream is running.
func (d *DAQ) StopStream() {
	d.mu.Lock()
	if !d.streaming {
		d.mu.Unlock()
		return
	}
	stop := d.stop
	done := d.done
	d.mu.Unlock()
	close(stop)
	<-done
	d.src.Stop()
}

// run is the stream pump.  It exits when stopped or when the error budget
// is exhausted.
func (d *DAQ) run() {
	defer close(d.done)
	for {
		select {
		case <-d.stop:
			d.mu.Lock()
			d.streaming = false
			d.mu.Unlock()
			return
		default:
		}
		p, err := d.src.ReadPacket()
		arrival := time.Now()
		if err != nil {
			if d.noteTrouble(1, 0) {
				return
			}
			continue
		}
		errs, missed := 0, 0
		if p.ErrorCode != 0 {
			errs++
		}
		d.mu.Lock()
		if d.lastCount >= 0 {
			gap := int(p.PacketCounter) - d.lastCount
			if gap < 0 {
				gap += 256
			}
			if gap > 1 {
				missed = gap - 1
			}
		}
		d.lastCount = int(p.PacketCounter)
		d.mu.Unlock()
		if d.noteTrouble(errs, missed) {
			return
		}
		if p.ErrorCode != 0 {
			continue
		}
		d.ingest(p.Samples, arrival)
	}
}

// noteTrouble accumulates stream errors and returns true when the budget
// is exhausted and the stream has been torn down
func (d *DAQ) noteTrouble(errs, missed int) bool {
	d.mu.Lock()
	d.errCount += errs
	d.missed += missed
	over := d.errCount+d.missed > d.Tolerance
	if over {
		d.streamErr = ErrAcquisitionUnavailable
		d.streaming = false
	}
	d.mu.Unlock()
	if over {
		d.src.Stop()
	}
	return over
}

// ingest converts raw interleaved samples to scans and appends them to the
// rings and any open window.  Scan timestamps are interpolated between the
// previous and current packet arrival times.
func (d *DAQ) ingest(samples []uint16, arrival time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	raw := append(d.pending, samples...)
	nchan := len(d.channels)
	nscans := len(raw) / nchan
	d.pending = raw[nscans*nchan:]
	prev := d.lastRead
	span := arrival.Sub(prev)
	for i := 0; i < nscans; i++ {
		volt := d.src.Convert(raw[i*nchan])
		pos := float64(raw[i*nchan+1])
		if pos > d.EncoderWrap {
			pos = 0
		}
		t := prev.Add(span * time.Duration(i+1) / time.Duration(nscans))
		d.times.Append(t)
		d.pos.Append(pos)
		d.volt.Append(volt)
		if d.windowing {
			d.window = append(d.window, Sample{Time: t, Pos: pos, Volt: volt})
		}
	}
	d.lastRead = arrival
}

// BeginWindow opens a capture window, samples arriving after this call are
// retained until EndWindow
func (d *DAQ) BeginWindow() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.window = nil
	d.windowing = true
}

// EndWindow closes the capture window and returns its samples.  An empty
// window or a dead stream returns ErrAcquisitionUnavailable.
func (d *DAQ) EndWindow() ([]Sample, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.windowing = false
	out := d.window
	d.window = nil
	if d.streamErr != nil {
		return nil, d.streamErr
	}
	if len(out) == 0 {
		return nil, ErrAcquisitionUnavailable
	}
	return out, nil
}

// Recent returns the contents of the ring buffers, least to most recent
func (d *DAQ) Recent() ([]time.Time, []float64, []float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.times.Contiguous(), d.pos.Contiguous(), d.volt.Contiguous()
}

// ReadVoltage does a one-shot read of an analog input
func (d *DAQ) ReadVoltage(channel int) (float64, error) {
	return d.src.ReadVoltage(channel)
}

// SetScanRate sets the scan rate for the next stream
func (d *DAQ) SetScanRate(rate float64) error {
	if rate <= 0 {
		return errors.New("labjack: scan rate must be positive")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.streaming {
		return errors.New("labjack: cannot change scan rate while streaming")
	}
	d.ScanRate = rate
	return nil
}

// GetScanRate returns the scan rate
func (d *DAQ) GetScanRate() (float64, error) {
	return d.ScanRate, nil
}
