package labjack

import (
	"math"
	"sync"
	"time"
)

// MockSource synthesizes stream packets with an interferogram on the
// detector channel and a triangle ramp on the encoder channel.  Packets
// arrive at the cadence a real device would produce for the scan rate.
type MockSource struct {
	mu       sync.Mutex
	scanRate float64
	nchan    int
	counter  byte
	sample   int
	sent     int
	open     bool
	running  bool

	// FailAfter injects a nonzero error code into every packet after
	// this many have been sent, zero disables injection
	FailAfter int

	// DropEvery skips the packet counter ahead every n packets to
	// simulate lost packets, zero disables
	DropEvery int
}

// NewMockSource returns a mock with injection disabled
func NewMockSource() *MockSource {
	return &MockSource{scanRate: DefaultScanRate, nchan: 2}
}

// Connect marks the mock open
func (m *MockSource) Connect() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.open = true
	return nil
}

// Close marks the mock closed
func (m *MockSource) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.open = false
	m.running = false
	return nil
}

// Configure records the scan list shape
func (m *MockSource) Configure(scanRate float64, channels []int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.open {
		return ErrNotOpen
	}
	m.scanRate = scanRate
	m.nchan = len(channels)
	return nil
}

// Start begins packet synthesis
func (m *MockSource) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.open {
		return ErrNotOpen
	}
	m.running = true
	m.counter = 0
	m.sample = 0
	m.sent = 0
	return nil
}

// Stop ends packet synthesis
func (m *MockSource) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.running = false
	return nil
}

// encoder is a triangle ramp, out 16000 counts and back
func (m *MockSource) encoder(scan int) uint16 {
	period := 32000
	phase := scan % period
	if phase >= period/2 {
		phase = period - phase
	}
	return uint16(phase)
}

// detector is a cosine fringe under a gaussian envelope centered at the
// middle of the ramp, offset so the signal is unipolar like a bolometer
func (m *MockSource) detector(scan int) uint16 {
	x := float64(m.encoder(scan))
	center := 8000.0
	envelope := math.Exp(-((x - center) * (x - center)) / (2 * 1500 * 1500))
	v := 2 + envelope*math.Cos(2*math.Pi*x/80)
	dn := (v - nominalOffset) / nominalSlope
	if dn < 0 {
		dn = 0
	}
	if dn > 65535 {
		dn = 65535
	}
	return uint16(dn)
}

// ReadPacket blocks for a packet period, then returns one synthesized packet
func (m *MockSource) ReadPacket() (StreamPacket, error) {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return StreamPacket{}, ErrNotOpen
	}
	rate := m.scanRate
	nchan := m.nchan
	m.mu.Unlock()
	time.Sleep(PacketPeriod(rate, nchan))
	m.mu.Lock()
	defer m.mu.Unlock()
	// SamplesPerPacket is odd, so with a multi-channel scan list packets
	// end mid-scan.  The global sample index keeps the channel interleave
	// continuous across the boundary, as the device does.
	p := StreamPacket{PacketCounter: m.counter, Samples: make([]uint16, SamplesPerPacket)}
	for i := 0; i < SamplesPerPacket; i++ {
		s := m.sample + i
		scan := s / nchan
		if s%nchan == 0 {
			p.Samples[i] = m.detector(scan)
		} else {
			p.Samples[i] = m.encoder(scan)
		}
	}
	m.sample += SamplesPerPacket
	m.sent++
	m.counter++
	if m.DropEvery > 0 && m.sent%m.DropEvery == 0 {
		m.counter += 3
	}
	if m.FailAfter > 0 && m.sent > m.FailAfter {
		p.ErrorCode = 48
	}
	return p, nil
}

// Convert uses the nominal calibration
func (m *MockSource) Convert(dn uint16) float64 {
	return nominalSlope*float64(dn) + nominalOffset
}

// ReadVoltage returns the detector value for the current scan
func (m *MockSource) ReadVoltage(channel int) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.open {
		return 0, ErrNotOpen
	}
	return m.Convert(m.detector(m.sample / m.nchan)), nil
}
