package labjack

import (
	"encoding/binary"
	"testing"
	"time"
)

func TestChecksum8Folds(t *testing.T) {
	// all 0xFF forces both folds to run
	b := []byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF}
	got := checksum8(b)
	var acc uint16
	for _, v := range b {
		acc += uint16(v)
	}
	acc = (acc & 0xFF) + (acc >> 8)
	acc = (acc & 0xFF) + (acc >> 8)
	if got != byte(acc) {
		t.Errorf("expected %d, got %d", byte(acc), got)
	}
}

func makeStreamPacket(counter, errCode byte, samples []uint16) []byte {
	buf := make([]byte, streamPacketSize)
	buf[1] = 0xF9
	buf[2] = 4 + SamplesPerPacket
	buf[3] = 0xC0
	buf[10] = counter
	buf[11] = errCode
	for i, s := range samples {
		binary.BigEndian.PutUint16(buf[12+2*i:14+2*i], s)
	}
	cs := checksum16(buf[6 : streamPacketSize-2])
	binary.LittleEndian.PutUint16(buf[4:6], cs)
	buf[0] = checksum8(buf[1:6])
	return buf
}

func TestParseStreamPacketRoundTrip(t *testing.T) {
	samples := make([]uint16, SamplesPerPacket)
	for i := range samples {
		samples[i] = uint16(i * 100)
	}
	buf := makeStreamPacket(7, 0, samples)
	p, err := parseStreamPacket(buf)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if p.PacketCounter != 7 {
		t.Errorf("expected counter 7, got %d", p.PacketCounter)
	}
	if p.ErrorCode != 0 {
		t.Errorf("expected error code 0, got %d", p.ErrorCode)
	}
	for i := range samples {
		if p.Samples[i] != samples[i] {
			t.Errorf("sample %d: expected %d, got %d", i, samples[i], p.Samples[i])
		}
	}
}

func TestParseStreamPacketBadChecksum(t *testing.T) {
	buf := makeStreamPacket(0, 0, make([]uint16, SamplesPerPacket))
	buf[20] ^= 0xFF
	_, err := parseStreamPacket(buf)
	if err != ErrBadChecksum {
		t.Fatalf("expected ErrBadChecksum, got %v", err)
	}
}

func TestParseStreamPacketShort(t *testing.T) {
	_, err := parseStreamPacket(make([]byte, 10))
	if err == nil {
		t.Fatal("expected error on short packet")
	}
}

func TestIngestClampsEncoderWrap(t *testing.T) {
	d := NewDAQ(NewMockSource())
	d.lastRead = time.Now()
	d.BeginWindow()
	// two scans, the first with a wrapped (negative) encoder reading
	d.ingest([]uint16{30000, 18000, 30000, 1200}, time.Now())
	samples, err := d.EndWindow()
	if err != nil {
		t.Fatalf("window failed: %v", err)
	}
	if len(samples) != 2 {
		t.Fatalf("expected 2 scans, got %d", len(samples))
	}
	if samples[0].Pos != 0 {
		t.Errorf("expected wrapped count clamped to 0, got %f", samples[0].Pos)
	}
	if samples[1].Pos != 1200 {
		t.Errorf("expected count 1200, got %f", samples[1].Pos)
	}
}

func TestIngestCarriesPartialScan(t *testing.T) {
	d := NewDAQ(NewMockSource())
	d.lastRead = time.Now()
	d.BeginWindow()
	// 3 raw values over 2 channels leaves one pending
	d.ingest([]uint16{100, 200, 300}, time.Now())
	d.ingest([]uint16{400}, time.Now())
	samples, err := d.EndWindow()
	if err != nil {
		t.Fatalf("window failed: %v", err)
	}
	if len(samples) != 2 {
		t.Fatalf("expected 2 scans from 4 raw values, got %d", len(samples))
	}
	if samples[1].Pos != 400 {
		t.Errorf("expected second scan position 400, got %f", samples[1].Pos)
	}
}

func TestIngestInterpolatesTimestamps(t *testing.T) {
	d := NewDAQ(NewMockSource())
	t0 := time.Now()
	d.lastRead = t0
	d.BeginWindow()
	arrival := t0.Add(10 * time.Millisecond)
	d.ingest([]uint16{0, 0, 0, 0}, arrival)
	samples, err := d.EndWindow()
	if err != nil {
		t.Fatalf("window failed: %v", err)
	}
	if !samples[0].Time.Equal(t0.Add(5 * time.Millisecond)) {
		t.Errorf("expected first scan at t0+5ms, got %v", samples[0].Time.Sub(t0))
	}
	if !samples[1].Time.Equal(arrival) {
		t.Errorf("expected last scan at arrival, got %v", samples[1].Time.Sub(t0))
	}
}

func TestEmptyWindowIsUnavailable(t *testing.T) {
	d := NewDAQ(NewMockSource())
	d.BeginWindow()
	_, err := d.EndWindow()
	if err != ErrAcquisitionUnavailable {
		t.Fatalf("expected ErrAcquisitionUnavailable, got %v", err)
	}
}

func TestStreamErrorBudgetKillsStream(t *testing.T) {
	src := NewMockSource()
	src.FailAfter = 1
	d := NewDAQ(src)
	d.Tolerance = 3
	if err := d.Connect(); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	defer d.Close()
	if err := d.StartStream(); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for d.Streaming() {
		if time.Now().After(deadline) {
			t.Fatal("stream did not die within deadline")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if d.Err() != ErrAcquisitionUnavailable {
		t.Fatalf("expected ErrAcquisitionUnavailable, got %v", d.Err())
	}
}

func TestMockStreamProducesInterferogram(t *testing.T) {
	d := NewDAQ(NewMockSource())
	if err := d.Connect(); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	defer d.Close()
	if err := d.StartStream(); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	d.BeginWindow()
	time.Sleep(100 * time.Millisecond)
	samples, err := d.EndWindow()
	d.StopStream()
	if err != nil {
		t.Fatalf("window failed: %v", err)
	}
	if len(samples) == 0 {
		t.Fatal("expected samples from the mock stream")
	}
	for _, s := range samples {
		if s.Volt < 0 || s.Volt > 4 {
			t.Errorf("detector voltage out of range: %f", s.Volt)
		}
		if s.Pos < 0 || s.Pos > 16000 {
			t.Errorf("encoder position out of range: %f", s.Pos)
		}
	}
}

func TestMockInterleaveContinuousAcrossPackets(t *testing.T) {
	m := NewMockSource()
	m.Connect()
	if err := m.Configure(8000, []int{BolometerChannel, EncoderChannel}); err != nil {
		t.Fatalf("configure failed: %v", err)
	}
	m.Start()
	defer m.Stop()
	// SamplesPerPacket is odd, so every packet boundary lands mid-scan;
	// the interleave must not restart there
	var all []uint16
	for i := 0; i < 3; i++ {
		p, err := m.ReadPacket()
		if err != nil {
			t.Fatalf("ReadPacket failed: %v", err)
		}
		all = append(all, p.Samples...)
	}
	for s, dn := range all {
		if s%2 == 0 {
			// detector data numbers sit far above the encoder ramp peak
			if int(dn) <= DefaultEncoderWrap {
				t.Errorf("sample %d: detector DN %d inside encoder range", s, dn)
			}
		} else if dn > 16000 {
			t.Errorf("sample %d: encoder count %d above ramp peak", s, dn)
		}
	}
}

func TestInstallCalDecodesFixedPoint(t *testing.T) {
	u := NewU6()
	block := make([]byte, 40)
	// slope 0.25 and offset -10.5 as signed 32.32 fixed point
	binary.LittleEndian.PutUint64(block[8:16], uint64(int64(0.25*(1<<32))))
	binary.LittleEndian.PutUint64(block[16:24], uint64(int64(-10.5*(1<<32))))
	u.installCal(block)
	if u.Slope != 0.25 {
		t.Errorf("expected slope 0.25, got %g", u.Slope)
	}
	if u.Offset != -10.5 {
		t.Errorf("expected offset -10.5, got %g", u.Offset)
	}
}

func TestInstallCalKeepsNominalOnBlankBlock(t *testing.T) {
	u := NewU6()
	u.installCal(make([]byte, 40))
	if u.Slope != nominalSlope || u.Offset != nominalOffset {
		t.Errorf("blank block disturbed the nominal calibration: %g %g", u.Slope, u.Offset)
	}
}
