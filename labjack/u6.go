// Package labjack provides a Go interface to LabJack U6 data acquisition
// devices with support for streamed analog input and quadrature encoders
package labjack

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/google/gousb"
)

// The U6 speaks a binary command/response protocol over USB bulk endpoints.
// Normal commands go out endpoint 1 and are answered on endpoint 2; stream
// data arrives unsolicited on endpoint 3 once a stream is started.  Commands
// are framed with an 8-bit checksum in byte 0 and, for extended commands
// (byte 1 = 0xF8), a 16-bit checksum of the remainder in bytes 4-5.

const (
	// VendorID is the LabJack USB vendor ID
	VendorID = 0x0CD5

	// ProductID is the U6 product ID
	ProductID = 0x0006

	// SamplesPerPacket is the number of 16-bit samples in one stream packet
	SamplesPerPacket = 25

	// streamPacketSize is the wire size of one stream response
	streamPacketSize = 14 + 2*SamplesPerPacket

	// extCmd marks an extended command in byte 1
	extCmd = 0xF8

	// base clock for the stream scan interval divider
	clockHz = 4e6

	// nominal calibration for the +/-10V range, used until the device
	// constants are read from flash
	nominalSlope  = 3.1580578e-4
	nominalOffset = -10.5869565
)

var (
	// ErrBadChecksum is generated when a response fails checksum validation
	ErrBadChecksum = errors.New("labjack: response checksum invalid")

	// ErrNotOpen is generated when an operation requires an open device
	ErrNotOpen = errors.New("labjack: device not open")
)

// checksum8 computes the folded 8-bit checksum used in byte 0 of commands
func checksum8(b []byte) byte {
	var acc uint16
	for _, v := range b {
		acc += uint16(v)
	}
	acc = (acc & 0xFF) + (acc >> 8)
	acc = (acc & 0xFF) + (acc >> 8)
	return byte(acc)
}

// checksum16 computes the 16-bit checksum over the body of extended commands
func checksum16(b []byte) uint16 {
	var acc uint16
	for _, v := range b {
		acc += uint16(v)
	}
	return acc
}

// seal writes the checksums into an extended command buffer
func seal(b []byte) {
	cs := checksum16(b[6:])
	binary.LittleEndian.PutUint16(b[4:6], cs)
	b[0] = checksum8(b[1:6])
}

// StreamPacket is one decoded stream response
type StreamPacket struct {
	// PacketCounter increments mod 256 with each packet, gaps mean
	// packets were dropped on the wire
	PacketCounter byte

	// ErrorCode is nonzero when the device had trouble, 48 indicates
	// a scan overlap (the device could not keep up)
	ErrorCode byte

	// Backlog is the fraction of the device buffer in use, in units of
	// 1/256 of the buffer
	Backlog byte

	// Samples are the raw data numbers, interleaved over the scan list
	Samples []uint16
}

// parseStreamPacket decodes and validates one stream response
func parseStreamPacket(buf []byte) (StreamPacket, error) {
	var p StreamPacket
	if len(buf) < streamPacketSize {
		return p, fmt.Errorf("labjack: short stream packet, %d bytes", len(buf))
	}
	if buf[1] != 0xF9 || buf[3] != 0xC0 {
		return p, fmt.Errorf("labjack: unexpected stream header % x", buf[:4])
	}
	want := binary.LittleEndian.Uint16(buf[4:6])
	if checksum16(buf[6:streamPacketSize-2]) != want {
		return p, ErrBadChecksum
	}
	p.PacketCounter = buf[10]
	p.ErrorCode = buf[11]
	p.Backlog = buf[streamPacketSize-2]
	p.Samples = make([]uint16, SamplesPerPacket)
	for i := 0; i < SamplesPerPacket; i++ {
		p.Samples[i] = binary.BigEndian.Uint16(buf[12+2*i : 14+2*i])
	}
	return p, nil
}

// U6 is a usable interface to a LabJack U6 over USB
type U6 struct {
	ctx  *gousb.Context
	dev  *gousb.Device
	intf *gousb.Interface
	done func()

	out    *gousb.OutEndpoint
	in     *gousb.InEndpoint
	stream *gousb.InEndpoint

	// Slope and Offset convert data numbers to volts on the +/-10V range
	Slope  float64
	Offset float64
}

// NewU6 returns a U6 with nominal calibration, not yet connected
func NewU6() *U6 {
	return &U6{Slope: nominalSlope, Offset: nominalOffset}
}

// Connect opens the first U6 on the bus and claims its endpoints
func (u *U6) Connect() error {
	if u.dev != nil {
		return nil
	}
	ctx := gousb.NewContext()
	dev, err := ctx.OpenDeviceWithVIDPID(gousb.ID(VendorID), gousb.ID(ProductID))
	if err != nil {
		ctx.Close()
		return err
	}
	if dev == nil {
		ctx.Close()
		return errors.New("labjack: no U6 found on the USB bus")
	}
	if err := dev.SetAutoDetach(true); err != nil {
		dev.Close()
		ctx.Close()
		return err
	}
	intf, done, err := dev.DefaultInterface()
	if err != nil {
		dev.Close()
		ctx.Close()
		return err
	}
	out, err := intf.OutEndpoint(1)
	if err == nil {
		u.in, err = intf.InEndpoint(2)
	}
	if err == nil {
		u.stream, err = intf.InEndpoint(3)
	}
	if err != nil {
		done()
		dev.Close()
		ctx.Close()
		return err
	}
	u.ctx = ctx
	u.dev = dev
	u.intf = intf
	u.done = done
	u.out = out
	if err := u.Calibrate(); err != nil {
		u.Close()
		return err
	}
	return nil
}

// Close releases the device
func (u *U6) Close() error {
	if u.dev == nil {
		return nil
	}
	u.done()
	err := u.dev.Close()
	u.ctx.Close()
	u.ctx = nil
	u.dev = nil
	u.intf = nil
	u.out = nil
	u.in = nil
	u.stream = nil
	return err
}

// command does one write/read transaction on the command endpoints
func (u *U6) command(req []byte, respLen int) ([]byte, error) {
	if u.dev == nil {
		return nil, ErrNotOpen
	}
	_, err := u.out.Write(req)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, respLen)
	n, err := u.in.Read(buf)
	if err != nil {
		return nil, err
	}
	buf = buf[:n]
	if len(buf) > 6 && buf[1] == extCmd {
		want := binary.LittleEndian.Uint16(buf[4:6])
		if checksum16(buf[6:]) != want {
			return nil, ErrBadChecksum
		}
	}
	return buf, nil
}

// ConfigIO enables two timers, freeing FIO0 and FIO1 for a quadrature
// encoder pair
func (u *U6) ConfigIO() error {
	req := make([]byte, 16)
	req[1] = extCmd
	req[2] = 0x05 // number of data words
	req[3] = 0x0B // ConfigIO
	req[6] = 1    // write mask: timer/counter config
	req[7] = 2    // NumberTimersEnabled
	seal(req)
	resp, err := u.command(req, 16)
	if err != nil {
		return err
	}
	if resp[6] != 0 {
		return fmt.Errorf("labjack: ConfigIO error code %d", resp[6])
	}
	return nil
}

// ConfigTimersQuadrature places both timers in quadrature input mode, the
// pair decodes an A/B encoder into a signed count
func (u *U6) ConfigTimersQuadrature() error {
	// Feedback with Timer0Config and Timer1Config, mode 8 is quadrature
	req := make([]byte, 16)
	req[1] = extCmd
	req[2] = 0x05
	req[3] = 0x00 // Feedback
	req[7] = 43   // Timer0Config
	req[8] = 8    // mode: quadrature
	req[11] = 45  // Timer1Config
	req[12] = 8
	seal(req)
	resp, err := u.command(req, 16)
	if err != nil {
		return err
	}
	if resp[6] != 0 {
		return fmt.Errorf("labjack: timer config error code %d", resp[6])
	}
	return nil
}

// StreamConfig sets up the scan list and rate.  Channels 200 and 224 read
// the low and high words of Timer0, analog channels read AINx.
func (u *U6) StreamConfig(scanRate float64, channels []int) error {
	n := len(channels)
	req := make([]byte, 14+2*n)
	req[1] = extCmd
	req[2] = byte(4 + n)
	req[3] = 0x11 // StreamConfig
	req[6] = byte(n)
	req[7] = 0 // ResolutionIndex: default
	req[8] = SamplesPerPacket
	req[10] = 0    // SettlingFactor: auto
	req[11] = 0x00 // ScanConfig: 4MHz clock, no divisor
	interval := uint16(clockHz / scanRate)
	binary.LittleEndian.PutUint16(req[12:14], interval)
	for i, c := range channels {
		req[14+2*i] = byte(c)
		req[15+2*i] = byte(c >> 8 & 0x01) // channel options carry bit 8
	}
	seal(req)
	resp, err := u.command(req, 8)
	if err != nil {
		return err
	}
	if resp[6] != 0 {
		return fmt.Errorf("labjack: StreamConfig error code %d", resp[6])
	}
	return nil
}

// StreamStart begins streaming on the configured scan list
func (u *U6) StreamStart() error {
	if u.dev == nil {
		return ErrNotOpen
	}
	req := []byte{0xA8, 0xA8}
	resp, err := u.command(req, 4)
	if err != nil {
		return err
	}
	if len(resp) > 2 && resp[2] != 0 {
		return fmt.Errorf("labjack: StreamStart error code %d", resp[2])
	}
	return nil
}

// StreamStop ends streaming
func (u *U6) StreamStop() error {
	if u.dev == nil {
		return ErrNotOpen
	}
	req := []byte{0xB0, 0xB0}
	resp, err := u.command(req, 4)
	if err != nil {
		return err
	}
	if len(resp) > 2 && resp[2] != 0 {
		return fmt.Errorf("labjack: StreamStop error code %d", resp[2])
	}
	return nil
}

// ReadPacket blocks for the next stream response
func (u *U6) ReadPacket() (StreamPacket, error) {
	if u.dev == nil {
		return StreamPacket{}, ErrNotOpen
	}
	buf := make([]byte, streamPacketSize)
	n, err := u.stream.Read(buf)
	if err != nil {
		return StreamPacket{}, err
	}
	return parseStreamPacket(buf[:n])
}

// ReadVoltage does a one-shot read of an analog input outside of streaming
func (u *U6) ReadVoltage(channel int) (float64, error) {
	// Feedback with a single AIN24 IOType
	req := make([]byte, 12)
	req[1] = extCmd
	req[2] = 0x03
	req[3] = 0x00 // Feedback
	req[7] = 2    // AIN24
	req[8] = byte(channel)
	seal(req)
	resp, err := u.command(req, 12)
	if err != nil {
		return 0, err
	}
	if resp[6] != 0 {
		return 0, fmt.Errorf("labjack: feedback error code %d", resp[6])
	}
	// 24-bit value, top 16 bits are the conversion at resolution index 0
	raw := uint32(resp[9]) | uint32(resp[10])<<8 | uint32(resp[11])<<16
	return u.Convert(uint16(raw >> 8)), nil
}

// Convert translates a raw data number to volts with the device calibration
func (u *U6) Convert(dn uint16) float64 {
	return u.Slope*float64(dn) + u.Offset
}

// Calibrate reads the analog calibration constants from flash and installs
// the +/-10V range slope and offset.  Falls back to nominal values if the
// read fails.
func (u *U6) Calibrate() error {
	// ReadCal block 0 holds the gain x1 slope and offset as fixed point 64
	req := make([]byte, 8)
	req[1] = extCmd
	req[2] = 0x01
	req[3] = 0x2D // ReadCal
	req[6] = 0    // block number
	seal(req)
	resp, err := u.command(req, 40)
	if err != nil {
		return err
	}
	u.installCal(resp)
	return nil
}

// installCal installs the gain x1 slope and offset from a ReadCal block.
// A blank or short block leaves the nominal constants in place.
func (u *U6) installCal(resp []byte) {
	if len(resp) < 24 {
		return
	}
	slope := fixedPoint64(resp[8:16])
	if slope != 0 {
		u.Slope = slope
		u.Offset = fixedPoint64(resp[16:24])
	}
}

// fixedPoint64 decodes the U6 calibration format, a signed 32.32 fixed
// point little endian value
func fixedPoint64(b []byte) float64 {
	v := int64(binary.LittleEndian.Uint64(b))
	return float64(v) / (1 << 32)
}

// PacketPeriod returns the wall time one stream packet spans for a given
// scan rate and scan list length, used to interpolate sample timestamps
func PacketPeriod(scanRate float64, nchan int) time.Duration {
	if scanRate <= 0 || nchan <= 0 {
		return 0
	}
	scansPerPacket := float64(SamplesPerPacket) / float64(nchan)
	return time.Duration(scansPerPacket / scanRate * float64(time.Second))
}
