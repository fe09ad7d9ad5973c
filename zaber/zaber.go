// Package zaber provides a Go interface to Zaber ASCII motion stages
package zaber

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/tarm/serial"
	"golang.org/x/time/rate"

	"github.com/nasa-jpl/ftsctl/comm"
)

// The Zaber ASCII protocol is a request/reply telegram scheme over RS-232
// or USB-serial.  A request looks like
//
//  /1 1 move abs 100000\n
//
// device address 1, axis 1, move absolute to 100,000 microsteps.  The reply
// looks like
//
//  @01 1 OK IDLE -- 0\n
//
// '@' marks a reply, then the zero padded device address, the axis, the
// accept/reject flag (OK or RJ), the motion status (BUSY or IDLE), a warning
// flag ('--' when clear) and the response data.  Devices may also emit info
// ('#') and alert ('!') messages; they are not solicited by anything done
// here and are discarded when encountered.
//
// Positions on the wire are integer microsteps and speeds are microsteps per
// second times 1.6384.  The exported interface works in millimeters and
// mm/s, converted with StepsPerMM.

const (
	// Terminator is the telegram terminator on both sides of the wire
	Terminator = '\n'

	// DefaultStepsPerMM is the microstep resolution of Zaber X-series
	// devices with the factory default 64x microstepping (0.09921875 um
	// per microstep)
	DefaultStepsPerMM = 10078.740157480315

	// maxspeed register values are microsteps/s scaled by this factor
	speedScale = 1.6384

	// replies arrive within a telegram time on a quiet bus, polls for
	// motion completion are spaced much wider than that
	settlePollHz = 20
)

// ErrBusy is generated when a command is rejected because the axis is
// executing a previous motion
type ErrBusy struct {
	cmd string
}

func (e ErrBusy) Error() string {
	return fmt.Sprintf("zaber: %s rejected, axis busy", e.cmd)
}

// ErrFault is generated when a reply carries a fault-class warning flag,
// e.g. FD (driver disabled) or FS (stalled)
type ErrFault struct {
	cmd  string
	flag string
}

func (e ErrFault) Error() string {
	return fmt.Sprintf("zaber: device fault %s executing %s", e.flag, e.cmd)
}

// ErrRejected is generated when the device rejects a command for any reason
// other than being busy
type ErrRejected struct {
	cmd  string
	data string
}

func (e ErrRejected) Error() string {
	return fmt.Sprintf("zaber: %s rejected with %s", e.cmd, e.data)
}

// reply is a decoded response telegram
type reply struct {
	device  int
	axis    int
	ok      bool
	busy    bool
	warning string
	data    string
}

// parseReply decodes a reply telegram, stripping the message checksum if the
// device has them enabled
func parseReply(raw string) (reply, error) {
	var r reply
	raw = strings.TrimSpace(raw)
	if len(raw) < 2 || raw[0] != '@' {
		return r, fmt.Errorf("zaber: malformed reply %q", raw)
	}
	if idx := strings.LastIndex(raw, ":"); idx != -1 {
		raw = raw[:idx]
	}
	fields := strings.Fields(raw[1:])
	if len(fields) < 5 {
		return r, fmt.Errorf("zaber: truncated reply %q", raw)
	}
	var err error
	r.device, err = strconv.Atoi(fields[0])
	if err != nil {
		return r, fmt.Errorf("zaber: bad device address in %q", raw)
	}
	r.axis, err = strconv.Atoi(fields[1])
	if err != nil {
		return r, fmt.Errorf("zaber: bad axis in %q", raw)
	}
	r.ok = fields[2] == "OK"
	r.busy = fields[3] == "BUSY"
	r.warning = fields[4]
	if len(fields) > 5 {
		r.data = strings.Join(fields[5:], " ")
	}
	return r, nil
}

// makeSerConf makes a new serial.Config with correct parity, baud, etc, set.
func makeSerConf(addr string) *serial.Config {
	return &serial.Config{
		Name:        addr,
		Baud:        115200,
		Size:        8,
		Parity:      serial.ParityNone,
		StopBits:    serial.Stop1,
		ReadTimeout: 3 * time.Second}
}

// Stage represents a Zaber device on a serial bus
type Stage struct {
	*comm.RemoteDevice

	// Device is the address of the device on the bus, almost always 1
	Device int

	// StepsPerMM converts between wire microsteps and millimeters
	StepsPerMM float64
}

// NewStage returns a new Stage instance, addr may be a serial port name
// or a host:port for devices behind a terminal server
func NewStage(addr string, connectSerial bool) *Stage {
	terms := comm.Terminators{Rx: Terminator, Tx: Terminator}
	rd := comm.NewRemoteDevice(addr, connectSerial, &terms, makeSerConf(addr))
	return &Stage{
		RemoteDevice: &rd,
		Device:       1,
		StepsPerMM:   DefaultStepsPerMM}
}

// writeRead sends one telegram for an axis and decodes the reply, skipping
// any unsolicited info or alert messages on the bus
func (s *Stage) writeRead(axis string, cmd string) (reply, error) {
	msg := fmt.Sprintf("/%d %s %s", s.Device, axis, cmd)
	err := s.Open()
	if err != nil {
		return reply{}, err
	}
	s.Lock()
	defer func() {
		s.Unlock()
		s.CloseEventually()
	}()
	err = s.Send([]byte(msg))
	if err != nil {
		return reply{}, err
	}
	for {
		raw, err := s.Recv()
		if err != nil {
			return reply{}, err
		}
		if len(raw) == 0 || raw[0] == '#' || raw[0] == '!' {
			continue
		}
		return parseReply(string(raw))
	}
}

// faultFlag reports whether a warning flag is fault class.  W and N class
// flags (e.g. WR, awaiting reference) are informational and do not stop
// command flow.
func faultFlag(flag string) bool {
	return strings.HasPrefix(flag, "F")
}

// command issues a telegram and maps RJ replies and fault flags to typed
// errors
func (s *Stage) command(axis string, cmd string) (reply, error) {
	r, err := s.writeRead(axis, cmd)
	if err != nil {
		return r, err
	}
	if !r.ok {
		if r.data == "AGAIN" {
			return r, ErrBusy{cmd: cmd}
		}
		return r, ErrRejected{cmd: cmd, data: r.data}
	}
	if faultFlag(r.warning) {
		return r, ErrFault{cmd: cmd, flag: r.warning}
	}
	return r, nil
}

// commandRetry issues a telegram, retrying with backoff while the device
// reports it cannot accept the command yet.  Gives up after three tries.
func (s *Stage) commandRetry(axis string, cmd string) (reply, error) {
	var r reply
	try := func() error {
		var err error
		r, err = s.command(axis, cmd)
		if err != nil {
			if _, busy := err.(ErrBusy); busy {
				return err
			}
			return backoff.Permanent(err)
		}
		return nil
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 50 * time.Millisecond
	err := backoff.Retry(try, backoff.WithMaxRetries(bo, 2))
	return r, err
}

func (s *Stage) mmToSteps(mm float64) int {
	return int(mm * s.StepsPerMM)
}

func (s *Stage) stepsToMM(steps float64) float64 {
	return steps / s.StepsPerMM
}

// MoveAbs commands the stage to move an axis to an absolute position in mm
func (s *Stage) MoveAbs(axis string, pos float64) error {
	cmd := fmt.Sprintf("move abs %d", s.mmToSteps(pos))
	_, err := s.commandRetry(axis, cmd)
	return err
}

// MoveRel commands the stage to move an axis an incremental distance in mm
func (s *Stage) MoveRel(axis string, dist float64) error {
	cmd := fmt.Sprintf("move rel %d", s.mmToSteps(dist))
	_, err := s.commandRetry(axis, cmd)
	return err
}

// Home commands the stage to home an axis
func (s *Stage) Home(axis string) error {
	_, err := s.commandRetry(axis, "home")
	return err
}

// Stop aborts any motion of an axis, decelerating at the configured limit
func (s *Stage) Stop(axis string) error {
	_, err := s.command(axis, "stop")
	return err
}

// GetPos gets the position of an axis in mm
func (s *Stage) GetPos(axis string) (float64, error) {
	r, err := s.command(axis, "get pos")
	if err != nil {
		return 0, err
	}
	steps, err := strconv.ParseFloat(r.data, 64)
	if err != nil {
		return 0, fmt.Errorf("zaber: non-numeric position %q", r.data)
	}
	return s.stepsToMM(steps), nil
}

// SetVelocity sets the speed an axis moves at in mm/s
func (s *Stage) SetVelocity(axis string, vel float64) error {
	value := int(vel * s.StepsPerMM * speedScale)
	cmd := fmt.Sprintf("set maxspeed %d", value)
	_, err := s.command(axis, cmd)
	return err
}

// GetVelocity gets the speed an axis moves at in mm/s
func (s *Stage) GetVelocity(axis string) (float64, error) {
	r, err := s.command(axis, "get maxspeed")
	if err != nil {
		return 0, err
	}
	value, err := strconv.ParseFloat(r.data, 64)
	if err != nil {
		return 0, fmt.Errorf("zaber: non-numeric maxspeed %q", r.data)
	}
	return value / speedScale / s.StepsPerMM, nil
}

// GetInPosition returns true if the axis has finished its last motion
func (s *Stage) GetInPosition(axis string) (bool, error) {
	r, err := s.command(axis, "")
	if err != nil {
		return false, err
	}
	return !r.busy, nil
}

// WaitInPosition polls the axis until it reports IDLE or ctx expires
func (s *Stage) WaitInPosition(ctx context.Context, axis string) error {
	lim := rate.NewLimiter(rate.Limit(settlePollHz), 1)
	for {
		if err := lim.Wait(ctx); err != nil {
			return err
		}
		inPos, err := s.GetInPosition(axis)
		if err != nil {
			return err
		}
		if inPos {
			return nil
		}
	}
}

// Raw implements ascii.RawCommunicator
func (s *Stage) Raw(str string) (string, error) {
	err := s.Open()
	if err != nil {
		return "", err
	}
	s.Lock()
	defer func() {
		s.Unlock()
		s.CloseEventually()
	}()
	err = s.Send([]byte(str))
	if err != nil {
		return "", err
	}
	resp, err := s.Recv()
	if err != nil {
		return "", err
	}
	return string(resp), nil
}
