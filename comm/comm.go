/*Package comm provides interfaces and embeddable types for communication with lab hardware.

Most usages of this package will boil down to:
	1.  embed RemoteDevice in a type that represents your hardware.
	2.  pass the right Terminators for the device's protocol, or nil
		for the default of carriage returns on both sides
	3.  write any methods you see fit based on this low-level
		communication implementation.

A minimal example is provided below for a temperature sensor that responds to
"RD?" with the current temperature, assuming the default termination values are
OK

	import "strconv"

	type MySensor struct {
		comm.RemoteDevice
	}

	func (ms *MySensor) ReadTemp() (float64, error) {
		cmd := []byte("RD?")
		resp, err := ms.OpenSendRecvClose(cmd)
		if err != nil {
			return 0, err
		}
		return strconv.ParseFloat(string(resp), 64)
	}
*/
package comm

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/tarm/serial"
)

var (
	// ErrNoSerialConf is generated when IsSerial is true but no serial config was given
	ErrNoSerialConf = errors.New("device is serial but has no serial config")

	// ErrNotConnected is generated when .Conn is nil and Send or Recv is called.
	ErrNotConnected = errors.New("conn is nil, not connected to remote")

	// ErrTerminatorNotFound is generated when the termination byte is not found in a response
	ErrTerminatorNotFound = errors.New("termination byte not found")
)

// Terminators hold the byte sequences that terminate transmissions
// in each direction
type Terminators struct {
	// Rx is the termination byte for data received from the device
	Rx byte

	// Tx is the termination byte for data sent to the device
	Tx byte
}

// Sender has a Send method that passes along a byte slice
type Sender interface {
	Send([]byte) error
}

// Recver has a Recv method that gets a byte slice
type Recver interface {
	Recv() ([]byte, error)
}

// SendRecver can send and recieve, and provides a method that sends then recieves
type SendRecver interface {
	Sender
	Recver

	SendRecv([]byte) ([]byte, error)
}

// Opener can open ("establish a connection" but in io language)
type Opener interface {
	Open() error
}

// A Communicator can Open, Send, Recv and Close
type Communicator interface {
	io.Closer
	Opener
	SendRecver
}

/*RemoteDevice has an address and implements Communicator

The device holds one connection open at most.  Open is idempotent; it does
nothing when the device is already connected.  CloseEventually schedules a
close after a grace period of disuse, which avoids connection thrashing for
devices that dislike it while still releasing the port when the caller is
done.  The embedded mutex serializes request/response pairs when the device
is shared between goroutines.
*/
type RemoteDevice struct {
	sync.Mutex

	// Addr is the network address (host:port) or filesystem path of the port
	Addr string

	// IsSerial indicates an RS232 device, as opposed to TCP
	IsSerial bool

	// Conn is the underlying connection, nil when disconnected
	Conn io.ReadWriteCloser

	// Timeout is the connect/read/write deadline for TCP devices
	Timeout time.Duration

	terms   Terminators
	serConf *serial.Config

	gracePeriod time.Duration
	lastUse     time.Time
	closeTimer  *time.Timer
}

// NewRemoteDevice creates a new RemoteDevice instance.  terms may be nil,
// in which case carriage returns are used in both directions.  serConf may
// be nil for TCP devices.
func NewRemoteDevice(addr string, isSerial bool, terms *Terminators, serConf *serial.Config) RemoteDevice {
	if terms == nil {
		terms = &Terminators{Rx: '\r', Tx: '\r'}
	}
	return RemoteDevice{
		Addr:        addr,
		IsSerial:    isSerial,
		Timeout:     3 * time.Second,
		terms:       *terms,
		serConf:     serConf,
		gracePeriod: 30 * time.Second}
}

// Open the connection, setting the Conn variable.  No-op when already open.
func (rd *RemoteDevice) Open() error {
	if rd.Conn != nil {
		return nil
	}
	// we use an exponential backoff; some of these devices
	// do not like being connection thrashed
	wasTimeout := false
	op := func() error {
		err := rd.open()
		if err != nil {
			errS := strings.ToLower(err.Error())
			if strings.Contains(errS, "refused") {
				return err
			}
			wasTimeout = true
			return nil
		}
		return nil
	}

	// backoff will cease on a timeout so we don't wait
	// forever, so we need to check for err != nil && !wasTimeout
	err := backoff.Retry(op, &backoff.ExponentialBackOff{
		InitialInterval:     25 * time.Millisecond,
		RandomizationFactor: 0.,
		Multiplier:          2.,
		MaxInterval:         1 * time.Second,
		MaxElapsedTime:      3 * time.Second,
		Clock:               backoff.SystemClock})
	if err == nil && !wasTimeout {
		return nil
	}
	if wasTimeout {
		return fmt.Errorf("connection timeout to %s", rd.Addr)
	}
	return err
}

func (rd *RemoteDevice) open() error {
	var (
		conn io.ReadWriteCloser
		err  error
	)
	if rd.IsSerial {
		if rd.serConf == nil {
			return ErrNoSerialConf
		}
		conn, err = serial.OpenPort(rd.serConf)
	} else {
		conn, err = TCPSetup(rd.Addr, rd.Timeout)
	}
	if err != nil {
		return err
	}
	rd.Conn = conn
	return nil
}

// Close the connection, nil-ing the Conn variable
func (rd *RemoteDevice) Close() error {
	if rd.Conn == nil {
		return nil
	}
	err := rd.Conn.Close()
	if err == nil {
		rd.Conn = nil
	}
	return err
}

// CloseEventually schedules the connection to close after the grace period
// elapses without further use of the device
func (rd *RemoteDevice) CloseEventually() {
	rd.lastUse = time.Now()
	if rd.closeTimer != nil {
		rd.closeTimer.Stop()
	}
	rd.closeTimer = time.AfterFunc(rd.gracePeriod, func() {
		rd.Lock()
		defer rd.Unlock()
		if time.Since(rd.lastUse) >= rd.gracePeriod {
			rd.Close()
		}
	})
}

// Send writes data to the remote with the Tx terminator appended
func (rd *RemoteDevice) Send(b []byte) error {
	if rd.Conn == nil {
		return ErrNotConnected
	}
	b = append(b, rd.terms.Tx)
	_, err := rd.Conn.Write(b)
	return err
}

// Recv recieves data from the remote and strips the Rx terminator
func (rd *RemoteDevice) Recv() ([]byte, error) {
	if rd.Conn == nil {
		return nil, ErrNotConnected
	}
	term := rd.terms.Rx
	buf, err := bufio.NewReader(rd.Conn).ReadBytes(term)
	if err != nil {
		return []byte{}, err
	}
	if bytes.HasSuffix(buf, []byte{term}) {
		idx := bytes.IndexByte(buf, term)
		return buf[:idx], nil
	}
	return buf, ErrTerminatorNotFound
}

// SendRecv sends a buffer after appending the Tx terminator,
// then returns the response with the Rx terminator stripped
func (rd *RemoteDevice) SendRecv(b []byte) ([]byte, error) {
	err := rd.Send(b)
	if err != nil {
		return []byte{}, err
	}
	return rd.Recv()
}

// OpenSendRecvClose opens the connection if needed, performs a SendRecv
// under the device lock, and schedules an eventual close
func (rd *RemoteDevice) OpenSendRecvClose(b []byte) ([]byte, error) {
	err := rd.Open()
	if err != nil {
		return nil, err
	}
	rd.Lock()
	defer func() {
		rd.Unlock()
		rd.CloseEventually()
	}()
	return rd.SendRecv(b)
}

// TCPSetup opens a new TCP connection and sets a timeout on connect, read, and write
func TCPSetup(addr string, timeout time.Duration) (net.Conn, error) {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, err
	}
	deadline := time.Now().Add(timeout)
	conn.SetReadDeadline(deadline)
	conn.SetWriteDeadline(deadline)
	return conn, nil
}
