package comm_test

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/nasa-jpl/ftsctl/comm"
)

func tcpEchoServer(t *testing.T) string {
	ln, err := net.Listen("tcp", "localhost:0")
	if err != nil {
		t.Fatal("could not listen, test aborted")
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() { io.Copy(conn, conn) }() // use goroutines to handle multiple connections
		}
	}()
	return ln.Addr().String()
}

func TestPoolGivesOutToCapacity(t *testing.T) {
	addr := tcpEchoServer(t)
	maker := func() (io.ReadWriteCloser, error) {
		return net.Dial("tcp", addr)
	}
	poolSize := 3
	pool := comm.NewPool(poolSize, time.Second, maker)
	for i := 0; i < poolSize; i++ {
		conn, err := pool.Get()
		if err != nil {
			t.Fatal("could not get connection:", err)
		}
		if conn == nil {
			t.Fatal("pool gave out a nil connection")
		}
	}
	if pool.Active() != poolSize {
		t.Errorf("expected %d active connections, got %d", poolSize, pool.Active())
	}
}

func TestPoolReusesReturnedConnections(t *testing.T) {
	addr := tcpEchoServer(t)
	maker := func() (io.ReadWriteCloser, error) {
		return net.Dial("tcp", addr)
	}
	pool := comm.NewPool(1, time.Minute, maker)
	conn, err := pool.Get()
	if err != nil {
		t.Fatal("could not get connection:", err)
	}
	pool.Put(conn)
	conn2, err := pool.Get()
	if err != nil {
		t.Fatal("could not get connection:", err)
	}
	if conn != conn2 {
		t.Error("expected the returned connection to be reused")
	}
	if pool.Size() != 1 {
		t.Errorf("expected pool size 1, got %d", pool.Size())
	}
}

func TestPoolMaintainsSizeUnderContention(t *testing.T) {
	addr := tcpEchoServer(t)
	maker := func() (io.ReadWriteCloser, error) {
		return net.Dial("tcp", addr)
	}
	poolSize := 3
	pool := comm.NewPool(poolSize, time.Second, maker)
	held := []io.ReadWriter{}
	for i := 0; i < poolSize; i++ {
		rw, err := pool.Get()
		if err != nil {
			t.Fatal("could not get connection:", err)
		}
		held = append(held, rw)
	}
	newConn := make(chan io.ReadWriter, 1)
	// now that they are all taken out, try to get a new one
	go func() {
		rw, _ := pool.Get()
		newConn <- rw
	}()
	select {
	case <-newConn:
		t.Fatal("failed to prevent pool overflow")
	case <-time.After(500 * time.Millisecond):
		// pool held its size
	}
	pool.Put(held[0])
	select {
	case <-newConn:
		// blocked Get was satisfied by the returned connection
	case <-time.After(time.Second):
		t.Fatal("blocked Get never received a returned connection")
	}
}

func TestRemoteDeviceSendRecvRoundTrip(t *testing.T) {
	addr := tcpEchoServer(t)
	rd := comm.NewRemoteDevice(addr, false, &comm.Terminators{Rx: '\n', Tx: '\n'}, nil)
	resp, err := rd.OpenSendRecvClose([]byte("hello"))
	if err != nil {
		t.Fatal("round trip to echo server failed:", err)
	}
	if string(resp) != "hello" {
		t.Errorf("expected hello back from echo server, got %q", string(resp))
	}
}

func TestRemoteDeviceRefusesWhenNotConnected(t *testing.T) {
	rd := comm.NewRemoteDevice("localhost:1", false, nil, nil)
	err := rd.Send([]byte("x"))
	if err != comm.ErrNotConnected {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}
}
