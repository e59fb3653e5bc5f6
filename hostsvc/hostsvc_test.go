// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package hostsvc_test

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"net/http/httptest"
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/creachadair/taskgroup"
	"github.com/creachadair/tcpclient"
	"github.com/creachadair/tcpclient/hostsvc"
	"github.com/creachadair/tcpclient/ipc/peers"
	"github.com/creachadair/tcpclient/proto"
	"github.com/fortytw2/leaktest"
)

// startService runs a service on a loopback TCP listener, and returns its
// address and a function that stops it.
func startService(t *testing.T) (string, func()) {
	t.Helper()
	lst, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	svc := hostsvc.New(&hostsvc.Options{DialTimeout: 5 * time.Second})
	ctx, cancel := context.WithCancel(context.Background())
	srv := taskgroup.Go(func() error { return svc.Serve(ctx, peers.NetAccepter(lst)) })
	return lst.Addr().String(), func() {
		cancel()
		if err := srv.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("Serve: %v", err)
		}
		svc.Wait()
	}
}

// startEcho runs a TCP server that echoes each connection until the client
// stops sending, then closes it.
func startEcho(t *testing.T) (netip.AddrPort, func()) {
	t.Helper()
	lst, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	g := taskgroup.New(nil)
	g.Go(func() error {
		for {
			conn, err := lst.Accept()
			if err != nil {
				return nil
			}
			g.Go(func() error {
				defer conn.Close()
				io.Copy(conn, conn)
				return nil
			})
		}
	})
	return lst.Addr().(*net.TCPAddr).AddrPort(), func() { lst.Close(); g.Wait() }
}

// freePort returns a loopback endpoint that is not in use.
func freePort(t *testing.T) netip.AddrPort {
	t.Helper()
	lst, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer lst.Close()
	return lst.Addr().(*net.TCPAddr).AddrPort()
}

func dial(t *testing.T, addr string) *tcpclient.Session {
	t.Helper()
	s, err := tcpclient.Dial(context.Background(), addr, nil)
	if err != nil {
		t.Fatalf("Dial %q: %v", addr, err)
	}
	return s
}

func recvAll(t *testing.T, c *tcpclient.Conn, n int) string {
	t.Helper()
	var sb strings.Builder
	buf := make([]byte, 64)
	for sb.Len() < n {
		nr, err := c.RecvWait(context.Background(), buf)
		if err != nil {
			t.Errorf("RecvWait: unexpected error: %v", err)
			break
		} else if nr == 0 {
			break
		}
		sb.Write(buf[:nr])
	}
	return sb.String()
}

func TestEcho(t *testing.T) {
	defer leaktest.Check(t)()

	addr, stop := startService(t)
	defer stop()
	echo, stopEcho := startEcho(t)
	defer stopEcho()

	s := dial(t, addr)
	defer s.Close()

	ctx := context.Background()
	c, err := s.Connect(ctx, proto.EndpointPair{Remote: echo}, nil, nil)
	if err != nil {
		t.Fatalf("Connect: unexpected error: %v", err)
	}
	if err := c.WaitConnected(ctx); err != nil {
		t.Fatalf("WaitConnected: unexpected error: %v", err)
	}

	const msg = "the quick brown fox"
	if err := c.Send(ctx, []byte(msg)); err != nil {
		t.Fatalf("Send: unexpected error: %v", err)
	}
	if err := c.Push(ctx); err != nil {
		t.Errorf("Push: unexpected error: %v", err)
	}
	if got := recvAll(t, c, len(msg)); got != msg {
		t.Errorf("Received: got %q, want %q", got, msg)
	}

	// After a half close the echo server closes, and the reader sees the end.
	if err := c.SendFin(ctx); err != nil {
		t.Fatalf("SendFin: unexpected error: %v", err)
	}
	rest, err := io.ReadAll(c)
	if err != nil {
		t.Errorf("ReadAll: unexpected error: %v", err)
	} else if len(rest) != 0 {
		t.Errorf("ReadAll: got %q, want empty", rest)
	}
	if err := c.Close(); err != nil {
		t.Errorf("Close: unexpected error: %v", err)
	}
}

func TestConnectFailed(t *testing.T) {
	defer leaktest.Check(t)()

	addr, stop := startService(t)
	defer stop()

	s := dial(t, addr)
	defer s.Close()

	ctx := context.Background()
	c, err := s.Connect(ctx, proto.EndpointPair{Remote: freePort(t)}, nil, nil)
	if err != nil {
		t.Fatalf("Connect: unexpected error: %v", err)
	}
	if err := c.WaitConnected(ctx); !errors.Is(err, tcpclient.ErrIO) {
		t.Errorf("WaitConnected: got %v, want %v", err, tcpclient.ErrIO)
	}
	if !c.State().Failed {
		t.Errorf("State: got %+v, want failed", c.State())
	}
	if err := c.Send(ctx, []byte("nope")); !errors.Is(err, tcpclient.ErrConnFailed) {
		t.Errorf("Send: got %v, want %v", err, tcpclient.ErrConnFailed)
	}
	if err := c.Close(); err != nil {
		t.Errorf("Close: unexpected error: %v", err)
	}
}

func TestInvalidRequests(t *testing.T) {
	defer leaktest.Check(t)()

	addr, stop := startService(t)
	defer stop()

	s := dial(t, addr)
	defer s.Close()

	ctx := context.Background()
	if _, err := s.Connect(ctx, proto.EndpointPair{}, nil, nil); !errors.Is(err, tcpclient.ErrInvalid) {
		t.Errorf("Connect with no remote: got %v, want %v", err, tcpclient.ErrInvalid)
	}
	if _, err := s.Listen(ctx, netip.AddrPort{}, tcpclient.ListenConfig{}); !errors.Is(err, tcpclient.ErrInvalid) {
		t.Errorf("Listen with no endpoint: got %v, want %v", err, tcpclient.ErrInvalid)
	}
}

func TestListen(t *testing.T) {
	defer leaktest.Check(t)()

	addr, stop := startService(t)
	defer stop()

	s := dial(t, addr)
	defer s.Close()

	ctx := context.Background()
	local := freePort(t)
	handled := make(chan string, 1)
	lst, err := s.Listen(ctx, local, tcpclient.ListenConfig{
		Accept: tcpclient.AcceptFunc(func(l *tcpclient.Listener, c *tcpclient.Conn) {
			got := recvAll(t, c, len("hello\n"))
			if err := c.Send(context.Background(), []byte("bye\n")); err != nil {
				t.Errorf("Send: unexpected error: %v", err)
			}
			handled <- got
		}),
	})
	if err != nil {
		t.Fatalf("Listen: unexpected error: %v", err)
	}
	defer lst.Close()

	conn, err := net.Dial("tcp", local.String())
	if err != nil {
		t.Fatalf("Dial listener: %v", err)
	}
	defer conn.Close()
	if _, err := io.WriteString(conn, "hello\n"); err != nil {
		t.Fatalf("Write: %v", err)
	}

	rd := bufio.NewReader(conn)
	line, err := rd.ReadString('\n')
	if err != nil {
		t.Fatalf("Read: %v", err)
	} else if line != "bye\n" {
		t.Errorf("Read: got %q, want bye", line)
	}
	if got := <-handled; got != "hello\n" {
		t.Errorf("Handler received %q, want hello", got)
	}

	// When the handler returns, the connection is closed by the service.
	if rest, err := io.ReadAll(rd); err != nil || len(rest) != 0 {
		t.Errorf("ReadAll: got (%q, %v), want empty", rest, err)
	}
}

func TestWebSocket(t *testing.T) {
	defer leaktest.Check(t)()

	acc := peers.NewWSAccepter(nil)
	hs := httptest.NewServer(acc)
	defer hs.Close()
	defer acc.Close()

	svc := hostsvc.New(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	srv := taskgroup.Go(func() error { return svc.Serve(ctx, acc) })

	echo, stopEcho := startEcho(t)
	defer stopEcho()

	s := dial(t, "ws"+strings.TrimPrefix(hs.URL, "http"))
	c, err := s.Connect(ctx, proto.EndpointPair{Remote: echo}, nil, nil)
	if err != nil {
		t.Fatalf("Connect: unexpected error: %v", err)
	}
	if err := c.WaitConnected(ctx); err != nil {
		t.Fatalf("WaitConnected: unexpected error: %v", err)
	}
	if _, err := io.WriteString(c, "ping"); err != nil {
		t.Fatalf("Write: unexpected error: %v", err)
	}
	if got := recvAll(t, c, 4); got != "ping" {
		t.Errorf("Received: got %q, want ping", got)
	}

	if err := s.Close(); err != nil {
		t.Errorf("Session close: %v", err)
	}
	acc.Close()
	if err := srv.Wait(); err != nil {
		t.Errorf("Serve: %v", err)
	}
	svc.Wait()
}
