// Package peers provides support code for running the peers of a transport
// service and for testing them.
package peers

import (
	"context"
	"errors"
	"io"
	"net"

	"code.hybscloud.com/atomix"
	"github.com/creachadair/taskgroup"
	"github.com/creachadair/tcpclient/ipc"
	"github.com/creachadair/tcpclient/ipc/channel"
	"github.com/sirupsen/logrus"
)

// Local is a pair of in-memory connected peers, suitable for testing. Each
// peer has its own metrics.
type Local struct {
	A *ipc.Peer
	B *ipc.Peer
}

// Stop shuts down both the peers and blocks until both have exited.
func (p *Local) Stop() error {
	aerr := p.A.Stop()
	berr := p.B.Stop()
	if aerr != nil {
		return aerr
	}
	return berr
}

// NewLocal creates a pair of in-memory connected peers, that communicate via a
// direct channel without encoding.
func NewLocal() *Local {
	a2b, b2a := channel.Direct()
	return &Local{
		A: ipc.NewPeer().Detach().Start(a2b),
		B: ipc.NewPeer().Detach().Start(b2a),
	}
}

// An Accepter delivers channels for inbound peer connections.
type Accepter interface {
	Accept(context.Context) (ipc.Channel, error)
}

// clients numbers the clients accepted by Loop, for logs.
var clients atomix.Uint32

// Loop accepts client channels from acc and runs a peer for each one, using
// newPeer to construct an unstarted peer. Loop continues until acc closes or
// ctx ends. Each client is logged to log with its serial number and remote
// address; if log == nil, nothing is logged.
//
// When ctx terminates, all running peers are stopped. When acc closes, the
// loop waits for running peers to exit before returning.
func Loop(ctx context.Context, acc Accepter, newPeer func() *ipc.Peer, log logrus.FieldLogger) error {
	if log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		log = l
	}
	g := taskgroup.New(nil)
	for {
		ch, err := acc.Accept(ctx)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				err = nil
			}
			g.Wait()
			return err
		}
		clog := log.WithFields(logrus.Fields{
			"client": clients.Add(1),
			"addr":   channel.Addr(ch),
		})
		clog.Debug("client connected")

		g.Go(func() error {
			sctx, cancel := context.WithCancel(ctx)
			defer cancel()

			peer := newPeer().Start(ch)
			go func() { <-sctx.Done(); peer.Stop() }()
			if err := peer.Wait(); err != nil {
				clog.WithError(err).Warn("client peer failed")
			} else {
				clog.Debug("client exited")
			}
			return nil
		})
	}
}

// NetAccepter adapts a net.Listener to the Accepter interface. The channels
// it delivers report the remote address of their connections.
func NetAccepter(lst net.Listener) Accepter {
	return netAccepter{Listener: lst}
}

type netAccepter struct {
	net.Listener
}

func (n netAccepter) Accept(ctx context.Context) (ipc.Channel, error) {
	// A net.Listener does not obey a context, so simulate it by closing the
	// listener if ctx ends. The ok channel allows the context watcher to clean
	// up when we return before ctx ends.
	ok := make(chan struct{})
	defer close(ok)
	taskgroup.Go(func() error {
		select {
		case <-ctx.Done():
			n.Listener.Close()
		case <-ok:
			// release the waiter
		}
		return nil
	})

	conn, err := n.Listener.Accept()
	if err != nil {
		return nil, err
	}
	return channel.Conn(conn), nil
}
