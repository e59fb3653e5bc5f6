// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package tcpclient

import (
	"context"
	"sync/atomic"

	"github.com/creachadair/tcpclient/proto"
)

// A Listener accepts connections on a local endpoint of the service.
type Listener struct {
	id  proto.ID
	s   *Session
	cfg ListenConfig

	destroyed atomic.Bool
}

// ID returns the service-assigned id of l.
func (l *Listener) ID() proto.ID { return l.id }

// Session returns the session that owns l.
func (l *Listener) Session() *Session { return l.s }

// UserData returns the user value of l, from its AcceptArg.
func (l *Listener) UserData() any { return l.cfg.AcceptArg }

// Close removes l from its session and asks the service to stop listening.
// Connections already accepted by l are not affected. Close is safe to call
// more than once; only the first call has any effect.
func (l *Listener) Close() error {
	if l.destroyed.Swap(true) {
		return nil
	}
	l.s.listeners.remove(l.id)
	if l.s.isClosed() {
		return nil
	}
	return l.s.rpc.destroyListener(context.Background(), l.id)
}
