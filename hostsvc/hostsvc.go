// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

// Package hostsvc implements the transport service on the network stack of
// the host. Each client that connects to the service gets its own peer, and
// the connections and listeners it creates are released when its channel
// closes.
package hostsvc

import (
	"context"
	"io"
	"time"

	"code.hybscloud.com/atomix"
	"github.com/creachadair/taskgroup"
	"github.com/creachadair/tcpclient/ipc"
	"github.com/creachadair/tcpclient/ipc/handler"
	"github.com/creachadair/tcpclient/ipc/peers"
	"github.com/creachadair/tcpclient/proto"
	"github.com/sirupsen/logrus"
)

// Options are optional settings for a Service. A nil *Options is ready for
// use and provides default values.
type Options struct {
	// If set, the service writes its logs here. By default logs are discarded.
	Logger logrus.FieldLogger

	// The longest time to wait for an outbound connection to be established.
	// If zero, the operating system default applies.
	DialTimeout time.Duration

	// If true, log every packet exchanged with clients at debug level.
	LogPackets bool
}

func (o *Options) logger() logrus.FieldLogger {
	if o == nil || o.Logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		return l
	}
	return o.Logger
}

func (o *Options) dialTimeout() time.Duration {
	if o == nil {
		return 0
	}
	return o.DialTimeout
}

// A Service serves the transport contract to any number of clients.
type Service struct {
	log         logrus.FieldLogger
	dialTimeout time.Duration
	logPackets  bool
	tasks       *taskgroup.Group
	clients     atomix.Uint32
}

// New constructs a new Service with the given options.
func New(opts *Options) *Service {
	return &Service{
		log:         opts.logger(),
		dialTimeout: opts.dialTimeout(),
		logPackets:  opts != nil && opts.LogPackets,
		tasks:       taskgroup.New(nil),
	}
}

// NewPeer returns an unstarted peer that serves a single client. It is
// suitable for use with peers.Loop.
func (s *Service) NewPeer() *ipc.Peer {
	c := newClient(s, s.clients.Add(1))
	p := ipc.NewPeer().
		Handle(uint32(proto.CallbackCreate), c.callbackCreate).
		Handle(uint32(proto.ConnCreate), handler.Upload(c.connCreate)).
		Handle(uint32(proto.ConnDestroy), handler.ParamError(c.connDestroy)).
		Handle(uint32(proto.ListenerCreate), handler.Upload(c.listenerCreate)).
		Handle(uint32(proto.ListenerDestroy), handler.ParamError(c.listenerDestroy)).
		Handle(uint32(proto.ConnSend), handler.Upload(c.connSend)).
		Handle(uint32(proto.ConnSendFin), handler.ParamError(c.connSendFin)).
		Handle(uint32(proto.ConnPush), handler.ParamError(c.connPush)).
		Handle(uint32(proto.ConnReset), handler.ParamError(c.connReset)).
		Handle(uint32(proto.ConnRecv), handler.Download(c.connRecv)).
		Handle(uint32(proto.ConnRecvWait), handler.Download(c.connRecvWait)).
		OnExit(c.shutdown)
	if s.logPackets {
		p.LogPackets(func(pkt ipc.PacketInfo) { c.log.Debug(pkt.String()) })
	}
	c.peer = p
	return p
}

// Serve accepts clients from acc and serves each on its own peer, until acc
// closes or ctx ends.
func (s *Service) Serve(ctx context.Context, acc peers.Accepter) error {
	return peers.Loop(ctx, acc, s.NewPeer, s.log)
}

// Wait blocks until the background work of all clients has finished. It
// should be called after the channels of all clients have closed.
func (s *Service) Wait() { s.tasks.Wait() }
