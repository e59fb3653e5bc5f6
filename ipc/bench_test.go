// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package ipc_test

import (
	"context"
	"io"
	"testing"

	"github.com/creachadair/tcpclient/ipc"
	"github.com/creachadair/tcpclient/ipc/channel"
	"github.com/creachadair/tcpclient/ipc/peers"
)

func noop(context.Context, *ipc.Request) ([]byte, error)       { return nil, nil }
func echo(_ context.Context, req *ipc.Request) ([]byte, error) { return req.Data, nil }

func upload(ctx context.Context, req *ipc.Request) ([]byte, error) {
	data, err := ipc.ContextCall(ctx).AcceptWrite(ctx)
	return data[:0], err
}

var payload = []byte("fuzzy wuzzy was a bear\nfuzzy wuzzy had no hair\nfuzzy wuzzy wasn't fuzzy was he?")

func BenchmarkCall(b *testing.B) {
	b.Run("Direct-noop", func(b *testing.B) {
		loc := peers.NewLocal()
		defer loc.Stop()

		loc.A.Handle(1, noop)
		runBench(b, loc.B, nil)
	})
	b.Run("Direct-echo", func(b *testing.B) {
		loc := peers.NewLocal()
		defer loc.Stop()

		loc.A.Handle(1, echo)
		runBench(b, loc.B, payload)
	})

	b.Run("IO-noop", func(b *testing.B) {
		pa, pb := pipePeers(b)
		pa.Handle(1, noop)
		runBench(b, pb, nil)
	})
	b.Run("IO-echo", func(b *testing.B) {
		pa, pb := pipePeers(b)
		pa.Handle(1, echo)
		runBench(b, pb, payload)
	})
}

func BenchmarkExchange(b *testing.B) {
	pa, pb := pipePeers(b)
	pa.Handle(2, upload)
	ctx := context.Background()

	for b.Loop() {
		x, err := pb.Begin(2, nil)
		if err != nil {
			b.Fatal(err)
		}
		if err := x.Write(ctx, payload); err != nil {
			b.Fatal(err)
		}
		if _, err := x.Wait(ctx); err != nil {
			b.Fatal(err)
		}
	}
}

func runBench(b *testing.B, peer *ipc.Peer, data []byte) {
	b.Helper()
	ctx := context.Background()

	for b.Loop() {
		_, err := peer.Call(ctx, 1, data)
		if err != nil {
			b.Fatal(err)
		}
	}
}

func pipePeers(tb testing.TB) (pa, pb *ipc.Peer) {
	ar, bw := io.Pipe()
	br, aw := io.Pipe()
	pa = ipc.NewPeer().Start(channel.IO(ar, aw))
	pb = ipc.NewPeer().Start(channel.IO(br, bw))
	tb.Cleanup(func() {
		if err := pa.Stop(); err != nil {
			tb.Errorf("A stop: %v", err)
		}
		if err := pb.Stop(); err != nil {
			tb.Errorf("B stop: %v", err)
		}
	})
	return
}
