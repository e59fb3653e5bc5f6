// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package ipc

import "expvar"

// peerMetrics record peer activity. Counters only grow; gauges track a
// current level and return to zero when the peer is idle.
type peerMetrics struct {
	// Packets.
	packetRecv    expvar.Int
	packetSent    expvar.Int
	packetDropped expvar.Int // unknown protocol or type

	// Inbound calls.
	callIn      expvar.Int
	callInErr   expvar.Int // answered with an error
	callQueued  expvar.Int // queued for Accept
	callWaiting expvar.Int // gauge: queued and not yet accepted
	callActive  expvar.Int // gauge: running in a handler
	cancelIn    expvar.Int

	// Outbound calls and their exchanges.
	callOut       expvar.Int
	callOutErr    expvar.Int
	callPending   expvar.Int // gauge: waiting for a response
	cancelExpired expvar.Int // cancellations the remote peer did not answer in time
	transferIn    expvar.Int
	transferOut   expvar.Int
	transferErr   expvar.Int // transfers refused by the remote handler

	emap *expvar.Map
}

// rootMetrics are shared by peers that have not been detached.
var rootMetrics = newPeerMetrics()

func newPeerMetrics() *peerMetrics {
	pm := &peerMetrics{emap: new(expvar.Map)}
	for _, v := range []struct {
		name string
		v    *expvar.Int
	}{
		{"packets_received", &pm.packetRecv},
		{"packets_sent", &pm.packetSent},
		{"packets_dropped", &pm.packetDropped},

		{"calls_in", &pm.callIn},
		{"calls_in_failed", &pm.callInErr},
		{"calls_queued", &pm.callQueued},
		{"calls_waiting", &pm.callWaiting},
		{"calls_active", &pm.callActive},
		{"cancels_in", &pm.cancelIn},

		{"calls_out", &pm.callOut},
		{"calls_out_failed", &pm.callOutErr},
		{"calls_pending", &pm.callPending},
		{"cancels_expired", &pm.cancelExpired},
		{"transfers_in", &pm.transferIn},
		{"transfers_out", &pm.transferOut},
		{"transfers_failed", &pm.transferErr},
	} {
		pm.emap.Set(v.name, v.v)
	}
	return pm
}
