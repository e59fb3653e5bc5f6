// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package tcpclient

import "expvar"

// sessionMetrics record session activity counters.
type sessionMetrics struct {
	eventsIn       expvar.Int // number of events received
	eventsStale    expvar.Int // number of events for unknown ids
	inboundSpawned expvar.Int // number of accept handlers started
	recvRetries    expvar.Int // number of blocking receives that found no data

	emap *expvar.Map
}

func newSessionMetrics(s *Session) *sessionMetrics {
	sm := &sessionMetrics{emap: new(expvar.Map)}
	sm.emap.Set("events_in", &sm.eventsIn)
	sm.emap.Set("events_stale", &sm.eventsStale)
	sm.emap.Set("inbound_spawned", &sm.inboundSpawned)
	sm.emap.Set("recv_retries", &sm.recvRetries)
	sm.emap.Set("conns_active", expvar.Func(func() any { return s.conns.len() }))
	sm.emap.Set("listeners_active", expvar.Func(func() any { return s.listeners.len() }))
	return sm
}
