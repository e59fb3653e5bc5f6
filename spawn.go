// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package tcpclient

import "github.com/sirupsen/logrus"

// spawnAccept runs the accept handler of l for c in a task of the session.
// When the handler returns, c is closed whether or not the handler closed it.
func (s *Session) spawnAccept(log logrus.FieldLogger, l *Listener, c *Conn) {
	s.metrics.inboundSpawned.Add(1)
	s.tasks.Go(func() error {
		defer func() {
			if err := c.Close(); err != nil {
				log.WithError(err).Debug("closing accepted connection")
			}
		}()
		defer func() {
			if x := recover(); x != nil {
				log.Errorf("accept handler panicked: %v", x)
			}
		}()
		l.cfg.Accept.NewConn(l, c)
		return nil
	})
}
