package supervisor

import (
	"fmt"

	"cast-go-home/internal/cast"
)

// hardReset clears identity, connection and session state ahead of a fresh
// connection attempt. Casting state survives; only status pushes change it.
func (s *Supervisor) hardReset(cause string) {
	s.reconnect.Cancel()
	s.st.attempts = 0
	s.teardownClient()
	s.clearSession(cause)
	s.st.identity = Identity{Name: s.cfg.Name}
	s.st.endpoint = endpoint{}
	s.setConnState(Disconnected, cause)
}

// connect opens a new channel to the remembered endpoint, discarding any
// existing one first.
func (s *Supervisor) connect() {
	ep := s.st.endpoint
	if ep.host == "" || ep.port == 0 {
		s.logger.Debug("connect skipped, no endpoint")
		return
	}
	if s.st.stopRequested {
		return
	}

	s.teardownClient()
	client := s.dialer.NewClient()
	s.st.client = client
	epoch := s.st.epoch
	s.setConnState(Connecting, fmt.Sprintf("dial %s:%d", ep.host, ep.port))
	s.logger.Info("connecting", "address", ep.host, "port", ep.port, "attempt", s.st.attempts)

	s.spawn(func() {
		ctx, cancel := s.opContext()
		defer cancel()
		err := client.Connect(ctx, ep.host, ep.port)
		s.post(func() { s.onConnected(epoch, client, err) })
	})
}

func (s *Supervisor) onConnected(epoch uint64, client cast.Client, err error) {
	if epoch != s.st.epoch {
		return
	}
	if err != nil {
		s.logger.Warn("connect failed", "err", err)
		s.disconnect(true, "connect failed")
		return
	}

	s.st.attempts = 0
	s.setConnState(Connected, "channel open")

	client.OnTimeout(func() {
		s.post(func() {
			if epoch == s.st.epoch {
				s.logger.Debug("transport timeout")
			}
		})
	})
	client.OnDisconnect(func(err error) {
		s.post(func() {
			if epoch != s.st.epoch {
				return
			}
			s.logger.Warn("transport disconnected", "err", err)
			s.disconnect(true, "transport disconnect")
		})
	})
	client.OnError(func(err error) {
		s.post(func() {
			if epoch != s.st.epoch {
				return
			}
			s.logger.Warn("protocol error", "err", err)
			s.disconnect(true, "protocol error")
		})
	})
	client.OnStatus(func(st cast.ReceiverStatus) {
		s.post(func() {
			if epoch == s.st.epoch {
				s.onDeviceStatus(st)
			}
		})
	})

	// Ask for status right away so a device already mid-session is picked up
	// without waiting for the next push.
	s.spawn(func() {
		ctx, cancel := s.opContext()
		defer cancel()
		st, err := client.GetStatus(ctx)
		s.post(func() {
			if epoch != s.st.epoch {
				return
			}
			if err != nil {
				s.logger.Warn("status query failed", "err", err)
				return
			}
			if st != nil {
				s.onDeviceStatus(*st)
			}
		})
	})
}

// disconnect tears everything down and, with reconnect set, schedules a
// retry or escalates to rediscovery once the retry budget is spent.
func (s *Supervisor) disconnect(reconnect bool, cause string) {
	s.setCasting(false, cause)
	s.teardownClient()
	s.clearSession(cause)
	s.st.identity.Address = ""
	s.st.identity.Port = 0
	s.setConnState(Disconnected, cause)
	s.reconnect.Cancel()

	if !reconnect || s.st.stopRequested {
		return
	}

	if s.st.attempts > s.cfg.MaxReconnects {
		s.escalate()
		return
	}

	ep := s.st.endpoint
	attempt := s.st.attempts + 1
	s.logger.Info("reconnect scheduled", "attempt", attempt, "delay", s.cfg.ReconnectInterval)
	s.record("reconnect scheduled", fmt.Sprintf("attempt %d in %s", attempt, s.cfg.ReconnectInterval))
	s.emit(EventReconnectScheduled, map[string]any{
		"attempt": attempt,
		"delay":   s.cfg.ReconnectInterval.String(),
	})
	s.reconnect.Schedule(s.cfg.ReconnectInterval, func() {
		if s.st.stopRequested {
			return
		}
		s.st.attempts++
		s.st.endpoint = ep
		s.connect()
	})
}

// escalate abandons the remembered endpoint and restarts discovery; the
// device may have moved to a new address.
func (s *Supervisor) escalate() {
	attempts := s.st.attempts
	s.logger.Warn("reconnect attempts exhausted, rediscovering", "attempts", attempts)
	s.record("rediscovery", fmt.Sprintf("gave up after %d attempts", attempts))
	s.st.attempts = 0
	s.st.endpoint = endpoint{}
	s.emit(EventRediscovery, map[string]any{"attempts": attempts})

	s.rediscoverMu.Lock()
	r := s.rediscover
	s.rediscoverMu.Unlock()
	if r != nil {
		r.Restart()
	}
}

// teardownClient discards the current channel. Close errors are ignored.
func (s *Supervisor) teardownClient() {
	s.st.epoch++
	client := s.st.client
	s.st.client = nil
	if client == nil {
		return
	}
	s.spawn(func() {
		if err := client.Close(); err != nil {
			s.logger.Debug("close channel", "err", err)
		}
	})
}

func (s *Supervisor) setConnState(c ConnState, cause string) {
	if s.st.conn == c {
		return
	}
	prev := s.st.conn
	s.st.conn = c
	s.record(cause, fmt.Sprintf("connection %s -> %s", prev, c))
	s.emit(EventConnectionState, map[string]any{
		"state":   c.String(),
		"address": s.st.endpoint.host,
		"port":    s.st.endpoint.port,
	})
}
