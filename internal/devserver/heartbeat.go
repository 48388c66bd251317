package devserver

import (
	"time"

	"go.uber.org/zap"
)

// HeartbeatConfig controls server-side liveness pings.
type HeartbeatConfig struct {
	Interval time.Duration // how often to ping; zero disables
	Timeout  time.Duration // max time to wait for activity after ping
}

func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{
		Interval: 30 * time.Second,
		Timeout:  10 * time.Second,
	}
}

// startHeartbeat pings every connection each Interval until the server shuts
// down. A connection silent for longer than Interval+Timeout is dropped.
func startHeartbeat(s *Server, config HeartbeatConfig) {
	if config.Interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(config.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-s.done:
				return
			case <-ticker.C:
				checkConnections(s, config)
			}
		}
	}()
}

func checkConnections(s *Server, config HeartbeatConfig) {
	deadline := config.Interval + config.Timeout
	now := s.now()

	for _, c := range s.conns.All() {
		if idle := now.Sub(c.LastSeen()); idle > deadline {
			s.logger.Info("heartbeat timeout",
				zap.String("conn_id", c.ID),
				zap.Duration("idle", idle.Round(time.Second)))
			s.removeConnection(c)
			continue
		}
		if err := c.WritePing(); err != nil {
			s.logger.Debug("heartbeat ping failed", zap.String("conn_id", c.ID), zap.Error(err))
			s.removeConnection(c)
		}
	}
}
