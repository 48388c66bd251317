package transport

import (
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"go.uber.org/zap"
)

// HeartbeatConfig holds heartbeat tuning parameters.
type HeartbeatConfig struct {
	Interval time.Duration // how often to ping; zero or negative disables
	Timeout  time.Duration // max silence tolerated past Interval before the connection is dropped
}

// DefaultHeartbeatConfig returns sensible defaults for heartbeat monitoring.
func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{
		Interval: 25 * time.Second,
		Timeout:  10 * time.Second,
	}
}

func (h HeartbeatConfig) enabled() bool { return h.Interval > 0 }

// readWindow is how long a read may block before the connection is
// considered stale. Any frame from the server, including the pong answering
// our ping, resets it.
func (h HeartbeatConfig) readWindow() time.Duration {
	return h.Interval + h.Timeout
}

// startHeartbeat pings the server every Interval until conn is closed. A
// failed ping closes the connection so the read loop reports the drop.
func startHeartbeat(conn *wsConn, config HeartbeatConfig, logger *zap.Logger) {
	if !config.enabled() {
		return
	}
	go func() {
		ticker := time.NewTicker(config.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-conn.done:
				return
			case <-ticker.C:
				if err := conn.writePing(); err != nil {
					logger.Warn("heartbeat ping failed", zap.String("conn_id", conn.id), zap.Error(err))
					conn.close()
					return
				}
			}
		}
	}()
}

// writePing sends a protocol-level ping frame. The write mutex serializes it
// with application writes.
func (c *wsConn) writePing() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wsutil.WriteClientMessage(c.netConn, ws.OpPing, nil)
}
