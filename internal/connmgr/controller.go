package connmgr

import "time"

// Controller is a connection's handle back into its manager. It is bound to
// one session id; once the manager has moved on to a newer connection every
// method is a no-op.
type Controller struct {
	m  *Manager
	id uint64
}

func (c *Controller) SessionID() uint64 { return c.id }
func (c *Controller) Primary() bool     { return c.m.cfg.Primary }
func (c *Controller) Name() string      { return c.m.cfg.Name }

// Active reports whether this controller's session is still the live one.
func (c *Controller) Active() bool {
	c.m.mu.Lock()
	defer c.m.mu.Unlock()
	return c.activeLocked()
}

func (c *Controller) activeLocked() bool {
	return !c.m.closed && c.m.sessionID == c.id && c.m.link != nil
}

// MarkHealthy resets the backoff after a fully successful handshake.
func (c *Controller) MarkHealthy() {
	c.m.mu.Lock()
	defer c.m.mu.Unlock()
	if !c.activeLocked() {
		return
	}
	c.m.policy.Reset()
}

// ExtendBackoff adds d on top of the next reconnect delay.
func (c *Controller) ExtendBackoff(d time.Duration) {
	c.m.mu.Lock()
	defer c.m.mu.Unlock()
	if c.m.sessionID != c.id || d <= 0 {
		return
	}
	c.m.extra += d
}

// OverrideBackoff replaces the next reconnect base delay with d.
func (c *Controller) OverrideBackoff(d time.Duration) {
	c.m.mu.Lock()
	defer c.m.mu.Unlock()
	if c.m.sessionID != c.id || d <= 0 {
		return
	}
	c.m.override = d
}

// Disconnect closes this session's link. The first call logs the reason;
// every call still closes the link.
func (c *Controller) Disconnect(reason error) {
	c.m.mu.Lock()
	if c.m.sessionID != c.id || c.m.link == nil {
		c.m.mu.Unlock()
		return
	}
	link := c.m.link
	first := c.m.disconnected != c.id
	c.m.disconnected = c.id
	c.m.mu.Unlock()

	if first {
		c.m.log.Info().Msgf("connmgr.Controller disconnect name=%s session=%d reason=%v", c.m.cfg.Name, c.id, reason)
	}
	_ = link.Close()
}
