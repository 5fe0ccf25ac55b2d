package admission

import (
	"errors"
	"time"

	"translate-admission/metrics"

	"github.com/rs/zerolog/log"
)

var errWithdrawn = errors.New("admission: request withdrawn")

// ActivatePause closes the gate for d. A request that would end before an
// already running pause is ignored; otherwise the timer is (re)armed. Grants
// already made are not revoked. It reports whether the gate changed.
func (c *Controller) ActivatePause(d time.Duration, reasonID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed || d <= 0 {
		return false
	}
	now := c.clock.Now()
	c.observePauseLocked(now)

	resumeAt := now.Add(d)
	if c.pause.active && c.pause.resumeAt.After(resumeAt) {
		log.Debug().Str("reasonId", reasonID).Time("resumeAt", c.pause.resumeAt).Dur("requested", d).Msg("admission: shorter pause ignored")
		return false
	}
	if c.pause.timer != nil {
		c.pause.timer.Stop()
	}
	c.pause.active = true
	c.pause.resumeAt = resumeAt
	c.pause.reasonID = reasonID
	c.pause.gen++
	gen := c.pause.gen
	c.pause.timer = c.clock.AfterFunc(d, func() { go c.onPauseTimer(gen) })

	log.Warn().Str("reasonId", reasonID).Dur("duration", d).Time("resumeAt", resumeAt).Msg("admission: pause activated")
	metrics.PausesTotal.Inc()
	c.events.push(PauseActivated{ReasonID: reasonID, ResumeAt: resumeAt})
	c.scheduleRefillLocked(now)
	c.observeLocked()
	return true
}

// ResumePause lifts the gate early and drains both wait queues. It is a
// no-op when the gate is open.
func (c *Controller) ResumePause(reasonID, reason string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.pause.active {
		return false
	}
	c.resumeLocked(c.clock.Now(), reasonID, reason)
	return true
}

// Paused reports whether the gate is closed and when it reopens.
func (c *Controller) Paused() (bool, time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observePauseLocked(c.clock.Now())
	return c.pause.active, c.pause.resumeAt
}

// observePauseLocked lifts an expired pause whose timer has not run yet.
func (c *Controller) observePauseLocked(now time.Time) {
	if c.pause.active && !now.Before(c.pause.resumeAt) {
		c.resumeLocked(now, c.pause.reasonID, "pause expired")
	}
}

func (c *Controller) resumeLocked(now time.Time, reasonID, reason string) {
	c.clearPauseLocked(reasonID, reason)
	c.drainLocked(now)
	c.scheduleRefillLocked(now)
	c.observeLocked()
}

func (c *Controller) clearPauseLocked(reasonID, reason string) {
	if c.pause.timer != nil {
		c.pause.timer.Stop()
		c.pause.timer = nil
	}
	c.pause.active = false
	c.pause.gen++
	log.Info().Str("reasonId", reasonID).Str("reason", reason).Msg("admission: pause lifted")
	c.events.push(PauseResumed{ReasonID: reasonID, Reason: reason})
}

func (c *Controller) onPauseTimer(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || !c.pause.active || gen != c.pause.gen {
		return
	}
	c.resumeLocked(c.clock.Now(), c.pause.reasonID, "pause expired")
}
