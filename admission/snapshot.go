package admission

import (
	"sort"
	"time"

	"k8s.io/apimachinery/pkg/util/sets"
)

// Snapshot is a point-in-time view of the controller for status pages.
type Snapshot struct {
	Active         []FileJob `json:"active"`
	QueuedHigh     int       `json:"queuedManualRetry"`
	QueuedNormal   int       `json:"queuedNormal"`
	RPMLevel       int       `json:"rpmLevel"`
	RPMCeiling     int       `json:"rpmCeiling"`
	TPMLevel       int       `json:"tpmLevel"`
	TPMCeiling     int       `json:"tpmCeiling"`
	RPMWait        int       `json:"rpmWait"`
	TPMWait        int       `json:"tpmWait"`
	Paused         bool      `json:"paused"`
	ResumeAt       time.Time `json:"resumeAt,omitzero"`
	CancelledKinds []Kind    `json:"cancelledKinds"`
}

func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	c.observePauseLocked(now)
	s := Snapshot{
		QueuedHigh:     c.high.Len(),
		QueuedNormal:   c.normal.Len(),
		RPMLevel:       c.rpm.Level(now),
		RPMCeiling:     c.rpm.Ceiling(),
		TPMLevel:       c.tpm.Level(now),
		TPMCeiling:     c.tpm.Ceiling(),
		RPMWait:        c.rpmWait.Len(),
		TPMWait:        c.tpmWait.Len(),
		Paused:         c.pause.active,
		CancelledKinds: sets.List(c.cancelled),
	}
	if s.Paused {
		s.ResumeAt = c.pause.resumeAt
	}
	for _, j := range c.active {
		snap := j.FileJob
		snap.Payload = nil
		s.Active = append(s.Active, snap)
	}
	sort.Slice(s.Active, func(a, b int) bool { return s.Active[a].AdmittedAt.Before(s.Active[b].AdmittedAt) })
	return s
}
