package admission

import (
	"context"
	"time"
)

// resourceRequest lives in exactly one wait queue until it is granted,
// rejected or withdrawn.
type resourceRequest struct {
	jobID      string
	kind       Kind
	estInput   int
	estTotal   int
	enqueuedAt time.Time
	grant      *Grant
}

// Grant is the deferred result of RequestResources.
type Grant struct {
	ctrl *Controller
	req  *resourceRequest
	done chan struct{}
	err  error
}

func newGrant(c *Controller) *Grant {
	return &Grant{ctrl: c, done: make(chan struct{})}
}

// resolve is called once, with the Controller's mutex held.
func (g *Grant) resolve(err error) {
	g.err = err
	close(g.done)
}

// Done is closed once the grant is resolved.
func (g *Grant) Done() <-chan struct{} { return g.done }

// Err returns the rejection cause after Done is closed; nil means granted.
func (g *Grant) Err() error {
	select {
	case <-g.done:
		return g.err
	default:
		return nil
	}
}

// Wait blocks until the request is granted or rejected. If ctx ends first
// the request is withdrawn from its wait queue and ctx.Err() is returned.
// A request resolved before the withdrawal took effect reports its own
// outcome instead.
func (g *Grant) Wait(ctx context.Context) error {
	select {
	case <-g.done:
		return g.err
	case <-ctx.Done():
	}
	if g.ctrl != nil {
		g.ctrl.withdraw(g)
	}
	select {
	case <-g.done:
		if g.err != errWithdrawn {
			return g.err
		}
	default:
	}
	return ctx.Err()
}
