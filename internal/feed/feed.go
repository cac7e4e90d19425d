// Package feed fans live reading and alert events out to dashboards.
package feed

import "airguard/internal/model"

// Publisher accepts one event. Implementations must not block the caller.
type Publisher interface {
	Publish(ev model.Event)
}

// Multi publishes to every non-nil publisher in order.
type Multi []Publisher

func (m Multi) Publish(ev model.Event) {
	for _, p := range m {
		if p != nil {
			p.Publish(ev)
		}
	}
}
