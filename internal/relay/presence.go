package relay

import (
	"context"
	"time"

	"github.com/MarcoPoloResearchLab/manuscript/backend/internal/protocol"
)

// RunPresenceSweeper expires stale presence every half TTL until ctx ends.
func (r *Relay) RunPresenceSweeper(ctx context.Context) error {
	ticker := time.NewTicker(r.presenceTTL / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.SweepPresence()
		}
	}
}

// SweepPresence drops presence records not refreshed within the TTL and tells
// the other members. The connections stay joined. It returns the number of
// records dropped.
func (r *Relay) SweepPresence() int {
	r.mu.RLock()
	rooms := make([]*room, 0, len(r.rooms))
	for _, target := range r.rooms {
		rooms = append(rooms, target)
	}
	r.mu.RUnlock()

	expired := 0
	for _, target := range rooms {
		_ = target.do(func() {
			expired += r.expirePresence(target)
		})
	}
	return expired
}

func (r *Relay) expirePresence(target *room) int {
	now := r.clock()
	expired := 0
	for _, current := range target.snapshot() {
		if current.presence == nil || now.Sub(current.presenceAt) <= r.presenceTTL {
			continue
		}
		current.presence = nil
		expired++
		r.broadcast(target, protocol.Frame{
			Type:         protocol.FramePresenceRemoved,
			ConnectionID: current.connectionID,
		}, current.connectionID)
	}
	return expired
}
