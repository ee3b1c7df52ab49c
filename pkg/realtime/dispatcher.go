package realtime

import (
	"context"

	"github.com/rubiojr/chirper/pkg/core"
	"github.com/rubiojr/chirper/pkg/log"
)

// FollowerLookup resolves the ids of the users following userID.
type FollowerLookup func(ctx context.Context, userID int64) ([]int64, error)

// Dispatcher is the fan-out API used by request handlers. Every method is
// fire-and-forget: nothing is returned, failures are logged.
type Dispatcher struct {
	registry *Registry
	logger   *log.Logger
}

func NewDispatcher(r *Registry) *Dispatcher {
	return &Dispatcher{registry: r, logger: log.ForService("dispatcher")}
}

// SendToUser pushes n to every live session of userID. No sessions means
// no-op.
func (d *Dispatcher) SendToUser(userID int64, n core.Notification) {
	d.registry.deliverToUser(userID, notificationEvent(EventNewNotification, n))
	d.logger.Debugf("%s notification sent to user %d", n.Type, userID)
}

// Broadcast pushes n to every connected session.
func (d *Dispatcher) Broadcast(n core.Notification) {
	d.registry.deliverToAll(notificationEvent(EventBroadcastNotification, n))
	d.logger.Debugf("broadcast %s notification", n.Type)
}

// SendToFollowers resolves userID's followers through lookup and sends n to
// each of them. A failed lookup aborts the whole fan-out.
func (d *Dispatcher) SendToFollowers(ctx context.Context, userID int64, n core.Notification, lookup FollowerLookup) {
	d.SendToFollowersFunc(ctx, userID, lookup, func(int64) (core.Notification, bool) { return n, true })
}

// SendToFollowersFunc is SendToFollowers with a notification built per
// follower, so each recipient can get its own stored row. Followers for
// which build reports false are skipped.
func (d *Dispatcher) SendToFollowersFunc(ctx context.Context, userID int64, lookup FollowerLookup, build func(followerID int64) (core.Notification, bool)) {
	if lookup == nil {
		d.logger.Errorf("no follower lookup for user %d, dropping notification", userID)
		return
	}
	followers, err := lookup(ctx, userID)
	if err != nil {
		d.logger.Errorf("looking up followers of user %d: %v", userID, err)
		return
	}
	events := make(map[int64]Event, len(followers))
	for _, id := range followers {
		if n, ok := build(id); ok {
			events[id] = notificationEvent(EventNewNotification, n)
		}
	}
	if len(events) == 0 {
		return
	}
	d.registry.deliverEach(events)
	d.logger.Debugf("notification sent to %d followers of user %d", len(events), userID)
}
