package chat

import (
	"encoding/json"
	"fmt"

	"github.com/sirupsen/logrus"
)

// Router delivers events to connections. Room events go to the registry's
// snapshot of the room; direct notices go to a single connection.
type Router struct {
	registry *Registry
}

// NewRouter creates a Router over registry.
func NewRouter(registry *Registry) *Router {
	return &Router{registry: registry}
}

// Broadcast sends ev to every connection in ev.RoomID except exclude and
// returns how many sends succeeded. A failed send is logged and skipped.
func (r *Router) Broadcast(ev Event, exclude Conn) int {
	if ev.RoomID == 0 {
		logrus.WithField("type", ev.Type).Error("Refusing to broadcast an event without a room")
		return 0
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		logrus.WithError(err).WithField("type", ev.Type).Error("Error encoding broadcast event")
		return 0
	}

	conns := r.registry.SnapshotByRoom(ev.RoomID)
	delivered := 0
	for _, conn := range conns {
		if exclude != nil && conn == exclude {
			continue
		}
		// The conn may have left the room since the snapshot was taken.
		if !r.registry.InRoom(conn, ev.RoomID) {
			continue
		}
		if err := conn.Send(payload); err != nil {
			logrus.WithError(fmt.Errorf("%w: %w", ErrDeliveryFailure, err)).
				WithFields(logrus.Fields{"conn": conn.ID(), "room_id": ev.RoomID, "type": ev.Type}).
				Warn("Skipping recipient")
			continue
		}
		delivered++
	}

	logrus.WithFields(logrus.Fields{
		"room_id":   ev.RoomID,
		"type":      ev.Type,
		"delivered": delivered,
	}).Debug("Broadcast complete")
	return delivered
}

// Send delivers ev to conn alone.
func (r *Router) Send(conn Conn, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", ev.Type, err)
	}
	if err := conn.Send(payload); err != nil {
		return fmt.Errorf("%w: %w", ErrDeliveryFailure, err)
	}
	return nil
}
