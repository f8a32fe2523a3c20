// Package presence tracks which users are currently active across every
// client joined to a shared pub/sub group.
//
// Each connection declares a Record. Transports deliver the full membership
// as a Snapshot on every change, and the roster is recomputed from scratch
// each time. Snapshots are never diffed against history: connections can
// vanish without a goodbye, so only the latest full snapshot is trusted.
package presence

import (
	"github.com/google/uuid"
)

// DefaultChannelName is the single presence group shared by every client of
// a deployment.
const DefaultChannelName = "online_users"

// Record is one connection's declaration.
type Record struct {
	UserID      uuid.UUID `json:"user_id"`
	DisplayName string    `json:"display_name"`
	Active      bool      `json:"active"`
}

// Group holds the records declared by one connection.
type Group struct {
	Key     string   `json:"key"`
	Records []Record `json:"records"`
}

// Snapshot is the full membership of a channel. Transports must order
// groups identically for every observer.
type Snapshot []Group

// Member is a roster entry.
type Member struct {
	UserID      uuid.UUID `json:"user_id"`
	DisplayName string    `json:"display_name"`
}

// Aggregated maps each user to a single record, in first-seen order.
type Aggregated struct {
	order  []uuid.UUID
	byUser map[uuid.UUID]Record
}

// Aggregate replays the snapshot and keeps the first record seen for each
// user, walking groups in snapshot order and records in group order. A user
// with several connections is represented by whichever declaration comes
// first, regardless of which is newer.
func Aggregate(s Snapshot) Aggregated {
	agg := Aggregated{
		byUser: make(map[uuid.UUID]Record),
	}
	for _, group := range s {
		for _, rec := range group.Records {
			if _, ok := agg.byUser[rec.UserID]; ok {
				continue
			}
			agg.byUser[rec.UserID] = rec
			agg.order = append(agg.order, rec.UserID)
		}
	}
	return agg
}

// Len returns the number of distinct users.
func (a Aggregated) Len() int {
	return len(a.order)
}

// Get returns the selected record for a user.
func (a Aggregated) Get(userID uuid.UUID) (Record, bool) {
	rec, ok := a.byUser[userID]
	return rec, ok
}

// Records returns the selected records in first-seen order.
func (a Aggregated) Records() []Record {
	recs := make([]Record, 0, len(a.order))
	for _, id := range a.order {
		recs = append(recs, a.byUser[id])
	}
	return recs
}

// Roster returns the users whose selected record is active.
func (a Aggregated) Roster() []Member {
	members := make([]Member, 0, len(a.order))
	for _, id := range a.order {
		rec := a.byUser[id]
		if !rec.Active {
			continue
		}
		members = append(members, Member{
			UserID:      rec.UserID,
			DisplayName: rec.DisplayName,
		})
	}
	return members
}

// ActiveRoster is shorthand for Aggregate(s).Roster().
func ActiveRoster(s Snapshot) []Member {
	return Aggregate(s).Roster()
}
