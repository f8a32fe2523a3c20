package presence_test

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/coder/liveness/presence"
)

func TestAggregate(t *testing.T) {
	t.Parallel()

	u1, u2, u3 := uuid.New(), uuid.New(), uuid.New()

	t.Run("FirstOccurrenceWins", func(t *testing.T) {
		t.Parallel()
		snap := presence.Snapshot{
			{Key: "a", Records: []presence.Record{{UserID: u1, DisplayName: "one", Active: true}}},
			{Key: "b", Records: []presence.Record{{UserID: u1, DisplayName: "one", Active: false}}},
		}
		roster := presence.ActiveRoster(snap)
		require.Equal(t, []presence.Member{{UserID: u1, DisplayName: "one"}}, roster)

		// Same records, other order: the inactive declaration is selected.
		snap[0], snap[1] = snap[1], snap[0]
		require.Empty(t, presence.ActiveRoster(snap))
	})

	t.Run("OneEntryPerUser", func(t *testing.T) {
		t.Parallel()
		var snap presence.Snapshot
		for i := 0; i < 5; i++ {
			snap = append(snap, presence.Group{
				Key:     uuid.NewString(),
				Records: []presence.Record{{UserID: u1, Active: true}, {UserID: u2, Active: i%2 == 0}},
			})
		}
		agg := presence.Aggregate(snap)
		require.Equal(t, 2, agg.Len())
		require.Len(t, agg.Roster(), 2)

		rec, ok := agg.Get(u2)
		require.True(t, ok)
		require.True(t, rec.Active)
		_, ok = agg.Get(u3)
		require.False(t, ok)
	})

	t.Run("RecordsWithinGroupInOrder", func(t *testing.T) {
		t.Parallel()
		snap := presence.Snapshot{
			{Key: "a", Records: []presence.Record{
				{UserID: u2, DisplayName: "two", Active: false},
				{UserID: u2, DisplayName: "two", Active: true},
				{UserID: u3, DisplayName: "three", Active: true},
			}},
		}
		agg := presence.Aggregate(snap)
		require.Equal(t, []presence.Member{{UserID: u3, DisplayName: "three"}}, agg.Roster())
		require.Len(t, agg.Records(), 2)
		require.Equal(t, u2, agg.Records()[0].UserID)
	})

	t.Run("Empty", func(t *testing.T) {
		t.Parallel()
		require.Empty(t, presence.ActiveRoster(nil))
		require.Equal(t, 0, presence.Aggregate(presence.Snapshot{}).Len())
	})
}
