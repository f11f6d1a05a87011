package awareness

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func state(s string) []byte {
	return []byte(`{"cursor":"` + s + `"}`)
}

func TestCodec(t *testing.T) {
	entries := []Entry{
		{ClientID: 42, Clock: 3, State: state("a")},
		{ClientID: 1 << 40, Clock: 0, State: nil},
	}
	decoded, err := DecodeUpdate(EncodeUpdate(entries))
	require.NoError(t, err)
	assert.Equal(t, entries, decoded)
	assert.True(t, decoded[1].Absent())
}

func TestDecodeMalformed(t *testing.T) {
	for name, raw := range map[string][]byte{
		"empty":         nil,
		"count too big": {5, 1},
		"missing clock": {1, 42},
		"missing state": {1, 42, 1},
		"short state":   {1, 42, 1, 10, 'x'},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeUpdate(raw)
			assert.ErrorIs(t, err, ErrMalformedUpdate)
		})
	}
}

func TestApply_LastWriterWinsPerClient(t *testing.T) {
	five := Entry{ClientID: 7, Clock: 5, State: state("five")}
	seven := Entry{ClientID: 7, Clock: 7, State: state("seven")}
	four := Entry{ClientID: 7, Clock: 4, State: state("four")}

	for name, order := range map[string][]Entry{
		"in order":  {five, seven},
		"reversed":  {seven, five},
		"as batch":  {seven, five, four},
		"stale end": {five, seven, four},
	} {
		t.Run(name, func(t *testing.T) {
			table := NewTable()
			for _, e := range order {
				table.Apply("conn", []Entry{e})
			}
			table.Apply("conn", []Entry{four})
			got, ok := table.Get(7)
			require.True(t, ok)
			assert.Equal(t, uint64(7), got.Clock)
			assert.Equal(t, state("seven"), got.State)
		})
	}
}

func TestApply_EqualClockIsIgnored(t *testing.T) {
	table := NewTable()
	assert.Len(t, table.Apply("a", []Entry{{ClientID: 1, Clock: 2, State: state("first")}}), 1)
	assert.Empty(t, table.Apply("b", []Entry{{ClientID: 1, Clock: 2, State: state("second")}}))
	got, _ := table.Get(1)
	assert.Equal(t, state("first"), got.State)
	assert.Equal(t, []uint64{1}, table.ClientIDs("a"))
	assert.Empty(t, table.ClientIDs("b"))
}

func TestApply_FirstObservationAcceptsAnyClock(t *testing.T) {
	table := NewTable()
	applied := table.Apply("a", []Entry{{ClientID: 9, Clock: 0, State: state("x")}})
	assert.Len(t, applied, 1)
	assert.Equal(t, 1, table.Len())
}

func TestApply_AbsentStateRemovesClient(t *testing.T) {
	table := NewTable()
	table.Apply("a", []Entry{{ClientID: 1, Clock: 1, State: state("x")}})
	table.Apply("a", []Entry{{ClientID: 1, Clock: 2}})
	_, ok := table.Get(1)
	assert.False(t, ok)
	assert.Empty(t, table.ClientIDs("a"))

	// stale re-announcement stays rejected after removal
	assert.Empty(t, table.Apply("a", []Entry{{ClientID: 1, Clock: 2, State: state("y")}}))
	assert.Len(t, table.Apply("a", []Entry{{ClientID: 1, Clock: 3, State: state("y")}}), 1)
}

func TestRemoveOwner(t *testing.T) {
	table := NewTable()
	table.Apply("a", []Entry{
		{ClientID: 42, Clock: 3, State: state("a")},
		{ClientID: 43, Clock: 1, State: state("b")},
	})
	table.Apply("b", []Entry{{ClientID: 50, Clock: 1, State: state("c")}})

	removed := table.RemoveOwner("a")
	assert.Equal(t, []Entry{{ClientID: 42, Clock: 4}, {ClientID: 43, Clock: 2}}, removed)

	snapshot := table.Snapshot()
	require.Len(t, snapshot, 1)
	assert.Equal(t, uint64(50), snapshot[0].ClientID)

	assert.Empty(t, table.RemoveOwner("a"))
	assert.Empty(t, table.Apply("c", []Entry{{ClientID: 42, Clock: 4, State: state("late")}}))
}

func TestOwnershipMovesWithNewerAnnouncement(t *testing.T) {
	table := NewTable()
	table.Apply("old", []Entry{{ClientID: 5, Clock: 1, State: state("x")}})
	table.Apply("new", []Entry{{ClientID: 5, Clock: 2, State: state("y")}})

	assert.Empty(t, table.RemoveOwner("old"))
	_, ok := table.Get(5)
	assert.True(t, ok)
	assert.Len(t, table.RemoveOwner("new"), 1)
}

func TestRemoteEntriesHaveNoOwner(t *testing.T) {
	table := NewTable()
	table.Apply(nil, []Entry{{ClientID: 5, Clock: 1, State: state("x")}})
	assert.Empty(t, table.RemoveOwner(nil))
	assert.Equal(t, 1, table.Len())
}
