package imapview

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lodemail/lode/imapnum"
	"github.com/lodemail/lode/store"
)

func newTestView(uids ...uint32) *View {
	v := NewView(1, "Inbox", 1, false, true)
	for _, uid := range uids {
		r := &Record{ItemID: int64(uid), UID: store.UID(uid)}
		if err := v.CacheMessage(r, false); err != nil {
			panic(err)
		}
	}
	v.MarkSeen()
	return v
}

func TestCacheOrdering(t *testing.T) {
	v := newTestView(101, 102, 103)
	for i := uint32(1); i <= 3; i++ {
		r := v.BySeq(i, false)
		require.NotNil(t, r)
		require.Equal(t, i, r.Seq)
		if i > 1 {
			require.Greater(t, r.UID, v.BySeq(i-1, false).UID)
		}
	}

	// Unrevealed trailing records shift to make room for an out-of-order UID.
	r110 := &Record{ItemID: 110, UID: 110}
	require.NoError(t, v.CacheMessage(r110, true))
	r105 := &Record{ItemID: 105, UID: 105}
	require.NoError(t, v.CacheMessage(r105, true))
	require.Equal(t, uint32(4), r105.Seq)
	require.Equal(t, uint32(5), r110.Seq)

	// A revealed record cannot be displaced.
	v.MarkSeen()
	r104 := &Record{ItemID: 104, UID: 104}
	err := v.CacheMessage(r104, true)
	require.True(t, errors.Is(err, ErrRenumber))
	require.Nil(t, v.ByUID(104))

	// Duplicate UIDs are dropped silently.
	before := v.Len()
	require.NoError(t, v.CacheMessage(&Record{ItemID: 110, UID: 110}, false))
	require.Equal(t, before, v.Len())
}

func TestLookups(t *testing.T) {
	v := newTestView(5, 7, 9)
	require.Equal(t, store.UID(7), v.ByUID(7).UID)
	require.Nil(t, v.ByUID(6))
	require.Equal(t, store.UID(9), v.BySeq(3, false).UID)
	require.Nil(t, v.BySeq(4, false))
	require.Equal(t, int64(5), v.ByItemID(5).ItemID)

	// Item id differing from UID goes through the rebuilt index.
	r := &Record{ItemID: 1000, UID: 11}
	require.NoError(t, v.CacheMessage(r, false))
	require.Equal(t, store.UID(11), v.ByItemID(1000).UID)
	require.Nil(t, v.ByItemID(999))
}

func TestExpunge(t *testing.T) {
	v := newTestView(1, 2, 3, 4)
	r2 := v.ByUID(2)
	r3 := v.ByUID(3)

	require.True(t, v.MarkExpunged(r2))
	require.False(t, v.MarkExpunged(r2))
	require.Equal(t, uint32(1), v.ExpungedCount())

	// Tombstones keep their sequence number until collapse.
	require.Nil(t, v.BySeq(2, false))
	require.NotNil(t, v.BySeq(2, true))
	require.Equal(t, uint32(4), v.Len())

	v.MarkExpunged(r3)
	removed := v.CollapseExpunged(false)
	require.Equal(t, []uint32{2, 2}, removed)
	require.Equal(t, uint32(2), v.Len())
	require.Equal(t, uint32(2), v.ByUID(4).Seq)
	require.Equal(t, uint32(0), v.ExpungedCount())
}

func TestCollapseSkipsUnrevealed(t *testing.T) {
	v := newTestView(1, 2)
	r3 := &Record{ItemID: 3, UID: 3}
	require.NoError(t, v.CacheMessage(r3, false))

	// The client was never told about UID 3, so its removal is not reported.
	v.MarkExpunged(r3)
	v.MarkExpunged(v.ByUID(1))
	removed := v.CollapseExpunged(true)
	require.Equal(t, []uint32{1}, removed)
	require.Equal(t, uint32(1), v.Len())
}

func TestDirtyTracking(t *testing.T) {
	v := newTestView(1, 2, 3)
	r1, r2 := v.ByUID(1), v.ByUID(2)

	v.DirtyMessage(r1, 5)
	v.DirtyMessage(r2, 6)
	v.DirtyMessage(r1, 4) // Lower modseq does not overwrite.
	records, modseqs := v.TakeDirty()
	require.Len(t, records, 2)
	require.Equal(t, store.UID(1), records[0].UID)
	require.Equal(t, store.ModSeq(5), modseqs[0])
	require.Equal(t, store.ModSeq(6), modseqs[1])

	records, _ = v.TakeDirty()
	require.Nil(t, records)

	v.SuspendNotifications(true)
	v.DirtyMessage(r1, 9)
	require.Equal(t, 0, v.DirtyCount())
	v.SuspendNotifications(false)

	// Expunging drops pending dirty state.
	v.DirtyMessage(r2, 10)
	v.MarkExpunged(r2)
	require.Equal(t, 0, v.DirtyCount())
}

func TestSubsequence(t *testing.T) {
	v := newTestView(5, 7, 9)

	parse := func(s string) imapnum.Set {
		set, err := imapnum.Parse(s, true, true)
		require.NoError(t, err)
		return set
	}

	// UID mode silently crops unknown UIDs.
	records, err := v.Subsequence(parse("1:100"), true, false, false)
	require.NoError(t, err)
	require.Len(t, records, 3)
	records, err = v.Subsequence(parse("6"), true, false, false)
	require.NoError(t, err)
	require.Len(t, records, 0)
	records, err = v.Subsequence(parse("7:*"), true, false, false)
	require.NoError(t, err)
	require.Len(t, records, 2)

	// Sequence mode errors beyond the folder size, unless tolerated.
	_, err = v.Subsequence(parse("1:4"), false, false, false)
	require.True(t, errors.Is(err, ErrOutOfRange))
	records, err = v.Subsequence(parse("1:4"), false, true, false)
	require.NoError(t, err)
	require.Len(t, records, 3)
	records, err = v.Subsequence(parse("2"), false, false, false)
	require.NoError(t, err)
	require.Equal(t, store.UID(7), records[0].UID)

	// "$" resolves to the saved search result.
	v.SetSavedSearch([]*Record{v.ByUID(9), v.ByUID(5)})
	records, err = v.Subsequence(parse("$"), true, false, false)
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.Equal(t, store.UID(5), records[0].UID)
	require.Equal(t, store.UID(9), records[1].UID)

	// Expunged records drop out of the saved search result.
	v.MarkExpunged(v.ByUID(9))
	records, err = v.Subsequence(parse("$"), true, false, false)
	require.NoError(t, err)
	require.Len(t, records, 1)
}

func TestSequenceMatchDataLowWater(t *testing.T) {
	v := newTestView(10, 20, 30, 40)

	// All pairs match: low water is the last matched UID.
	lw := v.SequenceMatchDataLowWater([]uint32{1, 2, 4}, []uint32{10, 20, 40})
	require.Equal(t, store.UID(40), lw)

	// A mismatch stops the walk: expunges happened at or below that point.
	lw = v.SequenceMatchDataLowWater([]uint32{1, 2, 3}, []uint32{10, 25, 30})
	require.Equal(t, store.UID(10), lw)

	lw = v.SequenceMatchDataLowWater([]uint32{5}, []uint32{50})
	require.Equal(t, store.UID(0), lw)
}

func TestFirstUnseen(t *testing.T) {
	v := NewView(1, "Inbox", 1, false, true)
	for uid := uint32(1); uid <= 3; uid++ {
		r := &Record{ItemID: int64(uid), UID: store.UID(uid), Flags: store.Flags{Seen: uid != 2}}
		require.NoError(t, v.CacheMessage(r, false))
	}
	require.Equal(t, uint32(2), v.FirstUnseenSeq())
}

func TestApplyFlagsJunkTransitions(t *testing.T) {
	r := &Record{ItemID: 1, UID: 1}
	changed := r.ApplyFlags(store.Flags{Junk: true}, nil, 2)
	require.True(t, changed)
	require.True(t, r.IsSpam())
	require.False(t, r.IsNonSpam())

	changed = r.ApplyFlags(store.Flags{Notjunk: true}, nil, 3)
	require.True(t, changed)
	require.True(t, r.IsNonSpam())
	require.False(t, r.IsSpam())
	require.Equal(t, store.ModSeq(3), r.ModSeq)

	changed = r.ApplyFlags(store.Flags{Notjunk: true}, nil, 3)
	require.False(t, changed)
}
