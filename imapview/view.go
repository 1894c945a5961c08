package imapview

import (
	"errors"
	"sort"
	"sync"

	"github.com/lodemail/lode/imapnum"
	"github.com/lodemail/lode/store"
)

var (
	// ErrRenumber is returned by CacheMessage when an out-of-order UID cannot
	// be placed without displacing a message the client has already seen. The
	// caller must have the backend assign the message a fresh, higher UID.
	ErrRenumber = errors.New("message must be renumbered")

	// ErrOutOfRange is returned for sequence numbers beyond the folder size.
	ErrOutOfRange = errors.New("sequence number out of range")
)

// View is the ordered message list of a selected folder plus the per-session
// overlay. Methods lock internally: the connection reads the view while the
// session manager and change delivery mutate it.
type View struct {
	MailboxID   int64
	MailboxName string
	UIDValidity uint32
	Virtual     bool // Membership is query-derived, never snapshotted.

	sync.Mutex

	// Sorted by ascending UID. Expunged records stay in place, holding their
	// sequence number, until CollapseExpunged.
	records []*Record

	// Lazily built on first ByItemID miss, dropped on structural mutation.
	byItemID map[int64]*Record

	writable      bool
	recentCount   uint32
	expungedCount uint32
	dirty         map[store.UID]store.ModSeq
	flagsDirty    bool // Mailbox keyword set changed, emit untagged FLAGS.
	suspended     bool
	savedSearch   map[*Record]struct{}
	reportedSize  uint32 // EXISTS count last sent to the client.
}

func NewView(mailboxID int64, name string, uidValidity uint32, virtual, writable bool) *View {
	return &View{
		MailboxID:   mailboxID,
		MailboxName: name,
		UIDValidity: uidValidity,
		Virtual:     virtual,
		writable:    writable,
		dirty:       map[store.UID]store.ModSeq{},
	}
}

func (v *View) Writable() bool { return v.writable }

// CacheMessage adds a record, in the common case appending at the tail. A UID
// below the current tail is placed by shifting trailing records the client
// has not seen yet; if an already-revealed record would have to move,
// ErrRenumber is returned and the record is not added. A duplicate UID is
// dropped silently.
func (v *View) CacheMessage(r *Record, isRecent bool) error {
	v.Lock()
	defer v.Unlock()

	r.setSessionFlag(sflagAdded, true)
	r.setSessionFlag(sflagRecent, isRecent)

	i := len(v.records)
	for i > 0 && v.records[i-1].UID >= r.UID {
		if v.records[i-1].UID == r.UID {
			return nil
		}
		if !v.records[i-1].IsAdded() {
			return ErrRenumber
		}
		i--
	}
	v.records = append(v.records, nil)
	copy(v.records[i+1:], v.records[i:])
	v.records[i] = r
	for j := i; j < len(v.records); j++ {
		v.records[j].Seq = uint32(j + 1)
	}
	if isRecent {
		v.recentCount++
	}
	v.byItemID = nil
	return nil
}

// ByItemID returns the record with the given backend item id, nil when
// absent. Item ids usually equal UIDs, tried first; otherwise a rebuildable
// id index is consulted.
func (v *View) ByItemID(itemID int64) *Record {
	v.Lock()
	defer v.Unlock()
	if itemID >= 0 && itemID <= int64(imapnum.MaxUID) {
		if r := v.byUID(store.UID(itemID)); r != nil && r.ItemID == itemID {
			return r
		}
	}
	if v.byItemID == nil {
		v.byItemID = make(map[int64]*Record, len(v.records))
		for _, r := range v.records {
			v.byItemID[r.ItemID] = r
		}
	}
	return v.byItemID[itemID]
}

// ByUID returns the record with the given UID, nil when absent.
func (v *View) ByUID(uid store.UID) *Record {
	v.Lock()
	defer v.Unlock()
	return v.byUID(uid)
}

func (v *View) byUID(uid store.UID) *Record {
	i := sort.Search(len(v.records), func(i int) bool { return v.records[i].UID >= uid })
	if i < len(v.records) && v.records[i].UID == uid {
		return v.records[i]
	}
	return nil
}

// BySeq returns the record at the 1-based sequence number, nil when out of
// range or when the record is expunged and includeExpunged is not set.
func (v *View) BySeq(seq uint32, includeExpunged bool) *Record {
	v.Lock()
	defer v.Unlock()
	return v.bySeq(seq, includeExpunged)
}

func (v *View) bySeq(seq uint32, includeExpunged bool) *Record {
	if seq < 1 || int(seq) > len(v.records) {
		return nil
	}
	r := v.records[seq-1]
	if r.IsExpunged() && !includeExpunged {
		return nil
	}
	return r
}

// Len returns the number of records, including expunged ones that still hold
// a sequence number. This is the EXISTS count.
func (v *View) Len() uint32 {
	v.Lock()
	defer v.Unlock()
	return uint32(len(v.records))
}

// All returns the records in sequence order. The returned slice must not be
// modified and is only valid until the next structural mutation.
func (v *View) All() []*Record {
	v.Lock()
	defer v.Unlock()
	return v.records
}

func (v *View) RecentCount() uint32 {
	v.Lock()
	defer v.Unlock()
	return v.recentCount
}

func (v *View) ExpungedCount() uint32 {
	v.Lock()
	defer v.Unlock()
	return v.expungedCount
}

// FirstUnseenSeq returns the sequence number of the first non-expunged
// message without \Seen, 0 when none.
func (v *View) FirstUnseenSeq() uint32 {
	v.Lock()
	defer v.Unlock()
	for _, r := range v.records {
		if !r.IsExpunged() && !r.Flags.Seen {
			return r.Seq
		}
	}
	return 0
}

// MarkSeen clears the added flag on all records, after the client has been
// told the folder size. New EXISTS responses then cover only later additions.
func (v *View) MarkSeen() {
	v.Lock()
	defer v.Unlock()
	for _, r := range v.records {
		r.setSessionFlag(sflagAdded, false)
	}
	v.reportedSize = uint32(len(v.records))
}

// ReportedSize returns the EXISTS count last acknowledged via MarkSeen.
func (v *View) ReportedSize() uint32 {
	v.Lock()
	defer v.Unlock()
	return v.reportedSize
}

// MarkExpunged tombstones the record, reporting whether this was the first
// call for it. Counters, the saved search result and the dirty tracking are
// adjusted once only.
func (v *View) MarkExpunged(r *Record) bool {
	v.Lock()
	defer v.Unlock()
	if r.IsExpunged() {
		return false
	}
	r.setSessionFlag(sflagExpunged, true)
	v.expungedCount++
	if r.IsRecent() {
		r.setSessionFlag(sflagRecent, false)
		v.recentCount--
	}
	delete(v.dirty, r.UID)
	delete(v.savedSearch, r)
	return true
}

// CollapseExpunged removes tombstoned records, renumbering the rest. The
// returned identifiers, sequence numbers (adjusted as if reported one by
// one) or UIDs per byUID, cover only records the client knew about: no
// EXPUNGE is due for a message it never saw.
func (v *View) CollapseExpunged(byUID bool) []uint32 {
	v.Lock()
	defer v.Unlock()

	var removed []uint32
	out := v.records[:0]
	gone := 0
	for i, r := range v.records {
		if !r.IsExpunged() {
			r.Seq = uint32(len(out) + 1)
			out = append(out, r)
			continue
		}
		if !r.IsAdded() {
			if byUID {
				removed = append(removed, uint32(r.UID))
			} else {
				removed = append(removed, uint32(i+1-gone))
			}
		}
		gone++
		v.expungedCount--
	}
	for i := len(out); i < len(v.records); i++ {
		v.records[i] = nil
	}
	v.records = out
	if gone > 0 {
		v.byItemID = nil
	}
	return removed
}

// DirtyMessage records that the message changed with the given modseq,
// keeping the highest modseq seen. No-op while notifications are suspended
// or for records not yet revealed.
func (v *View) DirtyMessage(r *Record, modseq store.ModSeq) {
	v.Lock()
	defer v.Unlock()
	if v.suspended || r.IsAdded() || r.IsExpunged() {
		return
	}
	if cur, ok := v.dirty[r.UID]; !ok || modseq > cur {
		v.dirty[r.UID] = modseq
	}
}

// UndirtyMessage drops pending change tracking for the message.
func (v *View) UndirtyMessage(r *Record) {
	v.Lock()
	defer v.Unlock()
	delete(v.dirty, r.UID)
}

// TakeDirty returns and clears the pending changed messages, in ascending
// UID order with their retained modseq.
func (v *View) TakeDirty() ([]*Record, []store.ModSeq) {
	v.Lock()
	defer v.Unlock()
	if len(v.dirty) == 0 {
		return nil, nil
	}
	uids := make([]store.UID, 0, len(v.dirty))
	for uid := range v.dirty {
		uids = append(uids, uid)
	}
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })
	var records []*Record
	var modseqs []store.ModSeq
	for _, uid := range uids {
		if r := v.byUID(uid); r != nil && !r.IsExpunged() {
			records = append(records, r)
			modseqs = append(modseqs, v.dirty[uid])
		}
	}
	v.dirty = map[store.UID]store.ModSeq{}
	return records, modseqs
}

func (v *View) DirtyCount() int {
	v.Lock()
	defer v.Unlock()
	return len(v.dirty)
}

// SuspendNotifications pauses dirty tracking, for .SILENT stores.
func (v *View) SuspendNotifications(suspend bool) {
	v.Lock()
	defer v.Unlock()
	v.suspended = suspend
}

// SetFlagsDirty marks that the mailbox keyword set changed and an untagged
// FLAGS response is due.
func (v *View) SetFlagsDirty() {
	v.Lock()
	defer v.Unlock()
	v.flagsDirty = true
}

// TakeFlagsDirty returns and clears the pending FLAGS notification.
func (v *View) TakeFlagsDirty() bool {
	v.Lock()
	defer v.Unlock()
	d := v.flagsDirty
	v.flagsDirty = false
	return d
}

// SetSavedSearch replaces the saved search result set.
func (v *View) SetSavedSearch(records []*Record) {
	v.Lock()
	defer v.Unlock()
	v.savedSearch = make(map[*Record]struct{}, len(records))
	for _, r := range records {
		v.savedSearch[r] = struct{}{}
	}
}

// ClearSavedSearch drops the saved search result set.
func (v *View) ClearSavedSearch() {
	v.Lock()
	defer v.Unlock()
	v.savedSearch = nil
}

func (v *View) savedSearchRecords() []*Record {
	records := make([]*Record, 0, len(v.savedSearch))
	for r := range v.savedSearch {
		if !r.IsExpunged() {
			records = append(records, r)
		}
	}
	sort.Slice(records, func(i, j int) bool { return records[i].UID < records[j].UID })
	return records
}

// Subsequence resolves a parsed sequence set against the folder: "*" becomes
// the last sequence number or UID, "$" the saved search result. In UID mode
// unknown UIDs are silently skipped. In sequence mode a bound beyond the
// folder size is ErrOutOfRange, unless tolerated for legacy clients.
func (v *View) Subsequence(set imapnum.Set, byUID, allowOutOfRange, includeExpunged bool) ([]*Record, error) {
	v.Lock()
	defer v.Unlock()

	if set.SearchResult {
		return v.savedSearchRecords(), nil
	}

	if byUID {
		last := imapnum.MaxUID
		if n := len(v.records); n > 0 {
			last = uint32(v.records[n-1].UID)
		}
		var records []*Record
		for _, rng := range set.Resolve(last) {
			i := sort.Search(len(v.records), func(i int) bool { return uint32(v.records[i].UID) >= rng.First })
			for ; i < len(v.records) && uint32(v.records[i].UID) <= rng.Last; i++ {
				r := v.records[i]
				if r.IsExpunged() && !includeExpunged {
					continue
				}
				records = append(records, r)
			}
		}
		return records, nil
	}

	size := uint32(len(v.records))
	var records []*Record
	for _, rng := range set.Resolve(size) {
		if rng.Last > size {
			if !allowOutOfRange {
				return nil, ErrOutOfRange
			}
			rng.Last = size
		}
		for seq := rng.First; seq <= rng.Last && seq >= rng.First; seq++ {
			if r := v.bySeq(seq, includeExpunged); r != nil {
				records = append(records, r)
			}
		}
	}
	return records, nil
}

// SequenceMatchDataLowWater walks the parallel QRESYNC milestone lists and
// returns the UID of the last pair where the client's sequence number still
// maps to the same UID in this view. Expunges need only be reported above
// the returned UID. Returns 0 when no pair matches.
func (v *View) SequenceMatchDataLowWater(seqs, uids []uint32) store.UID {
	v.Lock()
	defer v.Unlock()
	var lowWater store.UID
	n := len(seqs)
	if len(uids) < n {
		n = len(uids)
	}
	for i := 0; i < n; i++ {
		r := v.bySeq(seqs[i], true)
		if r == nil || uint32(r.UID) != uids[i] {
			break
		}
		lowWater = r.UID
	}
	return lowWater
}

// UIDs returns the UIDs of non-expunged records, ascending.
func (v *View) UIDs() []uint32 {
	v.Lock()
	defer v.Unlock()
	uids := make([]uint32, 0, len(v.records))
	for _, r := range v.records {
		if !r.IsExpunged() {
			uids = append(uids, uint32(r.UID))
		}
	}
	return uids
}

// Footprint estimates the memory held by the view, for eviction decisions.
func (v *View) Footprint() int64 {
	v.Lock()
	defer v.Unlock()
	var n int64
	for _, r := range v.records {
		n += 64
		for _, kw := range r.Keywords {
			n += int64(len(kw)) + 16
		}
	}
	if v.byItemID != nil {
		n += int64(len(v.byItemID)) * 32
	}
	return n
}
