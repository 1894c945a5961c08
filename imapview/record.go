// Package imapview maintains a per-session ordered mirror of a mailbox
// folder: sequence numbers, UIDs, flags and the session-only overlay used for
// unsolicited FETCH/EXPUNGE/VANISHED notifications.
package imapview

import (
	"fmt"

	"github.com/lodemail/lode/store"
)

// Session-only flags on a record. Not persisted, not visible as IMAP flags.
const (
	sflagRecent uint8 = 1 << iota
	sflagAdded  // Cached but no EXISTS sent for it yet.
	sflagExpunged
	sflagSpam
	sflagNonSpam
	sflagJunkRecorded
	sflagIsContact
)

// Record is one message in a folder view: backend identity, IMAP UID, the
// 1-based sequence position, permanent flags/keywords and session flags.
type Record struct {
	ItemID   int64
	UID      store.UID
	Seq      uint32
	ModSeq   store.ModSeq
	Flags    store.Flags
	Keywords []string

	sflags uint8
}

func NewRecord(m store.Message) *Record {
	return &Record{
		ItemID:   m.ID,
		UID:      m.UID,
		ModSeq:   m.ModSeq,
		Flags:    m.Flags,
		Keywords: m.Keywords,
	}
}

func (r *Record) IsRecent() bool       { return r.sflags&sflagRecent != 0 }
func (r *Record) IsAdded() bool        { return r.sflags&sflagAdded != 0 }
func (r *Record) IsExpunged() bool     { return r.sflags&sflagExpunged != 0 }
func (r *Record) IsSpam() bool         { return r.sflags&sflagSpam != 0 }
func (r *Record) IsNonSpam() bool      { return r.sflags&sflagNonSpam != 0 }
func (r *Record) IsJunkRecorded() bool { return r.sflags&sflagJunkRecorded != 0 }
func (r *Record) IsContact() bool      { return r.sflags&sflagIsContact != 0 }

func (r *Record) setSessionFlag(f uint8, v bool) {
	if v {
		r.sflags |= f
	} else {
		r.sflags &^= f
	}
}

// SetJunkRecorded marks that this message's junk status was fed to the
// classifier, so repeated flag changes don't train it twice.
func (r *Record) SetJunkRecorded(v bool) { r.setSessionFlag(sflagJunkRecorded, v) }

func (r *Record) SetContact(v bool) { r.setSessionFlag(sflagIsContact, v) }

// ApplyFlags replaces the permanent flags and keywords of the record,
// reporting whether anything changed. Junk/Notjunk transitions update the
// spam session flags so callers can train a classifier.
func (r *Record) ApplyFlags(flags store.Flags, keywords []string, modseq store.ModSeq) (changed bool) {
	if flags != r.Flags || !sameKeywords(keywords, r.Keywords) {
		changed = true
	}
	if flags.Junk && !r.Flags.Junk {
		r.setSessionFlag(sflagSpam, true)
		r.setSessionFlag(sflagNonSpam, false)
		r.SetJunkRecorded(false)
	} else if flags.Notjunk && !r.Flags.Notjunk {
		r.setSessionFlag(sflagNonSpam, true)
		r.setSessionFlag(sflagSpam, false)
		r.SetJunkRecorded(false)
	}
	r.Flags = flags
	r.Keywords = keywords
	if modseq > r.ModSeq {
		r.ModSeq = modseq
	}
	return changed
}

func sameKeywords(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func (r *Record) String() string {
	return fmt.Sprintf("Record{item %d uid %d seq %d sflags %x}", r.ItemID, r.UID, r.Seq, r.sflags)
}
