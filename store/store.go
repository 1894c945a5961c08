// Package store implements the mailbox backend: accounts with their
// mailboxes and messages in a per-account database, modseq assignment for
// CONDSTORE/QRESYNC, and change broadcasting between sessions.
//
// The IMAP front-end consumes this package through narrow operations:
// resolve a path to a mailbox, list a mailbox's messages in UID order, apply
// flag/keyword deltas to batches of messages, copy/expunge, read folder
// metadata, renumber a message, and lock around multi-step reads.
package store

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"
)

var (
	ErrUnknownMailbox     = errors.New("no such mailbox")
	ErrUnknownCredentials = errors.New("credentials not found")
	ErrLoginDisabled      = errors.New("login disabled for account")
)

// UID is a per-mailbox strictly increasing message identifier, stable across
// sessions.
type UID uint32

// ModSeq is a per-account monotonically increasing change sequence, for
// CONDSTORE/QRESYNC. The special client value 1 is reserved, so internal
// modseqs start at 2 and Client subtracts nothing; modseq 0 means "not set"
// and is reported to clients as 1.
type ModSeq int64

// Client returns the modseq value to report to IMAP clients.
func (ms ModSeq) Client() int64 {
	if ms == 0 {
		return 1
	}
	return int64(ms)
}

// ModSeqFromClient converts a client-provided modseq to the internal form.
func ModSeqFromClient(modseq int64) ModSeq {
	return ModSeq(modseq)
}

// Flags are the system flags of a message.
type Flags struct {
	Seen      bool
	Answered  bool
	Flagged   bool
	Deleted   bool
	Draft     bool
	Forwarded bool
	Junk      bool
	Notjunk   bool
}

// FlagsAll has all flags set, for use as mask.
var FlagsAll = Flags{true, true, true, true, true, true, true, true}

// Set returns a copy of f with the flags in mask set to the values in flags.
func (f Flags) Set(mask, flags Flags) Flags {
	set := func(d *bool, m, v bool) {
		if m {
			*d = v
		}
	}
	r := f
	set(&r.Seen, mask.Seen, flags.Seen)
	set(&r.Answered, mask.Answered, flags.Answered)
	set(&r.Flagged, mask.Flagged, flags.Flagged)
	set(&r.Deleted, mask.Deleted, flags.Deleted)
	set(&r.Draft, mask.Draft, flags.Draft)
	set(&r.Forwarded, mask.Forwarded, flags.Forwarded)
	set(&r.Junk, mask.Junk, flags.Junk)
	set(&r.Notjunk, mask.Notjunk, flags.Notjunk)
	return r
}

// Mailbox is a folder with messages. A mailbox with a non-empty SearchQuery
// is virtual: its contents are the live result of evaluating the query, never
// stored or cached.
type Mailbox struct {
	ID int64

	// Slash-separated hierarchy, no leading slash. Case kept, except Inbox.
	Name string `bstore:"nonzero,unique"`

	// Must stay constant for the life of the mailbox; changing it invalidates
	// all UID state cached by clients.
	UIDValidity uint32
	UIDNext     UID

	// Non-system flags that have been used on messages in this mailbox.
	Keywords []string

	// For virtual mailboxes: criteria evaluated on open, e.g. "flagged",
	// "unseen" or "keyword $Work".
	SearchQuery string

	Subscribed bool

	// Cutoff for \Recent: messages saved after this time have not been seen
	// by any session.
	RecentSeen time.Time

	// Message counts and total size, maintained on delivery/expunge/flag
	// changes.
	Total   int64
	Unseen  int64
	Deleted int64
	Size    int64
}

// ParseFlagsKeywords parses a list of flag and keyword strings, as used in
// message deliveries and flag updates. System flags set fields in Flags, the
// well-known $Forwarded/$Junk/$NotJunk keywords too. Other keywords are
// lowercased, deduplicated and returned sorted. Unknown system flags are an
// error.
func ParseFlagsKeywords(l []string) (Flags, []string, error) {
	var flags Flags
	var keywords []string
	seen := map[string]bool{}
	for _, f := range l {
		w := strings.ToLower(f)
		switch w {
		case `\seen`:
			flags.Seen = true
		case `\answered`:
			flags.Answered = true
		case `\flagged`:
			flags.Flagged = true
		case `\deleted`:
			flags.Deleted = true
		case `\draft`:
			flags.Draft = true
		case "$forwarded":
			flags.Forwarded = true
		case "$junk":
			flags.Junk = true
		case "$notjunk":
			flags.Notjunk = true
		default:
			if strings.HasPrefix(w, `\`) {
				return Flags{}, nil, fmt.Errorf("unknown system flag %s", f)
			}
			if err := CheckKeyword(w); err != nil {
				return Flags{}, nil, err
			}
			if !seen[w] {
				seen[w] = true
				keywords = append(keywords, w)
			}
		}
	}
	sort.Strings(keywords)
	return flags, keywords, nil
}

// CheckKeyword returns an error if kw is not a valid, lowercased keyword.
func CheckKeyword(kw string) error {
	if kw == "" {
		return errors.New("empty keyword")
	}
	for _, c := range kw {
		if c <= ' ' || c > 0x7e {
			return errors.New("keyword must consist of printable ascii")
		}
		switch c {
		case '(', ')', '{', '%', '*', '"', '\\', ']':
			return fmt.Errorf("character %q not allowed in keyword", c)
		}
		if c >= 'A' && c <= 'Z' {
			return errors.New("keyword must be lowercase")
		}
	}
	return nil
}

// HasKeyword returns whether kw was recorded for this mailbox.
func (mb Mailbox) HasKeyword(kw string) bool {
	for _, k := range mb.Keywords {
		if k == kw {
			return true
		}
	}
	return false
}

// Subscription is a subscribed mailbox name, possibly nonexistent.
type Subscription struct {
	Name string
}

// Message is a message in a mailbox. Expunged messages remain as tombstones
// so sessions can synchronize removals (QRESYNC); only their identity and
// modseq are meaningful.
type Message struct {
	ID        int64
	MailboxID int64 `bstore:"nonzero,unique MailboxID+UID,index MailboxID+ModSeq,ref Mailbox"`
	UID       UID   `bstore:"nonzero"`

	// Modseq of last change, including the expunge. Does not change after
	// expunge.
	ModSeq ModSeq `bstore:"index"`
	// Modseq at creation, for QRESYNC clients that want changes since a
	// checkpoint.
	CreateSeq ModSeq

	Expunged bool

	Flags
	Keywords []string

	// Date from the message itself (APPEND date parameter or delivery time).
	InternalDate time.Time

	// When the message was added to this mailbox, for \Recent and the WITHIN
	// extension.
	SaveDate time.Time `bstore:"default now"`

	Size int64
}

// SyncState is a singleton record with per-account counters.
type SyncState struct {
	ID int64 // Always 1.

	LastModSeq      ModSeq `bstore:"nonzero"`
	LastUIDValidity uint32

	// Highest modseq of an expunged message ever removed; QRESYNC needs it to
	// decide whether enough history is available.
	HighestDeletedModSeq ModSeq
}

// Credential holds the password hash for the account.
type Credential struct {
	ID   int64 // Always 1.
	Hash string
	// Disabled blocks logins without removing the account.
	Disabled bool
}

// Quota is the storage limit for the account; 0 means unlimited.
type Quota struct {
	ID       int64 // Always 1.
	MaxSize  int64
	MaxCount int64
}

// Rights of an account on a mailbox, for the ACL/MYRIGHTS commands. Rights
// semantics are defined by the consumer; the store only records the strings.
type Right = string

// AllRights is the full set granted to a mailbox owner, including the "ektx"
// rights advertised in RIGHTS=ektx.
const AllRights = "lrswipkxtecda"

// ACL grants rights on a mailbox to an identifier.
type ACL struct {
	ID         int64
	MailboxID  int64  `bstore:"nonzero,unique MailboxID+Identifier,ref Mailbox"`
	Identifier string `bstore:"nonzero"`
	Rights     string
}

// CheckMailboxName returns a normalized version of the name, reporting
// whether it is Inbox (any casing), and an error for invalid names.
func CheckMailboxName(name string, allowInbox bool) (string, bool, error) {
	first := strings.SplitN(name, "/", 2)[0]
	if strings.EqualFold(first, "inbox") {
		if len(name) == len("inbox") && !allowInbox {
			return "", true, fmt.Errorf("special mailbox name Inbox not allowed")
		}
		name = "Inbox" + name[len("Inbox"):]
	}

	if norm.NFC.String(name) != name {
		return "", false, errors.New("non-unicode-normalized mailbox names not allowed")
	}

	if name == "" {
		return "", false, errors.New("empty mailbox name")
	}
	if strings.HasPrefix(name, "/") || strings.HasSuffix(name, "/") || strings.Contains(name, "//") {
		return "", false, errors.New("bad slashes in mailbox name")
	}

	// "%" and "*" are difficult to use with the LIST command, but we allow all
	// other printable characters.
	for _, c := range name {
		switch c {
		case '%', '*', '#', '&':
			return "", false, fmt.Errorf("character %c not allowed in mailbox name", c)
		}
		if c <= 0x1f || c == 0x7f {
			return "", false, errors.New("control characters not allowed in mailbox name")
		}
	}
	return name, name == "Inbox", nil
}

// ParentMailboxName returns the parent path of name, or the empty string.
func ParentMailboxName(name string) string {
	i := strings.LastIndex(name, "/")
	if i < 0 {
		return ""
	}
	return name[:i]
}
