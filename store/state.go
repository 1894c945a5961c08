package store

import (
	"sync"
)

// Change to mailboxes/messages in an account, broadcast to other sessions on
// the same account. One of the Change* types below.
type Change any

// ChangeAddUID is sent for a new message in a mailbox.
type ChangeAddUID struct {
	MailboxID int64
	UID       UID
	ModSeq    ModSeq
	Flags     Flags
	Keywords  []string
}

// ChangeRemoveUIDs is sent for removal of one or more messages from a mailbox.
type ChangeRemoveUIDs struct {
	MailboxID int64
	UIDs      []UID // Must be in increasing UID order, for IMAP.
	ModSeq    ModSeq
}

// ChangeFlags is sent for an update to flags and/or keywords of a message.
type ChangeFlags struct {
	MailboxID int64
	UID       UID
	ModSeq    ModSeq
	Mask      Flags // Which flags are actually modified.
	Flags     Flags // New values, all fields set.
	Keywords  []string
}

// ChangeAddMailbox is sent for a newly created mailbox.
type ChangeAddMailbox struct {
	Mailbox Mailbox
	Flags   []string // Additional IMAP flags, like \Subscribed.
}

// ChangeRemoveMailbox is sent for a removed mailbox.
type ChangeRemoveMailbox struct {
	MailboxID int64
	Name      string
}

// ChangeRenameMailbox is sent for a renamed mailbox.
type ChangeRenameMailbox struct {
	MailboxID int64
	OldName   string
	NewName   string
	Flags     []string
}

// ChangeMailboxKeywords is sent when a new keyword is used in a mailbox.
type ChangeMailboxKeywords struct {
	MailboxID int64
	Keywords  []string
}

// Comm is one session's subscription to changes on an account. Get returns
// pending changes; Pending receives a token when new changes arrive, e.g. for
// IMAP IDLE.
type Comm struct {
	Pending chan struct{} // Buffered with size 1, non-blocking sends.

	acc *Account

	sync.Mutex
	changes []Change
}

// RegisterComm subscribes to changes on the account. Unregister must be
// called when done.
func RegisterComm(acc *Account) *Comm {
	c := &Comm{
		Pending: make(chan struct{}, 1),
		acc:     acc,
	}
	acc.commsLock.Lock()
	acc.comms[c] = struct{}{}
	acc.commsLock.Unlock()
	return c
}

// Unregister removes this Comm from the account.
func (c *Comm) Unregister() {
	c.acc.commsLock.Lock()
	delete(c.acc.comms, c)
	c.acc.commsLock.Unlock()
}

// Broadcast delivers changes to all other Comms on the account.
func (c *Comm) Broadcast(ch []Change) {
	broadcast(c.acc, c, ch)
}

// BroadcastChanges delivers changes to all Comms on the account, e.g. for
// changes not originating from a session.
func BroadcastChanges(acc *Account, ch []Change) {
	broadcast(acc, nil, ch)
}

func broadcast(acc *Account, from *Comm, ch []Change) {
	if len(ch) == 0 {
		return
	}
	acc.commsLock.Lock()
	defer acc.commsLock.Unlock()
	for o := range acc.comms {
		if o == from {
			continue
		}
		o.Lock()
		o.changes = append(o.changes, ch...)
		o.Unlock()
		select {
		case o.Pending <- struct{}{}:
		default:
		}
	}
}

// Get retrieves all pending changes, clearing them. Returns nil or an empty
// list if nothing is pending.
func (c *Comm) Get() []Change {
	c.Lock()
	defer c.Unlock()
	l := c.changes
	c.changes = nil
	return l
}

// PendingCount returns the number of queued changes without consuming them,
// for the session manager's overflow classification.
func (c *Comm) PendingCount() int {
	c.Lock()
	defer c.Unlock()
	return len(c.changes)
}
