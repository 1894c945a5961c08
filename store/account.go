package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/mjl-/bstore"

	"github.com/lodemail/lode/mlog"
)

// DBTypes are the types stored in the per-account database.
var DBTypes = []any{Mailbox{}, Subscription{}, Message{}, SyncState{}, Credential{}, Quota{}, ACL{}}

// Account is an open account, with its database and locks. Opening is
// reference counted; a second open of the same account returns the same
// instance.
type Account struct {
	Name string
	Dir  string
	DB   *bstore.DB

	// Protects the account against concurrent multi-step operations from
	// different sessions. Handlers take the write lock around mutations and
	// their broadcast, the read lock around multi-step reads that need a
	// consistent snapshot. Not held while writing protocol responses.
	lock sync.RWMutex

	commsLock sync.Mutex
	comms     map[*Comm]struct{}

	nused  int
	closed bool
}

var openAccounts = struct {
	sync.Mutex
	names map[string]*Account
}{names: map[string]*Account{}}

// OpenAccount opens the account under dataDir, creating the database and an
// Inbox if absent.
func OpenAccount(log mlog.Log, dataDir, name string) (*Account, error) {
	openAccounts.Lock()
	defer openAccounts.Unlock()
	if acc, ok := openAccounts.names[name]; ok {
		acc.nused++
		return acc, nil
	}

	acc, err := openAccount(dataDir, name)
	if err != nil {
		return nil, err
	}
	openAccounts.names[name] = acc
	return acc, nil
}

func openAccount(dataDir, name string) (*Account, error) {
	if name == "" || strings.ContainsAny(name, "/\\") {
		return nil, fmt.Errorf("bad account name %q", name)
	}
	dir := filepath.Join(dataDir, "accounts", name)
	if err := os.MkdirAll(filepath.Join(dir, "msg"), 0770); err != nil {
		return nil, fmt.Errorf("creating account directory: %w", err)
	}
	dbpath := filepath.Join(dir, "index.db")
	db, err := bstore.Open(context.TODO(), dbpath, &bstore.Options{Timeout: 5 * time.Second, Perm: 0660}, DBTypes...)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	acc := &Account{
		Name:  name,
		Dir:   dir,
		DB:    db,
		nused: 1,
		comms: map[*Comm]struct{}{},
	}

	err = db.Write(context.TODO(), func(tx *bstore.Tx) error {
		ss := SyncState{ID: 1}
		if err := tx.Get(&ss); err == nil {
			return nil
		} else if !errors.Is(err, bstore.ErrAbsent) {
			return err
		}
		ss = SyncState{ID: 1, LastModSeq: 1, LastUIDValidity: 1}
		if err := tx.Insert(&ss); err != nil {
			return err
		}
		mb := Mailbox{Name: "Inbox", UIDValidity: 1, UIDNext: 1, Subscribed: true}
		if err := tx.Insert(&mb); err != nil {
			return err
		}
		return tx.Insert(&Subscription{Name: "Inbox"})
	})
	if err != nil {
		xerr := db.Close()
		if xerr != nil {
			return nil, fmt.Errorf("initializing account: %w (also closing database: %v)", err, xerr)
		}
		return nil, fmt.Errorf("initializing account: %w", err)
	}
	return acc, nil
}

// Close decreases the reference count, closing the database when it drops to
// zero.
func (a *Account) Close() error {
	openAccounts.Lock()
	defer openAccounts.Unlock()
	a.nused--
	if a.nused > 0 {
		return nil
	}
	if a.closed {
		return fmt.Errorf("account already closed")
	}
	a.closed = true
	delete(openAccounts.names, a.Name)
	return a.DB.Close()
}

// WithWLock runs fn with the account exclusively locked.
func (a *Account) WithWLock(fn func()) {
	a.lock.Lock()
	defer a.lock.Unlock()
	fn()
}

// WithRLock runs fn with the account read-locked.
func (a *Account) WithRLock(fn func()) {
	a.lock.RLock()
	defer a.lock.RUnlock()
	fn()
}

// NextModSeq assigns and returns the next modseq for the account.
func (a *Account) NextModSeq(tx *bstore.Tx) (ModSeq, error) {
	ss := SyncState{ID: 1}
	if err := tx.Get(&ss); err != nil {
		return 0, fmt.Errorf("get sync state: %w", err)
	}
	ss.LastModSeq++
	if err := tx.Update(&ss); err != nil {
		return 0, fmt.Errorf("update sync state: %w", err)
	}
	return ss.LastModSeq, nil
}

// NextUIDValidity assigns and returns the next uid validity for the account.
func (a *Account) NextUIDValidity(tx *bstore.Tx) (uint32, error) {
	ss := SyncState{ID: 1}
	if err := tx.Get(&ss); err != nil {
		return 0, fmt.Errorf("get sync state: %w", err)
	}
	ss.LastUIDValidity++
	if err := tx.Update(&ss); err != nil {
		return 0, fmt.Errorf("update sync state: %w", err)
	}
	return ss.LastUIDValidity, nil
}

// HighestDeletedModSeq returns the highest modseq of fully removed expunged
// messages, for QRESYNC history decisions.
func (a *Account) HighestDeletedModSeq(tx *bstore.Tx) (ModSeq, error) {
	ss := SyncState{ID: 1}
	if err := tx.Get(&ss); err != nil {
		return 0, fmt.Errorf("get sync state: %w", err)
	}
	return ss.HighestDeletedModSeq, nil
}

// HighestModSeq returns the highest modseq of any message in the mailbox, or
// 0 when empty.
func (a *Account) HighestModSeq(tx *bstore.Tx, mailboxID int64) (ModSeq, error) {
	q := bstore.QueryTx[Message](tx)
	q.FilterNonzero(Message{MailboxID: mailboxID})
	q.SortDesc("ModSeq")
	q.Limit(1)
	m, err := q.Get()
	if errors.Is(err, bstore.ErrAbsent) {
		return 0, nil
	} else if err != nil {
		return 0, fmt.Errorf("looking up highest modseq: %w", err)
	}
	return m.ModSeq, nil
}

// MessagePath returns the file system path of a message's content.
func (a *Account) MessagePath(messageID int64) string {
	return filepath.Join(a.Dir, "msg", strconv.FormatInt(messageID, 10))
}

// MailboxFind looks up a mailbox by name, returning nil without error when
// absent.
func (a *Account) MailboxFind(tx *bstore.Tx, name string) (*Mailbox, error) {
	q := bstore.QueryTx[Mailbox](tx)
	q.FilterNonzero(Mailbox{Name: name})
	mb, err := q.Get()
	if errors.Is(err, bstore.ErrAbsent) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("finding mailbox: %w", err)
	}
	return &mb, nil
}

// MailboxByID returns a mailbox by id.
func (a *Account) MailboxByID(tx *bstore.Tx, id int64) (Mailbox, error) {
	mb := Mailbox{ID: id}
	err := tx.Get(&mb)
	if errors.Is(err, bstore.ErrAbsent) {
		return Mailbox{}, ErrUnknownMailbox
	} else if err != nil {
		return Mailbox{}, fmt.Errorf("get mailbox: %w", err)
	}
	return mb, nil
}

// MailboxList returns all mailboxes, sorted by name.
func (a *Account) MailboxList(tx *bstore.Tx) ([]Mailbox, error) {
	l, err := bstore.QueryTx[Mailbox](tx).List()
	if err != nil {
		return nil, fmt.Errorf("listing mailboxes: %w", err)
	}
	sort.Slice(l, func(i, j int) bool { return l[i].Name < l[j].Name })
	return l, nil
}

// MailboxCreate creates a mailbox, adding missing parents too. Created names
// are returned in hierarchy order. exists is set when the mailbox already
// existed.
func (a *Account) MailboxCreate(tx *bstore.Tx, name string) (changes []Change, created []string, exists bool, rerr error) {
	elems := strings.Split(name, "/")
	p := ""
	for i, elem := range elems {
		if p != "" {
			p += "/"
		}
		p += elem
		mb, err := a.MailboxFind(tx, p)
		if err != nil {
			return nil, nil, false, err
		}
		if mb != nil {
			if i == len(elems)-1 {
				return nil, nil, true, fmt.Errorf("mailbox already exists")
			}
			continue
		}
		uidval, err := a.NextUIDValidity(tx)
		if err != nil {
			return nil, nil, false, err
		}
		nmb := Mailbox{Name: p, UIDValidity: uidval, UIDNext: 1, Subscribed: true}
		if err := tx.Insert(&nmb); err != nil {
			return nil, nil, false, fmt.Errorf("inserting mailbox: %w", err)
		}
		if err := tx.Insert(&Subscription{Name: p}); err != nil && !errors.Is(err, bstore.ErrUnique) {
			return nil, nil, false, fmt.Errorf("subscribing new mailbox: %w", err)
		}
		created = append(created, p)
		changes = append(changes, ChangeAddMailbox{Mailbox: nmb, Flags: []string{`\Subscribed`}})
	}
	return changes, created, false, nil
}

// MailboxHasChildren returns whether name has sub-mailboxes.
func (a *Account) MailboxHasChildren(tx *bstore.Tx, name string) (bool, error) {
	q := bstore.QueryTx[Mailbox](tx)
	q.FilterFn(func(xmb Mailbox) bool { return strings.HasPrefix(xmb.Name, name+"/") })
	q.Limit(1)
	_, err := q.Get()
	if errors.Is(err, bstore.ErrAbsent) {
		return false, nil
	} else if err != nil {
		return false, fmt.Errorf("checking for children: %w", err)
	}
	return true, nil
}

// MailboxDelete removes a mailbox and its messages. Mailboxes with children
// cannot be removed. Caller removes message files after the transaction, with
// the returned ids.
func (a *Account) MailboxDelete(tx *bstore.Tx, mb Mailbox) (changes []Change, removeIDs []int64, hasChildren bool, rerr error) {
	hasChildren, err := a.MailboxHasChildren(tx, mb.Name)
	if err != nil {
		return nil, nil, false, err
	}
	if hasChildren {
		return nil, nil, true, fmt.Errorf("mailbox has children")
	}

	qm := bstore.QueryTx[Message](tx)
	qm.FilterNonzero(Message{MailboxID: mb.ID})
	msgs, err := qm.List()
	if err != nil {
		return nil, nil, false, fmt.Errorf("listing messages: %w", err)
	}
	var highest ModSeq
	for _, m := range msgs {
		if m.ModSeq > highest {
			highest = m.ModSeq
		}
		removeIDs = append(removeIDs, m.ID)
		if err := tx.Delete(&Message{ID: m.ID}); err != nil {
			return nil, nil, false, fmt.Errorf("deleting message: %w", err)
		}
	}
	if highest > 0 {
		ss := SyncState{ID: 1}
		if err := tx.Get(&ss); err != nil {
			return nil, nil, false, fmt.Errorf("get sync state: %w", err)
		}
		if highest > ss.HighestDeletedModSeq {
			ss.HighestDeletedModSeq = highest
			if err := tx.Update(&ss); err != nil {
				return nil, nil, false, fmt.Errorf("update sync state: %w", err)
			}
		}
	}

	qa := bstore.QueryTx[ACL](tx)
	qa.FilterNonzero(ACL{MailboxID: mb.ID})
	if _, err := qa.Delete(); err != nil {
		return nil, nil, false, fmt.Errorf("deleting acls: %w", err)
	}

	if err := tx.Delete(&Mailbox{ID: mb.ID}); err != nil {
		return nil, nil, false, fmt.Errorf("deleting mailbox: %w", err)
	}
	changes = append(changes, ChangeRemoveMailbox{MailboxID: mb.ID, Name: mb.Name})
	return changes, removeIDs, false, nil
}

// MailboxRename renames mb to dst, renaming children along. Missing parents
// of dst are created. Subscriptions stay with the old names.
func (a *Account) MailboxRename(tx *bstore.Tx, mb Mailbox, dst string) (changes []Change, rerr error) {
	if exists, err := a.MailboxFind(tx, dst); err != nil {
		return nil, err
	} else if exists != nil {
		return nil, fmt.Errorf("destination mailbox already exists")
	}

	// Create missing parents of the destination.
	if parent := ParentMailboxName(dst); parent != "" {
		if pmb, err := a.MailboxFind(tx, parent); err != nil {
			return nil, err
		} else if pmb == nil {
			nchanges, _, _, err := a.MailboxCreate(tx, parent)
			if err != nil {
				return nil, fmt.Errorf("creating parents of destination: %w", err)
			}
			changes = append(changes, nchanges...)
		}
	}

	q := bstore.QueryTx[Mailbox](tx)
	q.FilterFn(func(xmb Mailbox) bool {
		return xmb.ID == mb.ID || strings.HasPrefix(xmb.Name, mb.Name+"/")
	})
	l, err := q.List()
	if err != nil {
		return nil, fmt.Errorf("listing mailboxes to rename: %w", err)
	}
	for _, xmb := range l {
		old := xmb.Name
		xmb.Name = dst + strings.TrimPrefix(old, mb.Name)
		if err := tx.Update(&xmb); err != nil {
			return nil, fmt.Errorf("updating renamed mailbox: %w", err)
		}
		changes = append(changes, ChangeRenameMailbox{MailboxID: xmb.ID, OldName: old, NewName: xmb.Name})
	}
	return changes, nil
}

// SubscriptionEnsure adds a subscription for name if not present.
func (a *Account) SubscriptionEnsure(tx *bstore.Tx, name string) error {
	err := tx.Insert(&Subscription{Name: name})
	if err != nil && !errors.Is(err, bstore.ErrUnique) {
		return fmt.Errorf("inserting subscription: %w", err)
	}
	return nil
}

// FolderRecords returns the non-expunged messages of a mailbox in ascending
// UID order. For virtual mailboxes, the stored query is evaluated instead.
func (a *Account) FolderRecords(tx *bstore.Tx, mb Mailbox) ([]Message, error) {
	if mb.SearchQuery != "" {
		return a.virtualRecords(tx, mb)
	}
	q := bstore.QueryTx[Message](tx)
	q.FilterNonzero(Message{MailboxID: mb.ID})
	q.FilterEqual("Expunged", false)
	q.SortAsc("UID")
	l, err := q.List()
	if err != nil {
		return nil, fmt.Errorf("listing mailbox messages: %w", err)
	}
	return l, nil
}

// virtualRecords evaluates a virtual mailbox's query over all mailboxes.
// Supported criteria: "flagged", "unseen", "deleted", "draft",
// "keyword <kw>".
func (a *Account) virtualRecords(tx *bstore.Tx, mb Mailbox) ([]Message, error) {
	crit := strings.Fields(strings.ToLower(mb.SearchQuery))
	if len(crit) == 0 {
		return nil, fmt.Errorf("virtual mailbox with empty query")
	}
	match := func(m Message) bool {
		switch crit[0] {
		case "flagged":
			return m.Flagged
		case "unseen":
			return !m.Seen
		case "deleted":
			return m.Deleted
		case "draft":
			return m.Draft
		case "keyword":
			if len(crit) < 2 {
				return false
			}
			for _, kw := range m.Keywords {
				if strings.EqualFold(kw, crit[1]) {
					return true
				}
			}
			return false
		}
		return false
	}
	q := bstore.QueryTx[Message](tx)
	q.FilterEqual("Expunged", false)
	q.FilterFn(func(m Message) bool { return m.MailboxID != mb.ID && match(m) })
	l, err := q.List()
	if err != nil {
		return nil, fmt.Errorf("evaluating virtual mailbox query: %w", err)
	}
	// Order by message id: a stable order across evaluations, independent of
	// the source mailboxes' UIDs. The folder view assigns session UIDs.
	sort.Slice(l, func(i, j int) bool { return l[i].ID < l[j].ID })
	return l, nil
}

// MessageByID returns a message by id.
func (a *Account) MessageByID(tx *bstore.Tx, id int64) (Message, error) {
	m := Message{ID: id}
	if err := tx.Get(&m); err != nil {
		return Message{}, fmt.Errorf("get message: %w", err)
	}
	return m, nil
}

// DeliverMessage adds a message to a mailbox, assigning the next UID and
// writing content to the message file. Mailbox counts and keywords are
// updated; mb must be stored by the caller after possibly more deliveries.
func (a *Account) DeliverMessage(tx *bstore.Tx, mb *Mailbox, m *Message, content []byte) error {
	modseq, err := a.NextModSeq(tx)
	if err != nil {
		return err
	}
	m.MailboxID = mb.ID
	m.UID = mb.UIDNext
	m.ModSeq = modseq
	m.CreateSeq = modseq
	m.Size = int64(len(content))
	if m.InternalDate.IsZero() {
		m.InternalDate = time.Now()
	}
	m.SaveDate = time.Now()
	mb.UIDNext++
	if err := tx.Insert(m); err != nil {
		return fmt.Errorf("inserting message: %w", err)
	}

	mb.Total++
	mb.Size += m.Size
	if !m.Seen {
		mb.Unseen++
	}
	if m.Deleted {
		mb.Deleted++
	}
	for _, kw := range m.Keywords {
		if !mb.HasKeyword(kw) {
			mb.Keywords = append(mb.Keywords, kw)
		}
	}

	if err := os.WriteFile(a.MessagePath(m.ID), content, 0660); err != nil {
		return fmt.Errorf("writing message file: %w", err)
	}
	return nil
}

// Renumber assigns a fresh, higher UID to the message, for resolving
// out-of-order UID insertion in session views.
func (a *Account) Renumber(tx *bstore.Tx, m *Message) error {
	mb, err := a.MailboxByID(tx, m.MailboxID)
	if err != nil {
		return err
	}
	modseq, err := a.NextModSeq(tx)
	if err != nil {
		return err
	}
	m.UID = mb.UIDNext
	m.ModSeq = modseq
	mb.UIDNext++
	if err := tx.Update(m); err != nil {
		return fmt.Errorf("updating renumbered message: %w", err)
	}
	if err := tx.Update(&mb); err != nil {
		return fmt.Errorf("updating mailbox uidnext: %w", err)
	}
	return nil
}

// ApplyFlags applies a flag/keyword delta to a message, assigning modseq and
// updating mailbox counts. Keywords not yet known to the mailbox are
// recorded. Returns whether anything changed.
func (a *Account) ApplyFlags(tx *bstore.Tx, mb *Mailbox, m *Message, mask, flags Flags, keywords []string, keywordsAdd bool) (bool, ModSeq, error) {
	oflags := m.Flags
	okeywords := m.Keywords
	m.Flags = m.Flags.Set(mask, flags)
	m.Keywords = mergeKeywords(m.Keywords, keywords, keywordsAdd)

	if m.Flags == oflags && equalStrings(m.Keywords, okeywords) {
		return false, 0, nil
	}

	modseq, err := a.NextModSeq(tx)
	if err != nil {
		return false, 0, err
	}
	m.ModSeq = modseq
	if err := tx.Update(m); err != nil {
		return false, 0, fmt.Errorf("updating message flags: %w", err)
	}

	if oflags.Seen != m.Seen {
		if m.Seen {
			mb.Unseen--
		} else {
			mb.Unseen++
		}
	}
	if oflags.Deleted != m.Deleted {
		if m.Deleted {
			mb.Deleted++
		} else {
			mb.Deleted--
		}
	}
	for _, kw := range m.Keywords {
		if !mb.HasKeyword(kw) {
			mb.Keywords = append(mb.Keywords, kw)
		}
	}
	return true, modseq, nil
}

func mergeKeywords(cur, change []string, add bool) []string {
	if change == nil {
		return cur
	}
	if !add {
		return append([]string{}, change...)
	}
	r := append([]string{}, cur...)
	for _, kw := range change {
		found := false
		for _, have := range r {
			if strings.EqualFold(have, kw) {
				found = true
				break
			}
		}
		if !found {
			r = append(r, kw)
		}
	}
	return r
}

func equalStrings(a, b []string) bool {
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

// ExpungeMessages marks the messages as expunged with a single new modseq,
// updating mailbox counts. The messages stay as tombstones. UIDs returned are
// in ascending order.
func (a *Account) ExpungeMessages(tx *bstore.Tx, mb *Mailbox, msgs []Message) ([]UID, ModSeq, error) {
	if len(msgs) == 0 {
		return nil, 0, nil
	}
	modseq, err := a.NextModSeq(tx)
	if err != nil {
		return nil, 0, err
	}
	uids := make([]UID, 0, len(msgs))
	for _, m := range msgs {
		if m.Expunged {
			continue
		}
		m.Expunged = true
		m.ModSeq = modseq
		if err := tx.Update(&m); err != nil {
			return nil, 0, fmt.Errorf("marking message expunged: %w", err)
		}
		uids = append(uids, m.UID)
		mb.Total--
		mb.Size -= m.Size
		if !m.Seen {
			mb.Unseen--
		}
		if m.Deleted {
			mb.Deleted--
		}
	}
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })
	return uids, modseq, nil
}

// CopyMessages copies messages into dst, assigning new UIDs in the order
// given. Returns the new messages in the same order. Content files are
// hard-linked or copied by the caller afterwards using the id pairs.
func (a *Account) CopyMessages(tx *bstore.Tx, dst *Mailbox, msgs []Message) ([]Message, error) {
	modseq, err := a.NextModSeq(tx)
	if err != nil {
		return nil, err
	}
	nmsgs := make([]Message, 0, len(msgs))
	for _, om := range msgs {
		nm := om
		nm.ID = 0
		nm.MailboxID = dst.ID
		nm.UID = dst.UIDNext
		nm.ModSeq = modseq
		nm.CreateSeq = modseq
		nm.SaveDate = time.Now()
		dst.UIDNext++
		if err := tx.Insert(&nm); err != nil {
			return nil, fmt.Errorf("inserting copied message: %w", err)
		}
		dst.Total++
		dst.Size += nm.Size
		if !nm.Seen {
			dst.Unseen++
		}
		if nm.Deleted {
			dst.Deleted++
		}
		for _, kw := range nm.Keywords {
			if !dst.HasKeyword(kw) {
				dst.Keywords = append(dst.Keywords, kw)
			}
		}
		nmsgs = append(nmsgs, nm)
	}
	return nmsgs, nil
}

// LinkMessageFile makes the content of message srcID available under dstID.
func (a *Account) LinkMessageFile(srcID, dstID int64) error {
	src, dst := a.MessagePath(srcID), a.MessagePath(dstID)
	if err := os.Link(src, dst); err == nil {
		return nil
	}
	buf, err := os.ReadFile(src)
	if err != nil {
		return fmt.Errorf("reading message file: %w", err)
	}
	if err := os.WriteFile(dst, buf, 0660); err != nil {
		return fmt.Errorf("writing linked message file: %w", err)
	}
	return nil
}

// QuotaUsage returns the total message size and the configured limit, 0 for
// unlimited.
func (a *Account) QuotaUsage(tx *bstore.Tx) (used, limit int64, rerr error) {
	l, err := bstore.QueryTx[Mailbox](tx).List()
	if err != nil {
		return 0, 0, fmt.Errorf("listing mailboxes for quota: %w", err)
	}
	for _, mb := range l {
		used += mb.Size
	}
	qt := Quota{ID: 1}
	if err := tx.Get(&qt); err != nil && !errors.Is(err, bstore.ErrAbsent) {
		return 0, 0, fmt.Errorf("get quota: %w", err)
	}
	return used, qt.MaxSize, nil
}

// Rights returns the rights of identifier on the mailbox. The account owner
// implicitly has all rights.
func (a *Account) Rights(tx *bstore.Tx, mb Mailbox, identifier string) (string, error) {
	if identifier == a.Name {
		return AllRights, nil
	}
	q := bstore.QueryTx[ACL](tx)
	q.FilterNonzero(ACL{MailboxID: mb.ID, Identifier: identifier})
	acl, err := q.Get()
	if errors.Is(err, bstore.ErrAbsent) {
		return "", nil
	} else if err != nil {
		return "", fmt.Errorf("get acl: %w", err)
	}
	return acl.Rights, nil
}

// SetRights stores rights for identifier on the mailbox; empty rights remove
// the entry.
func (a *Account) SetRights(tx *bstore.Tx, mb Mailbox, identifier, rights string) error {
	q := bstore.QueryTx[ACL](tx)
	q.FilterNonzero(ACL{MailboxID: mb.ID, Identifier: identifier})
	acl, err := q.Get()
	if errors.Is(err, bstore.ErrAbsent) {
		if rights == "" {
			return nil
		}
		return tx.Insert(&ACL{MailboxID: mb.ID, Identifier: identifier, Rights: rights})
	} else if err != nil {
		return fmt.Errorf("get acl: %w", err)
	}
	if rights == "" {
		return tx.Delete(&ACL{ID: acl.ID})
	}
	acl.Rights = rights
	return tx.Update(&acl)
}

// SetPassword stores a new bcrypt password hash for the account.
func (a *Account) SetPassword(password string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("generating password hash: %w", err)
	}
	return a.DB.Write(context.TODO(), func(tx *bstore.Tx) error {
		cred := Credential{ID: 1}
		err := tx.Get(&cred)
		if errors.Is(err, bstore.ErrAbsent) {
			return tx.Insert(&Credential{ID: 1, Hash: string(hash)})
		} else if err != nil {
			return err
		}
		cred.Hash = string(hash)
		return tx.Update(&cred)
	})
}

// Login verifies the password against the stored credential.
func (a *Account) Login(password string) error {
	var cred Credential
	err := a.DB.Read(context.TODO(), func(tx *bstore.Tx) error {
		cred = Credential{ID: 1}
		return tx.Get(&cred)
	})
	if errors.Is(err, bstore.ErrAbsent) {
		return ErrUnknownCredentials
	} else if err != nil {
		return fmt.Errorf("get credential: %w", err)
	}
	if cred.Disabled {
		return ErrLoginDisabled
	}
	if bcrypt.CompareHashAndPassword([]byte(cred.Hash), []byte(password)) != nil {
		return ErrUnknownCredentials
	}
	return nil
}
