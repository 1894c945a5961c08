package imapsession

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mjl-/bstore"
)

// FolderSnapshot is a serialized folder record list in the inactive cache
// tier. The key encodes account, mailbox, modseq and uidvalidity, so a stale
// entry simply never matches again.
type FolderSnapshot struct {
	Key   string
	Data  []byte `bstore:"nonzero"`
	Saved time.Time
}

func activeKey(account string, mailboxID int64, modseq int64, uidValidity uint32) string {
	return fmt.Sprintf("%s_%d_%d_%d", account, mailboxID, modseq, uidValidity)
}

func inactiveKey(account string, mailboxID int64, modseq int64, uidValidity uint32) string {
	return fmt.Sprintf("%s:%d:%d:%d", account, mailboxID, modseq, uidValidity)
}

// snapshotCache holds serialized folder views in two tiers: a small
// in-memory active tier for folders likely to be reopened soon, and a
// database-backed inactive tier that survives restarts. Lookups check both.
type snapshotCache struct {
	sync.Mutex
	active map[string]activeEntry
	db     *bstore.DB // May be nil, then only the active tier is used.
}

type activeEntry struct {
	data  []byte
	saved time.Time
}

func newSnapshotCache(db *bstore.DB) *snapshotCache {
	return &snapshotCache{active: map[string]activeEntry{}, db: db}
}

func (c *snapshotCache) Put(account string, mailboxID int64, modseq int64, uidValidity uint32, data []byte, now time.Time) {
	c.Lock()
	defer c.Unlock()
	c.active[activeKey(account, mailboxID, modseq, uidValidity)] = activeEntry{data, now}
}

func (c *snapshotCache) Get(account string, mailboxID int64, modseq int64, uidValidity uint32) ([]byte, bool) {
	c.Lock()
	if e, ok := c.active[activeKey(account, mailboxID, modseq, uidValidity)]; ok {
		c.Unlock()
		return e.data, true
	}
	c.Unlock()

	if c.db == nil {
		return nil, false
	}
	fs := FolderSnapshot{Key: inactiveKey(account, mailboxID, modseq, uidValidity)}
	err := c.db.Read(context.TODO(), func(tx *bstore.Tx) error {
		return tx.Get(&fs)
	})
	if err != nil {
		return nil, false
	}
	return fs.Data, true
}

// Demote moves active entries saved before the cutoff to the inactive tier,
// and prunes inactive entries older than the horizon. Write errors leave the
// entry in the active tier for the next pass.
func (c *snapshotCache) Demote(cutoff, horizon time.Time) error {
	c.Lock()
	var keys []string
	var demote []FolderSnapshot
	for key, e := range c.active {
		if e.saved.Before(cutoff) {
			keys = append(keys, key)
			demote = append(demote, FolderSnapshot{Key: toInactiveKey(key), Data: e.data, Saved: e.saved})
			delete(c.active, key)
		}
	}
	c.Unlock()

	if c.db == nil {
		return nil
	}
	err := c.db.Write(context.TODO(), func(tx *bstore.Tx) error {
		for _, fs := range demote {
			fs := fs
			if err := tx.Delete(&FolderSnapshot{Key: fs.Key}); err != nil && !errors.Is(err, bstore.ErrAbsent) {
				return err
			}
			if err := tx.Insert(&fs); err != nil {
				return err
			}
		}
		q := bstore.QueryTx[FolderSnapshot](tx)
		q.FilterLess("Saved", horizon)
		_, err := q.Delete()
		return err
	})
	if err != nil {
		// Restore the entries, the next pass retries. A fresher snapshot
		// stored in the meantime wins.
		c.Lock()
		for i, key := range keys {
			if _, ok := c.active[key]; !ok {
				c.active[key] = activeEntry{data: demote[i].Data, saved: demote[i].Saved}
			}
		}
		c.Unlock()
	}
	return err
}

func toInactiveKey(active string) string {
	// Same components, different separator.
	b := []byte(active)
	// Replace the final three underscores with colons, account names may
	// themselves contain underscores.
	n := 0
	for i := len(b) - 1; i >= 0 && n < 3; i-- {
		if b[i] == '_' {
			b[i] = ':'
			n++
		}
	}
	return string(b)
}
