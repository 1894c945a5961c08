// Package imapsession reconciles concurrent IMAP sessions against mailbox
// folders: opening a folder view via the cheapest available source (live
// duplicate, snapshot cache, backend query), and evicting or serializing
// idle views under memory pressure from a background sweep.
package imapsession

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/mjl-/bstore"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/lodemail/lode/config"
	"github.com/lodemail/lode/imapview"
	"github.com/lodemail/lode/metrics"
	"github.com/lodemail/lode/mlog"
	"github.com/lodemail/lode/store"
)

var (
	metricSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "lode_session_live",
			Help: "Number of live folder sessions.",
		},
	)
	metricEvictions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lode_session_evictions_total",
			Help: "Sessions evicted by the sweep, by kind.",
		},
		[]string{
			"kind", // page, drop
		},
	)
	metricSnapshots = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "lode_session_snapshots_total",
			Help: "Folder views serialized into the snapshot cache.",
		},
	)
)

// ErrRenumberExhausted means an out-of-order UID could not be placed within
// the configured number of backend renumber attempts. The session is beyond
// repair and the connection must be closed.
var ErrRenumberExhausted = errors.New("renumbering exhausted")

// Session is one listener on a folder: a view plus bookkeeping for the
// eviction sweep.
type Session struct {
	Account     *store.Account
	MailboxID   int64
	MailboxName string
	View        *imapview.View
	Interactive bool

	// Called from the detach worker when the sweep pages this session out.
	OnDetach func()

	mgr        *Manager
	lastAccess time.Time
	renumbers  map[int64]int
}

// Manager tracks live sessions per folder and owns the snapshot cache and
// the eviction sweep.
type Manager struct {
	log    mlog.Log
	limits config.Limits
	now    func() time.Time

	cache   *snapshotCache
	detachq chan *Session

	sync.Mutex
	sessions map[string][]*Session
}

// NewManager returns a manager. db backs the inactive snapshot tier and may
// be nil. now is the clock, nil for time.Now; tests inject their own.
func NewManager(log mlog.Log, limits config.Limits, db *bstore.DB, now func() time.Time) *Manager {
	if now == nil {
		now = time.Now
	}
	return &Manager{
		log:      log,
		limits:   limits,
		now:      now,
		cache:    newSnapshotCache(db),
		detachq:  make(chan *Session, 64),
		sessions: map[string][]*Session{},
	}
}

// CacheDBTypes are the types of the snapshot cache database.
var CacheDBTypes = []any{FolderSnapshot{}}

func folderKey(account string, mailboxID int64) string {
	return fmt.Sprintf("%s/%d", account, mailboxID)
}

// OpenFolder opens a view on the named mailbox. Virtual folders are always
// recomputed from their query. For regular folders the record list comes
// from a live session on the same folder, the snapshot cache, or a backend
// query, in that order of preference.
func (mgr *Manager) OpenFolder(acc *store.Account, name string, writable, interactive bool) (*Session, error) {
	var mb store.Mailbox
	var backend []store.Message
	var modseq store.ModSeq
	err := acc.DB.Read(context.TODO(), func(tx *bstore.Tx) error {
		xmb, err := acc.MailboxFind(tx, name)
		if err != nil {
			return err
		}
		if xmb == nil {
			return store.ErrUnknownMailbox
		}
		mb = *xmb
		modseq, err = acc.HighestModSeq(tx, mb.ID)
		if err != nil {
			return err
		}
		backend, err = acc.FolderRecords(tx, mb)
		return err
	})
	if err != nil {
		return nil, err
	}

	virtual := mb.SearchQuery != ""

	var records []*imapview.Record
	var source string
	if virtual {
		// Membership is query-derived: session UIDs are positional and the
		// view is never shared or cached.
		records = make([]*imapview.Record, 0, len(backend))
		for i, m := range backend {
			r := imapview.NewRecord(m)
			r.UID = store.UID(i + 1)
			records = append(records, r)
		}
		source = "query"
	} else {
		records, source = mgr.findRecords(acc, mb, modseq)
		if records == nil {
			records = recordsFromMessages(backend)
			source = "backend"
		} else if mgr.limits.ConsistencyCheck {
			authoritative := recordsFromMessages(backend)
			if !recordsConsistent(records, authoritative) {
				mgr.log.Error("session cache inconsistent with mailbox, discarding",
					slog.String("account", acc.Name),
					slog.String("mailbox", mb.Name),
					slog.String("source", source))
				metrics.SessionConsistencyInc("mismatch")
				records = authoritative
				source = "backend"
			} else {
				metrics.SessionConsistencyInc("ok")
			}
		}
	}

	v := imapview.NewView(mb.ID, mb.Name, mb.UIDValidity, virtual, writable)
	recent := map[store.UID]bool{}
	if source == "backend" || source == "query" {
		for _, m := range backend {
			if m.SaveDate.After(mb.RecentSeen) {
				recent[m.UID] = true
			}
		}
	}
	for _, r := range records {
		uid := r.UID
		if virtual {
			// Recency follows the underlying message, keyed by its own UID.
			uid = store.UID(r.ItemID)
		}
		if err := v.CacheMessage(r, recent[uid]); err != nil {
			// The source list is UID-sorted, a failure here means duplicate
			// UIDs, which CacheMessage drops.
			mgr.log.Errorx("caching message at open", err, slog.Int64("item", r.ItemID))
		}
	}

	if writable && !virtual && len(recent) > 0 {
		err := acc.DB.Write(context.TODO(), func(tx *bstore.Tx) error {
			xmb := store.Mailbox{ID: mb.ID}
			if err := tx.Get(&xmb); err != nil {
				return err
			}
			xmb.RecentSeen = mgr.now()
			return tx.Update(&xmb)
		})
		if err != nil {
			mgr.log.Errorx("updating recent cutoff", err, slog.String("mailbox", mb.Name))
		}
	}

	sess := &Session{
		Account:     acc,
		MailboxID:   mb.ID,
		MailboxName: mb.Name,
		View:        v,
		Interactive: interactive,
		mgr:         mgr,
		lastAccess:  mgr.now(),
	}
	mgr.Lock()
	key := folderKey(acc.Name, mb.ID)
	mgr.sessions[key] = append(mgr.sessions[key], sess)
	mgr.Unlock()
	metricSessions.Inc()
	mgr.log.Debug("opened folder view",
		slog.String("account", acc.Name),
		slog.String("mailbox", mb.Name),
		slog.String("source", source),
		slog.Int("records", len(records)))
	return sess, nil
}

// findRecords returns a candidate record list from a live session or the
// snapshot cache, nil if neither has one.
func (mgr *Manager) findRecords(acc *store.Account, mb store.Mailbox, modseq store.ModSeq) ([]*imapview.Record, string) {
	key := folderKey(acc.Name, mb.ID)

	mgr.Lock()
	var donor *Session
	for _, s := range mgr.sessions[key] {
		if s.View.Virtual {
			continue
		}
		donor = s
		break
	}
	mgr.Unlock()
	if donor != nil {
		records := duplicateRecords(donor.View)
		if !donor.Interactive {
			// A background listener is superseded by the new session.
			mgr.remove(donor)
		}
		return records, "duplicate"
	}

	buf, ok := mgr.cache.Get(acc.Name, mb.ID, int64(modseq), mb.UIDValidity)
	if !ok {
		return nil, ""
	}
	records, uidValidity, err := Restore(buf)
	if err != nil || uidValidity != mb.UIDValidity {
		if err != nil {
			mgr.log.Errorx("restoring folder snapshot, falling back to backend", err, slog.String("mailbox", mb.Name))
		}
		return nil, ""
	}
	return records, "snapshot"
}

func duplicateRecords(v *imapview.View) []*imapview.Record {
	all := v.All()
	records := make([]*imapview.Record, 0, len(all))
	for _, r := range all {
		if r.IsExpunged() {
			continue
		}
		nr := &imapview.Record{
			ItemID:   r.ItemID,
			UID:      r.UID,
			ModSeq:   r.ModSeq,
			Flags:    r.Flags,
			Keywords: append([]string{}, r.Keywords...),
		}
		records = append(records, nr)
	}
	return records
}

func recordsFromMessages(msgs []store.Message) []*imapview.Record {
	records := make([]*imapview.Record, 0, len(msgs))
	for _, m := range msgs {
		records = append(records, imapview.NewRecord(m))
	}
	return records
}

func recordsConsistent(candidate, authoritative []*imapview.Record) bool {
	if len(candidate) != len(authoritative) {
		return false
	}
	for i, c := range candidate {
		a := authoritative[i]
		if c.ItemID != a.ItemID || c.UID != a.UID || c.Flags != a.Flags {
			return false
		}
		if len(c.Keywords) != len(a.Keywords) {
			return false
		}
		for j := range c.Keywords {
			if c.Keywords[j] != a.Keywords[j] {
				return false
			}
		}
	}
	return true
}

// CacheWithRenumber adds a newly delivered message to the session's view,
// asking the backend for a fresh UID when the view cannot place it, at most
// the configured number of times.
func (mgr *Manager) CacheWithRenumber(sess *Session, m store.Message, isRecent bool) error {
	limit := mgr.limits.RenumberRetryLimit()
	for attempt := 0; ; attempt++ {
		err := sess.View.CacheMessage(imapview.NewRecord(m), isRecent)
		if err == nil {
			return nil
		}
		if !errors.Is(err, imapview.ErrRenumber) {
			return err
		}
		if sess.renumbers == nil {
			sess.renumbers = map[int64]int{}
		}
		sess.renumbers[m.ID]++
		if attempt >= limit || sess.renumbers[m.ID] > limit {
			return fmt.Errorf("%w: item %d after %d attempts", ErrRenumberExhausted, m.ID, sess.renumbers[m.ID])
		}
		err = sess.Account.DB.Write(context.TODO(), func(tx *bstore.Tx) error {
			xm := store.Message{ID: m.ID}
			if err := tx.Get(&xm); err != nil {
				return err
			}
			if err := sess.Account.Renumber(tx, &xm); err != nil {
				return err
			}
			m = xm
			return nil
		})
		if err != nil {
			return fmt.Errorf("renumbering item %d: %w", m.ID, err)
		}
	}
}

// RecordAccess marks the session as recently used, retaining it longer in
// the sweep's most-recently-used walk.
func (mgr *Manager) RecordAccess(sess *Session) {
	mgr.Lock()
	sess.lastAccess = mgr.now()
	mgr.Unlock()
}

// CloseFolder removes the session. If it held the last view on the folder,
// the record list is serialized into the snapshot cache for the next open.
func (mgr *Manager) CloseFolder(sess *Session) {
	last := mgr.remove(sess)
	if last && !sess.View.Virtual {
		mgr.snapshot(sess)
	}
}

// remove unregisters the session, reporting whether it was the folder's last
// listener.
func (mgr *Manager) remove(sess *Session) bool {
	mgr.Lock()
	defer mgr.Unlock()
	key := folderKey(sess.Account.Name, sess.MailboxID)
	l := mgr.sessions[key]
	found := false
	for i, s := range l {
		if s == sess {
			l = append(l[:i], l[i+1:]...)
			found = true
			break
		}
	}
	if !found {
		// Already removed, e.g. closed while queued for detach.
		return false
	}
	metricSessions.Dec()
	if len(l) == 0 {
		delete(mgr.sessions, key)
		return true
	}
	mgr.sessions[key] = l
	return false
}

func (mgr *Manager) snapshot(sess *Session) {
	buf, err := Snapshot(sess.View)
	if err != nil {
		mgr.log.Errorx("serializing folder view, dropping", err, slog.String("mailbox", sess.MailboxName))
		return
	}
	var modseq store.ModSeq
	for _, r := range sess.View.All() {
		if r.ModSeq > modseq {
			modseq = r.ModSeq
		}
	}
	mgr.cache.Put(sess.Account.Name, sess.MailboxID, int64(modseq), sess.View.UIDValidity, buf, mgr.now())
	metricSnapshots.Inc()
}

// Listeners returns the live sessions on a folder, for change broadcasting.
func (mgr *Manager) Listeners(account string, mailboxID int64) []*Session {
	mgr.Lock()
	defer mgr.Unlock()
	l := mgr.sessions[folderKey(account, mailboxID)]
	return append([]*Session{}, l...)
}

type sessionState struct {
	sess        *Session
	lastAccess  time.Time
	footprint   int64
	dirty       int
	interactive bool
}

// evictCandidates classifies sessions for the sweep: droppable sessions are
// discarded outright, the rest are paged out through the detach worker.
// Memory pressure pages out everything beyond the ceiling in a
// most-recently-used-first walk, biasing retention toward recently touched
// folders.
func evictCandidates(states []sessionState, now time.Time, limits config.Limits) (pageable, droppable []*Session) {
	seen := map[*Session]bool{}
	for _, st := range states {
		if !st.interactive && now.Sub(st.lastAccess) > limits.DropHorizon() {
			droppable = append(droppable, st.sess)
			seen[st.sess] = true
		}
	}
	for _, st := range states {
		if seen[st.sess] {
			continue
		}
		if st.dirty > limits.NotifyOverflow() || now.Sub(st.lastAccess) > limits.IdleTimeout() {
			pageable = append(pageable, st.sess)
			seen[st.sess] = true
		}
	}

	sort.Slice(states, func(i, j int) bool { return states[i].lastAccess.After(states[j].lastAccess) })
	var footprint int64
	for _, st := range states {
		if seen[st.sess] {
			continue
		}
		footprint += st.footprint
		if footprint > limits.MemoryCeiling() {
			pageable = append(pageable, st.sess)
			seen[st.sess] = true
		}
	}
	return pageable, droppable
}

// Sweep classifies all sessions once and acts on the result. Droppable
// sessions are removed, pageable ones are handed to the detach worker.
func (mgr *Manager) Sweep(now time.Time) {
	mgr.Lock()
	var states []sessionState
	for _, l := range mgr.sessions {
		for _, s := range l {
			states = append(states, sessionState{
				sess:        s,
				lastAccess:  s.lastAccess,
				footprint:   s.View.Footprint(),
				dirty:       s.View.DirtyCount(),
				interactive: s.Interactive,
			})
		}
	}
	mgr.Unlock()

	pageable, droppable := evictCandidates(states, now, mgr.limits)
	for _, s := range droppable {
		mgr.remove(s)
		metricEvictions.WithLabelValues("drop").Inc()
	}
	for _, s := range pageable {
		select {
		case mgr.detachq <- s:
			metricEvictions.WithLabelValues("page").Inc()
		default:
			// Worker backlogged, try again next sweep.
		}
	}
}

// Serve runs the sweep loop and the detach worker until ctx is done.
func (mgr *Manager) Serve(ctx context.Context) {
	go mgr.detachWorker(ctx)

	t := time.NewTicker(mgr.limits.SweepInterval())
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			now := mgr.now()
			mgr.Sweep(now)
			cutoff := now.Add(-mgr.limits.IdleTimeout())
			horizon := now.Add(-mgr.limits.DropHorizon())
			if err := mgr.cache.Demote(cutoff, horizon); err != nil {
				mgr.log.Errorx("demoting folder snapshots", err)
			}
		}
	}
}

// detachWorker serializes paged-out sessions one at a time. A failure for
// one session drops just that session, never the sweep.
func (mgr *Manager) detachWorker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case sess := <-mgr.detachq:
			mgr.detach(sess)
		}
	}
}

func (mgr *Manager) detach(sess *Session) {
	defer func() {
		if x := recover(); x != nil {
			mgr.log.Error("panic detaching session", slog.Any("panic", x), slog.String("mailbox", sess.MailboxName))
			metrics.PanicInc("imapsession")
		}
	}()
	last := mgr.remove(sess)
	if last && !sess.View.Virtual {
		mgr.snapshot(sess)
	}
	if sess.OnDetach != nil {
		sess.OnDetach()
	}
}
