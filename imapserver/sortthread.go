package imapserver

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/mjl-/bstore"

	"github.com/lodemail/lode/imapnum"
	"github.com/lodemail/lode/imapview"
	"github.com/lodemail/lode/message"
)

func (c *conn) cmdSort(tag, cmd string, p *parser) {
	c.cmdxSort(false, tag, cmd, p)
}

func (c *conn) cmdUIDSort(tag, cmd string, p *parser) {
	c.cmdxSort(true, tag, cmd, p)
}

func (c *conn) cmdThread(tag, cmd string, p *parser) {
	c.cmdxThread(false, tag, cmd, p)
}

func (c *conn) cmdUIDThread(tag, cmd string, p *parser) {
	c.cmdxThread(true, tag, cmd, p)
}

type sortField struct {
	reverse bool
	field   string // ARRIVAL, CC, DATE, FROM, SIZE, SUBJECT, TO.
}

var sortFieldWords = []string{"ARRIVAL", "CC", "DATE", "FROM", "REVERSE", "SIZE", "SUBJECT", "TO"}

// xsortCriteria parses the parenthesized sort criteria list, rfc 5256.
func (p *parser) xsortCriteria() []sortField {
	p.xtake("(")
	var l []sortField
	var reverse bool
	for {
		w := p.xtakelist(sortFieldWords...)
		if w == "REVERSE" {
			p.xspace()
			reverse = true
			continue
		}
		l = append(l, sortField{reverse, w})
		reverse = false
		if p.take(")") {
			break
		}
		p.xspace()
	}
	if reverse {
		p.xerrorf("missing sort key after reverse")
	}
	if len(l) == 0 {
		p.xerrorf("empty sort criteria")
	}
	return l
}

// sortMsg holds the sort key material for one matched message.
type sortMsg struct {
	rec     *imapview.Record
	arrival time.Time
	size    int64
	date    time.Time
	subject string // Normalized base subject, lower case.
	from    string
	to      string
	cc      string
}

// cmdxSort returns matching messages sorted by the requested criteria, rfc
// 5256, with the ESEARCH return options of rfc 5267.
func (c *conn) cmdxSort(isUID bool, tag, cmd string, p *parser) {
	// Parse.
	var eargs map[string]bool
	if p.take(" RETURN (") {
		eargs = map[string]bool{}
		for !p.take(")") {
			if len(eargs) > 0 {
				p.xspace()
			}
			if w, ok := p.takelist("MIN", "MAX", "ALL", "COUNT"); ok {
				eargs[w] = true
			} else {
				xsyntaxErrorf("sort result option not supported")
			}
		}
		if len(eargs) == 0 {
			eargs["ALL"] = true
		}
	}
	p.xspace()
	criteria := p.xsortCriteria()
	p.xspace()
	charset := strings.ToUpper(p.xastring())
	if charset != "US-ASCII" && charset != "UTF-8" {
		xusercodeErrorf("BADCHARSET", "only US-ASCII and UTF-8 supported")
	}
	p.xspace()
	sk := &searchKey{
		searchKeys: []searchKey{*p.xsearchKey(0)},
	}
	for !p.empty() {
		p.xspace()
		sk.searchKeys = append(sk.searchKeys, *p.xsearchKey(0))
	}

	needEnvelope := false
	for _, cr := range criteria {
		switch cr.field {
		case "CC", "DATE", "FROM", "SUBJECT", "TO":
			needEnvelope = true
		}
	}

	var expungeIssued bool
	var msgs []sortMsg
	c.xdbread(func(tx *bstore.Tx) {
		c.xmailboxID(tx, c.sess.MailboxID) // Validate.

		for _, r := range c.sess.View.All() {
			match, _ := c.searchMatch(tx, r, *sk, &expungeIssued)
			if !match {
				continue
			}
			sm, ok := c.sortKeys(tx, r, needEnvelope, &expungeIssued)
			if ok {
				msgs = append(msgs, sm)
			}
		}
	})

	sort.SliceStable(msgs, func(i, j int) bool {
		a, b := msgs[i], msgs[j]
		for _, cr := range criteria {
			var cmp int
			switch cr.field {
			case "ARRIVAL":
				cmp = a.arrival.Compare(b.arrival)
			case "CC":
				cmp = strings.Compare(a.cc, b.cc)
			case "DATE":
				cmp = a.date.Compare(b.date)
			case "FROM":
				cmp = strings.Compare(a.from, b.from)
			case "SIZE":
				cmp = int(a.size - b.size)
			case "SUBJECT":
				cmp = strings.Compare(a.subject, b.subject)
			case "TO":
				cmp = strings.Compare(a.to, b.to)
			}
			if cmp != 0 {
				if cr.reverse {
					return cmp > 0
				}
				return cmp < 0
			}
		}
		// Ties stay in mailbox order.
		return a.rec.Seq < b.rec.Seq
	})

	nums := make([]uint32, len(msgs))
	for i, sm := range msgs {
		if isUID {
			nums[i] = uint32(sm.rec.UID)
		} else {
			nums[i] = sm.rec.Seq
		}
	}

	if eargs == nil {
		s := ""
		for _, n := range nums {
			s += fmt.Sprintf(" %d", n)
		}
		c.bwritelinef("* SORT%s", s)
	} else {
		resp := fmt.Sprintf(`* ESEARCH (TAG "%s")`, tag)
		if isUID {
			resp += " UID"
		}
		if eargs["MIN"] && len(nums) > 0 {
			min := nums[0]
			for _, n := range nums {
				if n < min {
					min = n
				}
			}
			resp += fmt.Sprintf(" MIN %d", min)
		}
		if eargs["MAX"] && len(nums) > 0 {
			max := nums[0]
			for _, n := range nums {
				if n > max {
					max = n
				}
			}
			resp += fmt.Sprintf(" MAX %d", max)
		}
		if eargs["COUNT"] {
			resp += fmt.Sprintf(" COUNT %d", len(nums))
		}
		if eargs["ALL"] && len(nums) > 0 {
			sorted := make([]uint32, len(nums))
			copy(sorted, nums)
			sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
			resp += fmt.Sprintf(" ALL %s", imapnum.Compact(sorted).String())
		}
		c.bwritelinef("%s", resp)
	}

	if expungeIssued {
		c.writeresultf("%s OK [EXPUNGEISSUED] done", tag)
	} else {
		c.ok(tag, cmd)
	}
}

// sortKeys loads the sort key material for a message. Envelope fields are
// only parsed when a criterion needs them.
func (c *conn) sortKeys(tx *bstore.Tx, r *imapview.Record, needEnvelope bool, expungeIssued *bool) (sortMsg, bool) {
	sm := sortMsg{rec: r}

	m, err := c.account.MessageByID(tx, r.ItemID)
	if errors.Is(err, bstore.ErrAbsent) || err == nil && m.Expunged {
		*expungeIssued = true
		return sm, false
	}
	xcheckf(err, "get message")
	sm.arrival = m.InternalDate
	sm.size = m.Size
	sm.date = m.InternalDate

	if !needEnvelope {
		return sm, true
	}

	f, err := os.Open(c.account.MessagePath(m.ID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			*expungeIssued = true
			return sm, false
		}
		xcheckf(err, "open message file")
	}
	defer func() {
		err := f.Close()
		c.log.Check(err, "closing message file")
	}()

	p, err := message.Parse(c.log.Logger, false, f)
	if err != nil {
		c.log.Infox("parsing message for sort", err, slog.Any("uid", r.UID))
		return sm, true
	}
	if env := p.Envelope; env != nil {
		if !env.Date.IsZero() {
			sm.date = env.Date
		}
		sm.subject, _ = message.ThreadSubject(env.Subject, false)
		addr := func(l []message.Address) string {
			if len(l) == 0 {
				return ""
			}
			a := l[0]
			if a.Name != "" {
				return strings.ToLower(a.Name)
			}
			return strings.ToLower(a.User + "@" + a.Host)
		}
		sm.from = addr(env.From)
		sm.to = addr(env.To)
		sm.cc = addr(env.CC)
	}
	return sm, true
}

// cmdxThread returns matching messages in threads, rfc 5256. Only the
// ORDEREDSUBJECT algorithm: messages grouped by base subject, groups ordered
// by their earliest message.
func (c *conn) cmdxThread(isUID bool, tag, cmd string, p *parser) {
	// Parse.
	p.xspace()
	alg := strings.ToUpper(p.xatom())
	if alg != "ORDEREDSUBJECT" {
		xuserErrorf("threading algorithm %s not supported", alg)
	}
	p.xspace()
	charset := strings.ToUpper(p.xastring())
	if charset != "US-ASCII" && charset != "UTF-8" {
		xusercodeErrorf("BADCHARSET", "only US-ASCII and UTF-8 supported")
	}
	p.xspace()
	sk := &searchKey{
		searchKeys: []searchKey{*p.xsearchKey(0)},
	}
	for !p.empty() {
		p.xspace()
		sk.searchKeys = append(sk.searchKeys, *p.xsearchKey(0))
	}

	var expungeIssued bool
	var msgs []sortMsg
	c.xdbread(func(tx *bstore.Tx) {
		c.xmailboxID(tx, c.sess.MailboxID) // Validate.

		for _, r := range c.sess.View.All() {
			match, _ := c.searchMatch(tx, r, *sk, &expungeIssued)
			if !match {
				continue
			}
			sm, ok := c.sortKeys(tx, r, true, &expungeIssued)
			if ok {
				msgs = append(msgs, sm)
			}
		}
	})

	// Group messages by base subject, in date order within each group.
	sort.SliceStable(msgs, func(i, j int) bool {
		if !msgs[i].date.Equal(msgs[j].date) {
			return msgs[i].date.Before(msgs[j].date)
		}
		return msgs[i].rec.Seq < msgs[j].rec.Seq
	})
	groupIndex := map[string]int{}
	var groups [][]sortMsg
	for _, sm := range msgs {
		gi, ok := groupIndex[sm.subject]
		if !ok {
			gi = len(groups)
			groupIndex[sm.subject] = gi
			groups = append(groups, nil)
		}
		groups[gi] = append(groups[gi], sm)
	}

	// Threads ordered by the date of their earliest message.
	sort.SliceStable(groups, func(i, j int) bool {
		a, b := groups[i][0], groups[j][0]
		if !a.date.Equal(b.date) {
			return a.date.Before(b.date)
		}
		return a.rec.Seq < b.rec.Seq
	})

	s := ""
	for _, g := range groups {
		s += "("
		for i, sm := range g {
			if i > 0 {
				s += " "
			}
			if isUID {
				s += fmt.Sprintf("%d", sm.rec.UID)
			} else {
				s += fmt.Sprintf("%d", sm.rec.Seq)
			}
		}
		s += ")"
	}
	c.bwritelinef("* THREAD %s", s)

	if expungeIssued {
		c.writeresultf("%s OK [EXPUNGEISSUED] done", tag)
	} else {
		c.ok(tag, cmd)
	}
}
