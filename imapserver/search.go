package imapserver

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/textproto"
	"os"
	"strings"
	"time"

	"github.com/mjl-/bstore"

	"github.com/lodemail/lode/imapnum"
	"github.com/lodemail/lode/imapview"
	"github.com/lodemail/lode/message"
	"github.com/lodemail/lode/store"
)

func (c *conn) cmdSearch(tag, cmd string, p *parser) {
	c.cmdxSearch(false, tag, cmd, p)
}

func (c *conn) cmdUIDSearch(tag, cmd string, p *parser) {
	c.cmdxSearch(true, tag, cmd, p)
}

// cmdxSearch returns messages matching the search query, as an old-style
// SEARCH response or as ESEARCH when RETURN options are present, rfc 4731.
func (c *conn) cmdxSearch(isUID bool, tag, cmd string, p *parser) {
	// Parse. RETURN options select the ESEARCH response form.
	var eargs map[string]bool // Options except SAVE. Nil means old-style SEARCH response.
	var save bool             // SAVE option, rfc 5182. Kept separately for MIN/MAX handling.
	if p.take(" RETURN (") {
		eargs = map[string]bool{}
		for !p.take(")") {
			if len(eargs) > 0 || save {
				p.xspace()
			}
			if w, ok := p.takelist("MIN", "MAX", "ALL", "COUNT", "SAVE"); ok {
				if w == "SAVE" {
					save = true
				} else {
					eargs[w] = true
				}
			} else {
				xsyntaxErrorf("search result option not supported")
			}
		}
	}
	// RETURN () means ALL.
	if eargs != nil && len(eargs) == 0 && !save {
		eargs["ALL"] = true
	}

	if p.take(" CHARSET ") {
		charset := strings.ToUpper(p.xastring())
		if charset != "US-ASCII" && charset != "UTF-8" {
			xusercodeErrorf("BADCHARSET", "only US-ASCII and UTF-8 supported")
		}
	}
	p.xspace()
	sk := &searchKey{
		searchKeys: []searchKey{*p.xsearchKey(0)},
	}
	for !p.empty() {
		p.xspace()
		sk.searchKeys = append(sk.searchKeys, *p.xsearchKey(0))
	}

	v := c.sess.View

	// Even in case of error, the search result is replaced.
	if save {
		v.SetSavedSearch(nil)
	}

	// With only MIN and/or MAX requested, we can stop early.
	var min, max int
	if eargs["MIN"] {
		min = 1
	}
	if eargs["MAX"] {
		max = 1
	}

	var expungeIssued bool
	var maxModSeq store.ModSeq
	hasModseq := sk.hasModseq()

	all := v.All()
	var matched []*imapview.Record
	c.xdbread(func(tx *bstore.Tx) {
		c.xmailboxID(tx, c.sess.MailboxID) // Validate.

		// Forward search, unless we only need MAX.
		lastIndex := -1
		if eargs == nil || max == 0 || len(eargs) != 1 {
			for i, r := range all {
				lastIndex = i
				if match, modseq := c.searchMatch(tx, r, *sk, &expungeIssued); match {
					matched = append(matched, r)
					if modseq > maxModSeq {
						maxModSeq = modseq
					}
					if min == 1 && min+max == len(eargs) {
						break
					}
				}
			}
		}
		// Reverse search for MAX only, or MAX combined with MIN.
		if max == 1 && (len(eargs) == 1 || min+max == len(eargs)) {
			for i := len(all) - 1; i > lastIndex; i-- {
				if match, modseq := c.searchMatch(tx, all[i], *sk, &expungeIssued); match {
					matched = append(matched, all[i])
					if modseq > maxModSeq {
						maxModSeq = modseq
					}
					break
				}
			}
		}
	})

	if eargs == nil {
		// Old-style SEARCH response, with the numbers spelled out. Long results
		// are split over multiple lines.
		if len(matched) == 0 {
			c.bwritelinef("* SEARCH")
		}

		var modseqSuffix string
		if hasModseq {
			modseqSuffix = fmt.Sprintf(" (MODSEQ %d)", maxModSeq.Client())
		}

		for len(matched) > 0 {
			n := len(matched)
			if n > 100 {
				n = 100
			}
			s := ""
			for _, r := range matched[:n] {
				if isUID {
					s += fmt.Sprintf(" %d", r.UID)
				} else {
					s += fmt.Sprintf(" %d", r.Seq)
				}
			}
			c.bwritelinef("* SEARCH%s%s", s, modseqSuffix)
			matched = matched[n:]
		}
	} else {
		if save {
			v.SetSavedSearch(matched)
		}

		// No untagged ESEARCH response if nothing was requested.
		if len(eargs) > 0 {
			resp := fmt.Sprintf(`* ESEARCH (TAG "%s")`, tag)
			if isUID {
				resp += " UID"
			}

			nums := make([]uint32, len(matched))
			for i, r := range matched {
				if isUID {
					nums[i] = uint32(r.UID)
				} else {
					nums[i] = r.Seq
				}
			}

			// No MIN/MAX response without matches.
			if eargs["MIN"] && len(nums) > 0 {
				resp += fmt.Sprintf(" MIN %d", nums[0])
			}
			if eargs["MAX"] && len(nums) > 0 {
				resp += fmt.Sprintf(" MAX %d", nums[len(nums)-1])
			}
			if eargs["COUNT"] {
				resp += fmt.Sprintf(" COUNT %d", len(nums))
			}
			if eargs["ALL"] && len(nums) > 0 {
				resp += fmt.Sprintf(" ALL %s", imapnum.Compact(nums).String())
			}

			// With a MODSEQ filter, report the highest modseq of the results,
			// rfc 7162.
			if hasModseq && len(nums) > 0 {
				resp += fmt.Sprintf(" MODSEQ %d", maxModSeq.Client())
			}

			c.bwritelinef("%s", resp)
		}
	}
	if expungeIssued {
		c.writeresultf("%s OK [EXPUNGEISSUED] done", tag)
	} else {
		c.ok(tag, cmd)
	}
}

// search evaluates a search query against one message, loading more state as
// the keys require it.
type search struct {
	c             *conn
	tx            *bstore.Tx
	rec           *imapview.Record
	m             store.Message
	f             *os.File
	p             *message.Part
	expungeIssued *bool
	hasModseq     bool
}

func (c *conn) searchMatch(tx *bstore.Tx, rec *imapview.Record, sk searchKey, expungeIssued *bool) (bool, store.ModSeq) {
	s := search{c: c, tx: tx, rec: rec, expungeIssued: expungeIssued, hasModseq: sk.hasModseq()}
	defer func() {
		if s.f != nil {
			err := s.f.Close()
			c.log.Check(err, "closing message file")
			s.f = nil
		}
	}()
	return s.match(sk)
}

func (s *search) match(sk searchKey) (match bool, modseq store.ModSeq) {
	defer func() {
		if match && s.hasModseq {
			if s.m.ID == 0 {
				match = s.xloadMessage()
			}
			modseq = s.m.ModSeq
		}
	}()

	match = s.match0(sk)
	return
}

func (s *search) xloadMessage() bool {
	m, err := s.c.account.MessageByID(s.tx, s.rec.ItemID)
	if errors.Is(err, bstore.ErrAbsent) || err == nil && m.Expunged {
		*s.expungeIssued = true
		return false
	}
	xcheckf(err, "get message")
	s.m = m
	return true
}

// xsetContains returns whether the record is in the sequence or UID set,
// with "$" resolving to the saved search result.
func (c *conn) xsetContains(set imapnum.Set, rec *imapview.Record, byUID bool) bool {
	if set.SearchResult {
		records, err := c.sess.View.Subsequence(set, byUID, true, false)
		xcheckf(err, "resolving saved search result")
		for _, r := range records {
			if r == rec {
				return true
			}
		}
		return false
	}
	if byUID {
		var lastUID uint32
		if uids := c.sess.View.UIDs(); len(uids) > 0 {
			lastUID = uids[len(uids)-1]
		}
		return set.Resolve(lastUID).Contains(uint32(rec.UID))
	}
	return set.Resolve(c.sess.View.Len()).Contains(rec.Seq)
}

func (s *search) match0(sk searchKey) bool {
	c := s.c

	if sk.searchKeys != nil {
		for _, ssk := range sk.searchKeys {
			if !s.match0(ssk) {
				return false
			}
		}
		return true
	} else if sk.seqSet != nil {
		return c.xsetContains(*sk.seqSet, s.rec, false)
	}

	filterHeader := func(field, value string) bool {
		lower := strings.ToLower(value)
		h, err := s.p.Header()
		if err != nil {
			c.log.Debugx("parsing message header", err, slog.Any("uid", s.rec.UID))
			return false
		}
		for _, v := range h.Values(field) {
			if strings.Contains(strings.ToLower(v), lower) {
				return true
			}
		}
		return false
	}

	// Keys are handled in groups that need increasing detail about the
	// message: the session record, the database record, the parsed content.

	switch sk.op {
	case "ALL":
		return true
	case "NEW":
		return s.rec.IsRecent() && !s.rec.Flags.Seen
	case "OLD":
		return !s.rec.IsRecent()
	case "RECENT":
		return s.rec.IsRecent()
	case "NOT":
		return !s.match0(*sk.searchKey)
	case "OR":
		return s.match0(*sk.searchKey) || s.match0(*sk.searchKey2)
	case "UID":
		return c.xsetContains(sk.uidSet, s.rec, true)
	}

	// Database record.
	if s.m.ID == 0 {
		if !s.xloadMessage() {
			return false
		}
	}

	switch sk.op {
	case "ANSWERED":
		return s.m.Answered
	case "DELETED":
		return s.m.Deleted
	case "FLAGGED":
		return s.m.Flagged
	case "SEEN":
		return s.m.Seen
	case "DRAFT":
		return s.m.Draft
	case "UNANSWERED":
		return !s.m.Answered
	case "UNDELETED":
		return !s.m.Deleted
	case "UNFLAGGED":
		return !s.m.Flagged
	case "UNSEEN":
		return !s.m.Seen
	case "UNDRAFT":
		return !s.m.Draft
	case "KEYWORD", "UNKEYWORD":
		kw := strings.ToLower(sk.atom)
		var have bool
		switch kw {
		case "$forwarded":
			have = s.m.Forwarded
		case "$junk":
			have = s.m.Junk
		case "$notjunk":
			have = s.m.Notjunk
		default:
			for _, k := range s.m.Keywords {
				if k == kw {
					have = true
					break
				}
			}
		}
		if sk.op == "KEYWORD" {
			return have
		}
		return !have
	case "BEFORE", "ON", "SINCE":
		skdt := sk.date.Format("2006-01-02")
		rdt := s.m.InternalDate.Format("2006-01-02")
		switch sk.op {
		case "BEFORE":
			return rdt < skdt
		case "ON":
			return rdt == skdt
		case "SINCE":
			return rdt >= skdt
		}
		panic("missing case")
	case "YOUNGER":
		return time.Since(s.m.SaveDate) <= time.Duration(sk.number)*time.Second
	case "OLDER":
		return time.Since(s.m.SaveDate) >= time.Duration(sk.number)*time.Second
	case "LARGER":
		return s.m.Size > sk.number
	case "SMALLER":
		return s.m.Size < sk.number
	case "MODSEQ":
		return s.m.ModSeq.Client() >= *sk.clientModseq
	}

	// Parsed message content.
	if s.p == nil {
		f, err := os.Open(c.account.MessagePath(s.m.ID))
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				*s.expungeIssued = true
				return false
			}
			xcheckf(err, "open message file")
		}
		s.f = f
		p, err := message.Parse(c.log.Logger, false, f)
		if err != nil {
			c.log.Infox("parsing message for search, not matching", err, slog.Any("uid", s.rec.UID))
			return false
		}
		if err := p.Walk(c.log.Logger); err != nil {
			c.log.Infox("parsing message parts for search, not matching", err, slog.Any("uid", s.rec.UID))
			return false
		}
		s.p = &p
	}

	switch sk.op {
	case "BCC":
		return filterHeader("Bcc", sk.astring)
	case "BODY", "TEXT":
		headerToo := sk.op == "TEXT"
		lower := strings.ToLower(sk.astring)
		return mailContains(c, s.rec.UID, s.p, lower, headerToo)
	case "CC":
		return filterHeader("Cc", sk.astring)
	case "FROM":
		return filterHeader("From", sk.astring)
	case "SUBJECT":
		return filterHeader("Subject", sk.astring)
	case "TO":
		return filterHeader("To", sk.astring)
	case "HEADER":
		lower := strings.ToLower(sk.astring)
		h, err := s.p.Header()
		if err != nil {
			c.log.Errorx("parsing header for search", err, slog.Any("uid", s.rec.UID))
			return false
		}
		k := textproto.CanonicalMIMEHeaderKey(sk.headerField)
		for _, v := range h.Values(k) {
			if lower == "" || strings.Contains(strings.ToLower(v), lower) {
				return true
			}
		}
		return false
	case "SENTBEFORE", "SENTON", "SENTSINCE":
		if s.p.Envelope == nil || s.p.Envelope.Date.IsZero() {
			return false
		}
		dt := s.p.Envelope.Date.Format("2006-01-02")
		skdt := sk.date.Format("2006-01-02")
		switch sk.op {
		case "SENTBEFORE":
			return dt < skdt
		case "SENTON":
			return dt == skdt
		case "SENTSINCE":
			return dt >= skdt
		}
		panic("missing case")
	}
	panic(serverError{fmt.Errorf("missing case for search key op %q", sk.op)})
}

// mailContains returns whether the message or part contains the
// case-insensitive string. Decoded text bodies are tested; if headerToo is
// set, the header is checked as well.
func mailContains(c *conn, uid store.UID, p *message.Part, lower string, headerToo bool) bool {
	if headerToo && mailContainsReader(c, uid, p.HeaderReader(), lower) {
		return true
	}

	if len(p.Parts) == 0 {
		if p.Message != nil {
			return mailContains(c, uid, p.Message, lower, true)
		}
		if p.MediaType != "TEXT" && p.MediaType != "" {
			return false
		}
		return mailContainsReader(c, uid, p.Reader(), lower)
	}
	for i := range p.Parts {
		pp := &p.Parts[i]
		headerToo = pp.MediaType == "MESSAGE" && (pp.MediaSubType == "RFC822" || pp.MediaSubType == "GLOBAL")
		if mailContains(c, uid, pp, lower, headerToo) {
			return true
		}
	}
	return false
}

func mailContainsReader(c *conn, uid store.UID, r io.Reader, lower string) bool {
	buf, err := io.ReadAll(r)
	if err != nil {
		c.log.Errorx("reading for search text match", err, slog.Any("uid", uid))
		return false
	}
	return strings.Contains(strings.ToLower(string(buf)), lower)
}
