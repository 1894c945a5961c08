package imapserver

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/textproto"
	"os"
	"sort"
	"strings"

	"github.com/mjl-/bstore"

	"github.com/lodemail/lode/imapnum"
	"github.com/lodemail/lode/imapview"
	"github.com/lodemail/lode/lodeio"
	"github.com/lodemail/lode/message"
	"github.com/lodemail/lode/store"
)

// fetchCmd holds state for a FETCH command. Attribute handlers are defined
// on it.
type fetchCmd struct {
	conn     *conn
	isUID    bool
	tx       *bstore.Tx
	writable bool          // Seen flags may be set, mb is loaded and must be updated.
	mb       store.Mailbox // Current mailbox, with counters.

	changes       []store.Change // For Seen flag updates.
	expungeIssued bool           // A requested message could not be read.

	// Per message.
	rec        *imapview.Record
	markSeen   bool
	needFlags  bool
	needModseq bool

	// Loaded when first needed, closed when the message is done.
	m    *store.Message
	f    *os.File
	part *message.Part
}

// attrError aborts processing of a single attribute. The attribute is then
// left out of the response.
type attrError struct{ err error }

func (e attrError) Error() string {
	return e.err.Error()
}

func (e attrError) Unwrap() error {
	return e.err
}

func (cmd *fetchCmd) xerrorf(format string, args ...any) {
	panic(attrError{fmt.Errorf(format, args...)})
}

func (cmd *fetchCmd) xcheckf(err error, format string, args ...any) {
	if err != nil {
		msg := fmt.Sprintf(format, args...)
		cmd.xerrorf("%s: %w", msg, err)
	}
}

func (c *conn) cmdFetch(tag, cmd string, p *parser) {
	c.cmdxFetch(false, tag, cmd, p)
}

func (c *conn) cmdUIDFetch(tag, cmd string, p *parser) {
	c.cmdxFetch(true, tag, cmd, p)
}

// cmdxFetch returns requested attributes for messages: envelopes, body
// structures, (partial) body sections, flags.
func (c *conn) cmdxFetch(isUID bool, tag, cmdstr string, p *parser) {
	// Parse.
	p.xspace()
	nums := p.xnumSet()
	p.xspace()
	atts := p.xfetchAtts()
	var changedSince int64
	var vanished bool
	if p.space() {
		// CHANGEDSINCE modifier, rfc 7162. VANISHED additionally reports
		// expunged messages in the set, rfc 7162.
		p.xtake("(")
		p.xtake("CHANGEDSINCE")
		p.xspace()
		changedSince = p.xnumber64()
		if p.take(" VANISHED") {
			vanished = true
		}
		p.xtake(")")
		// CHANGEDSINCE is a CONDSTORE-enabling parameter.
		c.xensureCondstore(nil)
		if vanished && (!isUID || !c.enabled[capQresync]) {
			xsyntaxErrorf("vanished only allowed on uid fetch with qresync enabled")
		}
	}
	p.xempty()

	v := c.sess.View
	records, err := v.Subsequence(nums, isUID, isUID, false)
	if errors.Is(err, imapview.ErrOutOfRange) {
		xsyntaxErrorf("message sequence out of range")
	}
	xcheckf(err, "resolving sequence set")

	condstore := c.enabled[capCondstore] || c.enabled[capQresync] || changedSince > 0

	// Determine if any attribute can set the Seen flag, so we know whether to
	// use a writable transaction.
	writable := !c.readonly && nonPeeking(atts)

	if vanished {
		// Expunged messages in the requested set, changed after the client's
		// checkpoint.
		lastUID := uint32(0)
		if uids := v.UIDs(); len(uids) > 0 {
			lastUID = uids[len(uids)-1]
		}
		resolved := nums.Resolve(lastUID)
		var gone []uint32
		c.xdbread(func(tx *bstore.Tx) {
			q := bstore.QueryTx[store.Message](tx)
			q.FilterNonzero(store.Message{MailboxID: c.sess.MailboxID})
			q.FilterEqual("Expunged", true)
			q.FilterGreater("ModSeq", store.ModSeqFromClient(changedSince))
			q.SortAsc("UID")
			msgs, err := q.List()
			xcheckf(err, "listing expunged messages")
			for _, m := range msgs {
				if resolved.Contains(uint32(m.UID)) {
					gone = append(gone, uint32(m.UID))
				}
			}
		})
		if len(gone) > 0 {
			c.bwritelinef("* VANISHED (EARLIER) %s", imapnum.Compact(gone).String())
		}
	}

	fc := &fetchCmd{conn: c, isUID: isUID, writable: writable}
	process := func(tx *bstore.Tx) {
		fc.tx = tx
		if writable {
			fc.mb = c.xmailboxID(tx, c.sess.MailboxID)
		} else {
			c.xmailboxID(tx, c.sess.MailboxID)
		}
		for _, r := range records {
			if changedSince > 0 && r.ModSeq.Client() <= changedSince {
				continue
			}
			fc.rec = r
			fc.process(atts, condstore)
		}
		if writable && len(fc.changes) > 0 {
			err := tx.Update(&fc.mb)
			xcheckf(err, "updating mailbox counts")
		}
	}
	if writable {
		c.account.WithWLock(func() {
			c.xdbwrite(process)
		})
	} else {
		c.xdbread(process)
	}

	c.broadcast(fc.changes)

	if fc.expungeIssued {
		c.writeresultf("%s NO [EXPUNGEISSUED] at least one message was expunged", tag)
	} else {
		c.ok(tag, cmdstr)
	}
}

// nonPeeking returns whether any attribute implicitly sets the Seen flag.
func nonPeeking(atts []fetchAtt) bool {
	for _, a := range atts {
		switch a.field {
		case "BODY":
			if a.section != nil && !a.peek {
				return true
			}
		case "BINARY":
			if !a.peek {
				return true
			}
		case "RFC822", "RFC822.TEXT":
			return true
		}
	}
	return false
}

func (cmd *fetchCmd) xensureMessage() *store.Message {
	if cmd.m != nil {
		return cmd.m
	}

	m, err := cmd.conn.account.MessageByID(cmd.tx, cmd.rec.ItemID)
	cmd.xcheckf(err, "get message for uid %d", cmd.rec.UID)
	if m.Expunged {
		cmd.xerrorf("message was expunged: %w", bstore.ErrAbsent)
	}
	cmd.m = &m
	return cmd.m
}

func (cmd *fetchCmd) xensureParsed() (*os.File, *message.Part) {
	if cmd.part != nil {
		return cmd.f, cmd.part
	}

	m := cmd.xensureMessage()

	f, err := os.Open(cmd.conn.account.MessagePath(m.ID))
	cmd.xcheckf(err, "open message file")
	cmd.f = f

	p, err := message.Parse(cmd.conn.log.Logger, false, f)
	cmd.xcheckf(err, "parsing message")
	err = p.Walk(cmd.conn.log.Logger)
	cmd.xcheckf(err, "parsing message parts")
	cmd.part = &p
	return cmd.f, cmd.part
}

func (cmd *fetchCmd) process(atts []fetchAtt, condstore bool) {
	defer func() {
		cmd.m = nil
		cmd.part = nil
		if cmd.f != nil {
			err := cmd.f.Close()
			cmd.conn.log.Check(err, "closing message file")
			cmd.f = nil
		}

		x := recover()
		if x == nil {
			return
		}
		err, ok := x.(attrError)
		if !ok {
			panic(x)
		}
		if errors.Is(err, bstore.ErrAbsent) || errors.Is(err, os.ErrNotExist) {
			cmd.expungeIssued = true
			return
		}
		cmd.conn.log.Infox("processing fetch attribute", err, slog.Any("uid", cmd.rec.UID))
		xuserErrorf("processing fetch attribute: %v", err)
	}()

	cmd.markSeen = false
	cmd.needFlags = false
	cmd.needModseq = false

	data := listspace{bare("UID"), number(cmd.rec.UID)}
	for _, a := range atts {
		data = append(data, cmd.xprocessAtt(a)...)
	}

	if cmd.markSeen {
		m := cmd.xensureMessage()
		changed, modseq, err := cmd.conn.account.ApplyFlags(cmd.tx, &cmd.mb, m, store.Flags{Seen: true}, store.Flags{Seen: true}, nil, true)
		cmd.xcheckf(err, "marking message seen")
		if changed {
			cmd.rec.ApplyFlags(m.Flags, m.Keywords, modseq)
			cmd.changes = append(cmd.changes, store.ChangeFlags{MailboxID: cmd.mb.ID, UID: m.UID, ModSeq: modseq, Mask: store.FlagsAll, Flags: m.Flags, Keywords: m.Keywords})
		}
	}

	if cmd.needFlags {
		data = append(data, bare("FLAGS"), recordFlagList(cmd.rec))
	}
	if condstore || cmd.needModseq {
		data = append(data, bare("MODSEQ"), bare(fmt.Sprintf("(%d)", cmd.rec.ModSeq.Client())))
	}

	// Write errors become panics through conn.Write.
	fmt.Fprintf(cmd.conn.bw, "* %d FETCH ", cmd.rec.Seq)
	data.xwriteTo(cmd.conn, cmd.conn.bw)
	fmt.Fprint(cmd.conn.bw, "\r\n")
}

// xprocessAtt returns the tokens for one attribute. If processing fails, the
// attribute is left out of the response and the returned list is nil.
func (cmd *fetchCmd) xprocessAtt(a fetchAtt) []token {
	switch a.field {
	case "UID":
		// Always present.
		return nil

	case "ENVELOPE":
		_, part := cmd.xensureParsed()
		return []token{bare("ENVELOPE"), xenvelope(part)}

	case "INTERNALDATE":
		m := cmd.xensureMessage()
		return []token{bare("INTERNALDATE"), dquote(m.InternalDate.Format("_2-Jan-2006 15:04:05 -0700"))}

	case "BODYSTRUCTURE":
		_, part := cmd.xensureParsed()
		return []token{bare("BODYSTRUCTURE"), xbodystructure(part)}

	case "BODY":
		respField, t := cmd.xbody(a)
		if respField == "" {
			return nil
		}
		return []token{bare(respField), t}

	case "BINARY.SIZE":
		_, p := cmd.xensureParsed()
		if len(a.sectionBinary) == 0 {
			// Size of the entire message with decoded body.
			n, err := io.Copy(io.Discard, cmd.xbinaryMessageReader(p))
			cmd.xcheckf(err, "reading message as binary for its size")
			return []token{bare(cmd.sectionRespField(a)), number(n)}
		}
		p = cmd.xpartnumsDeref(a.sectionBinary, p)
		if len(p.Parts) > 0 || p.Message != nil {
			cmd.xerrorf("binary only allowed on leaf parts, not multipart or message parts")
		}
		return []token{bare(cmd.sectionRespField(a)), number(p.DecodedSize)}

	case "BINARY":
		respField, t := cmd.xbinary(a)
		if respField == "" {
			return nil
		}
		return []token{bare(respField), t}

	case "RFC822.SIZE":
		m := cmd.xensureMessage()
		return []token{bare("RFC822.SIZE"), number(m.Size)}

	case "RFC822.HEADER":
		ba := fetchAtt{
			field: "BODY",
			peek:  true,
			section: &sectionSpec{
				msgtext: &sectionMsgtext{s: "HEADER"},
			},
		}
		respField, t := cmd.xbody(ba)
		if respField == "" {
			return nil
		}
		return []token{bare(a.field), t}

	case "RFC822":
		ba := fetchAtt{
			field:   "BODY",
			section: &sectionSpec{},
		}
		respField, t := cmd.xbody(ba)
		if respField == "" {
			return nil
		}
		return []token{bare(a.field), t}

	case "RFC822.TEXT":
		ba := fetchAtt{
			field: "BODY",
			section: &sectionSpec{
				msgtext: &sectionMsgtext{s: "TEXT"},
			},
		}
		respField, t := cmd.xbody(ba)
		if respField == "" {
			return nil
		}
		return []token{bare(a.field), t}

	case "FLAGS":
		cmd.needFlags = true

	case "MODSEQ":
		cmd.needModseq = true

	default:
		xserverErrorf("field %q not yet implemented", a.field)
	}
	return nil
}

func xenvelope(p *message.Part) token {
	var env message.Envelope
	if p.Envelope != nil {
		env = *p.Envelope
	}
	var date token = nilt
	if !env.Date.IsZero() {
		date = string0(env.Date.Format("Mon, 2 Jan 2006 15:04:05 -0700"))
	}
	var subject token = nilt
	if env.Subject != "" {
		subject = string0(env.Subject)
	}
	var inReplyTo token = nilt
	if env.InReplyTo != "" {
		inReplyTo = string0(env.InReplyTo)
	}
	var messageID token = nilt
	if env.MessageID != "" {
		messageID = string0(env.MessageID)
	}

	addresses := func(l []message.Address) token {
		if len(l) == 0 {
			return nilt
		}
		r := listspace{}
		for _, a := range l {
			var name token = nilt
			if a.Name != "" {
				name = string0(a.Name)
			}
			user := string0(a.User)
			var host token = nilt
			if a.Host != "" {
				host = string0(a.Host)
			}
			r = append(r, listspace{name, nilt, user, host})
		}
		return r
	}

	// Empty sender or reply-to fall back to from.
	sender := env.Sender
	if len(sender) == 0 {
		sender = env.From
	}
	replyTo := env.ReplyTo
	if len(replyTo) == 0 {
		replyTo = env.From
	}

	return listspace{
		date,
		subject,
		addresses(env.From),
		addresses(sender),
		addresses(replyTo),
		addresses(env.To),
		addresses(env.CC),
		addresses(env.BCC),
		inReplyTo,
		messageID,
	}
}

func (cmd *fetchCmd) peekOrSeen(peek bool) {
	if cmd.conn.readonly || peek {
		return
	}
	m := cmd.xensureMessage()
	if !m.Seen {
		cmd.markSeen = true
		cmd.needFlags = true
	}
}

// xbinaryMessageReader returns the message with decoded body and the
// Content-Transfer-Encoding header left out.
func (cmd *fetchCmd) xbinaryMessageReader(p *message.Part) io.Reader {
	hr := cmd.xmodifiedHeader(p, []string{"Content-Transfer-Encoding"}, true)
	return io.MultiReader(hr, p.Reader())
}

// xmodifiedHeader returns the header with only fields, or with everything
// except fields if "not" is set.
func (cmd *fetchCmd) xmodifiedHeader(p *message.Part, fields []string, not bool) io.Reader {
	h, err := io.ReadAll(p.HeaderReader())
	cmd.xcheckf(err, "reading header")

	matchesFields := func(line []byte) bool {
		k := bytes.TrimRight(bytes.SplitN(line, []byte(":"), 2)[0], " \t")
		for _, f := range fields {
			if bytes.EqualFold(k, []byte(f)) {
				return true
			}
		}
		return false
	}

	var match bool
	hb := &bytes.Buffer{}
	for len(h) > 0 {
		line := h
		i := bytes.Index(line, []byte("\r\n"))
		if i >= 0 {
			line = line[:i+2]
		}
		h = h[len(line):]

		match = matchesFields(line) || match && (bytes.HasPrefix(line, []byte(" ")) || bytes.HasPrefix(line, []byte("\t")))
		if match != not || len(line) == 2 {
			hb.Write(line)
		}
	}
	return hb
}

func (cmd *fetchCmd) xbinary(a fetchAtt) (string, token) {
	_, part := cmd.xensureParsed()

	cmd.peekOrSeen(a.peek)
	if len(a.sectionBinary) == 0 {
		r := cmd.xbinaryMessageReader(part)
		if a.partial != nil {
			r = cmd.xpartialReader(a.partial, r)
		}
		return cmd.sectionRespField(a), readerSyncliteral{r}
	}

	p := cmd.xpartnumsDeref(a.sectionBinary, part)
	if len(p.Parts) != 0 || p.Message != nil {
		cmd.xerrorf("binary only allowed on leaf parts, not multipart or message parts")
	}

	var cte string
	if p.ContentTransferEncoding != nil {
		cte = *p.ContentTransferEncoding
	}
	switch cte {
	case "", "7BIT", "8BIT", "BINARY", "BASE64", "QUOTED-PRINTABLE":
	default:
		xusercodeErrorf("UNKNOWN-CTE", "unknown content-transfer-encoding %q", cte)
	}

	r := p.Reader()
	if a.partial != nil {
		r = cmd.xpartialReader(a.partial, r)
	}
	return cmd.sectionRespField(a), readerSyncliteral{r}
}

func (cmd *fetchCmd) xpartialReader(partial *partial, r io.Reader) io.Reader {
	n, err := io.Copy(io.Discard, io.LimitReader(r, int64(partial.offset)))
	cmd.xcheckf(err, "skipping to offset for partial")
	if n != int64(partial.offset) {
		// Offset beyond the data results in an empty string.
		return strings.NewReader("")
	}
	return io.LimitReader(r, int64(partial.count))
}

func (cmd *fetchCmd) xbody(a fetchAtt) (string, token) {
	f, part := cmd.xensureParsed()

	if a.section == nil {
		// Non-extensible form of BODYSTRUCTURE.
		return a.field, xbodystructure(part)
	}

	cmd.peekOrSeen(a.peek)

	respField := cmd.sectionRespField(a)

	if a.section.msgtext == nil && a.section.part == nil {
		// Full message.
		m := cmd.xensureMessage()
		var offset int64
		count := m.Size
		if a.partial != nil {
			offset = int64(a.partial.offset)
			if offset > m.Size {
				offset = m.Size
			}
			count = int64(a.partial.count)
			if offset+count > m.Size {
				count = m.Size - offset
			}
		}
		return respField, readerSizeSyncliteral{r: &lodeio.AtReader{R: f, Offset: offset}, size: count}
	}

	sr := cmd.xsection(a.section, part)

	if a.partial != nil {
		n, err := io.Copy(io.Discard, io.LimitReader(sr, int64(a.partial.offset)))
		cmd.xcheckf(err, "skipping to offset for partial")
		if n != int64(a.partial.offset) {
			return respField, syncliteral("")
		}
		return respField, readerSyncliteral{io.LimitReader(sr, int64(a.partial.count))}
	}
	return respField, readerSyncliteral{sr}
}

func (cmd *fetchCmd) xpartnumsDeref(nums []uint32, p *message.Part) *message.Part {
	// A single part number 1 on a non-multipart addresses the message itself.
	if (len(p.Parts) == 0 && p.Message == nil) && len(nums) == 1 && nums[0] == 1 {
		return p
	}

	for i, num := range nums {
		index := int(num - 1)
		if p.Message != nil {
			return cmd.xpartnumsDeref(nums[i:], p.Message)
		}
		if index < 0 || index >= len(p.Parts) {
			cmd.xerrorf("requested part does not exist")
		}
		p = &p.Parts[index]
	}
	return p
}

func (cmd *fetchCmd) xsection(section *sectionSpec, p *message.Part) io.Reader {
	if section.part == nil {
		return cmd.xsectionMsgtext(section.msgtext, p)
	}

	p = cmd.xpartnumsDeref(section.part.part, p)

	if section.part.text == nil {
		return p.RawReader()
	}

	// HEADER, HEADER.FIELDS*, TEXT of a part apply to the embedded message
	// of a message part.
	if p.Message != nil {
		p = p.Message
	}

	if !section.part.text.mime {
		return cmd.xsectionMsgtext(section.part.text.msgtext, p)
	}

	// MIME header: the Content-* fields of the part.
	h, err := io.ReadAll(p.HeaderReader())
	cmd.xcheckf(err, "reading header")

	matchesFields := func(line []byte) bool {
		k := textproto.CanonicalMIMEHeaderKey(string(bytes.TrimRight(bytes.SplitN(line, []byte(":"), 2)[0], " \t")))
		return (p.Envelope != nil && k == "Mime-Version") || strings.HasPrefix(k, "Content-")
	}

	var match bool
	hb := &bytes.Buffer{}
	for len(h) > 0 {
		line := h
		i := bytes.Index(line, []byte("\r\n"))
		if i >= 0 {
			line = line[:i+2]
		}
		h = h[len(line):]

		match = matchesFields(line) || match && (bytes.HasPrefix(line, []byte(" ")) || bytes.HasPrefix(line, []byte("\t")))
		if match || len(line) == 2 {
			hb.Write(line)
		}
	}
	return hb
}

func (cmd *fetchCmd) xsectionMsgtext(smt *sectionMsgtext, p *message.Part) io.Reader {
	switch smt.s {
	case "HEADER":
		return p.HeaderReader()

	case "HEADER.FIELDS":
		return cmd.xmodifiedHeader(p, smt.headers, false)

	case "HEADER.FIELDS.NOT":
		return cmd.xmodifiedHeader(p, smt.headers, true)

	case "TEXT":
		// Clients expect the raw body of the message, not a decoded text part.
		return p.RawReader()
	}
	panic(serverError{fmt.Errorf("missing case")})
}

func (cmd *fetchCmd) sectionRespField(a fetchAtt) string {
	s := a.field + "["
	if len(a.sectionBinary) > 0 {
		s += fmt.Sprintf("%d", a.sectionBinary[0])
		for _, v := range a.sectionBinary[1:] {
			s += "." + fmt.Sprintf("%d", v)
		}
	} else if a.section != nil {
		if a.section.part != nil {
			p := a.section.part
			s += fmt.Sprintf("%d", p.part[0])
			for _, v := range p.part[1:] {
				s += "." + fmt.Sprintf("%d", v)
			}
			if p.text != nil {
				if p.text.mime {
					s += ".MIME"
				} else {
					s += "." + cmd.sectionMsgtextName(p.text.msgtext)
				}
			}
		} else if a.section.msgtext != nil {
			s += cmd.sectionMsgtextName(a.section.msgtext)
		}
	}
	s += "]"
	// BINARY does not include the partial in the response field.
	if a.field != "BINARY" && a.partial != nil {
		s += fmt.Sprintf("<%d>", a.partial.offset)
	}
	return s
}

func (cmd *fetchCmd) sectionMsgtextName(smt *sectionMsgtext) string {
	s := smt.s
	if strings.HasPrefix(smt.s, "HEADER.FIELDS") {
		l := listspace{}
		for _, h := range smt.headers {
			l = append(l, astring(h))
		}
		s += " " + l.pack(cmd.conn)
	}
	return s
}

func bodyFldParams(params map[string]string) token {
	if len(params) == 0 {
		return nilt
	}
	// Fixed ordering, easier for testing.
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	l := make(listspace, 2*len(keys))
	i := 0
	for _, k := range keys {
		l[i] = string0(strings.ToUpper(k))
		l[i+1] = string0(params[k])
		i += 2
	}
	return l
}

func bodyFldEnc(cte *string) token {
	var s string
	if cte != nil {
		s = *cte
	}
	up := strings.ToUpper(s)
	switch up {
	case "7BIT", "8BIT", "BINARY", "BASE64", "QUOTED-PRINTABLE":
		return dquote(up)
	case "":
		return dquote("7BIT")
	}
	return string0(s)
}

// xbodystructure returns a "body", calling itself for multiparts and
// message/rfc822 and message/global parts.
func xbodystructure(p *message.Part) token {
	if p.MediaType == "MULTIPART" {
		var bodies concat
		for i := range p.Parts {
			bodies = append(bodies, xbodystructure(&p.Parts[i]))
		}
		return listspace{bodies, string0(p.MediaSubType)}
	}

	if p.MediaType == "TEXT" || p.MediaType == "" {
		subtype := p.MediaSubType
		if p.MediaType == "" {
			// Treated as text/plain without a Content-Type header.
			subtype = "PLAIN"
		}
		return listspace{
			dquote("TEXT"), string0(subtype),
			bodyFldParams(p.ContentTypeParams),
			nilOrString(p.ContentID),
			nilOrString(p.ContentDescription),
			bodyFldEnc(p.ContentTransferEncoding),
			number(p.EndOffset - p.BodyOffset),
			number(p.RawLineCount),
		}
	} else if p.MediaType == "MESSAGE" && (p.MediaSubType == "RFC822" || p.MediaSubType == "GLOBAL") && p.Message != nil {
		return listspace{
			dquote("MESSAGE"), dquote(p.MediaSubType),
			bodyFldParams(p.ContentTypeParams),
			nilOrString(p.ContentID),
			nilOrString(p.ContentDescription),
			bodyFldEnc(p.ContentTransferEncoding),
			number(p.EndOffset - p.BodyOffset),
			xenvelope(p.Message),
			xbodystructure(p.Message),
			number(p.RawLineCount),
		}
	}
	var media token
	switch p.MediaType {
	case "APPLICATION", "AUDIO", "IMAGE", "FONT", "MESSAGE", "MODEL", "VIDEO":
		media = dquote(p.MediaType)
	default:
		media = string0(p.MediaType)
	}
	return listspace{
		media, string0(p.MediaSubType),
		bodyFldParams(p.ContentTypeParams),
		nilOrString(p.ContentID),
		nilOrString(p.ContentDescription),
		bodyFldEnc(p.ContentTransferEncoding),
		number(p.EndOffset - p.BodyOffset),
	}
}
