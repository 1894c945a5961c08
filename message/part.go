// Package message parses mail messages into parts, keeping offsets into the
// underlying data so content can be served per part without holding the whole
// message in memory.
package message

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/quotedprintable"
	"net/mail"
	"net/textproto"
	"slices"
	"strings"
	"time"

	"golang.org/x/text/encoding/ianaindex"

	"github.com/lodemail/lode/mlog"
)

var (
	ErrBadContentType = errors.New("bad content-type")
	ErrHeader         = errors.New("bad message header")
)

var (
	errNotMultipart           = errors.New("not a multipart message")
	errFirstBoundCloses       = errors.New("first boundary cannot be finishing boundary")
	errLineTooLong            = errors.New("line too long")
	errMissingBoundaryParam   = errors.New("missing/empty boundary content-type parameter")
	errMissingClosingBoundary = errors.New("eof without closing boundary")
	errBareLF                 = errors.New("invalid bare line feed")
	errBareCR                 = errors.New("invalid bare carriage return")
	errUnexpectedEOF          = errors.New("unexpected eof")
)

// Part is a whole mail message, or a part of a multipart message. Offsets
// reference the underlying reader, so body data is only read when requested.
type Part struct {
	BoundaryOffset int64 // Offset where the bound before this part starts, -1 for the top-level message.
	HeaderOffset   int64 // Offset where the header starts.
	BodyOffset     int64 // Offset where the body starts.
	EndOffset      int64 // Where the body ends. Set once the part has been fully read.
	RawLineCount   int64 // Lines in the raw, undecoded body. Set once fully read.
	DecodedSize    int64 // Octets when decoded. For text parts, bare LF line endings count as CRLF.

	MediaType         string            // From Content-Type, upper case, e.g. "TEXT". Empty when the header is absent, in which case the part can be treated as TEXT/PLAIN.
	MediaSubType      string            // From Content-Type, upper case, e.g. "PLAIN".
	ContentTypeParams map[string]string // Lower-case keys, original-case values. Holds "boundary" for multiparts.
	ContentID         *string
	ContentDescription      *string
	ContentTransferEncoding *string // Upper case.
	ContentDisposition      *string
	ContentMD5              *string
	ContentLanguage         *string
	ContentLocation         *string
	Envelope                *Envelope // Message headers. Only for message parts, not for subparts of a multipart.

	Parts []Part // Subparts of a multipart.

	// Parsed embedded message, only for message/rfc822 and message/global
	// parts. Has a nil parent.
	Message *Part

	r               io.ReaderAt
	header          textproto.MIMEHeader
	nextBoundOffset int64 // If >= 0, where the next part header starts.
	lastBoundOffset int64 // Start of the previous part's bound, to reparse if nextBoundOffset is -1.
	parent          *Part
	bound           []byte // Leading --, no \r\n. Only set for a valid multipart.
	strict          bool
}

// Envelope holds the common message headers as used in IMAP4.
type Envelope struct {
	Date      time.Time
	Subject   string // Q/B-word-decoded.
	From      []Address
	Sender    []Address
	ReplyTo   []Address
	To        []Address
	CC        []Address
	BCC       []Address
	InReplyTo string // Includes <>.
	MessageID string // Includes <>.
}

// Address as used in From and To headers.
type Address struct {
	Name string // Display name, may be empty.
	User string // Localpart.
	Host string // Domain.
}

// Parse reads the header of the message and returns a part. Body data of the
// part and any subparts is read from r on demand.
//
// If strict is set, parsing stops on errors that are otherwise worked around,
// such as invalid content-type headers and bare carriage returns.
func Parse(elog *slog.Logger, strict bool, r io.ReaderAt) (Part, error) {
	log := mlog.New("message", elog)
	return newPart(log, strict, r, 0, nil)
}

// EnsurePart parses as with Parse, walking all subparts, but always returns a
// usable part, even if error is non-nil. On parse errors the message is
// returned as a single application/octet-stream part, with any valid headers
// still available.
func EnsurePart(elog *slog.Logger, strict bool, r io.ReaderAt, size int64) (Part, error) {
	log := mlog.New("message", elog)
	p, err := Parse(log.Logger, strict, r)
	if err == nil {
		err = p.Walk(log.Logger)
	}
	if err != nil {
		np := Part{
			HeaderOffset:            p.HeaderOffset,
			BodyOffset:              p.BodyOffset,
			EndOffset:               size,
			MediaType:               "APPLICATION",
			MediaSubType:            "OCTET-STREAM",
			ContentTypeParams:       p.ContentTypeParams,
			ContentID:               p.ContentID,
			ContentDescription:      p.ContentDescription,
			ContentTransferEncoding: p.ContentTransferEncoding,
			ContentDisposition:      p.ContentDisposition,
			ContentMD5:              p.ContentMD5,
			ContentLanguage:         p.ContentLanguage,
			ContentLocation:         p.ContentLocation,
			Envelope:                p.Envelope,
		}
		np.SetReaderAt(r)
		// Reading the body sets the line count and decoded size.
		if _, err2 := io.Copy(io.Discard, np.Reader()); err2 != nil {
			err = err2
		}
		p = np
	}
	return p, err
}

// SetReaderAt sets r as reader for this part and its subparts, recursively.
// An embedded Message part keeps its own reader.
func (p *Part) SetReaderAt(r io.ReaderAt) {
	if r == nil {
		panic("nil reader")
	}
	p.r = r
	for i := range p.Parts {
		p.Parts[i].SetReaderAt(r)
	}
}

// Walk parses the full part tree, collecting offsets, sizes and line counts
// along the way.
func (p *Part) Walk(elog *slog.Logger) error {
	log := mlog.New("message", elog)

	if len(p.bound) == 0 {
		if p.MediaType == "MESSAGE" && (p.MediaSubType == "RFC822" || p.MediaSubType == "GLOBAL") {
			// The embedded message may have a non-identity transfer encoding, so it
			// gets its own decoded buffer as reader.
			buf, err := io.ReadAll(p.Reader())
			if err != nil {
				return err
			}
			mp, err := Parse(log.Logger, p.strict, bytes.NewReader(buf))
			if err != nil {
				return fmt.Errorf("parsing embedded message: %w", err)
			}
			if err := mp.Walk(log.Logger); err != nil {
				return fmt.Errorf("parsing parts of embedded message: %w", err)
			}
			p.Message = &mp
			return nil
		}
		_, err := io.Copy(io.Discard, p.Reader())
		return err
	}

	for {
		pp, err := p.ParseNextPart(log.Logger)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if err := pp.Walk(log.Logger); err != nil {
			return err
		}
	}
}

func (p *Part) String() string {
	return fmt.Sprintf("&Part{%s/%s offsets %d/%d/%d/%d lines %d decodedsize %d parts %v}", p.MediaType, p.MediaSubType, p.BoundaryOffset, p.HeaderOffset, p.BodyOffset, p.EndOffset, p.RawLineCount, p.DecodedSize, p.Parts)
}

// newPart parses a part starting at offset. For subparts, offset is where the
// bound starts; parent is nil for the top-level message.
func newPart(log mlog.Log, strict bool, r io.ReaderAt, offset int64, parent *Part) (p Part, rerr error) {
	if r == nil {
		panic("nil reader")
	}
	p = Part{
		BoundaryOffset: -1,
		EndOffset:      -1,
		r:              r,
		parent:         parent,
		strict:         strict,
	}

	b := &bufAt{strict: strict, r: r, offset: offset}

	if parent != nil {
		p.BoundaryOffset = offset
		if line, _, err := b.ReadLine(true); err != nil {
			return p, err
		} else if match, finish := checkBound(line, parent.bound); !match {
			return p, fmt.Errorf("missing bound")
		} else if finish {
			return p, fmt.Errorf("new part for closing boundary")
		}
	}

	p.HeaderOffset = b.offset
	p.BodyOffset = b.offset
	hb := &bytes.Buffer{}
	for {
		line, _, err := b.ReadLine(true)
		if err == io.EOF {
			// A message without body is valid.
			break
		}
		if err != nil {
			return p, fmt.Errorf("reading header line: %w", err)
		}
		hb.Write(line)
		if len(line) == 2 {
			break // Bare crlf ends the header.
		}
	}
	p.BodyOffset = b.offset

	if p.HeaderOffset == p.BodyOffset {
		p.header = textproto.MIMEHeader{}
	} else {
		h, err := parseHeader(hb)
		if err != nil {
			return p, fmt.Errorf("parsing header: %w", err)
		}
		p.header = h
	}

	ct := p.header.Get("Content-Type")
	mt, params, err := mime.ParseMediaType(ct)
	if err != nil && ct != "" {
		if strict {
			return p, fmt.Errorf("%w: %s: %q", ErrBadContentType, err, ct)
		}

		// Try to recover just the media type, ignoring parameters. Multiparts
		// cannot be recovered, we would have no boundary.
		ct = strings.TrimSpace(strings.SplitN(ct, ";", 2)[0])
		t := strings.SplitN(ct, "/", 2)
		isToken := func(s string) bool {
			const separators = `()<>@,;:\\"/[]?= `
			for _, c := range s {
				if c < 0x20 || c >= 0x80 || strings.ContainsRune(separators, c) {
					return false
				}
			}
			return len(s) > 0
		}
		if len(t) == 2 && isToken(t[0]) && !strings.EqualFold(t[0], "multipart") && isToken(t[1]) {
			p.MediaType = strings.ToUpper(t[0])
			p.MediaSubType = strings.ToUpper(t[1])
		} else {
			p.MediaType = "APPLICATION"
			p.MediaSubType = "OCTET-STREAM"
		}
		log.Debugx("malformed content-type, recovering and continuing", err,
			slog.String("contenttype", p.header.Get("Content-Type")),
			slog.String("mediatype", p.MediaType),
			slog.String("mediasubtype", p.MediaSubType))
	} else if mt != "" {
		t := strings.SplitN(strings.ToUpper(mt), "/", 2)
		if len(t) != 2 {
			if strict {
				return p, fmt.Errorf("bad content-type: %q (content-type %q)", mt, ct)
			}
			log.Debug("malformed media-type, ignoring and continuing", slog.String("type", mt))
			p.MediaType = "APPLICATION"
			p.MediaSubType = "OCTET-STREAM"
		} else {
			p.MediaType = t[0]
			p.MediaSubType = t[1]
			p.ContentTypeParams = params
		}
	}

	p.ContentID = p.headerGet("Content-Id")
	p.ContentDescription = p.headerGet("Content-Description")
	if cte := p.headerGet("Content-Transfer-Encoding"); cte != nil {
		s := strings.ToUpper(*cte)
		p.ContentTransferEncoding = &s
	}
	p.ContentDisposition = p.headerGet("Content-Disposition")
	p.ContentMD5 = p.headerGet("Content-Md5")
	p.ContentLanguage = p.headerGet("Content-Language")
	p.ContentLocation = p.headerGet("Content-Location")

	if parent == nil {
		p.Envelope = parseEnvelope(mail.Header(p.header))
	}

	if p.MediaType == "MULTIPART" {
		s := params["boundary"]
		if s == "" {
			return p, errMissingBoundaryParam
		}
		p.bound = append([]byte("--"), s...)

		// Discard the preamble before the first boundary. A line only needs the
		// boundary as prefix followed by whitespace, some software reuses the
		// boundary with text appended for subparts.
		for {
			line, _, err := b.PeekLine(true)
			if err != nil {
				return p, fmt.Errorf("parsing line for part preamble: %w", err)
			}
			if match, finish := checkBound(line, p.bound); match {
				if finish {
					return p, errFirstBoundCloses
				}
				break
			}
			b.ReadLine(true)
		}
		p.nextBoundOffset = b.offset
		p.lastBoundOffset = b.offset
	}

	return p, nil
}

// Header returns the parsed header of this part.
//
// Returns ErrHeader for messages with invalid header syntax.
func (p *Part) Header() (textproto.MIMEHeader, error) {
	if p.header != nil {
		return p.header, nil
	}
	if p.HeaderOffset == p.BodyOffset {
		p.header = textproto.MIMEHeader{}
		return p.header, nil
	}
	h, err := parseHeader(p.HeaderReader())
	p.header = h
	return h, err
}

func (p *Part) headerGet(k string) *string {
	l := p.header.Values(k)
	if len(l) == 0 {
		return nil
	}
	s := l[0]
	return &s
}

// HeaderReader returns a reader over the header section of this part,
// including the ending bare CRLF.
func (p *Part) HeaderReader() io.Reader {
	return io.NewSectionReader(p.r, p.HeaderOffset, p.BodyOffset-p.HeaderOffset)
}

// Parse with mail.ReadMessage, which handles email headers properly, unlike
// textproto.ReadMIMEHeaders which is for HTTP. Only call on non-empty input.
func parseHeader(r io.Reader) (textproto.MIMEHeader, error) {
	var zero textproto.MIMEHeader

	buf, err := io.ReadAll(r)
	if err != nil {
		return zero, err
	}
	if bytes.HasSuffix(buf, []byte("\r\n")) && !bytes.HasSuffix(buf, []byte("\r\n\r\n")) {
		buf = append(buf, "\r\n"...)
	}
	msg, err := mail.ReadMessage(bytes.NewReader(buf))
	if err != nil {
		errstr := err.Error()
		if strings.HasPrefix(errstr, "malformed initial line:") || strings.HasPrefix(errstr, "malformed header line:") {
			err = fmt.Errorf("%w: %v", ErrHeader, err)
		}
		return zero, err
	}
	return textproto.MIMEHeader(msg.Header), nil
}

var wordDecoder = mime.WordDecoder{
	CharsetReader: func(charset string, r io.Reader) (io.Reader, error) {
		switch strings.ToLower(charset) {
		case "", "us-ascii", "utf-8":
			return r, nil
		}
		enc, _ := ianaindex.MIME.Encoding(charset)
		if enc == nil {
			enc, _ = ianaindex.IANA.Encoding(charset)
		}
		if enc == nil {
			return r, fmt.Errorf("unknown charset %q", charset)
		}
		return enc.NewDecoder().Reader(r), nil
	},
}

func parseEnvelope(h mail.Header) *Envelope {
	date, _ := h.Date()

	// Extreme values have been seen in the wild. Readjust impossible
	// timezones, drop absurd years.
	_, offset := date.Zone()
	if date.Year() > 9999 {
		date = time.Time{}
	} else if offset <= -24*3600 || offset >= 24*3600 {
		date = time.Unix(date.Unix(), 0).UTC()
	}

	subject := h.Get("Subject")
	if s, err := wordDecoder.DecodeHeader(subject); err == nil {
		subject = s
	}

	return &Envelope{
		date,
		subject,
		parseAddressList(h, "from"),
		parseAddressList(h, "sender"),
		parseAddressList(h, "reply-to"),
		parseAddressList(h, "to"),
		parseAddressList(h, "cc"),
		parseAddressList(h, "bcc"),
		h.Get("In-Reply-To"),
		h.Get("Message-Id"),
	}
}

func parseAddressList(h mail.Header, k string) []Address {
	v := h.Get(k)
	if v == "" {
		return nil
	}
	parser := mail.AddressParser{WordDecoder: &wordDecoder}
	l, err := parser.ParseList(v)
	if err != nil {
		return nil
	}
	var r []Address
	for _, a := range l {
		var user, host string
		if i := strings.LastIndex(a.Address, "@"); i > 0 {
			user, host = a.Address[:i], a.Address[i+1:]
		}
		r = append(r, Address{a.Name, user, host})
	}
	return r
}

// ParseNextPart parses the next subpart of this multipart message, returning
// io.EOF and a nil part after the last. Only used during initial parsing,
// once parsed use p.Parts.
func (p *Part) ParseNextPart(elog *slog.Logger) (*Part, error) {
	log := mlog.New("message", elog)

	if len(p.bound) == 0 {
		return nil, errNotMultipart
	}
	if p.nextBoundOffset == -1 {
		// Find it by fully reading the previous part.
		last, err := newPart(log, p.strict, p.r, p.lastBoundOffset, p)
		if err != nil {
			return nil, err
		}
		if _, err := io.Copy(io.Discard, last.RawReader()); err != nil {
			return nil, err
		}
		if p.nextBoundOffset == -1 {
			return nil, fmt.Errorf("internal error: reading part did not set nextBoundOffset")
		}
	}
	b := &bufAt{strict: p.strict, r: p.r, offset: p.nextBoundOffset}
	// No crlf required on the final closing bound: some message/rfc822 parts
	// end right after it.
	line, crlf, err := b.ReadLine(false)
	if err != nil {
		return nil, err
	}
	if match, finish := checkBound(line, p.bound); !match {
		return nil, fmt.Errorf("expected bound, got %q", line)
	} else if finish {
		// Skip an epilogue.
		if p.parent != nil {
			for {
				line, _, err := b.PeekLine(false)
				if err != nil {
					break
				}
				if match, _ := checkBound(line, p.parent.bound); match {
					break
				}
				b.ReadLine(false)
			}
			if p.parent.lastBoundOffset == p.BoundaryOffset {
				p.parent.nextBoundOffset = b.offset
			}
		}
		p.EndOffset = b.offset
		return nil, io.EOF
	} else if !crlf {
		return nil, fmt.Errorf("non-finishing bound without crlf: %w", errUnexpectedEOF)
	}
	boundOffset := p.nextBoundOffset
	p.lastBoundOffset = boundOffset
	p.nextBoundOffset = -1
	np, err := newPart(log, p.strict, p.r, boundOffset, p)
	if err != nil {
		return nil, err
	}
	p.Parts = append(p.Parts, np)
	return &p.Parts[len(p.Parts)-1], nil
}

// Reader returns a reader for the decoded body content.
func (p *Part) Reader() io.Reader {
	return p.bodyReader(p.RawReader())
}

// ReaderUTF8OrBinary returns a reader for the decoded body content,
// transformed to utf-8 for known mime/iana character sets. For unknown or
// missing character sets the decoded reader is returned as is.
func (p *Part) ReaderUTF8OrBinary() io.Reader {
	return DecodeReader(p.ContentTypeParams["charset"], p.Reader())
}

func (p *Part) bodyReader(r io.Reader) io.Reader {
	r = newDecoder(p.ContentTransferEncoding, r)
	if p.MediaType == "TEXT" {
		return &textReader{p, bufio.NewReader(r), 0, false}
	}
	return &countReader{p, r, 0}
}

// countReader passes reads through, setting p.DecodedSize at eof.
type countReader struct {
	p     *Part
	r     io.Reader
	count int64
}

func (cr *countReader) Read(buf []byte) (int, error) {
	n, err := cr.r.Read(buf)
	if n >= 0 {
		cr.count += int64(n)
	}
	if err == io.EOF {
		cr.p.DecodedSize = cr.count
	}
	return n, err
}

// textReader ensures returned lines end in CRLF, setting p.DecodedSize at
// eof.
type textReader struct {
	p      *Part
	r      *bufio.Reader
	count  int64
	prevcr bool
}

func (tr *textReader) Read(buf []byte) (int, error) {
	o := 0
	for o < len(buf) {
		c, err := tr.r.ReadByte()
		if err != nil {
			tr.count += int64(o)
			tr.p.DecodedSize = tr.count
			return o, err
		}
		if c == '\n' && !tr.prevcr {
			if err := tr.r.UnreadByte(); err != nil {
				return o, err
			}
			buf[o] = '\r'
			o++
			tr.prevcr = true
			continue
		}
		buf[o] = c
		tr.prevcr = c == '\r'
		o++
	}
	tr.count += int64(o)
	return o, nil
}

func newDecoder(cte *string, r io.Reader) io.Reader {
	var s string
	if cte != nil {
		s = *cte
	}
	switch s {
	case "BASE64":
		return base64.NewDecoder(base64.StdEncoding, r)
	case "QUOTED-PRINTABLE":
		return quotedprintable.NewReader(r)
	}
	return r
}

// RawReader returns a reader for the raw, undecoded body content, e.g. with
// quoted-printable or base64 intact. Fully reading a part helps its parent
// find the next part efficiently.
func (p *Part) RawReader() io.Reader {
	if p.r == nil {
		panic("missing reader")
	}
	if p.EndOffset >= 0 {
		return &crlfReader{strict: p.strict, r: io.NewSectionReader(p.r, p.BodyOffset, p.EndOffset-p.BodyOffset)}
	}
	p.RawLineCount = 0
	if p.parent == nil {
		return &offsetReader{p, p.BodyOffset, p.strict, true, false, 0}
	}
	return &boundReader{p: p, b: &bufAt{strict: p.strict, r: p.r, offset: p.BodyOffset}, prevlf: true}
}

// crlfReader verifies there are no bare newlines, and in strict mode no bare
// carriage returns.
type crlfReader struct {
	r      io.Reader
	strict bool
	prevcr bool
}

func (r *crlfReader) Read(buf []byte) (int, error) {
	n, err := r.r.Read(buf)
	if err == nil || err == io.EOF {
		for _, b := range buf[:n] {
			if b == '\n' && !r.prevcr {
				err = errBareLF
				break
			} else if b != '\n' && r.prevcr && r.strict {
				err = errBareCR
				break
			}
			r.prevcr = b == '\r'
		}
	}
	return n, err
}

// bufAt is a buffered line reader over an io.ReaderAt, verifying crlf line
// endings.
type bufAt struct {
	offset int64 // Consumed from r, excluding buffered data.

	strict  bool
	r       io.ReaderAt
	buf     []byte
	nbuf    int
	scratch []byte
}

// Lines should not be longer than 998+2 bytes, but in practice they are. We
// allow more, except in strict mode.
const maxLineLength = 8 * 1024

func (b *bufAt) maxLineLength() int {
	if b.strict {
		return 1000
	}
	return maxLineLength
}

func (b *bufAt) ensure() error {
	if slices.Contains(b.buf[:b.nbuf], '\n') {
		return nil
	}
	if b.scratch == nil {
		b.scratch = make([]byte, b.maxLineLength())
	}
	if b.buf == nil {
		b.buf = make([]byte, b.maxLineLength())
	}
	for b.nbuf < b.maxLineLength() {
		n, err := b.r.ReadAt(b.buf[b.nbuf:], b.offset+int64(b.nbuf))
		if n > 0 {
			b.nbuf += n
		}
		if err != nil && err != io.EOF || err == io.EOF && b.nbuf+n == 0 {
			return err
		}
		if n == 0 || err == io.EOF {
			break
		}
	}
	return nil
}

// ReadLine reads a line including its \r\n. A bare \n is an error, as is a
// bare \r in strict mode.
func (b *bufAt) ReadLine(requirecrlf bool) (buf []byte, crlf bool, err error) {
	return b.line(true, requirecrlf)
}

func (b *bufAt) PeekLine(requirecrlf bool) (buf []byte, crlf bool, err error) {
	return b.line(false, requirecrlf)
}

func (b *bufAt) line(consume, requirecrlf bool) (buf []byte, crlf bool, err error) {
	if err := b.ensure(); err != nil {
		return nil, false, err
	}
	for i, c := range b.buf[:b.nbuf] {
		if c == '\n' {
			// A \r should have been seen and handled below.
			return nil, false, errBareLF
		}
		if c != '\r' {
			continue
		}
		i++
		if i >= b.nbuf || b.buf[i] != '\n' {
			if b.strict {
				return nil, false, errBareCR
			}
			continue
		}
		b.scratch = b.scratch[:i+1]
		copy(b.scratch, b.buf[:i+1])
		if consume {
			copy(b.buf, b.buf[i+1:])
			b.offset += int64(i + 1)
			b.nbuf -= i + 1
		}
		return b.scratch, true, nil
	}
	if b.nbuf >= b.maxLineLength() {
		return nil, false, errLineTooLong
	}
	if requirecrlf {
		return nil, false, errUnexpectedEOF
	}
	b.scratch = b.scratch[:b.nbuf]
	copy(b.scratch, b.buf[:b.nbuf])
	if consume {
		b.offset += int64(b.nbuf)
		b.nbuf = 0
	}
	return b.scratch, false, nil
}

// offsetReader reads the body of a top-level message from offset, counting
// raw lines and validating crlf line endings.
type offsetReader struct {
	p          *Part
	offset     int64
	strict     bool
	prevlf     bool
	prevcr     bool
	linelength int
}

func (r *offsetReader) Read(buf []byte) (int, error) {
	n, err := r.p.r.ReadAt(buf, r.offset)
	if n > 0 {
		r.offset += int64(n)
		max := maxLineLength
		if r.strict {
			max = 1000
		}

		for _, c := range buf[:n] {
			if r.prevlf {
				r.p.RawLineCount++
			}
			if err == nil || err == io.EOF {
				if c == '\n' && !r.prevcr {
					err = errBareLF
				} else if c != '\n' && r.prevcr && r.strict {
					err = errBareCR
				}
			}
			r.prevlf = c == '\n'
			r.prevcr = c == '\r'
			r.linelength++
			if c == '\n' {
				r.linelength = 0
			} else if r.linelength > max && err == nil {
				err = errLineTooLong
			}
		}
	}
	if err == io.EOF {
		r.p.EndOffset = r.offset
	}
	return n, err
}

var crlf = []byte("\r\n")

// boundReader reads a subpart's body, stopping at the parent's boundary. Line
// endings are validated through its bufAt.
type boundReader struct {
	p      *Part
	b      *bufAt
	buf    []byte // Leftover from a previous line, served first.
	nbuf   int
	crlf   []byte // Possible crlf, returned unless a boundary follows.
	prevlf bool
}

func (b *boundReader) Read(buf []byte) (count int, rerr error) {
	origBuf := buf
	defer func() {
		if count > 0 {
			for _, c := range origBuf[:count] {
				if b.prevlf {
					b.p.RawLineCount++
				}
				b.prevlf = c == '\n'
			}
		}
	}()

	for {
		// Serve data from an earlier line first.
		if b.nbuf > 0 {
			n := min(b.nbuf, len(buf))
			copy(buf, b.buf[:n])
			copy(b.buf, b.buf[n:])
			buf = buf[n:]
			b.nbuf -= n
			count += n
			if b.nbuf > 0 {
				break
			}
		}

		// If the next line is a boundary, the crlf of the previous line is not
		// part of the body.
		line, _, err := b.b.PeekLine(false)
		if match, _ := checkBound(line, b.p.parent.bound); match {
			b.p.EndOffset = b.b.offset - int64(len(b.crlf))
			if b.p.parent.lastBoundOffset == b.p.BoundaryOffset {
				b.p.parent.nextBoundOffset = b.b.offset
			}
			return count, io.EOF
		}
		if err == io.EOF {
			err = errMissingClosingBoundary
		}
		if err != nil && err != io.EOF {
			return count, err
		}
		if len(b.crlf) > 0 {
			n := min(len(b.crlf), len(buf))
			copy(buf, b.crlf[:n])
			count += n
			buf = buf[n:]
			b.crlf = b.crlf[n:]
		}
		if len(buf) == 0 {
			break
		}
		line, _, err = b.b.ReadLine(true)
		if err != nil {
			// Could be an unexpected end of the part.
			return 0, err
		}
		b.crlf = crlf
		n := len(line) - 2
		line = line[:n]
		if n > len(buf) {
			n = len(buf)
		}
		copy(buf, line[:n])
		count += n
		buf = buf[n:]
		line = line[n:]
		if len(line) > 0 {
			if b.buf == nil {
				b.buf = make([]byte, b.b.maxLineLength())
			}
			copy(b.buf, line)
			b.nbuf = len(line)
		}
	}
	return count, nil
}

func checkBound(line, bound []byte) (match, finish bool) {
	if !bytes.HasPrefix(line, bound) {
		return false, false
	}
	line = line[len(bound):]
	if bytes.HasPrefix(line, []byte("--")) {
		return true, true
	}
	if len(line) == 0 {
		return true, false
	}
	switch line[0] {
	case ' ', '\t', '\r', '\n':
		return true, false
	}
	return false, false
}
