package message

import (
	"io"
	"strings"
	"testing"
)

func tcheck(t *testing.T, err error, msg string) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: %s", msg, err)
	}
}

var basicMsg = strings.ReplaceAll(`From: <mjl@example.com>
To: Dev <dev@example.com>
Subject: =?utf-8?q?hello_there?=
Message-ID: <x@example.com>
Date: Fri, 1 Mar 2024 10:00:00 +0100
Content-Type: text/plain; charset=utf-8

hi!
`, "\n", "\r\n")

func TestBasic(t *testing.T) {
	r := strings.NewReader(basicMsg)
	p, err := Parse(nil, true, r)
	tcheck(t, err, "parse")
	err = p.Walk(nil)
	tcheck(t, err, "walk")

	if p.MediaType != "TEXT" || p.MediaSubType != "PLAIN" {
		t.Fatalf("got media type %s/%s, expected TEXT/PLAIN", p.MediaType, p.MediaSubType)
	}
	env := p.Envelope
	if env == nil || env.Subject != "hello there" {
		t.Fatalf("envelope %v, expected decoded subject", env)
	}
	if len(env.From) != 1 || env.From[0].User != "mjl" || env.From[0].Host != "example.com" {
		t.Fatalf("from %v, expected mjl@example.com", env.From)
	}
	if len(env.To) != 1 || env.To[0].Name != "Dev" {
		t.Fatalf("to %v, expected display name Dev", env.To)
	}

	buf, err := io.ReadAll(p.Reader())
	tcheck(t, err, "read body")
	if string(buf) != "hi!\r\n" {
		t.Fatalf("body %q, expected %q", buf, "hi!\r\n")
	}
	if p.DecodedSize != int64(len("hi!\r\n")) {
		t.Fatalf("decoded size %d, expected %d", p.DecodedSize, len("hi!\r\n"))
	}
	if p.RawLineCount != 1 {
		t.Fatalf("raw line count %d, expected 1", p.RawLineCount)
	}
}

var multipartMsg = strings.ReplaceAll(`From: <mjl@example.com>
Content-Type: multipart/alternative; boundary=x

preamble

--x
Content-Type: text/plain; charset=utf-8

this is plain text.

--x
Content-Type: text/html; charset=utf-8

this is html.

--x--
epilogue
`, "\n", "\r\n")

func TestMultipart(t *testing.T) {
	r := strings.NewReader(multipartMsg)
	p, err := Parse(nil, false, r)
	tcheck(t, err, "parse")
	err = p.Walk(nil)
	tcheck(t, err, "walk")

	if len(p.Parts) != 2 {
		t.Fatalf("got %d parts, expected 2", len(p.Parts))
	}
	if p.Parts[0].MediaSubType != "PLAIN" || p.Parts[1].MediaSubType != "HTML" {
		t.Fatalf("subtypes %s/%s, expected PLAIN/HTML", p.Parts[0].MediaSubType, p.Parts[1].MediaSubType)
	}
	buf, err := io.ReadAll(p.Parts[0].Reader())
	tcheck(t, err, "read first part")
	if string(buf) != "this is plain text.\r\n" {
		t.Fatalf("first part %q", buf)
	}
	buf, err = io.ReadAll(p.Parts[1].RawReader())
	tcheck(t, err, "read second part raw")
	if string(buf) != "this is html.\r\n" {
		t.Fatalf("second part %q", buf)
	}
}

var nestedMsg = strings.ReplaceAll(`From: <mjl@example.com>
Content-Type: message/rfc822

Subject: inner
Content-Type: text/plain

inner body
`, "\n", "\r\n")

func TestNestedMessage(t *testing.T) {
	r := strings.NewReader(nestedMsg)
	p, err := Parse(nil, false, r)
	tcheck(t, err, "parse")
	err = p.Walk(nil)
	tcheck(t, err, "walk")
	if p.Message == nil {
		t.Fatalf("no embedded message parsed")
	}
	if p.Message.Envelope == nil || p.Message.Envelope.Subject != "inner" {
		t.Fatalf("embedded envelope %v, expected subject inner", p.Message.Envelope)
	}
}

func TestEnsurePartBroken(t *testing.T) {
	// Missing closing boundary, EnsurePart must still return a usable part.
	msg := strings.ReplaceAll(`Content-Type: multipart/mixed; boundary=x

--x
Content-Type: text/plain

hello
`, "\n", "\r\n")
	r := strings.NewReader(msg)
	p, err := EnsurePart(nil, false, r, int64(len(msg)))
	if err == nil {
		t.Fatalf("expected error for missing closing boundary")
	}
	if p.MediaType != "APPLICATION" || p.MediaSubType != "OCTET-STREAM" {
		t.Fatalf("fallback part %s/%s, expected APPLICATION/OCTET-STREAM", p.MediaType, p.MediaSubType)
	}
	if _, err := io.ReadAll(p.Reader()); err != nil {
		t.Fatalf("reading fallback body: %v", err)
	}
}

func TestBareLF(t *testing.T) {
	msg := "Subject: x\r\n\r\nbare\nnewline\r\n"
	p, err := Parse(nil, false, strings.NewReader(msg))
	tcheck(t, err, "parse")
	if _, err := io.ReadAll(p.RawReader()); err == nil {
		t.Fatalf("expected error for bare newline in body")
	}
}

func TestThreadSubject(t *testing.T) {
	check := func(subject, expBase string, expResp bool) {
		t.Helper()
		base, resp := ThreadSubject(subject, false)
		if base != expBase || resp != expResp {
			t.Fatalf("got base %q response %v, expected %q %v, for subject %q", base, resp, expBase, expResp, subject)
		}
	}
	check("hello", "hello", false)
	check("Re: hello", "hello", true)
	check("RE: Fwd: hello", "hello", true)
	check("[list] hello", "hello", false)
	check("[list] Re: hello", "hello", true)
	check("hello (fwd)", "hello", true)
	check("[fwd: hello]", "hello", true)
	check("  spaced \t out ", "spaced out", false)
}
