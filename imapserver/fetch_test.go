package imapserver

import (
	"fmt"
	"testing"
)

func TestFetch(t *testing.T) {
	tc := start(t)
	defer tc.close()
	tc.login()
	tc.deliver("Inbox", exampleMsg)
	tc.transactf("select inbox")
	tc.xstatus("OK")

	tc.transactf("fetch 1 uid")
	tc.xuntagged("* 1 FETCH (UID 1)")

	tc.transactf("fetch 1 rfc822.size")
	tc.xuntagged(fmt.Sprintf("* 1 FETCH (UID 1 RFC822.SIZE %d)", len(exampleMsg)))

	tc.transactf("fetch 1 flags")
	tc.xuntagged(`* 1 FETCH (UID 1 FLAGS (\Recent))`)

	tc.transactf("fetch 1 envelope")
	tc.xuntaggedContains(`"dinner plans"`)
	tc.xuntaggedContains(`"merlijn" "lode.example"`)
	tc.xuntaggedContains(`"<dinner-0001@lode.example>"`)

	tc.transactf("fetch 1 internaldate")
	tc.xuntaggedContains("INTERNALDATE ")

	tc.transactf("fetch 1 bodystructure")
	tc.xuntaggedContains(`"MIXED"`)
	tc.xuntaggedContains(`"ALTERNATIVE"`)
	tc.xuntaggedContains(`"IMAGE" "PNG"`)
	tc.xuntaggedContains(`"BASE64"`)

	// Macros.
	tc.transactf("fetch 1 fast")
	tc.xuntaggedContains("RFC822.SIZE")
	tc.xuntaggedContains("INTERNALDATE")
	tc.transactf("fetch 1 all")
	tc.xuntaggedContains("ENVELOPE")
	tc.transactf("fetch 1 full")
	tc.xuntaggedContains("BODY (")

	tc.transactf("fetch 100 uid")
	tc.xstatus("BAD")
}

func TestFetchBody(t *testing.T) {
	tc := start(t)
	defer tc.close()
	tc.login()
	tc.deliver("Inbox", exampleMsg)
	tc.transactf("select inbox")
	tc.xstatus("OK")

	// Specific parts.
	tc.transactf("fetch 1 body.peek[1.1]")
	tc.xuntaggedContains("BODY[1.1]")
	tc.xuntaggedContains("how about thursday evening?")

	tc.transactf("fetch 1 body.peek[1.2]")
	tc.xuntaggedContains("<b>thursday</b>")

	tc.transactf("fetch 1 body.peek[2]")
	tc.xuntaggedContains("iVBORw0KGgo=")

	// Header sections.
	tc.transactf("fetch 1 body.peek[header.fields (subject from)]")
	tc.xuntaggedContains("Subject: dinner plans")
	tc.xuntaggedContains("From: Merlijn <merlijn@lode.example>")
	tc.xnountaggedContains("To: Dora")

	tc.transactf("fetch 1 body.peek[header.fields.not (subject)]")
	tc.xuntaggedContains("To: Dora <dora@lode.example>")
	tc.xnountaggedContains("Subject: dinner plans")

	tc.transactf("fetch 1 body.peek[header]")
	tc.xuntaggedContains("Message-Id: <dinner-0001@lode.example>")

	tc.transactf("fetch 1 body.peek[text]")
	tc.xuntaggedContains("--xx")

	// MIME section of a part.
	tc.transactf("fetch 1 body.peek[2.mime]")
	tc.xuntaggedContains("Content-Type: image/png")

	// Partial body.
	tc.transactf("fetch 1 body.peek[header.fields (subject)]<0.7>")
	tc.xuntaggedContains("BODY[HEADER.FIELDS (SUBJECT)]<0>")
	tc.xuntaggedContains("Subject")

	// Peek does not set \Seen, plain BODY[] does.
	tc.transactf("fetch 1 flags")
	tc.xuntagged(`* 1 FETCH (UID 1 FLAGS (\Recent))`)
	tc.transactf("fetch 1 body[]")
	tc.xuntaggedContains("Subject: dinner plans")
	tc.transactf("fetch 1 flags")
	tc.xuntaggedContains(`\Seen`)

	// RFC822 equivalents.
	tc.transactf("fetch 1 rfc822.header")
	tc.xuntaggedContains("Subject: dinner plans")
	tc.transactf("fetch 1 rfc822.text")
	tc.xuntaggedContains("--xx")
	tc.transactf("fetch 1 rfc822")
	tc.xuntaggedContains("Subject: dinner plans")

	// Bad part number.
	tc.transactf("fetch 1 body.peek[9.9]")
	tc.xstatus("NO")
}

func TestFetchBinary(t *testing.T) {
	tc := start(t)
	defer tc.close()
	tc.login()
	tc.deliver("Inbox", exampleMsg)
	tc.transactf("select inbox")
	tc.xstatus("OK")

	// The png part decodes from base64 to the 8 signature bytes.
	tc.transactf("fetch 1 binary.size[2]")
	tc.xuntagged("* 1 FETCH (UID 1 BINARY.SIZE[2] 8)")

	tc.transactf("fetch 1 binary.peek[2]")
	tc.xuntaggedContains("BINARY[2]")

	// Binary on a multipart is not allowed.
	tc.transactf("fetch 1 binary.peek[1]")
	tc.xstatus("NO")
}

func TestFetchNested(t *testing.T) {
	tc := start(t)
	defer tc.close()
	tc.login()
	tc.deliver("Inbox", nestedMsg)
	tc.transactf("select inbox")
	tc.xstatus("OK")

	tc.transactf("fetch 1 bodystructure")
	tc.xuntaggedContains(`"MESSAGE" "RFC822"`)
	tc.xuntaggedContains(`"<dinner-0000@lode.example>"`)

	// Part 1 of a message/rfc822 message is the embedded message's body.
	tc.transactf("fetch 1 body.peek[1]")
	tc.xuntaggedContains("how about thursday evening?")

	tc.transactf("fetch 1 body.peek[1.header]")
	tc.xuntaggedContains("From: Elias <elias@lode.example>")
}

func TestFetchChangedSince(t *testing.T) {
	tc := start(t)
	defer tc.close()
	tc.login()
	tc.deliver("Inbox", plainMsg, exampleMsg)
	tc.transactf("select inbox")
	tc.xstatus("OK")
	tc.transactf("enable condstore")
	tc.xstatus("OK")

	// Fresh account: deliveries have modseq 2 and 3.
	tc.transactf("uid fetch 1:2 (flags) (changedsince 2)")
	tc.xuntaggedContains("UID 2")
	tc.xnountaggedContains("UID 1 ")

	// With condstore enabled, fetches include MODSEQ.
	tc.transactf("fetch 1 uid")
	tc.xuntagged("* 1 FETCH (UID 1 MODSEQ (2))")

	// VANISHED requires qresync and a uid fetch.
	tc.transactf("uid fetch 1:2 (flags) (changedsince 1 vanished)")
	tc.xstatus("BAD")
	tc.transactf("enable qresync")
	tc.xstatus("OK")
	tc.transactf(`store 1 +flags.silent (\deleted)`)
	tc.xstatus("OK")
	tc.transactf("expunge")
	tc.xstatus("OK")
	tc.transactf("uid fetch 1:2 (flags) (changedsince 2 vanished)")
	tc.xuntaggedContains("VANISHED (EARLIER) 1")
}
