package imapserver

import (
	"fmt"
	"testing"
)

// appendf sends an append with a non-synchronizing literal.
func (tc *testconn) appendf(mailbox, args, msg string) {
	tc.t.Helper()
	if args != "" {
		args = " " + args
	}
	tc.transactf("append %s%s {%d+}\r\n%s", mailbox, args, len(msg), msg)
}

func TestAppend(t *testing.T) {
	tc := start(t)
	defer tc.close()
	tc.login()

	tc.appendf("Nope", "", plainMsg)
	tc.xstatuscode("NO", "TRYCREATE")

	tc.appendf("inbox", "", plainMsg)
	tc.xstatuscode("OK", "APPENDUID 1 1")

	// With flags and date.
	tc.appendf("inbox", `(\Seen $Junk custom) " 1-Mar-2024 10:10:00 +0100"`, exampleMsg)
	tc.xstatuscode("OK", "APPENDUID 1 2")

	tc.transactf("select inbox")
	tc.xuntagged("* 2 EXISTS")
	tc.transactf("uid fetch 2 (flags internaldate)")
	tc.xuntaggedContains(`\Seen`)
	tc.xuntaggedContains("$Junk")
	tc.xuntaggedContains("custom")
	tc.xuntaggedContains(`INTERNALDATE " 1-Mar-2024 10:10:00 +0100"`)

	// Bad flag.
	tc.appendf("inbox", `(\Bogus)`, plainMsg)
	tc.xstatus("BAD")

	// Appending to the selected mailbox announces the new message.
	tc.appendf("inbox", "", plainMsg)
	tc.xstatus("OK")
	tc.xuntagged("* 3 EXISTS")
}

func TestAppendMulti(t *testing.T) {
	tc := start(t)
	defer tc.close()
	tc.login()

	// MULTIAPPEND, all messages in a single command and response.
	tc.transactf("append inbox {%d+}\r\n%s {%d+}\r\n%s", len(plainMsg), plainMsg, len(exampleMsg), exampleMsg)
	tc.xstatuscode("OK", "APPENDUID 1 1:2")

	tc.transactf("status inbox (messages)")
	tc.xuntagged("* STATUS Inbox (MESSAGES 2)")
}

func TestAppendCatenate(t *testing.T) {
	tc := start(t)
	defer tc.close()
	tc.login()

	part0 := "Subject: parts\r\n\r\n"
	part1 := "first part\r\n"
	part2 := "second part\r\n"
	tc.transactf("append inbox catenate (text {%d+}\r\n%s text {%d+}\r\n%s text {%d+}\r\n%s)",
		len(part0), part0, len(part1), part1, len(part2), part2)
	tc.xstatuscode("OK", "APPENDUID 1 1")

	tc.transactf("select inbox")
	tc.xstatus("OK")
	tc.transactf("fetch 1 rfc822.size")
	tc.xuntaggedContains(fmt.Sprintf("RFC822.SIZE %d", len(part0)+len(part1)+len(part2)))

	// Message/part URLs would need URLAUTH, not supported.
	tc.transactf(`append inbox catenate (url "imap://x/INBOX/;uid=1")`)
	tc.xstatuscode("NO", "BADURL")
}

func TestAppendSyncLiteral(t *testing.T) {
	tc := start(t)
	defer tc.close()
	tc.login()

	tc.cmdf("append inbox {%d}", len(plainMsg))
	tc.readcontinuation()
	tc.writelinef("%s", plainMsg)
	tc.response()
	tc.xstatus("OK")
}
