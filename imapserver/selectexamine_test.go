package imapserver

import (
	"testing"
)

func TestSelect(t *testing.T) {
	tc := start(t)
	defer tc.close()
	tc.login()

	tc.transactf("select Nope")
	tc.xstatuscode("NO", "NONEXISTENT")

	tc.transactf("select inbox")
	tc.xstatuscode("OK", "READ-WRITE")
	tc.xuntagged("* 0 EXISTS", "* 0 RECENT")
	tc.xuntaggedContains("UIDVALIDITY")
	tc.xuntaggedContains("UIDNEXT 1")
	tc.xuntaggedContains("HIGHESTMODSEQ")
	tc.xuntaggedContains("PERMANENTFLAGS")

	// Selecting again while selected works, the old mailbox is deselected.
	tc.transactf("select inbox")
	tc.xstatus("OK")

	tc.deliver("Inbox", plainMsg, exampleMsg)
	tc.transactf("select inbox")
	tc.xuntagged("* 2 EXISTS", "* 2 RECENT")
	tc.xuntaggedContains("[UNSEEN 1]")

	// A failed select deselects.
	tc.transactf("select Nope")
	tc.xstatus("NO")
	tc.transactf("fetch 1 flags")
	tc.xstatus("NO")
}

func TestExamine(t *testing.T) {
	tc := start(t)
	defer tc.close()
	tc.login()

	tc.deliver("Inbox", plainMsg)
	tc.transactf("examine inbox")
	tc.xstatuscode("OK", "READ-ONLY")
	tc.xuntagged("* 1 EXISTS", `* OK [PERMANENTFLAGS ()] no flags can be changed`)

	// Mutating commands fail on an examined mailbox.
	tc.transactf(`store 1 flags (\seen)`)
	tc.xstatus("NO")
	tc.transactf("expunge")
	tc.xstatus("NO")
}

func TestUnselect(t *testing.T) {
	tc := start(t)
	defer tc.close()
	tc.login()

	tc.deliver("Inbox", plainMsg)
	tc.transactf("select inbox")
	tc.xstatus("OK")
	tc.transactf(`store 1 +flags (\deleted)`)
	tc.xstatus("OK")

	// Unselect does not expunge, close does.
	tc.transactf("unselect")
	tc.xstatus("OK")
	tc.transactf("status inbox (messages)")
	tc.xuntagged("* STATUS Inbox (MESSAGES 1)")

	tc.transactf("select inbox")
	tc.xstatus("OK")
	tc.transactf("close")
	tc.xstatus("OK")
	tc.transactf("status inbox (messages)")
	tc.xuntagged("* STATUS Inbox (MESSAGES 0)")
}
