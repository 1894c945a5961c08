package imapserver

import (
	"testing"
)

func TestExpunge(t *testing.T) {
	tc := start(t)
	defer tc.close()
	tc.login()
	tc.deliver("Inbox", plainMsg, exampleMsg, nestedMsg)
	tc.transactf("select inbox")
	tc.xstatus("OK")

	// Nothing deleted, nothing expunged.
	tc.transactf("expunge")
	tc.xstatus("OK")
	tc.xnountagged("* 1 EXPUNGE", "* 2 EXPUNGE", "* 3 EXPUNGE")

	tc.transactf(`store 1,3 +flags.silent (\deleted)`)
	tc.xstatus("OK")
	tc.transactf("expunge")
	tc.xstatus("OK")
	// Sequence numbers shift as messages are removed.
	tc.xuntagged("* 1 EXPUNGE", "* 2 EXPUNGE")

	tc.transactf("status inbox (messages)")
	tc.xuntagged("* STATUS Inbox (MESSAGES 1)")

	// Remaining message kept its UID.
	tc.transactf("uid fetch 2 flags")
	tc.xuntaggedContains("UID 2")
}

func TestUIDExpunge(t *testing.T) {
	tc := start(t)
	defer tc.close()
	tc.login()
	tc.deliver("Inbox", plainMsg, exampleMsg, nestedMsg)
	tc.transactf("select inbox")
	tc.xstatus("OK")

	tc.transactf(`store 1:3 +flags.silent (\deleted)`)
	tc.xstatus("OK")

	// Only the given UIDs are expunged, the others stay deleted.
	tc.transactf("uid expunge 2")
	tc.xstatus("OK")
	tc.xuntagged("* 2 EXPUNGE")
	tc.transactf("status inbox (messages)")
	tc.xuntagged("* STATUS Inbox (MESSAGES 2)")

	tc.transactf("expunge")
	tc.xstatus("OK")
	tc.xuntagged("* 1 EXPUNGE")
	tc.transactf("status inbox (messages)")
	tc.xuntagged("* STATUS Inbox (MESSAGES 0)")
}

func TestExpungeVanished(t *testing.T) {
	tc := start(t)
	defer tc.close()
	tc.login()
	tc.deliver("Inbox", plainMsg, exampleMsg, nestedMsg)
	tc.transactf("enable qresync")
	tc.xstatus("OK")
	tc.transactf("select inbox")
	tc.xstatus("OK")

	tc.transactf(`store 1,3 +flags.silent (\deleted)`)
	tc.xstatus("OK")
	tc.transactf("expunge")
	tc.xstatus("OK")
	tc.xuntagged("* VANISHED 1,3")
}
