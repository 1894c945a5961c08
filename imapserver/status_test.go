package imapserver

import (
	"fmt"
	"testing"
)

func TestStatus(t *testing.T) {
	tc := start(t)
	defer tc.close()
	tc.login()

	tc.transactf("status")
	tc.xstatus("BAD")
	tc.transactf("status inbox")
	tc.xstatus("BAD")
	tc.transactf("status inbox ()")
	tc.xstatus("BAD")
	tc.transactf("status inbox (bogus)")
	tc.xstatus("BAD")
	tc.transactf("status Nope (messages)")
	tc.xstatus("NO")

	tc.transactf("status inbox (messages uidnext uidvalidity unseen deleted size recent appendlimit)")
	tc.xuntagged(fmt.Sprintf("* STATUS Inbox (MESSAGES 0 UIDNEXT 1 UIDVALIDITY 1 UNSEEN 0 DELETED 0 SIZE 0 RECENT 0 APPENDLIMIT %d)", int64(maxMsgSize)))

	tc.deliver("Inbox", plainMsg, exampleMsg)
	tc.transactf("status inbox (messages unseen recent)")
	tc.xuntagged("* STATUS Inbox (MESSAGES 2 UNSEEN 2 RECENT 2)")

	// HIGHESTMODSEQ reports the account-wide counter.
	tc.transactf("status inbox (highestmodseq)")
	tc.xstatus("OK")
	tc.xuntaggedContains("HIGHESTMODSEQ ")
}
