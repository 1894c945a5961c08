package imapserver

import (
	"fmt"
	"testing"
)

func TestSort(t *testing.T) {
	tc := start(t)
	defer tc.close()
	tc.login()
	// Dates: message 1 is 3 Mar, message 2 is 1 Mar, message 3 is 2 Mar.
	tc.deliver("Inbox", plainMsg, exampleMsg, nestedMsg)
	tc.transactf("select inbox")
	tc.xstatus("OK")

	tc.transactf("sort (date) us-ascii all")
	tc.xuntagged("* SORT 2 3 1")

	tc.transactf("sort (reverse date) us-ascii all")
	tc.xuntagged("* SORT 1 3 2")

	// Arrival is delivery order here.
	tc.transactf("sort (arrival) us-ascii all")
	tc.xuntagged("* SORT 1 2 3")

	// From: message 1 is from Dora, 2 and 3 from Merlijn; ties stay in
	// mailbox order.
	tc.transactf("sort (from) us-ascii all")
	tc.xuntagged("* SORT 1 2 3")
	tc.transactf("sort (from date) us-ascii all")
	tc.xuntagged("* SORT 1 2 3")

	// Base subject ignores re:/fwd: prefixes, all tie.
	tc.transactf("sort (subject) us-ascii all")
	tc.xuntagged("* SORT 1 2 3")

	tc.transactf("uid sort (date) us-ascii unseen")
	tc.xuntagged("* SORT 2 3 1")

	tc.transactf("sort (date) us-ascii subject fwd:")
	tc.xuntagged("* SORT 3")

	tc.transactf("sort (bogus) us-ascii all")
	tc.xstatus("BAD")
	tc.transactf("sort (date) utf-16 all")
	tc.xstatuscode("NO", "BADCHARSET")
}

func TestSortEsort(t *testing.T) {
	tc := start(t)
	defer tc.close()
	tc.login()
	tc.deliver("Inbox", plainMsg, exampleMsg, nestedMsg)
	tc.transactf("select inbox")
	tc.xstatus("OK")

	tc.transactf("sort return (count) (date) us-ascii all")
	tc.xuntagged(fmt.Sprintf(`* ESEARCH (TAG "%s") COUNT 3`, tc.lastTag))

	// MIN/MAX are over the result values, ALL is a compacted set.
	tc.transactf("sort return (min max all) (date) us-ascii all")
	tc.xuntagged(fmt.Sprintf(`* ESEARCH (TAG "%s") MIN 1 MAX 3 ALL 1:3`, tc.lastTag))
}

func TestThread(t *testing.T) {
	tc := start(t)
	defer tc.close()
	tc.login()
	tc.deliver("Inbox", plainMsg, exampleMsg, nestedMsg)
	tc.transactf("select inbox")
	tc.xstatus("OK")

	// One thread: same base subject, ordered by date.
	tc.transactf("thread orderedsubject us-ascii all")
	tc.xuntagged("* THREAD (2 3 1)")

	tc.appendf("inbox", "", "Subject: other topic\r\n\r\nhello\r\n")
	tc.xstatus("OK")
	tc.transactf("thread orderedsubject us-ascii all")
	tc.xuntaggedContains("(2 3 1)")
	tc.xuntaggedContains("(4)")

	tc.transactf("uid thread orderedsubject us-ascii unseen")
	tc.xuntaggedContains("(2 3 1)")

	tc.transactf("thread references us-ascii all")
	tc.xstatus("NO")
}
