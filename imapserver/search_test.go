package imapserver

import (
	"fmt"
	"testing"
)

func TestSearch(t *testing.T) {
	tc := start(t)
	defer tc.close()
	tc.login()
	tc.deliver("Inbox", plainMsg, exampleMsg, nestedMsg)
	tc.transactf("select inbox")
	tc.xstatus("OK")
	tc.transactf(`store 2 +flags.silent (\seen $junk)`)
	tc.xstatus("OK")

	tc.transactf("search all")
	tc.xuntagged("* SEARCH 1 2 3")

	tc.transactf("search seen")
	tc.xuntagged("* SEARCH 2")
	tc.transactf("search unseen")
	tc.xuntagged("* SEARCH 1 3")

	tc.transactf("search keyword $junk")
	tc.xuntagged("* SEARCH 2")
	tc.transactf("search unkeyword $junk")
	tc.xuntagged("* SEARCH 1 3")

	tc.transactf("search subject dinner")
	tc.xuntagged("* SEARCH 1 2 3")
	tc.transactf(`search subject "fwd:"`)
	tc.xuntagged("* SEARCH 3")
	tc.transactf("search from merlijn")
	tc.xuntagged("* SEARCH 2 3")
	tc.transactf("search to dora")
	tc.xuntagged("* SEARCH 2 3")
	tc.transactf(`search header message-id "<dinner-0003@lode.example>"`)
	tc.xuntagged("* SEARCH 1")

	tc.transactf("search body thursday")
	tc.xuntagged("* SEARCH 1 2 3")
	tc.transactf(`search body "thursday works"`)
	tc.xuntagged("* SEARCH 1")
	tc.transactf(`search text "Subject: re:"`)
	tc.xuntagged("* SEARCH 1")

	tc.transactf("search not seen")
	tc.xuntagged("* SEARCH 1 3")
	tc.transactf("search or seen subject fwd:")
	tc.xuntagged("* SEARCH 2 3")
	tc.transactf("search seen unseen")
	tc.xuntagged("* SEARCH")

	tc.transactf("search larger %d", len(plainMsg))
	tc.xuntagged("* SEARCH 2 3")
	tc.transactf("search smaller %d", len(plainMsg)+1)
	tc.xuntagged("* SEARCH 1")

	tc.transactf("search sentbefore 2-Mar-2024")
	tc.xuntagged("* SEARCH 2")
	tc.transactf("search senton 2-Mar-2024")
	tc.xuntagged("* SEARCH 3")
	tc.transactf("search sentsince 2-Mar-2024")
	tc.xuntagged("* SEARCH 1 3")

	tc.transactf("search uid 2:3")
	tc.xuntagged("* SEARCH 2 3")
	tc.transactf("search 2:3 unseen")
	tc.xuntagged("* SEARCH 3")

	tc.transactf("uid search all")
	tc.xuntagged("* SEARCH 1 2 3")

	tc.transactf("search charset us-ascii all")
	tc.xuntagged("* SEARCH 1 2 3")
	tc.transactf("search charset utf-16 all")
	tc.xstatuscode("NO", "BADCHARSET")
}

func TestSearchEsearch(t *testing.T) {
	tc := start(t)
	defer tc.close()
	tc.login()
	tc.deliver("Inbox", plainMsg, exampleMsg, nestedMsg)
	tc.transactf("select inbox")
	tc.xstatus("OK")

	tc.transactf("search return (min max count all) all")
	tc.xuntagged(fmt.Sprintf(`* ESEARCH (TAG "%s") MIN 1 MAX 3 COUNT 3 ALL 1:3`, tc.lastTag))

	tc.transactf("uid search return (count) unseen")
	tc.xuntagged(fmt.Sprintf(`* ESEARCH (TAG "%s") UID COUNT 3`, tc.lastTag))

	// RETURN () means ALL.
	tc.transactf("search return () 2")
	tc.xuntagged(fmt.Sprintf(`* ESEARCH (TAG "%s") ALL 2`, tc.lastTag))

	// No matches: no MIN/MAX/ALL items, COUNT 0.
	tc.transactf("search return (min max all count) subject nothere")
	tc.xuntagged(fmt.Sprintf(`* ESEARCH (TAG "%s") COUNT 0`, tc.lastTag))
}

func TestSearchSave(t *testing.T) {
	tc := start(t)
	defer tc.close()
	tc.login()
	tc.deliver("Inbox", plainMsg, exampleMsg, nestedMsg)
	tc.transactf("select inbox")
	tc.xstatus("OK")

	// SAVE alone produces no untagged response.
	tc.transactf("search return (save) unseen")
	tc.xstatus("OK")
	tc.xnountagged("* ESEARCH", "* SEARCH")

	// "$" refers to the saved result.
	tc.transactf("fetch $ (uid)")
	tc.xuntagged("* 1 FETCH (UID 1)", "* 2 FETCH (UID 2)", "* 3 FETCH (UID 3)")

	tc.transactf(`store 2 +flags.silent (\seen)`)
	tc.xstatus("OK")
	tc.transactf("search return (save) unseen")
	tc.xstatus("OK")
	tc.transactf("search $")
	tc.xuntagged("* SEARCH 1 3")

	// The saved result works with uid commands too.
	tc.transactf("uid store $ +flags.silent (\\answered)")
	tc.xstatus("OK")
	tc.transactf("search answered")
	tc.xuntagged("* SEARCH 1 3")
}

func TestSearchModseq(t *testing.T) {
	tc := start(t)
	defer tc.close()
	tc.login()
	tc.deliver("Inbox", plainMsg, exampleMsg)
	tc.transactf("select inbox")
	tc.xstatus("OK")
	tc.transactf("enable condstore")
	tc.xstatus("OK")

	// Fresh account: deliveries have modseq 2 and 3.
	tc.transactf("search modseq 3")
	tc.xuntagged("* SEARCH 2 (MODSEQ 3)")
	tc.transactf("search modseq 2")
	tc.xuntagged("* SEARCH 1 2 (MODSEQ 3)")
}
