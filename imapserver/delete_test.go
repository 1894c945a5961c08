package imapserver

import (
	"testing"
)

func TestDelete(t *testing.T) {
	tc := start(t)
	defer tc.close()
	tc.login()

	tc.transactf("delete inbox")
	tc.xstatuscode("NO", "CANNOT")

	tc.transactf("delete Nope")
	tc.xstatuscode("NO", "NONEXISTENT")

	tc.transactf("create Lists/Go")
	tc.xstatus("OK")

	// Parent with children cannot be removed.
	tc.transactf("delete Lists")
	tc.xstatuscode("NO", "HASCHILDREN")

	tc.transactf("delete Lists/Go")
	tc.xstatus("OK")
	tc.transactf("delete Lists")
	tc.xstatus("OK")

	tc.transactf(`list "" "Lists*"`)
	tc.xnountagged("* LIST")

	// Delete removes the messages too.
	tc.transactf("create Archive")
	tc.xstatus("OK")
	tc.deliver("Archive", plainMsg)
	tc.transactf("delete Archive")
	tc.xstatus("OK")
	tc.transactf("status Archive (messages)")
	tc.xstatus("NO")
}
