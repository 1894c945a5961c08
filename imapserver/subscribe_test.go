package imapserver

import (
	"testing"
)

func TestSubscribe(t *testing.T) {
	tc := start(t)
	defer tc.close()
	tc.login()

	// Subscribing a nonexistent mailbox is allowed.
	tc.transactf("subscribe Pending")
	tc.xstatus("OK")
	tc.transactf(`lsub "" "*"`)
	tc.xuntagged(`* LSUB () "/" Pending`)

	tc.transactf("create Archive")
	tc.xstatus("OK")
	// New mailboxes are subscribed on creation.
	tc.transactf(`lsub "" "Archive"`)
	tc.xuntagged(`* LSUB () "/" Archive`)

	tc.transactf("subscribe Archive")
	tc.xstatus("OK")

	tc.transactf("unsubscribe Archive")
	tc.xstatus("OK")
	tc.transactf(`lsub "" "Archive"`)
	tc.xnountagged("* LSUB")

	// The subscription survives removal of the mailbox.
	tc.transactf("subscribe Archive")
	tc.xstatus("OK")
	tc.transactf("delete Archive")
	tc.xstatus("OK")
	tc.transactf(`lsub "" "Archive"`)
	tc.xuntagged(`* LSUB () "/" Archive`)
	tc.transactf(`list (subscribed) "" "Archive"`)
	tc.xuntagged(`* LIST (\Subscribed \NonExistent) "/" Archive`)
}

func TestUnsubscribe(t *testing.T) {
	tc := start(t)
	defer tc.close()
	tc.login()

	// Unsubscribing when not subscribed is not an error.
	tc.transactf("unsubscribe Nope")
	tc.xstatus("OK")

	tc.transactf("unsubscribe inbox")
	tc.xstatus("OK")
	tc.transactf(`lsub "" "*"`)
	tc.xnountagged("* LSUB")
	tc.transactf("subscribe inbox")
	tc.xstatus("OK")
	tc.transactf(`lsub "" "*"`)
	tc.xuntagged(`* LSUB () "/" Inbox`)
}
