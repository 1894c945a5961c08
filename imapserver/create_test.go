package imapserver

import (
	"testing"
)

func TestCreate(t *testing.T) {
	tc := start(t)
	defer tc.close()
	tc.login()

	tc.transactf("create inbox")
	tc.xstatuscode("NO", "CANNOT")

	tc.transactf("create Archive")
	tc.xstatus("OK")

	tc.transactf("create Archive")
	tc.xstatuscode("NO", "ALREADYEXISTS")

	// Inbox is matched case-insensitively.
	tc.transactf("create INBOX")
	tc.xstatuscode("NO", "CANNOT")

	// Child of Inbox is fine, and normalized.
	tc.transactf("create inbox/Sub")
	tc.xstatus("OK")
	tc.transactf(`list "" "Inbox/Sub"`)
	tc.xuntagged(`* LIST () "/" Inbox/Sub`)

	// Missing parents are created too.
	tc.transactf("create Lists/Go/Dev")
	tc.xstatus("OK")
	tc.transactf("create Lists/Go")
	tc.xstatuscode("NO", "ALREADYEXISTS")

	// Trailing slash is allowed, it only creates the parents.
	tc.transactf("create Lists/Python/")
	tc.xstatus("OK")
	tc.transactf("create Lists/Python")
	tc.xstatuscode("NO", "ALREADYEXISTS")

	// Bad names.
	tc.transactf(`create ""`)
	tc.xstatus("NO")
	tc.transactf("create /leading")
	tc.xstatus("NO")
	tc.transactf("create a//b")
	tc.xstatus("NO")

	// New mailboxes are visible to LIST.
	tc.transactf(`list "" "Lists/Go/Dev"`)
	tc.xstatus("OK")
	tc.xuntagged(`* LIST () "/" Lists/Go/Dev`)
}
