package imapserver

import (
	"testing"
)

func TestListBasic(t *testing.T) {
	tc := start(t)
	defer tc.close()
	tc.login()

	// Hierarchy delimiter request.
	tc.transactf(`list "" ""`)
	tc.xuntagged(`* LIST () "/" ""`)

	tc.transactf("create Archive/2024")
	tc.xstatus("OK")

	tc.transactf(`list "" "*"`)
	tc.xuntagged(
		`* LIST () "/" Archive`,
		`* LIST () "/" Archive/2024`,
		`* LIST () "/" Inbox`,
	)

	// "%" does not match the hierarchy separator.
	tc.transactf(`list "" "%%"`)
	tc.xuntagged(`* LIST () "/" Archive`, `* LIST () "/" Inbox`)
	tc.xnountagged(`* LIST () "/" Archive/2024`)

	tc.transactf(`list "" "Archive/%%"`)
	tc.xuntagged(`* LIST () "/" Archive/2024`)

	// Reference prefix is joined with the pattern.
	tc.transactf(`list "Archive" "2024"`)
	tc.xuntagged(`* LIST () "/" Archive/2024`)

	// Inbox matches case-insensitively.
	tc.transactf(`list "" "INBOX"`)
	tc.xuntagged(`* LIST () "/" Inbox`)
}

func TestListExtended(t *testing.T) {
	tc := start(t)
	defer tc.close()
	tc.login()

	tc.transactf("create Archive/2024")
	tc.xstatus("OK")
	tc.transactf("unsubscribe Archive")
	tc.xstatus("OK")

	tc.transactf(`list "" "%%" return (children)`)
	tc.xuntagged(
		`* LIST (\HasChildren) "/" Archive`,
		`* LIST (\HasNoChildren) "/" Inbox`,
	)

	tc.transactf(`list "" "%%" return (subscribed)`)
	tc.xuntagged(
		`* LIST () "/" Archive`,
		`* LIST (\Subscribed) "/" Inbox`,
	)

	// Only subscribed entries with the subscribed select option.
	tc.transactf(`list (subscribed) "" "%%"`)
	tc.xuntagged(`* LIST (\Subscribed) "/" Inbox`)
	tc.xnountagged(`* LIST () "/" Archive`)

	// CHILDINFO for a parent with a subscribed child.
	tc.transactf(`list (subscribed recursivematch) "" "%%"`)
	tc.xuntaggedContains(`Archive (CHILDINFO ("SUBSCRIBED"))`)

	// RECURSIVEMATCH requires a base option.
	tc.transactf(`list (recursivematch) "" "%%"`)
	tc.xstatus("BAD")

	// Multiple patterns.
	tc.transactf(`list "" ("INBOX" "Archive")`)
	tc.xuntagged(`* LIST () "/" Inbox`, `* LIST () "/" Archive`)

	// LIST-STATUS.
	tc.transactf(`list "" "INBOX" return (status (messages unseen))`)
	tc.xuntagged(
		`* LIST () "/" Inbox`,
		`* STATUS Inbox (MESSAGES 0 UNSEEN 0)`,
	)
}

func TestLsub(t *testing.T) {
	tc := start(t)
	defer tc.close()
	tc.login()

	tc.transactf("create Lists/Go")
	tc.xstatus("OK")

	tc.transactf(`lsub "" "*"`)
	tc.xuntagged(
		`* LSUB () "/" Inbox`,
		`* LSUB () "/" Lists`,
		`* LSUB () "/" Lists/Go`,
	)

	// An unsubscribed parent of a subscription is reported with \Noselect
	// for a %-pattern.
	tc.transactf("unsubscribe Lists")
	tc.xstatus("OK")
	tc.transactf(`lsub "" "%%"`)
	tc.xuntagged(
		`* LSUB () "/" Inbox`,
		`* LSUB (\Noselect) "/" Lists`,
	)

	tc.transactf(`lsub "" "Lists/%%"`)
	tc.xuntagged(`* LSUB () "/" Lists/Go`)
}
