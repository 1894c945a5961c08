package imapserver

import (
	"fmt"
	"testing"
)

func TestACL(t *testing.T) {
	tc := start(t)
	defer tc.close()
	tc.login()

	tc.transactf("myrights inbox")
	tc.xuntagged("* MYRIGHTS Inbox lrswipkxtecda")

	tc.transactf("myrights Nope")
	tc.xstatuscode("NO", "NONEXISTENT")

	tc.transactf("getacl inbox")
	tc.xuntagged(fmt.Sprintf("* ACL Inbox %s lrswipkxtecda", tc.user))

	tc.transactf("setacl inbox fred lrs")
	tc.xstatus("OK")
	tc.transactf("getacl inbox")
	tc.xuntagged(fmt.Sprintf("* ACL Inbox %s lrswipkxtecda fred lrs", tc.user))

	// Rights are canonicalized, duplicates dropped.
	tc.transactf("setacl inbox joe wwsrl")
	tc.xstatus("OK")
	tc.transactf("getacl inbox")
	tc.xuntagged(fmt.Sprintf("* ACL Inbox %s lrswipkxtecda fred lrs joe lrsw", tc.user))

	tc.transactf("setacl inbox fred bogus1")
	tc.xstatuscode("NO", "CANNOT")

	// +/- modify the current rights.
	tc.transactf("setacl inbox fred +wi")
	tc.xstatus("OK")
	tc.transactf("setacl inbox fred -si")
	tc.xstatus("OK")
	tc.transactf("getacl inbox")
	tc.xuntagged(fmt.Sprintf("* ACL Inbox %s lrswipkxtecda fred lrw joe lrsw", tc.user))

	// The owner's rights cannot be changed.
	tc.transactf("setacl inbox %s lr", tc.user)
	tc.xstatuscode("NO", "NOPERM")
	tc.transactf("deleteacl inbox %s", tc.user)
	tc.xstatuscode("NO", "NOPERM")

	tc.transactf("deleteacl inbox joe")
	tc.xstatus("OK")
	tc.transactf("getacl inbox")
	tc.xuntagged(fmt.Sprintf("* ACL Inbox %s lrswipkxtecda fred lrw", tc.user))

	tc.transactf("listrights inbox %s", tc.user)
	tc.xuntagged(fmt.Sprintf("* LISTRIGHTS Inbox %s lrswipkxtecda", tc.user))
	tc.transactf("listrights inbox fred")
	tc.xuntagged(`* LISTRIGHTS Inbox fred "" l r s w i p k x t e c d a`)

	tc.transactf("setacl Nope fred lrs")
	tc.xstatuscode("NO", "NONEXISTENT")
}
