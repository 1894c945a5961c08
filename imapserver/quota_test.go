package imapserver

import (
	"fmt"
	"testing"
)

func TestQuota(t *testing.T) {
	tc := start(t)
	defer tc.close()
	tc.login()

	// No limits configured: empty resource list.
	tc.transactf(`getquota ""`)
	tc.xuntagged(`* QUOTA "" ()`)

	tc.transactf(`getquota "bogus"`)
	tc.xstatus("NO")

	tc.transactf("getquotaroot inbox")
	tc.xuntagged(`* QUOTAROOT Inbox ""`, `* QUOTA "" ()`)
	tc.transactf("getquotaroot Nope")
	tc.xstatus("NO")

	// STORAGE is in units of 1024 octets.
	tc.transactf(`setquota "" (storage 100 message 10)`)
	tc.xstatus("OK")
	tc.xuntagged(`* QUOTA "" (STORAGE 0 100 MESSAGE 0 10)`)

	tc.deliver("Inbox", plainMsg)
	tc.transactf(`getquota ""`)
	tc.xuntagged(fmt.Sprintf(`* QUOTA "" (STORAGE %d 100 MESSAGE 1 10)`, (int64(len(plainMsg))+1023)/1024))

	tc.transactf(`setquota "" (bogus 1)`)
	tc.xstatuscode("NO", "NOPERM")

	// APPEND checks the size limit.
	tc.transactf(`setquota "" (storage 0 message 0)`)
	tc.xstatus("OK")
	tc.transactf(`setquota "" (storage 1)`)
	tc.xstatus("OK")
	big := make([]byte, 2048)
	for i := range big {
		big[i] = 'x'
	}
	msg := "Subject: big\r\n\r\n" + string(big) + "\r\n"
	tc.appendf("inbox", "", msg)
	tc.xstatuscode("NO", "OVERQUOTA")
}
