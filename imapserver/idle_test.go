package imapserver

import (
	"strings"
	"testing"
)

func TestIdle(t *testing.T) {
	tc := start(t)
	defer tc.close()
	tc.login()
	tc.transactf("select inbox")
	tc.xstatus("OK")

	tc.cmdf("idle")
	tc.readcontinuation()

	// Deliveries from other sessions are announced while idling.
	tc.deliver("Inbox", plainMsg)
	var sawExists bool
	for !sawExists {
		line := tc.readresp()
		if line == "* 1 EXISTS" {
			sawExists = true
		} else if !strings.HasPrefix(line, "* ") {
			t.Fatalf("unexpected line %q while idling", line)
		}
	}

	tc.writelinef("done")
	tc.response()
	tc.xstatus("OK")

	// A missing DONE is a protocol error.
	tc.cmdf("idle")
	tc.readcontinuation()
	tc.writelinef("bogus")
	tc.response()
	tc.xstatus("BAD")
}

func TestIdleCrossSession(t *testing.T) {
	tc := start(t)
	defer tc.close()
	tc.login()
	tc.deliver("Inbox", plainMsg, exampleMsg)
	tc.transactf("select inbox")
	tc.xstatus("OK")

	tc2 := tc.connect()
	defer tc2.close()
	tc2.login()
	tc2.transactf("select inbox")
	tc2.xstatus("OK")

	tc2.cmdf("idle")
	tc2.readcontinuation()

	// An expunge in one session reaches the idling one.
	tc.transactf(`store 1 +flags.silent (\deleted)`)
	tc.xstatus("OK")
	tc.transactf("expunge")
	tc.xuntagged("* 1 EXPUNGE")

	var sawExpunge bool
	for !sawExpunge {
		line := tc2.readresp()
		if line == "* 1 EXPUNGE" {
			sawExpunge = true
		} else if !strings.HasPrefix(line, "* ") {
			t.Fatalf("unexpected line %q while idling", line)
		}
	}
	tc2.writelinef("done")
	tc2.response()
	tc2.xstatus("OK")
}
