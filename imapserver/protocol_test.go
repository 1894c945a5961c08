package imapserver

import (
	"testing"

	"github.com/lodemail/lode/store"
)

func TestCompactUIDs(t *testing.T) {
	check := func(uids []store.UID, exp string) {
		t.Helper()
		s := compactUIDs(uids)
		if s != exp {
			t.Fatalf("compacting %v: got %q, expected %q", uids, s, exp)
		}
	}

	check(nil, "")
	check([]store.UID{1}, "1")
	check([]store.UID{1, 2, 3}, "1:3")
	check([]store.UID{1, 3}, "1,3")
	check([]store.UID{1, 2, 3, 5, 7, 8}, "1:3,5,7:8")
	check([]store.UID{10, 11, 12, 100}, "10:12,100")
}

func TestSearchKeyModseq(t *testing.T) {
	check := func(sk searchKey, exp bool) {
		t.Helper()
		if got := sk.hasModseq(); got != exp {
			t.Fatalf("hasModseq: got %v, expected %v", got, exp)
		}
	}

	var modseq int64 = 100

	check(searchKey{op: "ALL"}, false)
	check(searchKey{op: "MODSEQ", clientModseq: &modseq}, true)
	check(searchKey{searchKeys: []searchKey{{op: "SEEN"}, {op: "MODSEQ", clientModseq: &modseq}}}, true)
	check(searchKey{op: "NOT", searchKey: &searchKey{op: "MODSEQ", clientModseq: &modseq}}, true)
	check(searchKey{op: "OR", searchKey: &searchKey{op: "SEEN"}, searchKey2: &searchKey{op: "MODSEQ", clientModseq: &modseq}}, true)
	check(searchKey{op: "OR", searchKey: &searchKey{op: "SEEN"}, searchKey2: &searchKey{op: "DELETED"}}, false)
}
