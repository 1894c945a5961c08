package imapserver

import (
	"time"

	"github.com/lodemail/lode/imapnum"
	"github.com/lodemail/lode/store"
)

// Typed command arguments produced by the parser.

// partial is the <offset.count> suffix on a fetch attribute.
type partial struct {
	offset uint32
	count  uint32
}

type sectionPart struct {
	part []uint32
	text *sectionText
}

type sectionText struct {
	mime    bool // if "MIME"
	msgtext *sectionMsgtext
}

// a non-nil *sectionSpec with nil msgtext & nil part means there were []'s,
// but nothing inside. e.g. "BODY[]".
type sectionSpec struct {
	msgtext *sectionMsgtext
	part    *sectionPart
}

type sectionMsgtext struct {
	s       string   // "HEADER", "HEADER.FIELDS", "HEADER.FIELDS.NOT", "TEXT"
	headers []string // for "HEADER.FIELDS"*
}

type fetchAtt struct {
	field         string // uppercase, eg "ENVELOPE", "BODY". ".PEEK" is removed.
	peek          bool
	section       *sectionSpec
	sectionBinary []uint32
	partial       *partial
}

// searchKey is a node in the parsed search query tree. Only one of
// searchKeys, seqSet and op is set.
type searchKey struct {
	searchKeys  []searchKey // In case of nested/multiple keys. Also for the top-level command.
	seqSet      *imapnum.Set // In case of bare sequence set. For op UID, field uidSet contains the parameter.
	op          string      // Determines which of the fields below are set.
	headerField string
	astring     string
	date        time.Time
	atom        string
	number      int64
	searchKey   *searchKey
	searchKey2  *searchKey
	uidSet      imapnum.Set
	clientModseq *int64 // For MODSEQ.
}

// hasModseq returns whether there is a modseq filter anywhere in the search
// query; if so, the SEARCH result gets a MODSEQ response.
func (sk searchKey) hasModseq() bool {
	if sk.clientModseq != nil {
		return true
	}
	for _, e := range sk.searchKeys {
		if e.hasModseq() {
			return true
		}
	}
	if sk.searchKey != nil && sk.searchKey.hasModseq() {
		return true
	}
	if sk.searchKey2 != nil && sk.searchKey2.hasModseq() {
		return true
	}
	return false
}

// uidsNums converts store UIDs (which must be sorted ascending) to plain
// numbers for the range encoder.
func uidsNums(uids []store.UID) []uint32 {
	l := make([]uint32, len(uids))
	for i, uid := range uids {
		l[i] = uint32(uid)
	}
	return l
}

// compactUIDs encodes sorted ascending UIDs as a minimal sequence-set string,
// e.g. for COPYUID and APPENDUID.
func compactUIDs(uids []store.UID) string {
	return imapnum.Compact(uidsNums(uids)).String()
}
