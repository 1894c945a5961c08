package imapsession

import (
	"encoding/json"
	"fmt"

	"github.com/lodemail/lode/imapview"
	"github.com/lodemail/lode/store"
)

// snapshotRecord is the persisted form of one view record. The session
// overlay (recent/added/dirty state) is reconstructed per new session and
// deliberately has no place here.
type snapshotRecord struct {
	ItemID   int64
	UID      store.UID
	ModSeq   store.ModSeq
	Flags    store.Flags
	Keywords []string `json:",omitempty"`
}

type snapshot struct {
	UIDValidity uint32
	Records     []snapshotRecord
}

// Snapshot serializes the record list of a view.
func Snapshot(v *imapview.View) ([]byte, error) {
	records := v.All()
	s := snapshot{UIDValidity: v.UIDValidity, Records: make([]snapshotRecord, 0, len(records))}
	for _, r := range records {
		if r.IsExpunged() {
			continue
		}
		s.Records = append(s.Records, snapshotRecord{r.ItemID, r.UID, r.ModSeq, r.Flags, r.Keywords})
	}
	buf, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("marshal folder snapshot: %w", err)
	}
	return buf, nil
}

// Restore decodes a snapshot into fresh records, ordered ascending by UID as
// they were stored. The returned uidValidity must be checked against the
// mailbox before use.
func Restore(buf []byte) (records []*imapview.Record, uidValidity uint32, rerr error) {
	var s snapshot
	if err := json.Unmarshal(buf, &s); err != nil {
		return nil, 0, fmt.Errorf("unmarshal folder snapshot: %w", err)
	}
	records = make([]*imapview.Record, 0, len(s.Records))
	var last store.UID
	for _, sr := range s.Records {
		if sr.UID <= last {
			return nil, 0, fmt.Errorf("snapshot records not in ascending uid order")
		}
		last = sr.UID
		records = append(records, &imapview.Record{
			ItemID:   sr.ItemID,
			UID:      sr.UID,
			ModSeq:   sr.ModSeq,
			Flags:    sr.Flags,
			Keywords: sr.Keywords,
		})
	}
	return records, s.UIDValidity, nil
}
