package imapserver

import (
	"errors"
	"fmt"
	"strings"

	"github.com/mjl-/bstore"

	"github.com/lodemail/lode/store"
)

// QUOTA, rfc 2087 and rfc 9208. A single quota root "" covers the entire
// account. STORAGE is in units of 1024 octets, MESSAGE is message counts.

// xquotaLine returns the untagged QUOTA response for the account root.
func (c *conn) xquotaLine(tx *bstore.Tx) string {
	qt := store.Quota{ID: 1}
	if err := tx.Get(&qt); err != nil && !errors.Is(err, bstore.ErrAbsent) {
		xcheckf(err, "get quota")
	}

	used, _, err := c.account.QuotaUsage(tx)
	xcheckf(err, "computing quota usage")

	var resources []string
	if qt.MaxSize > 0 {
		resources = append(resources, fmt.Sprintf("STORAGE %d %d", (used+1023)/1024, (qt.MaxSize+1023)/1024))
	}
	if qt.MaxCount > 0 {
		var count int64
		q := bstore.QueryTx[store.Mailbox](tx)
		err := q.ForEach(func(mb store.Mailbox) error {
			if mb.SearchQuery == "" {
				count += mb.Total
			}
			return nil
		})
		xcheckf(err, "counting messages")
		resources = append(resources, fmt.Sprintf("MESSAGE %d %d", count, qt.MaxCount))
	}
	return fmt.Sprintf(`* QUOTA "" (%s)`, strings.Join(resources, " "))
}

func (c *conn) cmdGetquota(tag, cmd string, p *parser) {
	p.xspace()
	root := p.xastring()
	p.xempty()

	if root != "" {
		xuserErrorf("unknown quota root")
	}

	var line string
	c.xdbread(func(tx *bstore.Tx) {
		line = c.xquotaLine(tx)
	})
	c.bwritelinef("%s", line)
	c.ok(tag, cmd)
}

func (c *conn) cmdGetquotaroot(tag, cmd string, p *parser) {
	p.xspace()
	name := p.xmailbox()
	p.xempty()

	name = xcheckmailboxname(name, true)

	var mb store.Mailbox
	var line string
	c.xdbread(func(tx *bstore.Tx) {
		mb = c.xmailbox(tx, name, "")
		c.xrights(tx, mb, "r")
		line = c.xquotaLine(tx)
	})
	c.bwritelinef(`* QUOTAROOT %s ""`, mailboxt(mb.Name).pack(c))
	c.bwritelinef("%s", line)
	c.ok(tag, cmd)
}

func (c *conn) cmdSetquota(tag, cmd string, p *parser) {
	// Parse.
	p.xspace()
	root := p.xastring()
	p.xspace()
	p.xtake("(")
	limits := map[string]int64{}
	for !p.take(")") {
		if len(limits) > 0 {
			p.xspace()
		}
		resource := strings.ToUpper(p.xatom())
		p.xspace()
		n := p.xnumber64()
		switch resource {
		case "STORAGE", "MESSAGE":
			limits[resource] = n
		default:
			xusercodeErrorf("NOPERM", "unknown quota resource %s", resource)
		}
	}
	p.xempty()

	if root != "" {
		xuserErrorf("unknown quota root")
	}

	var line string
	c.account.WithWLock(func() {
		c.xdbwrite(func(tx *bstore.Tx) {
			qt := store.Quota{ID: 1}
			if err := tx.Get(&qt); err != nil && !errors.Is(err, bstore.ErrAbsent) {
				xcheckf(err, "get quota")
			}
			if n, ok := limits["STORAGE"]; ok {
				qt.MaxSize = n * 1024
			}
			if n, ok := limits["MESSAGE"]; ok {
				qt.MaxCount = n
			}
			qt.ID = 1
			err := tx.Delete(&store.Quota{ID: 1})
			if err != nil && !errors.Is(err, bstore.ErrAbsent) {
				xcheckf(err, "replacing quota")
			}
			err = tx.Insert(&qt)
			xcheckf(err, "storing quota")

			line = c.xquotaLine(tx)
		})
	})
	c.bwritelinef("%s", line)
	c.ok(tag, cmd)
}
