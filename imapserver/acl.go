package imapserver

import (
	"sort"
	"strings"

	"github.com/mjl-/bstore"

	"github.com/lodemail/lode/store"
)

// ACL, rfc 4314, with the rights of RIGHTS=ektx. Rights are stored per
// mailbox and identifier; the account owner implicitly holds all rights.

// xvalidRights checks the rights string and returns it with duplicates
// removed, in the canonical order.
func xvalidRights(rights string) string {
	var r string
	for _, ch := range store.AllRights {
		if strings.ContainsRune(rights, ch) {
			r += string(ch)
			rights = strings.ReplaceAll(rights, string(ch), "")
		}
	}
	if rights != "" {
		xusercodeErrorf("CANNOT", "unknown rights %q", rights)
	}
	return r
}

func (c *conn) cmdSetacl(tag, cmd string, p *parser) {
	// Parse.
	p.xspace()
	name := p.xmailbox()
	p.xspace()
	identifier := p.xastring()
	p.xspace()
	rights := p.xastring()
	p.xempty()

	name = xcheckmailboxname(name, true)

	var mod byte
	if strings.HasPrefix(rights, "+") || strings.HasPrefix(rights, "-") {
		mod = rights[0]
		rights = rights[1:]
	}
	rights = xvalidRights(rights)

	if identifier == c.username {
		xusercodeErrorf("NOPERM", "cannot change rights of the mailbox owner")
	}

	c.account.WithWLock(func() {
		c.xdbwrite(func(tx *bstore.Tx) {
			mb := c.xmailbox(tx, name, "NONEXISTENT")
			c.xrights(tx, mb, "a")

			nrights := rights
			if mod != 0 {
				cur, err := c.account.Rights(tx, mb, identifier)
				xcheckf(err, "get current rights")
				nrights = ""
				for _, ch := range store.AllRights {
					have := strings.ContainsRune(cur, ch)
					in := strings.ContainsRune(rights, ch)
					if mod == '+' && (have || in) || mod == '-' && have && !in {
						nrights += string(ch)
					}
				}
			}
			err := c.account.SetRights(tx, mb, identifier, nrights)
			xcheckf(err, "storing rights")
		})
	})
	c.ok(tag, cmd)
}

func (c *conn) cmdDeleteacl(tag, cmd string, p *parser) {
	p.xspace()
	name := p.xmailbox()
	p.xspace()
	identifier := p.xastring()
	p.xempty()

	name = xcheckmailboxname(name, true)

	if identifier == c.username {
		xusercodeErrorf("NOPERM", "cannot remove rights of the mailbox owner")
	}

	c.account.WithWLock(func() {
		c.xdbwrite(func(tx *bstore.Tx) {
			mb := c.xmailbox(tx, name, "NONEXISTENT")
			c.xrights(tx, mb, "a")
			err := c.account.SetRights(tx, mb, identifier, "")
			xcheckf(err, "removing rights")
		})
	})
	c.ok(tag, cmd)
}

func (c *conn) cmdGetacl(tag, cmd string, p *parser) {
	p.xspace()
	name := p.xmailbox()
	p.xempty()

	name = xcheckmailboxname(name, true)

	var mb store.Mailbox
	var acls []store.ACL
	c.xdbread(func(tx *bstore.Tx) {
		mb = c.xmailbox(tx, name, "NONEXISTENT")
		c.xrights(tx, mb, "a")

		q := bstore.QueryTx[store.ACL](tx)
		q.FilterNonzero(store.ACL{MailboxID: mb.ID})
		var err error
		acls, err = q.List()
		xcheckf(err, "listing rights")
	})

	sort.Slice(acls, func(i, j int) bool { return acls[i].Identifier < acls[j].Identifier })

	line := "* ACL " + mailboxt(mb.Name).pack(c)
	line += " " + astring(c.username).pack(c) + " " + store.AllRights
	for _, acl := range acls {
		line += " " + astring(acl.Identifier).pack(c) + " " + acl.Rights
	}
	c.bwritelinef("%s", line)
	c.ok(tag, cmd)
}

func (c *conn) cmdListrights(tag, cmd string, p *parser) {
	p.xspace()
	name := p.xmailbox()
	p.xspace()
	identifier := p.xastring()
	p.xempty()

	name = xcheckmailboxname(name, true)

	var mb store.Mailbox
	c.xdbread(func(tx *bstore.Tx) {
		mb = c.xmailbox(tx, name, "NONEXISTENT")
		c.xrights(tx, mb, "a")
	})

	if identifier == c.username {
		// The owner always holds all rights.
		c.bwritelinef("* LISTRIGHTS %s %s %s", mailboxt(mb.Name).pack(c), astring(identifier).pack(c), store.AllRights)
	} else {
		// No required rights, each right is grantable individually.
		line := "* LISTRIGHTS " + mailboxt(mb.Name).pack(c) + " " + astring(identifier).pack(c) + ` ""`
		for _, ch := range store.AllRights {
			line += " " + string(ch)
		}
		c.bwritelinef("%s", line)
	}
	c.ok(tag, cmd)
}

func (c *conn) cmdMyrights(tag, cmd string, p *parser) {
	p.xspace()
	name := p.xmailbox()
	p.xempty()

	name = xcheckmailboxname(name, true)

	var mb store.Mailbox
	var rights string
	c.xdbread(func(tx *bstore.Tx) {
		mb = c.xmailbox(tx, name, "NONEXISTENT")
		var err error
		rights, err = c.account.Rights(tx, mb, c.username)
		xcheckf(err, "get rights")
	})

	c.bwritelinef("* MYRIGHTS %s %s", mailboxt(mb.Name).pack(c), rights)
	c.ok(tag, cmd)
}
