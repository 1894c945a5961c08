package imapserver

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"regexp"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mjl-/bstore"

	"github.com/lodemail/lode/config"
	"github.com/lodemail/lode/imapsession"
	"github.com/lodemail/lode/mlog"
	"github.com/lodemail/lode/store"
)

func init() {
	// No point waiting for authentication failures in tests.
	authFailDelay = 0
}

func tcheck(t *testing.T, err error, msg string) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: %s", msg, err)
	}
}

func tocrlf(s string) string {
	return strings.ReplaceAll(s, "\n", "\r\n")
}

const password0 = "te9Tst9x"

// Message with a text and html alternative, and a png attachment. Used
// by the fetch/search/sort tests for part addressing and content matching.
var exampleMsg = tocrlf(`Date: Fri, 1 Mar 2024 10:10:00 +0100
From: Merlijn <merlijn@lode.example>
To: Dora <dora@lode.example>
Subject: dinner plans
Message-Id: <dinner-0001@lode.example>
MIME-Version: 1.0
Content-Type: multipart/mixed; boundary="xx"

--xx
Content-Type: multipart/alternative; boundary="yy"

--yy
Content-Type: text/plain; charset=us-ascii

how about thursday evening?
--yy
Content-Type: text/html; charset=us-ascii

<html>how about <b>thursday</b> evening?</html>
--yy--
--xx
Content-Type: image/png
Content-Transfer-Encoding: base64
Content-Disposition: attachment; filename=dot.png

iVBORw0KGgo=
--xx--
`)

// Message with an embedded message/rfc822 part, for testing section part
// dereferencing into nested messages.
var nestedMsg = tocrlf(`Date: Sat, 2 Mar 2024 09:00:00 +0100
From: Merlijn <merlijn@lode.example>
To: Dora <dora@lode.example>
Subject: fwd: dinner plans
Message-Id: <dinner-0002@lode.example>
MIME-Version: 1.0
Content-Type: message/rfc822

Date: Fri, 1 Mar 2024 10:10:00 +0100
From: Elias <elias@lode.example>
To: Merlijn <merlijn@lode.example>
Subject: dinner plans
Message-Id: <dinner-0000@lode.example>
MIME-Version: 1.0
Content-Type: text/plain; charset=us-ascii

how about thursday evening?
`)

var plainMsg = tocrlf(`Date: Sun, 3 Mar 2024 12:00:00 +0100
From: Dora <dora@lode.example>
To: Merlijn <merlijn@lode.example>
Subject: re: dinner plans
Message-Id: <dinner-0003@lode.example>

thursday works.
`)

// Accounts are cached process-wide by name, so each test connection gets a
// fresh name to keep its temp dir to itself.
var accountCounter atomic.Int64

// testconn is a raw protocol client talking to a Server over a net.Pipe.
// Assertions are on response lines, with literals folded into the line they
// started on.
type testconn struct {
	t           *testing.T
	server      *Server
	acc         *store.Account
	ownsAccount bool
	user        string
	conn        net.Conn
	br          *bufio.Reader
	done        chan struct{}

	tagcount int
	lastTag  string
	untagged []string
	result   string // Of the last tagged response, e.g. "OK done".
}

func startArgs(t *testing.T, limits config.Limits) *testconn {
	t.Helper()

	dir := t.TempDir()
	name := fmt.Sprintf("test%d", accountCounter.Add(1))
	log := mlog.New("imapserver", nil)
	acc, err := store.OpenAccount(log, dir, name)
	tcheck(t, err, "open account")
	err = acc.SetPassword(password0)
	tcheck(t, err, "set password")

	manager := imapsession.NewManager(log, limits, nil, nil)
	server := NewServer(dir, limits, manager, log)
	return connectServer(t, server, acc, name, true)
}

func connectServer(t *testing.T, server *Server, acc *store.Account, user string, ownsAccount bool) *testconn {
	t.Helper()
	cc, sc := net.Pipe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		server.ServeConn(sc)
	}()

	tc := &testconn{t: t, server: server, acc: acc, ownsAccount: ownsAccount, user: user, conn: cc, br: bufio.NewReader(cc), done: done}
	t.Cleanup(tc.close)
	greeting := tc.readresp()
	if !strings.HasPrefix(greeting, "* OK [CAPABILITY ") {
		t.Fatalf("unexpected greeting %q", greeting)
	}
	return tc
}

// connect opens a second connection to the same server and account, for
// tests of cross-session notifications.
func (tc *testconn) connect() *testconn {
	tc.t.Helper()
	return connectServer(tc.t, tc.server, tc.acc, tc.user, false)
}

func start(t *testing.T) *testconn {
	return startArgs(t, config.Limits{})
}

func (tc *testconn) close() {
	if tc.conn == nil {
		return
	}
	tc.conn.Close()
	<-tc.done
	if tc.ownsAccount {
		err := tc.acc.Close()
		tcheck(tc.t, err, "close account")
	}
	tc.conn = nil
}

func (tc *testconn) writelinef(format string, args ...any) {
	tc.t.Helper()
	err := tc.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	tcheck(tc.t, err, "set write deadline")
	_, err = fmt.Fprintf(tc.conn, format+"\r\n", args...)
	tcheck(tc.t, err, "write command")
}

func (tc *testconn) readline() string {
	tc.t.Helper()
	err := tc.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	tcheck(tc.t, err, "set read deadline")
	line, err := tc.br.ReadString('\n')
	tcheck(tc.t, err, "read line")
	return strings.TrimRight(line, "\r\n")
}

var literalSizeRegexp = regexp.MustCompile(`\{([0-9]+)\}$`)

// readresp reads one response line, reading through any literals the server
// sends so the returned string is the complete response.
func (tc *testconn) readresp() string {
	tc.t.Helper()
	line := tc.readline()
	for {
		m := literalSizeRegexp.FindStringSubmatch(line)
		if m == nil {
			return line
		}
		size, err := strconv.Atoi(m[1])
		tcheck(tc.t, err, "parse literal size")
		buf := make([]byte, size)
		_, err = io.ReadFull(tc.br, buf)
		tcheck(tc.t, err, "read literal")
		line += "\r\n" + string(buf) + tc.readline()
	}
}

func (tc *testconn) cmdf(format string, args ...any) {
	tc.t.Helper()
	tc.tagcount++
	tc.lastTag = fmt.Sprintf("x%03d", tc.tagcount)
	tc.writelinef("%s "+format, append([]any{tc.lastTag}, args...)...)
}

// response reads untagged responses until the tagged response for the last
// command arrives.
func (tc *testconn) response() {
	tc.t.Helper()
	tc.untagged = nil
	for {
		line := tc.readresp()
		if strings.HasPrefix(line, tc.lastTag+" ") {
			tc.result = line[len(tc.lastTag)+1:]
			return
		}
		tc.untagged = append(tc.untagged, line)
	}
}

func (tc *testconn) transactf(format string, args ...any) {
	tc.t.Helper()
	tc.cmdf(format, args...)
	tc.response()
}

// readcontinuation expects a "+" continuation request, e.g. after sending a
// command with a synchronizing literal.
func (tc *testconn) readcontinuation() string {
	tc.t.Helper()
	line := tc.readline()
	if !strings.HasPrefix(line, "+") {
		tc.t.Fatalf("expected continuation, got %q", line)
	}
	return line
}

func (tc *testconn) xstatus(status string) {
	tc.t.Helper()
	if !strings.HasPrefix(tc.result, status+" ") && tc.result != status {
		tc.t.Fatalf("expected result %s, got %q", status, tc.result)
	}
}

func (tc *testconn) xcode(code string) {
	tc.t.Helper()
	if !strings.Contains(tc.result, "["+code) {
		tc.t.Fatalf("expected code %s in result %q", code, tc.result)
	}
}

func (tc *testconn) xstatuscode(status, code string) {
	tc.t.Helper()
	tc.xstatus(status)
	tc.xcode(code)
}

// xuntagged checks each line is present in the untagged responses of the last
// command, exactly.
func (tc *testconn) xuntagged(lines ...string) {
	tc.t.Helper()
	for _, exp := range lines {
		if !tc.hasUntagged(exp) {
			tc.t.Fatalf("missing untagged response %q, got %q", exp, tc.untagged)
		}
	}
}

func (tc *testconn) hasUntagged(line string) bool {
	for _, l := range tc.untagged {
		if l == line {
			return true
		}
	}
	return false
}

func (tc *testconn) xnountagged(prefixes ...string) {
	tc.t.Helper()
	for _, l := range tc.untagged {
		for _, p := range prefixes {
			if strings.HasPrefix(l, p) {
				tc.t.Fatalf("unexpected untagged response %q", l)
			}
		}
	}
}

func (tc *testconn) xnountaggedContains(substr string) {
	tc.t.Helper()
	for _, l := range tc.untagged {
		if strings.Contains(l, substr) {
			tc.t.Fatalf("unexpected untagged response %q containing %q", l, substr)
		}
	}
}

// xuntaggedContains checks some untagged response contains the substring.
func (tc *testconn) xuntaggedContains(substr string) {
	tc.t.Helper()
	for _, l := range tc.untagged {
		if strings.Contains(l, substr) {
			return
		}
	}
	tc.t.Fatalf("no untagged response containing %q, got %q", substr, tc.untagged)
}

func (tc *testconn) login() {
	tc.t.Helper()
	tc.transactf("login %s %s", tc.user, password0)
	tc.xstatus("OK")
}

// deliver adds messages to a mailbox directly through the store, broadcasting
// changes like an external delivery would.
func (tc *testconn) deliver(mailbox string, msgs ...string) []store.UID {
	tc.t.Helper()
	var uids []store.UID
	var changes []store.Change
	err := tc.acc.DB.Write(context.TODO(), func(tx *bstore.Tx) error {
		mb, err := tc.acc.MailboxFind(tx, mailbox)
		if err != nil {
			return err
		}
		if mb == nil {
			return fmt.Errorf("no mailbox %q", mailbox)
		}
		for _, s := range msgs {
			m := store.Message{}
			if err := tc.acc.DeliverMessage(tx, mb, &m, []byte(s)); err != nil {
				return err
			}
			uids = append(uids, m.UID)
			changes = append(changes, store.ChangeAddUID{MailboxID: mb.ID, UID: m.UID, ModSeq: m.ModSeq, Flags: m.Flags, Keywords: m.Keywords})
		}
		return tx.Update(mb)
	})
	tcheck(tc.t, err, "deliver message")
	store.BroadcastChanges(tc.acc, changes)
	return uids
}

func TestLogin(t *testing.T) {
	tc := start(t)
	defer tc.close()

	tc.transactf("login %s bogus", tc.user)
	tc.xstatuscode("NO", "AUTHENTICATIONFAILED")

	tc.transactf("login nosuchuser %s", password0)
	tc.xstatuscode("NO", "AUTHENTICATIONFAILED")

	tc.transactf("login %s %s", tc.user, password0)
	tc.xstatus("OK")
	tc.xcode("CAPABILITY")

	// Already authenticated.
	tc.transactf("login %s %s", tc.user, password0)
	tc.xstatus("NO")
}

func TestAuthenticatePlain(t *testing.T) {
	tc := start(t)
	defer tc.close()

	b64 := func(authz, authc, password string) string {
		return base64.StdEncoding.EncodeToString([]byte(authz + "\x00" + authc + "\x00" + password))
	}

	tc.transactf("authenticate bogusmech")
	tc.xstatus("NO")

	// Initial response in the same line (SASL-IR).
	tc.transactf("authenticate plain %s", b64("", tc.user, "wrong"))
	tc.xstatuscode("NO", "AUTHENTICATIONFAILED")

	// Authorization identity must match the authentication identity.
	tc.transactf("authenticate plain %s", b64("other", tc.user, password0))
	tc.xstatuscode("NO", "AUTHORIZATIONFAILED")

	tc.transactf("authenticate plain %s", b64(tc.user, tc.user, password0))
	tc.xstatus("OK")
}

func TestAuthenticateContinuation(t *testing.T) {
	tc := start(t)
	defer tc.close()

	tc.cmdf("authenticate plain")
	tc.readcontinuation()
	tc.writelinef("%s", base64.StdEncoding.EncodeToString([]byte("\x00"+tc.user+"\x00"+password0)))
	tc.response()
	tc.xstatus("OK")

	tc.transactf("capability")
	tc.xstatus("OK")
}

func TestState(t *testing.T) {
	tc := start(t)
	defer tc.close()

	// Commands that need authentication.
	for _, cmd := range []string{"select inbox", "examine inbox", "create x", "delete x", "rename x y", "subscribe x", "unsubscribe x", `list "" "*"`, "namespace", "status inbox (messages)", "idle", "getquotaroot inbox"} {
		tc.transactf("%s", cmd)
		tc.xstatus("NO")
	}

	// Commands that need a selected mailbox.
	tc.login()
	for _, cmd := range []string{"close", "unselect", "expunge", "check", "search all", "fetch 1 flags", "store 1 flags ()", "copy 1 inbox", "uid expunge 1"} {
		tc.transactf("%s", cmd)
		tc.xstatus("NO")
	}
}

func TestCapabilityNoopLogout(t *testing.T) {
	tc := start(t)
	defer tc.close()

	tc.transactf("capability")
	tc.xstatus("OK")
	tc.xuntaggedContains("IMAP4rev1")
	tc.xuntaggedContains("AUTH=PLAIN")

	tc.transactf("noop")
	tc.xstatus("OK")

	tc.transactf("boguscommand")
	tc.xstatus("BAD")

	tc.transactf("logout")
	tc.xstatus("OK")
	tc.xuntaggedContains("BYE")
}

func TestID(t *testing.T) {
	tc := start(t)
	defer tc.close()

	tc.transactf("id nil")
	tc.xstatus("OK")
	tc.xuntagged(`* ID ("name" "lode")`)

	tc.transactf(`id ("name" "testclient" "version" "0.1")`)
	tc.xstatus("OK")
	tc.xuntagged(`* ID ("name" "lode")`)
}

func TestStartTLS(t *testing.T) {
	tc := start(t)
	defer tc.close()

	tc.transactf("starttls")
	tc.xstatus("NO")
}

func TestNamespace(t *testing.T) {
	tc := start(t)
	defer tc.close()
	tc.login()

	tc.transactf("namespace")
	tc.xstatus("OK")
	tc.xuntagged(`* NAMESPACE (("" "/")) NIL NIL`)
}

func TestLiteral(t *testing.T) {
	tc := start(t)
	defer tc.close()

	// Synchronizing literal for the login password.
	tc.tagcount++
	tc.lastTag = fmt.Sprintf("x%03d", tc.tagcount)
	tc.writelinef("%s login %s {%d}", tc.lastTag, tc.user, len(password0))
	tc.readcontinuation()
	tc.writelinef("%s", password0)
	tc.response()
	tc.xstatus("OK")
}

func TestNonsyncLiteral(t *testing.T) {
	tc := start(t)
	defer tc.close()

	tc.transactf("login %s {%d+}\r\n%s", tc.user, len(password0), password0)
	tc.xstatus("OK")
}

func TestBadCommands(t *testing.T) {
	tc := start(t)
	defer tc.close()
	tc.login()

	tc.transactf("select")
	tc.xstatus("BAD")
	tc.transactf("select inbox bogus")
	tc.xstatus("BAD")

	// Selected-state command before select is refused, not a syntax error.
	tc.transactf("fetch")
	tc.xstatus("NO")

	// Still usable after syntax errors.
	tc.transactf("select inbox")
	tc.xstatus("OK")
}

func TestEnable(t *testing.T) {
	tc := start(t)
	defer tc.close()

	tc.transactf("enable condstore")
	tc.xstatus("NO")

	tc.login()
	tc.transactf("enable condstore")
	tc.xstatus("OK")
	tc.xuntagged("* ENABLED CONDSTORE")

	tc.transactf("enable qresync bogus")
	tc.xstatus("OK")
	tc.xuntagged("* ENABLED QRESYNC")
}

func TestPendingChanges(t *testing.T) {
	tc := start(t)
	defer tc.close()
	tc.login()
	tc.transactf("select inbox")
	tc.xstatus("OK")

	// A delivery from outside the session is announced before the next
	// tagged response, whatever the command.
	tc.deliver("Inbox", plainMsg)
	tc.transactf("create announced")
	tc.xstatus("OK")
	tc.xuntagged("* 1 EXISTS")
	tc.xuntaggedContains("FETCH (UID 1 FLAGS")

	// Except during FETCH, expunges must not interleave with its responses.
	tc.deliver("Inbox", exampleMsg)
	tc.transactf("fetch 1 (uid)")
	tc.xstatus("OK")
	tc.xnountaggedContains("EXISTS")

	tc.transactf("noop")
	tc.xstatus("OK")
	tc.xuntagged("* 2 EXISTS")
}

func TestFlagChangeOtherSession(t *testing.T) {
	tc := start(t)
	defer tc.close()
	tc.login()
	tc.deliver("Inbox", plainMsg)
	tc.transactf("select inbox")
	tc.xstatus("OK")

	tc2 := tc.connect()
	defer tc2.close()
	tc2.login()
	tc2.transactf("select inbox")
	tc2.xstatus("OK")

	tc2.transactf(`store 1 +flags (\answered custom1)`)
	tc2.xstatus("OK")

	// The flag update and the new mailbox keyword reach the first session.
	tc.transactf("noop")
	tc.xstatus("OK")
	tc.xuntaggedContains(`FETCH (UID 1 FLAGS`)
	tc.xuntaggedContains(`\Answered`)
	tc.xuntaggedContains("* FLAGS (")
	tc.xuntaggedContains("custom1")
}
