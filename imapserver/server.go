// Package imapserver implements an IMAP4rev1 server, rfc 3501, with
// extensions.
//
// Implemented extensions: ACL, BINARY, CATENATE, CHILDREN, CONDSTORE, ENABLE,
// ESEARCH, ESORT, ID, IDLE, LIST-EXTENDED, LIST-STATUS, LITERAL+,
// MULTIAPPEND, NAMESPACE, QRESYNC, QUOTA, RIGHTS=ektx, SASL-IR, SEARCHRES,
// SORT, THREAD=ORDEREDSUBJECT, UIDPLUS, UNSELECT, WITHIN.
//
// TLS is expected to be terminated in front of this server, STARTTLS is not
// offered.
package imapserver

/*
Implementation notes:

- Mailboxes with a search query are virtual: their contents are evaluated
  when the folder is opened and the session works on positional UIDs. Virtual
  folders are always opened read-only.

- Sequence numbers and UIDs are resolved through the session view, which
  holds the messages as this connection knows them. New deliveries from other
  sessions are cached into the view when we are allowed to tell the client,
  renumbering out-of-order UIDs in the backend when needed.

- Commands run in a panic-based error flow: syntax errors become a tagged
  BAD, user errors a tagged NO, server errors a tagged NO with a logged
  stack trace. I/O errors abort the connection.

- We never execute multiple commands at the same time for a connection. A
  client that wants concurrency opens multiple connections.
*/

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net"
	"os"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mjl-/bstore"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/lodemail/lode/config"
	"github.com/lodemail/lode/imapnum"
	"github.com/lodemail/lode/imapsession"
	"github.com/lodemail/lode/imapview"
	"github.com/lodemail/lode/lodeio"
	"github.com/lodemail/lode/metrics"
	"github.com/lodemail/lode/mlog"
	"github.com/lodemail/lode/ratelimit"
	"github.com/lodemail/lode/store"
)

var (
	metricConnections = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "lode_imap_connections_total",
			Help: "Incoming IMAP connections.",
		},
	)
	metricCommands = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lode_imap_command_duration_seconds",
			Help:    "IMAP command duration and result codes, per command.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.100, 0.5, 1, 5, 10, 20, 30},
		},
		[]string{
			"cmd",
			"result", // ok, panic, ioerror, badsyntax, servererror, usererror
		},
	)
)

var cidGen atomic.Int64

var (
	// Aborting the connection on i/o errors and protocol botches.
	errIO       = errors.New("io error")
	errProtocol = errors.New("protocol error")

	// Panic value for a graceful LOGOUT.
	cleanClose = errors.New("clean close")
)

// Consecutive protocol errors before we force a disconnect.
const badCommandLimit = 10

// Maximum size for a single appended message.
const maxMsgSize = 100 * 1024 * 1024

// Delay before responding to failed authentication attempts. Tests set it to
// zero.
var authFailDelay = time.Second

// STORE, COPY and EXPUNGE process ids in batches of this size, with an
// untagged "* OK in progress" keepalive in between so clients don't hit read
// timeouts on large sets. Tests lower it.
var batchSize = 1000

var limiterConnectionRate, limiterConnections *ratelimit.Limiter

func init() {
	// Also see the keyed limiters for per-account command rates and repeated
	// command shapes, configured through Limits.
	limiterConnectionRate = &ratelimit.Limiter{
		WindowLimits: []ratelimit.WindowLimit{
			{
				Window: time.Minute,
				Limits: [...]int64{300, 900, 2700},
			},
		},
	}
	limiterConnections = &ratelimit.Limiter{
		WindowLimits: []ratelimit.WindowLimit{
			{
				Window: time.Duration(math.MaxInt64), // All of time.
				Limits: [...]int64{30, 90, 270},
			},
		},
	}
}

// Server hands out sessions on folders through the session manager and
// speaks the IMAP protocol on accepted connections.
type Server struct {
	DataDir string
	Limits  config.Limits
	Manager *imapsession.Manager
	Log     mlog.Log

	cmdRates *ratelimit.KeyedLimiter // Per-account command rate.
}

// NewServer returns a server ready for Serve or ServeConn.
func NewServer(dataDir string, limits config.Limits, manager *imapsession.Manager, log mlog.Log) *Server {
	return &Server{
		DataDir:  dataDir,
		Limits:   limits,
		Manager:  manager,
		Log:      log,
		cmdRates: &ratelimit.KeyedLimiter{Window: time.Minute, Limit: int64(limits.CommandRate())},
	}
}

// Serve accepts connections on ln until it is closed.
func (s *Server) Serve(ln net.Listener) error {
	for {
		nc, err := ln.Accept()
		if err != nil {
			if lodeio.IsClosed(err) {
				return nil
			}
			s.Log.Infox("accept", err)
			continue
		}
		go s.ServeConn(nc)
	}
}

// ServeConn runs the IMAP protocol on nc, returning when the connection is
// done.
func (s *Server) ServeConn(nc net.Conn) {
	s.serve(cidGen.Add(1), nc)
}

type lineErr struct {
	line string
	err  error
}

type state byte

const (
	stateNotAuthenticated state = iota
	stateAuthenticated
	stateSelected
)

type conn struct {
	cid      int64
	server   *Server
	limits   config.Limits
	conn     net.Conn
	remoteIP net.IP
	state    state
	tr       *lodeio.TraceReader
	br       *bufio.Reader
	line     chan lineErr // From remote, for checking DONE during IDLE.
	lastLine string       // For detecting if a syntax error must abort the connection.
	tw       *lodeio.TraceWriter
	bw       *bufio.Writer
	slow     bool      // If set, data is written one byte at a time. For testing.
	lastlog  time.Time // For printing time since previous log line.
	log      mlog.Log
	enabled  map[capability]bool

	shapes   *ratelimit.KeyedLimiter // Repeated identical command shapes on this connection.
	ncmds    int                     // Number of commands read, to detect non-IMAP peers.
	nbadcmds int                     // Consecutive protocol errors.

	// Only set when authenticated.
	username string
	account  *store.Account
	comm     *store.Comm

	// Only set when a mailbox is selected.
	sess     *imapsession.Session
	readonly bool

	cmd       string // Current command.
	cmdMetric string // Currently executing, for metrics.
	cmdStart  time.Time
}

type capability string

const (
	capCondstore capability = "CONDSTORE"
	capQresync   capability = "QRESYNC"
)

const serverCapabilities = "IMAP4rev1 ENABLE LITERAL+ IDLE SASL-IR BINARY UNSELECT UIDPLUS ESEARCH SEARCHRES CONDSTORE QRESYNC ID NAMESPACE CHILDREN LIST-EXTENDED LIST-STATUS WITHIN SORT ESORT THREAD=ORDEREDSUBJECT ACL RIGHTS=ektx QUOTA CATENATE MULTIAPPEND"

func (c *conn) capabilities() string {
	return serverCapabilities + " AUTH=PLAIN"
}

func stringMap(l ...string) map[string]struct{} {
	r := map[string]struct{}{}
	for _, s := range l {
		r[s] = struct{}{}
	}
	return r
}

var commandsStateAny = stringMap("capability", "noop", "logout", "id")
var commandsStateNotAuthenticated = stringMap("starttls", "authenticate", "login")
var commandsStateAuthenticated = stringMap("enable", "select", "examine", "create", "delete", "rename", "subscribe", "unsubscribe", "list", "lsub", "namespace", "status", "append", "idle", "getquota", "getquotaroot", "setquota", "setacl", "deleteacl", "getacl", "listrights", "myrights")
var commandsStateSelected = stringMap("close", "unselect", "expunge", "search", "fetch", "store", "copy", "check", "sort", "thread", "uid expunge", "uid search", "uid fetch", "uid store", "uid copy", "uid sort", "uid thread")

var commands = map[string]func(c *conn, tag, cmd string, p *parser){
	// Any state.
	"capability": (*conn).cmdCapability,
	"noop":       (*conn).cmdNoop,
	"logout":     (*conn).cmdLogout,
	"id":         (*conn).cmdID,

	// Not authenticated.
	"starttls":     (*conn).cmdStartTLS,
	"authenticate": (*conn).cmdAuthenticate,
	"login":        (*conn).cmdLogin,

	// Authenticated and selected.
	"enable":       (*conn).cmdEnable,
	"select":       (*conn).cmdSelect,
	"examine":      (*conn).cmdExamine,
	"create":       (*conn).cmdCreate,
	"delete":       (*conn).cmdDelete,
	"rename":       (*conn).cmdRename,
	"subscribe":    (*conn).cmdSubscribe,
	"unsubscribe":  (*conn).cmdUnsubscribe,
	"list":         (*conn).cmdList,
	"lsub":         (*conn).cmdLsub,
	"namespace":    (*conn).cmdNamespace,
	"status":       (*conn).cmdStatus,
	"append":       (*conn).cmdAppend,
	"idle":         (*conn).cmdIdle,
	"getquota":     (*conn).cmdGetquota,
	"getquotaroot": (*conn).cmdGetquotaroot,
	"setquota":     (*conn).cmdSetquota,
	"setacl":       (*conn).cmdSetacl,
	"deleteacl":    (*conn).cmdDeleteacl,
	"getacl":       (*conn).cmdGetacl,
	"listrights":   (*conn).cmdListrights,
	"myrights":     (*conn).cmdMyrights,

	// Selected.
	"check":       (*conn).cmdCheck,
	"close":       (*conn).cmdClose,
	"unselect":    (*conn).cmdUnselect,
	"expunge":     (*conn).cmdExpunge,
	"uid expunge": (*conn).cmdUIDExpunge,
	"search":      (*conn).cmdSearch,
	"uid search":  (*conn).cmdUIDSearch,
	"fetch":       (*conn).cmdFetch,
	"uid fetch":   (*conn).cmdUIDFetch,
	"store":       (*conn).cmdStore,
	"uid store":   (*conn).cmdUIDStore,
	"copy":        (*conn).cmdCopy,
	"uid copy":    (*conn).cmdUIDCopy,
	"sort":        (*conn).cmdSort,
	"uid sort":    (*conn).cmdUIDSort,
	"thread":      (*conn).cmdThread,
	"uid thread":  (*conn).cmdUIDThread,
}

var bufpool = lodeio.NewBufpool(8, 16*1024)

func (c *conn) isClosed(err error) bool {
	return errors.Is(err, errIO) || errors.Is(err, errProtocol) || lodeio.IsClosed(err)
}

func (c *conn) xflush() {
	err := c.bw.Flush()
	xcheckf(err, "flush") // Would have panicked in Write already.
}

func (c *conn) readline0() (string, error) {
	d := 30 * time.Minute
	if c.state == stateNotAuthenticated {
		d = 30 * time.Second
	}
	err := c.conn.SetReadDeadline(time.Now().Add(d))
	c.log.Check(err, "setting read deadline")

	line, err := bufpool.Readline(c.log, c.br)
	if err != nil && errors.Is(err, lodeio.ErrLineTooLong) {
		return "", fmt.Errorf("%s (%w)", err, errProtocol)
	} else if err != nil {
		return "", fmt.Errorf("%s (%w)", err, errIO)
	}
	return line, nil
}

func (c *conn) lineChan() chan lineErr {
	if c.line == nil {
		c.line = make(chan lineErr, 1)
		go func() {
			line, err := c.readline0()
			c.line <- lineErr{line, err}
		}()
	}
	return c.line
}

// readline from either the c.line channel (if a reader goroutine is active,
// e.g. for IDLE), or directly from the connection.
func (c *conn) readline(readCmd bool) string {
	var line string
	var err error
	if c.line != nil {
		le := <-c.line
		c.line = nil
		line, err = le.line, le.err
	} else {
		line, err = c.readline0()
	}
	if err != nil {
		if readCmd && errors.Is(err, os.ErrDeadlineExceeded) {
			derr := c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			c.log.Check(derr, "setting write deadline")
			c.writelinef("* BYE inactive")
		}
		if !errors.Is(err, errIO) && !errors.Is(err, errProtocol) {
			err = fmt.Errorf("%s (%w)", err, errIO)
		}
		panic(err)
	}
	c.lastLine = line
	return line
}

// readCommand reads a line and parses the tag and command name, returning a
// parser for the rest of the line.
func (c *conn) readCommand(tag *string) (cmd string, p *parser) {
	line := c.readline(true)
	p = newParser(line, c)
	p.context("command")
	*tag = p.xtag()
	p.xspace()
	cmd = p.xcommand()
	return cmd, newParser(p.remainder(), c)
}

// xreadliteral reads the data for a literal of the given size, sending a
// continuation request first for synchronizing literals.
func (c *conn) xreadliteral(size int64, sync bool) string {
	if sync {
		c.writelinef("+ ")
	}
	buf := make([]byte, size)
	if size > 0 {
		err := c.conn.SetReadDeadline(time.Now().Add(30 * time.Minute))
		c.log.Check(err, "setting read deadline")

		defer c.xtraceread(mlog.LevelTracedata)()
		if _, err := io.ReadFull(c.br, buf); err != nil {
			// Cannot use xcheckf: the connection is in an unknown state.
			panic(fmt.Errorf("reading literal: %s (%w)", err, errIO))
		}
	}
	return string(buf)
}

func (c *conn) Write(buf []byte) (int, error) {
	chunk := len(buf)
	if c.slow {
		chunk = 1
	}

	var n int
	for len(buf) > 0 {
		err := c.conn.SetWriteDeadline(time.Now().Add(30 * time.Second))
		c.log.Check(err, "setting write deadline")

		nn, err := c.conn.Write(buf[:chunk])
		if err != nil {
			panic(fmt.Errorf("write: %s (%w)", err, errIO))
		}
		n += nn
		buf = buf[chunk:]
		if chunk > len(buf) {
			chunk = len(buf)
		}
		if c.slow && len(buf) > 0 {
			time.Sleep(time.Millisecond)
		}
	}
	return n, nil
}

func (c *conn) xtrace(level slog.Level) func() {
	c.xflush()
	c.tr.SetTrace(level)
	c.tw.SetTrace(level)
	return func() {
		c.xflush()
		c.tr.SetTrace(mlog.LevelTrace)
		c.tw.SetTrace(mlog.LevelTrace)
	}
}

func (c *conn) xtraceread(level slog.Level) func() {
	c.tr.SetTrace(level)
	return func() {
		c.tr.SetTrace(mlog.LevelTrace)
	}
}

func (c *conn) xtracewrite(level slog.Level) func() {
	c.xflush()
	c.tw.SetTrace(level)
	return func() {
		c.xflush()
		c.tw.SetTrace(mlog.LevelTrace)
	}
}

// Buffered line writes, flushed when a command is done.
func (c *conn) bwritelinef(format string, args ...any) {
	format += "\r\n"
	fmt.Fprintf(c.bw, format, args...)
}

func (c *conn) writelinef(format string, args ...any) {
	c.bwritelinef(format, args...)
	c.xflush()
}

// write buffered tagged command response, but first write pending changes
// from other sessions. FETCH, STORE and SEARCH responses must not be
// interleaved with expunges.
func (c *conn) bwriteresultf(format string, args ...any) {
	switch c.cmd {
	case "fetch", "store", "search":
	default:
		if c.comm != nil {
			c.xapplyChanges(c.comm.Get())
		}
	}
	c.bwritelinef(format, args...)
}

func (c *conn) writeresultf(format string, args ...any) {
	c.bwriteresultf(format, args...)
	c.xflush()
}

// For untagged responses built from tokens, e.g. FETCH responses with
// literal data.
func (c *conn) xbwritetokens(tokens ...token) {
	for i, t := range tokens {
		if i > 0 {
			fmt.Fprint(c.bw, " ")
		}
		t.xwriteTo(c, c.bw)
	}
	fmt.Fprint(c.bw, "\r\n")
}

func (c *conn) ok(tag, cmd string) {
	c.bwriteresultf("%s OK %s done", tag, cmd)
	c.xflush()
}

func (s *Server) serve(cid int64, nc net.Conn) {
	var remoteIP net.IP
	if a, ok := nc.RemoteAddr().(*net.TCPAddr); ok {
		remoteIP = a.IP
	} else {
		// Tests run on in-memory pipes.
		remoteIP = net.ParseIP("127.0.0.10")
	}

	c := &conn{
		cid:      cid,
		server:   s,
		limits:   s.Limits,
		conn:     nc,
		remoteIP: remoteIP,
		state:    stateNotAuthenticated,
		enabled:  map[capability]bool{},
		shapes:   &ratelimit.KeyedLimiter{Window: time.Minute, Limit: int64(s.Limits.ShapeLimit())},
		cmd:      "(greeting)",
		cmdStart: time.Now(),
		lastlog:  time.Now(),
	}
	var logmutex sync.Mutex
	c.log = s.Log.WithFunc(func() []slog.Attr {
		logmutex.Lock()
		defer logmutex.Unlock()
		now := time.Now()
		l := []slog.Attr{
			slog.Int64("cid", c.cid),
			slog.Duration("delta", now.Sub(c.lastlog)),
		}
		c.lastlog = now
		if c.username != "" {
			l = append(l, slog.String("username", c.username))
		}
		return l
	})
	c.tr = lodeio.NewTraceReader(c.log, "C: ", c.conn)
	c.br = bufio.NewReader(c.tr)
	c.tw = lodeio.NewTraceWriter(c.log, "S: ", c)
	c.bw = bufio.NewWriter(c.tw)

	if tc, ok := nc.(*net.TCPConn); ok {
		if err := tc.SetKeepAlivePeriod(5 * time.Minute); err != nil {
			c.log.Errorx("setting keepalive period", err)
		}
	}

	metricConnections.Inc()
	c.log.Info("new connection", slog.Any("remote", nc.RemoteAddr()), slog.Any("local", nc.LocalAddr()))

	defer func() {
		err := c.conn.Close()
		c.log.Check(err, "closing connection")

		if c.account != nil {
			c.unselect()
			c.comm.Unregister()
			err := c.account.Close()
			c.log.Check(err, "closing account")
			c.account = nil
			c.comm = nil
		}

		x := recover()
		if x == nil || x == cleanClose {
			c.log.Info("connection closed")
		} else if err, ok := x.(error); ok && c.isClosed(err) {
			c.log.Infox("connection closed", err)
		} else {
			c.log.Error("unhandled panic", slog.Any("err", x))
			debug.PrintStack()
			metrics.PanicInc("imapserver")
		}
	}()

	if !limiterConnectionRate.Add(c.remoteIP, time.Now(), 1) {
		c.writelinef("* BYE connection rate from your ip or network too high, slow down please")
		return
	}

	// Only keep track of connection counts for remote IPs.
	if !remoteIP.IsLoopback() {
		if !limiterConnections.Add(c.remoteIP, time.Now(), 1) {
			c.writelinef("* BYE too many open connections from your ip or network")
			return
		}
		defer limiterConnections.Add(c.remoteIP, time.Now(), -1)
	}

	c.writelinef("* OK [CAPABILITY %s] lode imap4rev1 server", c.capabilities())

	for {
		c.command()
		c.xflush() // For flushing errors, or commands that did not flush explicitly.
	}
}

// command reads a single command and executes it. Errors at any point are
// panics, translated to responses by the deferred handler.
func (c *conn) command() {
	var tag, cmd, cmdlow string
	var p *parser

	defer func() {
		var result string
		defer func() {
			metricCommands.WithLabelValues(c.cmdMetric, result).Observe(float64(time.Since(c.cmdStart)) / float64(time.Second))
		}()

		x := recover()
		if x == nil || x == cleanClose {
			c.nbadcmds = 0
			result = "ok"
			c.log.Debug("imap command done", slog.String("cmd", c.cmdMetric), slog.Duration("duration", time.Since(c.cmdStart)))
			if x != nil {
				panic(x)
			}
			return
		}
		err, ok := x.(error)
		if !ok {
			c.log.Error("imap command panic", slog.Any("panic", x), slog.String("cmd", cmd))
			result = "panic"
			panic(x)
		}

		var sxerr syntaxError
		var uerr userError
		var serr serverError
		if c.isClosed(err) {
			c.log.Infox("imap command i/o error", err, slog.String("cmd", cmd))
			result = "ioerror"
			panic(err)
		} else if errors.As(err, &sxerr) {
			result = "badsyntax"
			if c.ncmds == 1 {
				// The very first command failed to parse, this likely isn't an IMAP
				// client talking to us. Don't let them try again.
				c.log.Info("syntax error on first command, closing connection", slog.String("line", c.lastLine))
				panic(errIO)
			}
			c.nbadcmds++
			c.log.Debugx("imap command syntax error", sxerr.err, slog.String("lastline", c.lastLine))

			// If the line contained a non-synchronizing literal, more data is coming
			// that we cannot interpret. Respond, then abort the connection.
			fatal := strings.HasSuffix(c.lastLine, "+}")
			if fatal {
				derr := c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
				c.log.Check(derr, "setting write deadline")
			}
			if sxerr.line != "" {
				c.bwritelinef("%s", sxerr.line)
			}
			code := ""
			if sxerr.code != "" {
				code = "[" + sxerr.code + "] "
			}
			c.bwriteresultf("%s BAD %s%s unrecognized syntax/command: %v", tag, code, cmd, sxerr.errmsg)
			if fatal {
				c.xflush()
				panic(fmt.Errorf("aborting connection after syntax error for command with non-sync literal: %w", errProtocol))
			}
			if c.nbadcmds >= badCommandLimit {
				c.writelinef("* BYE too many protocol errors")
				panic(errProtocol)
			}
		} else if errors.As(err, &serr) {
			result = "servererror"
			c.log.Errorx("imap command server error", err, slog.String("cmd", cmd))
			debug.PrintStack()
			c.bwriteresultf("%s NO %s %v", tag, cmd, err)
		} else if errors.As(err, &uerr) {
			result = "usererror"
			c.log.Debugx("imap command user error", err, slog.String("cmd", cmd))
			if uerr.code != "" {
				c.bwriteresultf("%s NO [%s] %s %v", tag, uerr.code, cmd, err)
			} else {
				c.bwriteresultf("%s NO %s %v", tag, cmd, err)
			}
		} else {
			// Other errors are not expected. Pass it on, aborting the connection.
			result = "panic"
			c.log.Errorx("imap command error", err, slog.String("cmd", cmd))
			panic(x)
		}
	}()

	tag = "*"

	c.ncmds++
	cmd, p = c.readCommand(&tag)
	cmdlow = strings.ToLower(cmd)
	c.cmd = cmdlow
	c.cmdStart = time.Now()
	c.cmdMetric = "(unknown)"

	// Commands that exceed the per-account rate, or that keep repeating with
	// the same shape, are dropped without a tagged response: a conforming
	// client does not run into these.
	if c.username != "" && c.server.cmdRates != nil && !c.server.cmdRates.Add(c.username, c.cmdStart, 1) {
		c.log.Info("command rate limit for account reached, dropping connection")
		panic(errProtocol)
	}
	if !c.shapes.Add(cmdlow+" "+commandShape(p.remainder()), c.cmdStart, 1) {
		c.log.Info("repeated command shape limit reached, dropping connection", slog.String("cmd", cmdlow))
		panic(errProtocol)
	}

	fn := commands[cmdlow]
	if fn == nil {
		xsyntaxErrorf("unknown command %q", cmd)
	}
	c.cmdMetric = c.cmd

	// Check the command is allowed in the current connection state.
	_, okAny := commandsStateAny[cmdlow]
	_, okNotAuth := commandsStateNotAuthenticated[cmdlow]
	_, okAuth := commandsStateAuthenticated[cmdlow]
	_, okSel := commandsStateSelected[cmdlow]
	switch {
	case okAny:
	case okNotAuth && c.state == stateNotAuthenticated:
	case okAuth && (c.state == stateAuthenticated || c.state == stateSelected):
	case okSel && c.state == stateSelected:
	case okNotAuth || okAuth || okSel:
		xuserErrorf("command not allowed in current connection state")
	default:
		xserverErrorf("unrecognized command")
	}

	if c.sess != nil {
		c.server.Manager.RecordAccess(c.sess)
	}

	fn(c, tag, cmd, p)
}

// commandShape reduces command arguments to a coarse pattern: digit runs
// become "#", quoted payloads become "s". Used to recognize a client stuck
// repeating the same request.
func commandShape(args string) string {
	var b strings.Builder
	var inDigits, inString bool
	for _, ch := range args {
		if inString {
			if ch == '"' {
				inString = false
			}
			continue
		}
		if ch >= '0' && ch <= '9' {
			if !inDigits {
				b.WriteByte('#')
				inDigits = true
			}
			continue
		}
		inDigits = false
		if ch == '"' {
			b.WriteByte('s')
			inString = true
			continue
		}
		if ch >= 'a' && ch <= 'z' {
			ch -= 'a' - 'A'
		}
		b.WriteRune(ch)
		if b.Len() >= 200 {
			break
		}
	}
	return b.String()
}

func (c *conn) xdbread(fn func(tx *bstore.Tx)) {
	err := c.account.DB.Read(context.TODO(), func(tx *bstore.Tx) error {
		fn(tx)
		return nil
	})
	xcheckf(err, "transaction")
}

func (c *conn) xdbwrite(fn func(tx *bstore.Tx)) {
	err := c.account.DB.Write(context.TODO(), func(tx *bstore.Tx) error {
		fn(tx)
		return nil
	})
	xcheckf(err, "transaction")
}

// xmailbox returns the mailbox by name. If absent, the command fails with a
// tagged NO, with the given response code (e.g. TRYCREATE) if non-empty.
func (c *conn) xmailbox(tx *bstore.Tx, name, missingErrCode string) store.Mailbox {
	mb, err := c.account.MailboxFind(tx, name)
	xcheckf(err, "finding mailbox")
	if mb == nil {
		if missingErrCode != "" {
			xusercodeErrorf(missingErrCode, "%s", store.ErrUnknownMailbox)
		}
		xuserErrorf("%s", store.ErrUnknownMailbox)
	}
	return *mb
}

func (c *conn) xmailboxID(tx *bstore.Tx, id int64) store.Mailbox {
	mb, err := c.account.MailboxByID(tx, id)
	if errors.Is(err, store.ErrUnknownMailbox) {
		xuserErrorf("%s", err)
	}
	xcheckf(err, "get mailbox")
	return mb
}

// xcheckmailboxname checks the mailbox name, returning the normalized form.
func xcheckmailboxname(name string, allowInbox bool) string {
	name, _, err := store.CheckMailboxName(name, allowInbox)
	if err != nil {
		xusercodeErrorf("CANNOT", "%s", err)
	}
	return name
}

// xrights checks that the logged in account has all the given rights on the
// mailbox. The owner has all rights implicitly.
func (c *conn) xrights(tx *bstore.Tx, mb store.Mailbox, rights string) {
	have, err := c.account.Rights(tx, mb, c.username)
	xcheckf(err, "get rights")
	for _, r := range rights {
		if !strings.ContainsRune(have, r) {
			xusercodeErrorf("NOPERM", "missing right %q on mailbox", string(r))
		}
	}
}

// flaglist returns the flags and keywords as a parenthesized list token.
func flaglist(fl store.Flags, keywords []string) listspace {
	l := listspace{}
	flag := func(v bool, s string) {
		if v {
			l = append(l, bare(s))
		}
	}
	flag(fl.Seen, `\Seen`)
	flag(fl.Answered, `\Answered`)
	flag(fl.Flagged, `\Flagged`)
	flag(fl.Deleted, `\Deleted`)
	flag(fl.Draft, `\Draft`)
	flag(fl.Forwarded, "$Forwarded")
	flag(fl.Junk, "$Junk")
	flag(fl.Notjunk, "$NotJunk")
	for _, k := range keywords {
		l = append(l, bare(k))
	}
	return l
}

// recordFlagList is flaglist plus the session-only \Recent flag.
func recordFlagList(r *imapview.Record) listspace {
	l := flaglist(r.Flags, r.Keywords)
	if r.IsRecent() {
		l = append(l, bare(`\Recent`))
	}
	return l
}

const systemFlagsString = `\Seen \Answered \Flagged \Deleted \Draft $Forwarded $Junk $NotJunk`

// broadcast makes changes available to the other sessions on this account.
func (c *conn) broadcast(changes []store.Change) {
	if len(changes) == 0 {
		return
	}
	c.log.Debug("broadcast changes", slog.Any("changes", changes))
	c.comm.Broadcast(changes)
}

// xhighestModSeq returns the last assigned modseq for the account, reported
// as HIGHESTMODSEQ. Modseqs are assigned from a single per-account counter,
// so this is an upper bound for every mailbox and stays monotonic.
func (c *conn) xhighestModSeq(tx *bstore.Tx) store.ModSeq {
	ss := store.SyncState{ID: 1}
	err := tx.Get(&ss)
	xcheckf(err, "get sync state")
	return ss.LastModSeq
}

// xensureCondstore enables the condstore capability, writing the untagged
// HIGHESTMODSEQ status when a mailbox is selected. Tx may be nil.
func (c *conn) xensureCondstore(tx *bstore.Tx) {
	if c.enabled[capCondstore] {
		return
	}
	c.enabled[capCondstore] = true
	if c.state != stateSelected {
		return
	}
	var modseq store.ModSeq
	if tx != nil {
		modseq = c.xhighestModSeq(tx)
	} else {
		c.xdbread(func(tx *bstore.Tx) {
			modseq = c.xhighestModSeq(tx)
		})
	}
	c.bwritelinef("* OK [HIGHESTMODSEQ %d] after condstore-enabling command", modseq.Client())
}

// unselect drops the selected mailbox without expunging, for UNSELECT,
// LOGOUT and a failed SELECT.
func (c *conn) unselect() {
	if c.state == stateSelected {
		c.state = stateAuthenticated
	}
	if c.sess != nil {
		c.server.Manager.CloseFolder(c.sess)
		c.sess = nil
	}
	c.readonly = false
}

// xapplyChanges writes untagged responses for changes from other sessions:
// EXISTS with FETCH for new messages, EXPUNGE or VANISHED for removals,
// FETCH for flag updates, FLAGS for new mailbox keywords. Only valid between
// commands, or between lines when allowed (IDLE).
func (c *conn) xapplyChanges(changes []store.Change) {
	if c.state != stateSelected || len(changes) == 0 {
		return
	}

	if overflow := c.limits.NotifyOverflow(); overflow > 0 && len(changes) > overflow {
		// The session fell too far behind to catch up with individual
		// responses. Drop the connection, the client resyncs on reconnect.
		c.writelinef("* BYE too many pending changes, please resync")
		panic(fmt.Errorf("pending changes overflow: %w", errProtocol))
	}

	err := c.conn.SetWriteDeadline(time.Now().Add(5 * time.Minute))
	c.log.Check(err, "setting write deadline")

	v := c.sess.View
	qresync := c.enabled[capQresync]
	condstore := c.enabled[capCondstore] || qresync
	var mbKeywords []string

	i := 0
	for i < len(changes) {
		switch ch := changes[i].(type) {
		case store.ChangeAddUID:
			// Consume the run of additions, cache them in the view, then announce.
			var added []store.UID
			for ; i < len(changes); i++ {
				add, ok := changes[i].(store.ChangeAddUID)
				if !ok {
					break
				}
				if add.MailboxID != c.sess.MailboxID || v.Virtual {
					continue
				}
				var m store.Message
				var err error
				c.xdbread(func(tx *bstore.Tx) {
					q := bstore.QueryTx[store.Message](tx)
					q.FilterNonzero(store.Message{MailboxID: add.MailboxID, UID: add.UID})
					m, err = q.Get()
				})
				if errors.Is(err, bstore.ErrAbsent) || err == nil && m.Expunged {
					// Already gone again, a later change will tell us.
					continue
				}
				xcheckf(err, "get new message")
				if err := c.server.Manager.CacheWithRenumber(c.sess, m, true); err != nil {
					c.writelinef("* BYE internal error")
					panic(fmt.Errorf("adding message to session view: %s (%w)", err, errProtocol))
				}
				added = append(added, m.UID)
			}
			if len(added) == 0 {
				continue
			}
			c.bwritelinef("* %d EXISTS", v.Len())
			v.MarkSeen()
			for _, uid := range added {
				r := v.ByUID(uid)
				if r == nil {
					continue
				}
				if condstore {
					c.bwritelinef("* %d FETCH (UID %d FLAGS %s MODSEQ (%d))", r.Seq, r.UID, recordFlagList(r).pack(c), r.ModSeq.Client())
				} else {
					c.bwritelinef("* %d FETCH (UID %d FLAGS %s)", r.Seq, r.UID, recordFlagList(r).pack(c))
				}
			}
			continue

		case store.ChangeRemoveUIDs:
			if ch.MailboxID == c.sess.MailboxID && !v.Virtual {
				for _, uid := range ch.UIDs {
					if r := v.ByUID(uid); r != nil {
						v.MarkExpunged(r)
					}
				}
				if qresync {
					if uids := v.CollapseExpunged(true); len(uids) > 0 {
						c.bwritelinef("* VANISHED %s", imapnum.Compact(uids).String())
					}
				} else {
					for _, seq := range v.CollapseExpunged(false) {
						c.bwritelinef("* %d EXPUNGE", seq)
					}
				}
			}

		case store.ChangeFlags:
			if ch.MailboxID == c.sess.MailboxID && !v.Virtual {
				r := v.ByUID(ch.UID)
				if r != nil && !r.IsExpunged() && r.ApplyFlags(ch.Flags, ch.Keywords, ch.ModSeq) {
					v.DirtyMessage(r, ch.ModSeq)
				}
			}

		case store.ChangeMailboxKeywords:
			if ch.MailboxID == c.sess.MailboxID {
				v.SetFlagsDirty()
				mbKeywords = ch.Keywords
			}

		case store.ChangeAddMailbox, store.ChangeRemoveMailbox, store.ChangeRenameMailbox:
			// rev1 clients do not expect unsolicited LIST updates.

		default:
			c.log.Error("unhandled change type", slog.Any("change", ch))
		}
		i++
	}

	records, modseqs := v.TakeDirty()
	for j, r := range records {
		if condstore {
			c.bwritelinef("* %d FETCH (UID %d FLAGS %s MODSEQ (%d))", r.Seq, r.UID, recordFlagList(r).pack(c), modseqs[j].Client())
		} else {
			c.bwritelinef("* %d FETCH (UID %d FLAGS %s)", r.Seq, r.UID, recordFlagList(r).pack(c))
		}
	}

	if v.TakeFlagsDirty() {
		flags := systemFlagsString
		for _, kw := range mbKeywords {
			flags += " " + kw
		}
		c.bwritelinef("* FLAGS (%s)", flags)
	}
}

// Commands follow, in rfc 3501 order.

func (c *conn) cmdCapability(tag, cmd string, p *parser) {
	p.xempty()

	c.bwritelinef("* CAPABILITY %s", c.capabilities())
	c.ok(tag, cmd)
}

func (c *conn) cmdNoop(tag, cmd string, p *parser) {
	p.xempty()
	c.ok(tag, cmd)
}

// ID, rfc 2971.
func (c *conn) cmdID(tag, cmd string, p *parser) {
	// Parse a list of field/value pairs, or nil.
	p.xspace()
	var params map[string]string
	if p.take("(") {
		params = map[string]string{}
		for !p.take(")") {
			if len(params) > 0 {
				p.xspace()
			}
			k := p.xstring()
			p.xspace()
			v := p.xnilString()
			if _, ok := params[k]; ok {
				xsyntaxErrorf("duplicate field %q", k)
			}
			params[k] = v
			if len(params) > 30 {
				xsyntaxErrorf("too many id fields")
			}
		}
	} else {
		p.xnil()
	}
	p.xempty()

	c.log.Debug("client id", slog.Any("params", params))

	c.bwritelinef(`* ID ("name" "lode")`)
	c.ok(tag, cmd)
}

func (c *conn) cmdLogout(tag, cmd string, p *parser) {
	p.xempty()

	c.unselect()
	c.state = stateNotAuthenticated
	c.bwritelinef("* BYE thanks")
	c.ok(tag, cmd)
	panic(cleanClose)
}

func (c *conn) cmdStartTLS(tag, cmd string, p *parser) {
	p.xempty()

	// TLS is terminated before the connection reaches us.
	xuserErrorf("starttls not available on this server")
}

// xauthenticate verifies the credentials and transitions to the
// authenticated state. Delays on failure to slow down bruteforcing.
func (c *conn) xauthenticate(username, password, variant string) {
	badcreds := func(err error) {
		c.log.Infox("authentication failed", err, slog.String("username", username))
		metrics.AuthenticationInc(variant, "badcreds")
		if authFailDelay > 0 {
			time.Sleep(authFailDelay)
		}
		xusercodeErrorf("AUTHENTICATIONFAILED", "bad credentials")
	}

	acc, err := store.OpenAccount(c.log, c.server.DataDir, username)
	if err != nil {
		badcreds(err)
	}
	if err := acc.Login(password); err != nil {
		xerr := acc.Close()
		c.log.Check(xerr, "closing account after failed login")
		if !errors.Is(err, store.ErrUnknownCredentials) && !errors.Is(err, store.ErrLoginDisabled) {
			metrics.AuthenticationInc(variant, "error")
			xserverErrorf("verifying credentials: %v", err)
		}
		badcreds(err)
	}

	c.account = acc
	c.username = username
	c.comm = store.RegisterComm(acc)
	c.state = stateAuthenticated
	metrics.AuthenticationInc(variant, "ok")
}

func (c *conn) cmdLogin(tag, cmd string, p *parser) {
	p.xspace()
	username := p.xastring()
	p.xspace()
	password := p.xastring()
	p.xempty()

	c.xauthenticate(username, password, "login")
	c.writeresultf("%s OK [CAPABILITY %s] login done", tag, c.capabilities())
}

func (c *conn) cmdAuthenticate(tag, cmd string, p *parser) {
	p.xspace()
	mech := strings.ToLower(p.xatom())

	// Initial response for SASL-IR, rfc 4959, or a continuation round trip.
	xreadInitial := func() []byte {
		var line string
		if p.empty() {
			c.writelinef("+ ")
			defer c.xtraceread(mlog.LevelTraceauth)()
			line = c.readline(false)
		} else {
			p.xspace()
			line = p.xtakeall()
			if line == "=" {
				line = ""
			}
		}
		if line == "*" {
			metrics.AuthenticationInc(mech, "aborted")
			xsyntaxErrorf("authentication aborted")
		}
		buf, err := base64.StdEncoding.DecodeString(line)
		if err != nil {
			xsyntaxErrorf("invalid base64: %v", err)
		}
		return buf
	}

	switch mech {
	case "plain":
		buf := xreadInitial()
		plain := bytes.Split(buf, []byte{0})
		if len(plain) != 3 {
			xsyntaxErrorf("bad plain auth data, expected 3 nul-separated tokens, got %d", len(plain))
		}
		authz := string(plain[0])
		authc := string(plain[1])
		password := string(plain[2])
		if authz != "" && authz != authc {
			xusercodeErrorf("AUTHORIZATIONFAILED", "cannot assume authorization role of another user")
		}
		c.xauthenticate(authc, password, "plain")
	default:
		xuserErrorf("authentication mechanism %s not supported", strings.ToUpper(mech))
	}

	c.writeresultf("%s OK [CAPABILITY %s] authenticate done", tag, c.capabilities())
}

// ENABLE, rfc 5161.
func (c *conn) cmdEnable(tag, cmd string, p *parser) {
	p.xspace()
	caps := []string{p.xatom()}
	for !p.empty() {
		p.xspace()
		caps = append(caps, p.xatom())
	}

	var enabled string
	for _, s := range caps {
		cap := capability(strings.ToUpper(s))
		switch cap {
		case capCondstore:
			c.enabled[cap] = true
			enabled += " " + string(cap)
		case capQresync:
			c.enabled[cap] = true
			c.enabled[capCondstore] = true // Implied, rfc 7162.
			enabled += " " + string(cap)
		}
	}

	c.bwritelinef("* ENABLED%s", enabled)
	c.ok(tag, cmd)
}

func (c *conn) cmdSelect(tag, cmd string, p *parser) {
	c.cmdSelectExamine(true, tag, cmd, p)
}

func (c *conn) cmdExamine(tag, cmd string, p *parser) {
	c.cmdSelectExamine(false, tag, cmd, p)
}

func (c *conn) cmdSelectExamine(isselect bool, tag, cmd string, p *parser) {
	// Parse, with optional CONDSTORE/QRESYNC parameters.
	p.xspace()
	name := p.xmailbox()
	var qruidvalidity uint32
	var qrmodseq int64
	var qrknownUIDs *imapnum.Set
	var qrknownSeqSet, qrknownUIDSet *imapnum.Set
	if p.space() {
		seen := map[string]bool{}
		p.xtake("(")
		for len(seen) == 0 || !p.take(")") {
			if len(seen) > 0 {
				p.xspace()
			}
			w := p.xtakelist("CONDSTORE", "QRESYNC")
			if seen[w] {
				xsyntaxErrorf("duplicate select parameter %s", w)
			}
			seen[w] = true

			switch w {
			case "CONDSTORE":
				c.xensureCondstore(nil)
			case "QRESYNC":
				if !c.enabled[capQresync] {
					xsyntaxErrorf("qresync must be enabled before use as select parameter")
				}
				p.xspace()
				p.xtake("(")
				qruidvalidity = p.xnznumber()
				p.xspace()
				qrmodseq = p.xnznumber64()
				if p.take(" ") {
					seqMatchData := p.take("(")
					if !seqMatchData {
						ss := p.xnumSet0(false, false)
						qrknownUIDs = &ss
						seqMatchData = p.take(" (")
					}
					if seqMatchData {
						ss0 := p.xnumSet0(false, false)
						qrknownSeqSet = &ss0
						p.xspace()
						ss1 := p.xnumSet0(false, false)
						qrknownUIDSet = &ss1
						p.xtake(")")
					}
				}
				p.xtake(")")
			}
		}
	}
	p.xempty()

	name = xcheckmailboxname(name, true)

	// A failed SELECT still deselects.
	c.unselect()

	// The view loaded below reflects all changes up to now, drop what was
	// queued while unselected.
	c.comm.Get()

	sess, err := c.server.Manager.OpenFolder(c.account, name, isselect, true)
	if errors.Is(err, store.ErrUnknownMailbox) {
		xusercodeErrorf("NONEXISTENT", "%s", err)
	}
	xcheckf(err, "opening folder")
	c.sess = sess
	v := sess.View
	c.readonly = !isselect || v.Virtual

	var mb store.Mailbox
	var highestModSeq store.ModSeq
	c.xdbread(func(tx *bstore.Tx) {
		mb = c.xmailboxID(tx, sess.MailboxID)
		highestModSeq = c.xhighestModSeq(tx)
	})

	flags := systemFlagsString
	for _, kw := range mb.Keywords {
		flags += " " + kw
	}
	c.bwritelinef(`* FLAGS (%s)`, flags)
	if c.readonly {
		c.bwritelinef(`* OK [PERMANENTFLAGS ()] no flags can be changed`)
	} else {
		c.bwritelinef(`* OK [PERMANENTFLAGS (%s \*)] all flags and keywords`, flags)
	}
	c.bwritelinef(`* %d EXISTS`, v.Len())
	c.bwritelinef(`* %d RECENT`, v.RecentCount())
	if unseen := v.FirstUnseenSeq(); unseen > 0 {
		c.bwritelinef(`* OK [UNSEEN %d] first unseen message`, unseen)
	}
	c.bwritelinef(`* OK [UIDVALIDITY %d] uids are stable`, v.UIDValidity)
	uidnext := mb.UIDNext
	if v.Virtual {
		uidnext = store.UID(v.Len() + 1)
	}
	c.bwritelinef(`* OK [UIDNEXT %d] next uid`, uidnext)
	c.bwritelinef(`* OK [HIGHESTMODSEQ %d] last change`, highestModSeq.Client())
	v.MarkSeen()

	// QRESYNC: report vanished messages and flag changes since the client's
	// checkpoint, rfc 7162.
	if qruidvalidity > 0 && !v.Virtual && qruidvalidity == v.UIDValidity {
		var lowWater store.UID
		if qrknownSeqSet != nil && qrknownUIDSet != nil {
			lastUID := uint32(0)
			if uids := v.UIDs(); len(uids) > 0 {
				lastUID = uids[len(uids)-1]
			}
			seqs := qrknownSeqSet.Resolve(v.Len()).IDs()
			uids := qrknownUIDSet.Resolve(lastUID).IDs()
			lowWater = v.SequenceMatchDataLowWater(seqs, uids)
		}

		var vanished []uint32
		var changed []store.Message
		c.xdbread(func(tx *bstore.Tx) {
			q := bstore.QueryTx[store.Message](tx)
			q.FilterNonzero(store.Message{MailboxID: sess.MailboxID})
			q.FilterGreater("ModSeq", store.ModSeqFromClient(qrmodseq))
			q.SortAsc("UID")
			msgs, err := q.List()
			xcheckf(err, "listing changed messages")
			for _, m := range msgs {
				if qrknownUIDs != nil && !qrknownUIDs.Contains(uint32(m.UID)) {
					continue
				}
				if m.Expunged {
					if m.UID > lowWater {
						vanished = append(vanished, uint32(m.UID))
					}
				} else {
					changed = append(changed, m)
				}
			}
		})
		if len(vanished) > 0 {
			c.bwritelinef("* VANISHED (EARLIER) %s", imapnum.Compact(vanished).String())
		}
		for _, m := range changed {
			if r := v.ByUID(m.UID); r != nil {
				c.bwritelinef("* %d FETCH (UID %d FLAGS %s MODSEQ (%d))", r.Seq, r.UID, recordFlagList(r).pack(c), m.ModSeq.Client())
			}
		}
	}

	c.state = stateSelected
	if c.readonly {
		c.writeresultf("%s OK [READ-ONLY] %s done", tag, cmd)
	} else {
		c.writeresultf("%s OK [READ-WRITE] %s done", tag, cmd)
	}
}

func (c *conn) cmdCreate(tag, cmd string, p *parser) {
	p.xspace()
	name := p.xmailbox()
	p.xempty()

	// A trailing slash is allowed and ignored, it would just create the
	// parents.
	name = strings.TrimRight(name, "/")
	name = xcheckmailboxname(name, false)

	var changes []store.Change
	c.account.WithWLock(func() {
		c.xdbwrite(func(tx *bstore.Tx) {
			nchanges, _, exists, err := c.account.MailboxCreate(tx, name)
			if exists {
				xusercodeErrorf("ALREADYEXISTS", "mailbox already exists")
			}
			xcheckf(err, "creating mailbox")
			changes = nchanges
		})
	})
	c.broadcast(changes)
	c.ok(tag, cmd)
}

func (c *conn) cmdDelete(tag, cmd string, p *parser) {
	p.xspace()
	name := p.xmailbox()
	p.xempty()

	name = xcheckmailboxname(name, false)

	var changes []store.Change
	var removeIDs []int64
	c.account.WithWLock(func() {
		c.xdbwrite(func(tx *bstore.Tx) {
			mb := c.xmailbox(tx, name, "NONEXISTENT")
			c.xrights(tx, mb, "x")
			nchanges, ids, hasChildren, err := c.account.MailboxDelete(tx, mb)
			if hasChildren {
				xusercodeErrorf("HASCHILDREN", "mailbox has children")
			}
			xcheckf(err, "deleting mailbox")
			changes = nchanges
			removeIDs = ids
		})
	})
	for _, id := range removeIDs {
		if err := os.Remove(c.account.MessagePath(id)); err != nil {
			c.log.Errorx("removing message file after mailbox delete", err, slog.Int64("id", id))
		}
	}
	c.broadcast(changes)
	c.ok(tag, cmd)
}

func (c *conn) cmdRename(tag, cmd string, p *parser) {
	p.xspace()
	src := p.xmailbox()
	p.xspace()
	dst := p.xmailbox()
	p.xempty()

	src = xcheckmailboxname(src, true)
	dst = xcheckmailboxname(dst, false)

	var changes []store.Change
	c.account.WithWLock(func() {
		c.xdbwrite(func(tx *bstore.Tx) {
			if src == "Inbox" {
				// Renaming Inbox is special: a new mailbox is created and the
				// messages moved there. Inbox itself stays, empty.
				if dmb, err := c.account.MailboxFind(tx, dst); err != nil {
					xcheckf(err, "finding destination mailbox")
				} else if dmb != nil {
					xusercodeErrorf("ALREADYEXISTS", "destination mailbox already exists")
				}
				nchanges, _, _, err := c.account.MailboxCreate(tx, dst)
				xcheckf(err, "creating destination mailbox")
				changes = nchanges

				inbox := c.xmailbox(tx, "Inbox", "")
				dmb := c.xmailbox(tx, dst, "")
				msgs, err := c.account.FolderRecords(tx, inbox)
				xcheckf(err, "listing inbox messages")
				if len(msgs) > 0 {
					nmsgs, err := c.account.CopyMessages(tx, &dmb, msgs)
					xcheckf(err, "moving messages to destination")
					for i, nm := range nmsgs {
						err := c.account.LinkMessageFile(msgs[i].ID, nm.ID)
						xcheckf(err, "linking message file")
						changes = append(changes, store.ChangeAddUID{MailboxID: dmb.ID, UID: nm.UID, ModSeq: nm.ModSeq, Flags: nm.Flags, Keywords: nm.Keywords})
					}
					uids, modseq, err := c.account.ExpungeMessages(tx, &inbox, msgs)
					xcheckf(err, "removing messages from inbox")
					changes = append(changes, store.ChangeRemoveUIDs{MailboxID: inbox.ID, UIDs: uids, ModSeq: modseq})
					err = tx.Update(&inbox)
					xcheckf(err, "updating inbox")
					err = tx.Update(&dmb)
					xcheckf(err, "updating destination mailbox")
				}
				return
			}

			mb := c.xmailbox(tx, src, "NONEXISTENT")
			c.xrights(tx, mb, "x")
			nchanges, err := c.account.MailboxRename(tx, mb, dst)
			if err != nil && strings.Contains(err.Error(), "already exists") {
				xusercodeErrorf("ALREADYEXISTS", "destination mailbox already exists")
			}
			xcheckf(err, "renaming mailbox")
			changes = nchanges
		})
	})
	c.broadcast(changes)
	c.ok(tag, cmd)
}

func (c *conn) cmdSubscribe(tag, cmd string, p *parser) {
	p.xspace()
	name := p.xmailbox()
	p.xempty()

	name = xcheckmailboxname(name, true)

	c.account.WithWLock(func() {
		c.xdbwrite(func(tx *bstore.Tx) {
			// Subscriptions to not-yet-existing mailboxes are allowed.
			err := c.account.SubscriptionEnsure(tx, name)
			xcheckf(err, "subscribing")
			if mb, err := c.account.MailboxFind(tx, name); err != nil {
				xcheckf(err, "finding mailbox")
			} else if mb != nil && !mb.Subscribed {
				mb.Subscribed = true
				err := tx.Update(mb)
				xcheckf(err, "updating mailbox")
			}
		})
	})
	c.ok(tag, cmd)
}

func (c *conn) cmdUnsubscribe(tag, cmd string, p *parser) {
	p.xspace()
	name := p.xmailbox()
	p.xempty()

	name = xcheckmailboxname(name, true)

	c.account.WithWLock(func() {
		c.xdbwrite(func(tx *bstore.Tx) {
			err := tx.Delete(&store.Subscription{Name: name})
			if err != nil && !errors.Is(err, bstore.ErrAbsent) {
				xcheckf(err, "removing subscription")
			}
			if mb, err := c.account.MailboxFind(tx, name); err != nil {
				xcheckf(err, "finding mailbox")
			} else if mb != nil && mb.Subscribed {
				mb.Subscribed = false
				err := tx.Update(mb)
				xcheckf(err, "updating mailbox")
			}
		})
	})
	c.ok(tag, cmd)
}

// NAMESPACE, rfc 2342.
func (c *conn) cmdNamespace(tag, cmd string, p *parser) {
	p.xempty()

	// Single personal namespace, no others.
	c.bwritelinef(`* NAMESPACE (("" "/")) NIL NIL`)
	c.ok(tag, cmd)
}

func (c *conn) cmdStatus(tag, cmd string, p *parser) {
	p.xspace()
	name := p.xmailbox()
	p.xspace()
	p.xtake("(")
	attrs := []string{p.xstatusAtt()}
	for !p.take(")") {
		p.xspace()
		attrs = append(attrs, p.xstatusAtt())
	}
	p.xempty()

	name = xcheckmailboxname(name, true)

	var responseLine string
	c.account.WithRLock(func() {
		c.xdbread(func(tx *bstore.Tx) {
			mb := c.xmailbox(tx, name, "")
			responseLine = c.xstatusLine(tx, mb, attrs)
		})
	})
	c.bwritelinef("%s", responseLine)
	c.ok(tag, cmd)
}

// xstatusLine returns the STATUS response line for the mailbox with the
// requested attributes.
func (c *conn) xstatusLine(tx *bstore.Tx, mb store.Mailbox, attrs []string) string {
	total, unseen, deleted, size := mb.Total, mb.Unseen, mb.Deleted, mb.Size
	uidnext := mb.UIDNext
	if mb.SearchQuery != "" {
		// Virtual mailboxes have no maintained counters, evaluate the query.
		msgs, err := c.account.FolderRecords(tx, mb)
		xcheckf(err, "evaluating virtual mailbox")
		total, unseen, deleted, size = 0, 0, 0, 0
		for _, m := range msgs {
			total++
			if !m.Seen {
				unseen++
			}
			if m.Deleted {
				deleted++
			}
			size += m.Size
		}
		uidnext = store.UID(total + 1)
	}

	var status []string
	for _, a := range attrs {
		A := strings.ToUpper(a)
		var v string
		switch A {
		case "MESSAGES":
			v = fmt.Sprintf("%d", total)
		case "UIDNEXT":
			v = fmt.Sprintf("%d", uidnext)
		case "UIDVALIDITY":
			v = fmt.Sprintf("%d", mb.UIDValidity)
		case "UNSEEN":
			v = fmt.Sprintf("%d", unseen)
		case "DELETED":
			v = fmt.Sprintf("%d", deleted)
		case "SIZE":
			v = fmt.Sprintf("%d", size)
		case "RECENT":
			var recent int
			if mb.SearchQuery == "" {
				q := bstore.QueryTx[store.Message](tx)
				q.FilterNonzero(store.Message{MailboxID: mb.ID})
				q.FilterEqual("Expunged", false)
				q.FilterGreater("SaveDate", mb.RecentSeen)
				n, err := q.Count()
				xcheckf(err, "counting recent messages")
				recent = n
			}
			v = fmt.Sprintf("%d", recent)
		case "APPENDLIMIT":
			v = fmt.Sprintf("%d", int64(maxMsgSize))
		case "HIGHESTMODSEQ":
			v = fmt.Sprintf("%d", c.xhighestModSeq(tx).Client())
		default:
			xsyntaxErrorf("unknown status attribute %q", a)
		}
		status = append(status, A+" "+v)
	}
	return fmt.Sprintf("* STATUS %s (%s)", mailboxt(mb.Name).pack(c), strings.Join(status, " "))
}

type appendMsg struct {
	flags    store.Flags
	keywords []string
	time     time.Time
	data     []byte
}

func (c *conn) cmdAppend(tag, cmd string, p *parser) {
	// Parse. Multiple messages are allowed, rfc 3502.
	p.xspace()
	name := p.xmailbox()
	p.xspace()

	var appends []*appendMsg
	for {
		ap := &appendMsg{}
		if p.hasPrefix("(") {
			// Error must be a syntax error, to properly abort the connection in
			// case of a non-synchronizing literal.
			var err error
			ap.flags, ap.keywords, err = store.ParseFlagsKeywords(p.xflagList())
			if err != nil {
				xsyntaxErrorf("parsing flags: %v", err)
			}
			p.xspace()
		}
		if p.hasPrefix(`"`) {
			ap.time = p.xdateTime()
			p.xspace()
		} else {
			ap.time = time.Now()
		}

		if p.take("CATENATE (") {
			// Concatenate text parts into a single message, rfc 4469. Only TEXT
			// parts; message/part URLs would need URLAUTH.
			var data []byte
			for {
				w := p.xtakelist("TEXT ", "URL ")
				if w == "URL " {
					p.xastring()
					xusercodeErrorf("BADURL", "catenate url parts not supported")
				}
				size, sync := p.xliteralSize(maxMsgSize, true)
				if int64(len(data))+size > maxMsgSize {
					xusercodeErrorf("TOOBIG", "catenated message too large")
				}
				data = append(data, c.xreadliteral(size, sync)...)
				line := c.readline(false)
				p = newParser(line, c)
				if p.take(")") {
					break
				}
				p.xspace()
			}
			ap.data = data
		} else {
			size, sync := p.xliteralSize(maxMsgSize, true)
			ap.data = []byte(c.xreadliteral(size, sync))
			line := c.readline(false)
			p = newParser(line, c)
		}
		appends = append(appends, ap)

		if p.empty() {
			break
		}
		p.xspace()
	}
	p.xempty()

	name = xcheckmailboxname(name, true)

	var mb store.Mailbox
	var uids []store.UID
	var changes []store.Change
	c.account.WithWLock(func() {
		c.xdbwrite(func(tx *bstore.Tx) {
			mb = c.xmailbox(tx, name, "TRYCREATE")
			if mb.SearchQuery != "" {
				xuserErrorf("cannot append to virtual mailbox")
			}
			c.xrights(tx, mb, "i")
			nkeywords := len(mb.Keywords)

			var addSize int64
			for _, ap := range appends {
				addSize += int64(len(ap.data))
			}
			used, limit, err := c.account.QuotaUsage(tx)
			xcheckf(err, "checking quota")
			if limit > 0 && used+addSize > limit {
				xusercodeErrorf("OVERQUOTA", "account over maximum total message size %d", limit)
			}

			for _, ap := range appends {
				m := store.Message{
					Flags:        ap.flags,
					Keywords:     ap.keywords,
					InternalDate: ap.time,
				}
				err := c.account.DeliverMessage(tx, &mb, &m, ap.data)
				xcheckf(err, "delivering message")
				uids = append(uids, m.UID)
				changes = append(changes, store.ChangeAddUID{MailboxID: mb.ID, UID: m.UID, ModSeq: m.ModSeq, Flags: m.Flags, Keywords: m.Keywords})
			}
			if len(mb.Keywords) > nkeywords {
				changes = append(changes, store.ChangeMailboxKeywords{MailboxID: mb.ID, Keywords: mb.Keywords})
			}
			err = tx.Update(&mb)
			xcheckf(err, "updating mailbox counts")
		})
	})
	c.broadcast(changes)

	// If we delivered to the selected mailbox, tell this session too.
	if c.state == stateSelected && c.sess.MailboxID == mb.ID {
		c.xapplyChanges(changes)
	}

	c.writeresultf("%s OK [APPENDUID %d %s] appended", tag, mb.UIDValidity, compactUIDs(uids))
}

// IDLE, rfc 2177.
func (c *conn) cmdIdle(tag, cmd string, p *parser) {
	p.xempty()

	c.writelinef("+ waiting")

	var line string
Wait:
	for {
		select {
		case le := <-c.lineChan():
			c.line = nil
			if le.err != nil {
				panic(fmt.Errorf("idle: %s (%w)", le.err, errIO))
			}
			line = le.line
			break Wait
		case <-c.comm.Pending:
			c.xapplyChanges(c.comm.Get())
			c.xflush()
		}
	}

	// The client ends IDLE with a DONE line.
	p = newParser(line, c)
	p.xtake("DONE")
	p.xempty()

	c.ok(tag, cmd)
}

func (c *conn) cmdCheck(tag, cmd string, p *parser) {
	p.xempty()

	c.xcheckConsistency()
	c.ok(tag, cmd)
}

// xcheckConsistency compares the session view against the database, counting
// the result. Skipped while changes from other sessions are still pending.
func (c *conn) xcheckConsistency() {
	if !c.limits.ConsistencyCheck || c.state != stateSelected || c.sess.View.Virtual {
		return
	}
	if c.comm.PendingCount() > 0 {
		return
	}
	var dbUIDs []uint32
	c.xdbread(func(tx *bstore.Tx) {
		mb := c.xmailboxID(tx, c.sess.MailboxID)
		msgs, err := c.account.FolderRecords(tx, mb)
		xcheckf(err, "listing mailbox messages")
		for _, m := range msgs {
			dbUIDs = append(dbUIDs, uint32(m.UID))
		}
	})
	viewUIDs := c.sess.View.UIDs()
	ok := len(dbUIDs) == len(viewUIDs)
	if ok {
		for i := range dbUIDs {
			if dbUIDs[i] != viewUIDs[i] {
				ok = false
				break
			}
		}
	}
	if ok {
		metrics.SessionConsistencyInc("ok")
	} else {
		metrics.SessionConsistencyInc("mismatch")
		c.log.Error("session view inconsistent with database",
			slog.String("mailbox", c.sess.MailboxName),
			slog.Int("viewcount", len(viewUIDs)),
			slog.Int("dbcount", len(dbUIDs)))
	}
}

func (c *conn) cmdClose(tag, cmd string, p *parser) {
	p.xempty()

	if !c.readonly {
		c.xexpunge(nil)
	}
	c.unselect()
	c.ok(tag, cmd)
}

// UNSELECT, rfc 3691.
func (c *conn) cmdUnselect(tag, cmd string, p *parser) {
	p.xempty()

	c.unselect()
	c.ok(tag, cmd)
}

// xexpunge removes messages with the deleted flag, optionally limited to a
// UID set. Does not write responses; callers handle EXPUNGE/VANISHED lines.
func (c *conn) xexpunge(uidSet *imapnum.Set) []store.UID {
	v := c.sess.View

	var candidates []*imapview.Record
	if uidSet == nil {
		candidates = append(candidates, v.All()...)
	} else {
		var err error
		candidates, err = v.Subsequence(*uidSet, true, true, false)
		xcheckf(err, "resolving uid set")
	}

	var removed []store.UID
	var changes []store.Change
	for start := 0; start < len(candidates); start += batchSize {
		if start > 0 {
			c.writelinef("* OK in progress")
		}
		batch := candidates[start:min(start+batchSize, len(candidates))]
		c.account.WithWLock(func() {
			c.xdbwrite(func(tx *bstore.Tx) {
				mb := c.xmailboxID(tx, c.sess.MailboxID)
				c.xrights(tx, mb, "e")

				var msgs []store.Message
				for _, r := range batch {
					if r.IsExpunged() || !r.Flags.Deleted {
						continue
					}
					m, err := c.account.MessageByID(tx, r.ItemID)
					xcheckf(err, "get message")
					if !m.Expunged {
						msgs = append(msgs, m)
					}
				}
				if len(msgs) == 0 {
					return
				}
				uids, modseq, err := c.account.ExpungeMessages(tx, &mb, msgs)
				xcheckf(err, "expunging messages")
				err = tx.Update(&mb)
				xcheckf(err, "updating mailbox counts")
				removed = append(removed, uids...)
				changes = append(changes, store.ChangeRemoveUIDs{MailboxID: mb.ID, UIDs: uids, ModSeq: modseq})
			})
		})
	}
	c.broadcast(changes)
	return removed
}

// xexpungeWrite expunges and writes the EXPUNGE or VANISHED responses.
func (c *conn) xexpungeWrite(uidSet *imapnum.Set) {
	removed := c.xexpunge(uidSet)
	v := c.sess.View
	for _, uid := range removed {
		if r := v.ByUID(uid); r != nil {
			v.MarkExpunged(r)
		}
	}
	if c.enabled[capQresync] {
		if uids := v.CollapseExpunged(true); len(uids) > 0 {
			c.bwritelinef("* VANISHED %s", imapnum.Compact(uids).String())
		}
	} else {
		for _, seq := range v.CollapseExpunged(false) {
			c.bwritelinef("* %d EXPUNGE", seq)
		}
	}
}

func (c *conn) cmdExpunge(tag, cmd string, p *parser) {
	p.xempty()

	if c.readonly {
		xuserErrorf("mailbox opened readonly")
	}
	c.xexpungeWrite(nil)
	c.ok(tag, cmd)
}

// UID EXPUNGE, rfc 4315.
func (c *conn) cmdUIDExpunge(tag, cmd string, p *parser) {
	p.xspace()
	uidSet := p.xnumSet()
	p.xempty()

	if c.readonly {
		xuserErrorf("mailbox opened readonly")
	}
	c.xexpungeWrite(&uidSet)
	c.ok(tag, cmd)
}

func (c *conn) cmdCopy(tag, cmd string, p *parser) {
	c.cmdxCopy(false, tag, cmd, p)
}

func (c *conn) cmdUIDCopy(tag, cmd string, p *parser) {
	c.cmdxCopy(true, tag, cmd, p)
}

func (c *conn) cmdxCopy(isUID bool, tag, cmd string, p *parser) {
	// Parse.
	p.xspace()
	nums := p.xnumSet()
	p.xspace()
	name := p.xmailbox()
	p.xempty()

	name = xcheckmailboxname(name, true)

	v := c.sess.View
	records, err := v.Subsequence(nums, isUID, isUID, false)
	if errors.Is(err, imapview.ErrOutOfRange) {
		xsyntaxErrorf("message sequence out of range")
	}
	xcheckf(err, "resolving sequence set")
	if len(records) == 0 {
		xuserErrorf("no matching messages to copy")
	}

	var uidvalidity uint32
	var srcUIDs, dstUIDs []store.UID
	var changes []store.Change
	c.account.WithWLock(func() {
		c.xdbwrite(func(tx *bstore.Tx) {
			mbDst := c.xmailbox(tx, name, "TRYCREATE")
			if mbDst.SearchQuery != "" {
				xuserErrorf("cannot copy to virtual mailbox")
			}
			c.xrights(tx, mbDst, "i")
			nkeywords := len(mbDst.Keywords)

			var msgs []store.Message
			var addSize int64
			for _, r := range records {
				m, err := c.account.MessageByID(tx, r.ItemID)
				xcheckf(err, "get message")
				msgs = append(msgs, m)
				addSize += m.Size
			}
			used, limit, err := c.account.QuotaUsage(tx)
			xcheckf(err, "checking quota")
			if limit > 0 && used+addSize > limit {
				xusercodeErrorf("OVERQUOTA", "account over maximum total message size %d", limit)
			}

			for start := 0; start < len(msgs); start += batchSize {
				if start > 0 {
					c.writelinef("* OK in progress")
				}
				batch := msgs[start:min(start+batchSize, len(msgs))]
				nmsgs, err := c.account.CopyMessages(tx, &mbDst, batch)
				xcheckf(err, "copying messages")
				for i, nm := range nmsgs {
					err := c.account.LinkMessageFile(batch[i].ID, nm.ID)
					xcheckf(err, "linking message file")
					srcUIDs = append(srcUIDs, records[start+i].UID)
					dstUIDs = append(dstUIDs, nm.UID)
					changes = append(changes, store.ChangeAddUID{MailboxID: mbDst.ID, UID: nm.UID, ModSeq: nm.ModSeq, Flags: nm.Flags, Keywords: nm.Keywords})
				}
			}
			err = tx.Update(&mbDst)
			xcheckf(err, "updating mailbox counts")
			if len(mbDst.Keywords) > nkeywords {
				changes = append(changes, store.ChangeMailboxKeywords{MailboxID: mbDst.ID, Keywords: mbDst.Keywords})
			}
			uidvalidity = mbDst.UIDValidity
		})
	})
	c.broadcast(changes)

	c.writeresultf("%s OK [COPYUID %d %s %s] copied", tag, uidvalidity, compactUIDs(srcUIDs), compactUIDs(dstUIDs))
}

func (c *conn) cmdStore(tag, cmd string, p *parser) {
	c.cmdxStore(false, tag, cmd, p)
}

func (c *conn) cmdUIDStore(tag, cmd string, p *parser) {
	c.cmdxStore(true, tag, cmd, p)
}

func (c *conn) cmdxStore(isUID bool, tag, cmd string, p *parser) {
	// Parse.
	p.xspace()
	nums := p.xnumSet()
	p.xspace()
	var unchangedSince *int64
	if p.take("(") {
		// UNCHANGEDSINCE, rfc 7162.
		p.xtake("UNCHANGEDSINCE")
		p.xspace()
		modseq := p.xnumber64()
		unchangedSince = &modseq
		p.xtake(")")
		p.xspace()
		c.xensureCondstore(nil)
	}
	var plus, minus bool
	if p.take("+") {
		plus = true
	} else if p.take("-") {
		minus = true
	}
	p.xtake("FLAGS")
	silent := p.take(".SILENT")
	p.xspace()
	var flagstrs []string
	if p.hasPrefix("(") {
		flagstrs = p.xflagList()
	} else {
		flagstrs = append(flagstrs, p.xflag())
		for p.space() {
			flagstrs = append(flagstrs, p.xflag())
		}
	}
	p.xempty()

	if c.readonly {
		xuserErrorf("mailbox opened readonly")
	}

	flags, keywords, err := store.ParseFlagsKeywords(flagstrs)
	if err != nil {
		xuserErrorf("parsing flags: %v", err)
	}

	v := c.sess.View
	records, err := v.Subsequence(nums, isUID, isUID, false)
	if errors.Is(err, imapview.ErrOutOfRange) {
		xsyntaxErrorf("message sequence out of range")
	}
	xcheckf(err, "resolving sequence set")

	condstore := c.enabled[capCondstore] || c.enabled[capQresync]
	type stored struct {
		r      *imapview.Record
		modseq store.ModSeq
	}
	var results []stored
	var modified []uint32
	var changes []store.Change

	for start := 0; start < len(records); start += batchSize {
		if start > 0 {
			// Keepalive, clients can time out during long flag updates.
			c.writelinef("* OK in progress")
		}
		batch := records[start:min(start+batchSize, len(records))]
		c.account.WithWLock(func() {
			c.xdbwrite(func(tx *bstore.Tx) {
				mb := c.xmailboxID(tx, c.sess.MailboxID)
				c.xrights(tx, mb, "w")
				nkeywords := len(mb.Keywords)

				for _, r := range batch {
					m, err := c.account.MessageByID(tx, r.ItemID)
					xcheckf(err, "get message")
					if m.Expunged {
						continue
					}
					if unchangedSince != nil && m.ModSeq.Client() > *unchangedSince {
						if isUID {
							modified = append(modified, uint32(r.UID))
						} else {
							modified = append(modified, r.Seq)
						}
						continue
					}

					var changed bool
					var modseq store.ModSeq
					switch {
					case plus:
						changed, modseq, err = c.account.ApplyFlags(tx, &mb, &m, flags, flags, keywords, true)
					case minus:
						nkw := subtractStrings(m.Keywords, keywords)
						changed, modseq, err = c.account.ApplyFlags(tx, &mb, &m, flags, store.Flags{}, nkw, false)
					default:
						changed, modseq, err = c.account.ApplyFlags(tx, &mb, &m, store.FlagsAll, flags, keywords, false)
					}
					xcheckf(err, "applying flags")
					if !changed {
						continue
					}
					r.ApplyFlags(m.Flags, m.Keywords, modseq)
					results = append(results, stored{r, modseq})
					changes = append(changes, store.ChangeFlags{MailboxID: mb.ID, UID: m.UID, ModSeq: modseq, Mask: store.FlagsAll, Flags: m.Flags, Keywords: m.Keywords})
				}
				if len(mb.Keywords) > nkeywords {
					changes = append(changes, store.ChangeMailboxKeywords{MailboxID: mb.ID, Keywords: mb.Keywords})
				}
				err := tx.Update(&mb)
				xcheckf(err, "updating mailbox counts")
			})
		})
	}
	c.broadcast(changes)

	if silent {
		// Flag updates queued during a .SILENT store must not be announced.
		v.SuspendNotifications(true)
		defer v.SuspendNotifications(false)
	}

	for _, st := range results {
		// The response below carries the newest flags, drop any stale pending mark.
		v.UndirtyMessage(st.r)

		uidpart := ""
		if isUID {
			uidpart = fmt.Sprintf("UID %d ", st.r.UID)
		}
		if silent && condstore {
			c.bwritelinef("* %d FETCH (%sMODSEQ (%d))", st.r.Seq, uidpart, st.modseq.Client())
		} else if !silent {
			if condstore {
				c.bwritelinef("* %d FETCH (%sFLAGS %s MODSEQ (%d))", st.r.Seq, uidpart, recordFlagList(st.r).pack(c), st.modseq.Client())
			} else {
				c.bwritelinef("* %d FETCH (%sFLAGS %s)", st.r.Seq, uidpart, recordFlagList(st.r).pack(c))
			}
		}
	}

	if len(modified) > 0 {
		c.writeresultf("%s OK [MODIFIED %s] conditional store done", tag, imapnum.Compact(modified).String())
	} else {
		c.ok(tag, cmd)
	}
}

func subtractStrings(cur, remove []string) []string {
	r := make([]string, 0, len(cur))
	for _, s := range cur {
		drop := false
		for _, x := range remove {
			if strings.EqualFold(s, x) {
				drop = true
				break
			}
		}
		if !drop {
			r = append(r, s)
		}
	}
	sort.Strings(r)
	return r
}
