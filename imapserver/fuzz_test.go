package imapserver

import (
	"bufio"
	"encoding/base64"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/lodemail/lode/config"
	"github.com/lodemail/lode/imapsession"
	"github.com/lodemail/lode/mlog"
	"github.com/lodemail/lode/store"
)

// Fuzz the server. For each fuzz string, we bring connections into various
// states and write the string as a command.
func FuzzServer(f *testing.F) {
	seed := []string{
		"*",
		"capability",
		"noop",
		"logout",
		"id nil",
		"enable condstore qresync",
		"select inbox",
		"select inbox (condstore)",
		"examine inbox",
		"unselect",
		"close",
		"expunge",
		"uid expunge 1",
		"subscribe inbox",
		"unsubscribe inbox",
		`lsub "" "*"`,
		`list "" ""`,
		`list (subscribed) "" "*" return (children status (messages))`,
		"namespace",
		"create inbox",
		"create tmpbox",
		"rename tmpbox ntmpbox",
		"delete ntmpbox",
		"status inbox (uidnext messages uidvalidity deleted size unseen recent highestmodseq)",
		"append inbox (\\seen) {2+}\r\nhi",
		"append inbox catenate (text {2+}\r\nhi)",
		"fetch 1 all",
		"fetch 1 body",
		"fetch 1 (bodystructure)",
		"fetch 1 binary[1]<0.10>",
		"uid fetch 1 (flags) (changedsince 1)",
		`store 1 flags (\seen \answered)`,
		`store 1 +flags ($junk)`,
		`store 1 -flags ($junk)`,
		"store 1 (unchangedsince 1) +flags (\\seen)",
		"copy 1Trash",
		"copy 1 Trash",
		"search 1 all",
		"search return (min max count all save) all",
		"uid search larger 10 smaller 100000",
		"sort (date reverse subject) us-ascii all",
		"thread orderedsubject us-ascii all",
		"getquotaroot inbox",
		`getquota ""`,
		`setquota "" (storage 100)`,
		"myrights inbox",
		"getacl inbox",
		"setacl inbox fred lrs",
		"deleteacl inbox fred",
		"listrights inbox fred",
		"idle",
	}
	for _, cmd := range seed {
		const tag = "x "
		f.Add(tag + cmd)
	}

	f.Fuzz(func(t *testing.T, s string) {
		dir := t.TempDir()
		name := fmt.Sprintf("test%d", accountCounter.Add(1))
		log := mlog.New("imapserver", nil)
		acc, err := store.OpenAccount(log, dir, name)
		if err != nil {
			t.Fatalf("open account: %v", err)
		}
		defer acc.Close()
		err = acc.SetPassword(password0)
		if err != nil {
			t.Fatalf("set password: %v", err)
		}

		manager := imapsession.NewManager(log, config.Limits{}, nil, nil)
		server := NewServer(dir, config.Limits{}, manager, log)

		run := func(cmds []string) {
			cc, sc := net.Pipe()
			done := make(chan struct{})
			go func() {
				defer close(done)
				server.ServeConn(sc)
			}()
			defer func() {
				cc.Close()
				<-done
			}()

			err := cc.SetDeadline(time.Now().Add(time.Second))
			if err != nil {
				t.Fatalf("set deadline: %v", err)
			}

			// The protocol can become botched, e.g. when the fuzzer sends
			// literals. Any io error just ends the attempt.
			br := bufio.NewReader(cc)
			if _, err := br.ReadString('\n'); err != nil {
				return
			}
			tag := 0
			for _, cmd := range append(cmds, s) {
				tag++
				prefix := fmt.Sprintf("f%d", tag)
				if _, err := fmt.Fprintf(cc, "%s %s\r\n", prefix, cmd); err != nil {
					return
				}
				for {
					line, err := br.ReadString('\n')
					if err != nil {
						return
					}
					if strings.HasPrefix(line, prefix+" ") {
						break
					}
					if strings.HasPrefix(line, "+") {
						// Continuation, e.g. idle or a sync literal. Break it off.
						if _, err := fmt.Fprintf(cc, "done\r\n"); err != nil {
							return
						}
					}
				}
			}
		}

		login := fmt.Sprintf("authenticate plain %s", base64.StdEncoding.EncodeToString([]byte("\x00"+name+"\x00"+password0)))
		xappend := fmt.Sprintf("append inbox () {%d+}\r\n%s", len(exampleMsg), exampleMsg)

		// Each command brings the connection one state further. We try the
		// fuzzing input in each state.
		run([]string{})
		run([]string{login})
		run([]string{login, "select inbox"})
		run([]string{login, "select inbox", xappend})
	})
}
