package main

import (
	"bufio"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/mjl-/sconf"

	"github.com/lodemail/lode/config"
	"github.com/lodemail/lode/lodevar"
	"github.com/lodemail/lode/mlog"
	"github.com/lodemail/lode/store"
)

func envString(k, def string) string {
	s := os.Getenv(k)
	if s == "" {
		return def
	}
	return s
}

var commands = []struct {
	cmd string
	fn  func(c *cmd)
}{
	{"serve", cmdServe},
	{"setaccountpassword", cmdSetaccountpassword},
	{"config test", cmdConfigTest},
	{"config describe-static", cmdConfigDescribeStatic},
	{"version", cmdVersion},
	{"help", cmdHelp},
}

var cmds []cmd

func init() {
	for _, xc := range commands {
		c := cmd{words: strings.Split(xc.cmd, " "), fn: xc.fn}
		cmds = append(cmds, c)
	}
}

type cmd struct {
	words []string
	fn    func(c *cmd)

	// Set before calling command.
	flag     *flag.FlagSet
	flagArgs []string
	_gather  bool // Set when using Parse to gather usage for a command.

	// Set by invoked command or Parse.
	params string // Arguments to command. Multiple lines possible.
	help   string // Additional explanation. First line is synopsis, the rest is only printed for an explicit help/usage for that command.
	args   []string

	log mlog.Log
}

func (c *cmd) Parse() []string {
	// To gather params and usage information, we just run the command but cause this
	// panic after the command has registered its flags and set its params and help
	// information. This is then caught and that info printed.
	if c._gather {
		panic("gather")
	}

	c.flag.Usage = c.Usage
	c.flag.Parse(c.flagArgs)
	c.args = c.flag.Args()
	return c.args
}

func (c *cmd) gather() {
	c.flag = flag.NewFlagSet("lode "+strings.Join(c.words, " "), flag.ExitOnError)
	c._gather = true
	defer func() {
		x := recover()
		// panic generated by Parse.
		if x != "gather" {
			panic(x)
		}
	}()
	c.fn(c)
}

func (c *cmd) makeUsage() string {
	var r strings.Builder
	cs := "lode " + strings.Join(c.words, " ")
	for i, line := range strings.Split(strings.TrimSpace(c.params), "\n") {
		s := ""
		if i == 0 {
			s = "usage:"
		}
		if line != "" {
			line = " " + line
		}
		fmt.Fprintf(&r, "%6s %s%s\n", s, cs, line)
	}
	c.flag.SetOutput(&r)
	c.flag.PrintDefaults()
	return r.String()
}

func (c *cmd) printUsage() {
	fmt.Fprint(os.Stderr, c.makeUsage())
	if c.help != "" {
		fmt.Fprint(os.Stderr, "\n"+c.help+"\n")
	}
}

func (c *cmd) Usage() {
	c.printUsage()
	os.Exit(2)
}

func cmdHelp(c *cmd) {
	c.params = "[command ...]"
	c.help = `Prints help about matching commands.

If multiple commands match, they are listed along with the first line of their help text.
If a single command matches, its usage and full help text is printed.
`
	args := c.Parse()
	if len(args) == 0 {
		c.Usage()
	}

	prefix := func(l, pre []string) bool {
		if len(pre) > len(l) {
			return false
		}
		return slices.Equal(pre, l[:len(pre)])
	}

	var partial []cmd
	for _, c := range cmds {
		if slices.Equal(c.words, args) {
			c.gather()
			fmt.Print(c.makeUsage())
			if c.help != "" {
				fmt.Print("\n" + c.help + "\n")
			}
			return
		} else if prefix(c.words, args) {
			partial = append(partial, c)
		}
	}
	if len(partial) == 0 {
		fmt.Fprintf(os.Stderr, "%s: unknown command\n", strings.Join(args, " "))
		os.Exit(2)
	}
	for _, c := range partial {
		c.gather()
		line := "lode " + strings.Join(c.words, " ")
		fmt.Printf("%s\n", line)
		if c.help != "" {
			fmt.Printf("\t%s\n", strings.Split(c.help, "\n")[0])
		}
	}
}

func usage(l []cmd) {
	var lines []string
	lines = append(lines, "lode [-config lode.conf] [-loglevel level] ...")
	for _, c := range l {
		c.gather()
		for _, line := range strings.Split(c.params, "\n") {
			x := append([]string{"lode"}, c.words...)
			if line != "" {
				x = append(x, line)
			}
			lines = append(lines, strings.Join(x, " "))
		}
	}
	for i, line := range lines {
		pre := "       "
		if i == 0 {
			pre = "usage: "
		}
		fmt.Fprintln(os.Stderr, pre+line)
	}
	os.Exit(2)
}

var configPath string
var loglevel string

func main() {
	log.SetFlags(0)

	flag.StringVar(&configPath, "config", envString("LODECONF", filepath.FromSlash("lode.conf")), "configuration file, defaults to $LODECONF with a fallback to lode.conf")
	flag.StringVar(&loglevel, "loglevel", "", "if non-empty, overrides the log level from the configuration file")

	flag.Usage = func() { usage(cmds) }
	flag.Parse()
	args := flag.Args()
	if len(args) == 0 {
		usage(cmds)
	}

	if loglevel != "" {
		if level, ok := mlog.Levels[loglevel]; ok {
			mlog.SetConfig(map[string]slog.Level{"": level})
		} else {
			log.Fatalf("unknown loglevel %q", loglevel)
		}
	}

	var partial []cmd
next:
	for _, c := range cmds {
		for i, w := range c.words {
			if i >= len(args) || w != args[i] {
				if i > 0 {
					partial = append(partial, c)
				}
				continue next
			}
		}
		c.flag = flag.NewFlagSet("lode "+strings.Join(c.words, " "), flag.ExitOnError)
		c.flagArgs = args[len(c.words):]
		c.log = mlog.New(strings.Join(c.words, ""), nil)
		c.fn(&c)
		return
	}
	if len(partial) > 0 {
		usage(partial)
	}
	usage(cmds)
}

func xcheckf(err error, format string, args ...any) {
	if err == nil {
		return
	}
	msg := fmt.Sprintf(format, args...)
	log.Fatalf("%s: %s", msg, err)
}

func cmdVersion(c *cmd) {
	c.help = "Prints this lode version."
	if len(c.Parse()) != 0 {
		c.Usage()
	}
	fmt.Println(lodevar.Version)
}

func cmdConfigTest(c *cmd) {
	c.help = `Parses and validates the configuration file.

If valid, the command exits with status 0. If not valid, all errors encountered
are printed.
`
	args := c.Parse()
	if len(args) != 0 {
		c.Usage()
	}

	_, errs := loadConfig()
	if len(errs) > 0 {
		for _, err := range errs {
			fmt.Printf("%s\n", err)
		}
		os.Exit(1)
	}
	fmt.Println("config OK")
}

func cmdConfigDescribeStatic(c *cmd) {
	c.params = ">lode.conf"
	c.help = `Prints an annotated empty configuration for use as lode.conf.

This configuration file needs modifications to make it valid. For example, it
may contain unfinished list items.
`
	if len(c.Parse()) != 0 {
		c.Usage()
	}

	var sc config.Static
	err := sconf.Describe(os.Stdout, &sc)
	xcheckf(err, "describing config")
}

func cmdSetaccountpassword(c *cmd) {
	c.params = "account"
	c.help = `Set new password for an account.

The password is read from stdin. A bcrypt hash derived from the password, but
not the password itself, is stored in the account database. The account is
created if it does not yet exist.

The parameter is an account name, as present in the data directory, not an
email address.
`
	args := c.Parse()
	if len(args) != 1 {
		c.Usage()
	}

	conf, errs := loadConfig()
	if len(errs) > 0 {
		log.Fatalf("loading config: %s", errs[0])
	}

	pw := xreadpassword()

	acc, err := store.OpenAccount(c.log, conf.DataDir, args[0])
	xcheckf(err, "opening account")
	defer func() {
		err := acc.Close()
		c.log.Check(err, "closing account")
	}()
	err = acc.SetPassword(pw)
	xcheckf(err, "setting password")
}

func xreadpassword() string {
	fmt.Printf(`
Type new password. Password WILL echo.

WARNING: Bots will try to bruteforce your password. Connections with failed
authentication attempts are rate limited, but attackers WILL find passwords
reused at other services and weak passwords. Please pick a random, unguessable
password, preferably at least 12 characters.

`)
	fmt.Printf("password: ")
	scanner := bufio.NewScanner(os.Stdin)
	if !scanner.Scan() {
		log.Fatalf("reading password: %v", scanner.Err())
	}
	pw := strings.TrimSpace(scanner.Text())
	if len(pw) < 8 {
		log.Fatal("password must be at least 8 characters")
	}
	return pw
}
