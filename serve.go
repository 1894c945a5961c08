package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/mjl-/bstore"
	"github.com/mjl-/sconf"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lodemail/lode/config"
	"github.com/lodemail/lode/imapserver"
	"github.com/lodemail/lode/imapsession"
	"github.com/lodemail/lode/lodevar"
	"github.com/lodemail/lode/mlog"
)

// loadConfig parses the configuration file at configPath, returning the
// parsed config with DataDir resolved relative to the config file, and any
// validation errors.
func loadConfig() (config.Static, []error) {
	var conf config.Static
	var errs []error

	f, err := os.Open(configPath)
	if err != nil {
		return conf, []error{fmt.Errorf("open config file: %v", err)}
	}
	defer f.Close()
	if err := sconf.Parse(f, &conf); err != nil {
		return conf, []error{fmt.Errorf("parsing %s: %v", configPath, err)}
	}

	if conf.DataDir == "" {
		errs = append(errs, fmt.Errorf("DataDir must be set"))
	} else if !filepath.IsAbs(conf.DataDir) {
		conf.DataDir = filepath.Join(filepath.Dir(configPath), conf.DataDir)
	}

	logConfig := map[string]slog.Level{"": slog.LevelInfo}
	if conf.LogLevel != "" {
		level, ok := mlog.Levels[conf.LogLevel]
		if !ok {
			errs = append(errs, fmt.Errorf("unknown LogLevel %q", conf.LogLevel))
		} else {
			logConfig[""] = level
		}
	}
	for pkg, s := range conf.PackageLogLevels {
		level, ok := mlog.Levels[s]
		if !ok {
			errs = append(errs, fmt.Errorf("unknown log level %q for package %q", s, pkg))
			continue
		}
		logConfig[pkg] = level
	}

	haveIMAP := false
	for name, l := range conf.Listeners {
		if len(l.IPs) == 0 {
			errs = append(errs, fmt.Errorf("listener %q: needs at least one IP", name))
		}
		for _, ip := range l.IPs {
			if net.ParseIP(ip) == nil {
				errs = append(errs, fmt.Errorf("listener %q: invalid IP %q", name, ip))
			}
		}
		if l.IMAP.Enabled {
			haveIMAP = true
		}
	}
	if !haveIMAP {
		errs = append(errs, fmt.Errorf("no listener with IMAP enabled"))
	}

	if loglevel == "" && len(errs) == 0 {
		mlog.SetConfig(logConfig)
	}

	return conf, errs
}

func cmdServe(c *cmd) {
	c.help = `Start serving IMAP.

Incoming connections are handled on all configured listeners. The session
snapshot cache is opened in the data directory. Serving stops on SIGINT or
SIGTERM, after closing the listeners.
`
	args := c.Parse()
	if len(args) != 0 {
		c.Usage()
	}

	conf, errs := loadConfig()
	if len(errs) > 0 {
		for _, err := range errs {
			c.log.Errorx("config error", err)
		}
		os.Exit(1)
	}

	log := c.log
	log.Info("starting up", slog.String("version", lodevar.Version))

	err := os.MkdirAll(conf.DataDir, 0770)
	xcheckf(err, "creating data directory")

	cachePath := filepath.Join(conf.DataDir, "imapcache.db")
	opts := bstore.Options{Timeout: 5 * time.Second, Perm: 0660}
	cacheDB, err := bstore.Open(context.Background(), cachePath, &opts, imapsession.CacheDBTypes...)
	xcheckf(err, "opening session snapshot cache")
	defer func() {
		err := cacheDB.Close()
		log.Check(err, "closing session snapshot cache")
	}()

	manager := imapsession.NewManager(mlog.New("imapsession", nil), conf.Limits, cacheDB, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go manager.Serve(ctx)

	server := imapserver.NewServer(conf.DataDir, conf.Limits, manager, mlog.New("imapserver", nil))

	var listeners []net.Listener
	for name, l := range conf.Listeners {
		if !l.IMAP.Enabled {
			continue
		}
		port := config.Port(l.IMAP.Port, 143)
		for _, ip := range l.IPs {
			addr := net.JoinHostPort(ip, fmt.Sprintf("%d", port))
			ln, err := net.Listen("tcp", addr)
			xcheckf(err, "listening on %s for listener %q", addr, name)
			log.Info("listening for imap", slog.String("listener", name), slog.String("addr", addr))
			listeners = append(listeners, ln)
			go func() {
				err := server.Serve(ln)
				log.Check(err, "serving imap")
			}()
		}
	}

	if conf.MetricsAddress != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		go func() {
			log.Info("serving metrics", slog.String("addr", conf.MetricsAddress))
			err := http.ListenAndServe(conf.MetricsAddress, mux)
			xcheckf(err, "serving metrics")
		}()
	}

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigc
	log.Info("shutting down", slog.Any("signal", sig))

	for _, ln := range listeners {
		err := ln.Close()
		log.Check(err, "closing listener")
	}
	cancel()
	// Give active connections a moment to finish their current command.
	time.Sleep(time.Second)
}
