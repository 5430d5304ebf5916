// Copyright (c) 2025 Shell Reserve developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// electrum-probe is a small diagnostic client: it seeds a server
// registry, starts a Network against an in-memory header store seeded
// from a single checkpoint, and prints a status snapshot when the run
// duration elapses or the process is interrupted.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	flags "github.com/jessevdk/go-flags"
	"github.com/jrick/logrotate/rotator"

	"github.com/btcsuite/btclog"
	"github.com/toole-brendan/shell/electrum"
)

type config struct {
	Servers  []string `long:"server" description:"host:port:protocol of a server to connect to (protocol is t or s)" required:"true"`
	Proxy    string   `long:"proxy" description:"kind:host:port[:user:pass] of a SOCKS proxy to dial through"`
	LogFile  string   `long:"logfile" description:"path to the rotated log file" default:"electrum-probe.log"`
	Duration int      `long:"seconds" description:"how long to run before exiting" default:"30"`
}

var log btclog.Logger

func initLogRotator(logFile string) {
	logDir := filepath.Dir(logFile)
	if err := os.MkdirAll(logDir, 0700); err != nil {
		fmt.Fprintf(os.Stderr, "failed to create log directory: %v\n", err)
		os.Exit(1)
	}
	r, err := rotator.New(logFile, 10*1024, false, 3)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create log rotator: %v\n", err)
		os.Exit(1)
	}
	backend := btclog.NewBackend(r)
	log = backend.Logger("PROBE")
	electrum.UseLogger(backend.Logger("ELEC"))
	log.SetLevel(btclog.LevelInfo)
}

func main() {
	var cfg config
	parser := flags.NewParser(&cfg, flags.Default)
	if _, err := parser.Parse(); err != nil {
		os.Exit(1)
	}

	initLogRotator(cfg.LogFile)

	var proxy *electrum.Proxy
	if cfg.Proxy != "" {
		p, err := electrum.ProxyFromString(cfg.Proxy)
		if err != nil {
			log.Errorf("bad proxy: %v", err)
			os.Exit(1)
		}
		proxy = p
	}

	store := newMemHeaderStore(genesisCheckpoint())
	network := electrum.NewNetwork(store, proxy)

	for _, s := range cfg.Servers {
		server, err := network.Registry().FromString(s)
		if err != nil {
			log.Errorf("bad server %q: %v", s, err)
			continue
		}
		log.Infof("seeded server %s", server)
	}

	network.RegisterCallback("main-server-changed", func(event string, n *electrum.Network) {
		if sess := n.MainSession(); sess != nil {
			log.Infof("main server is now %s", sess.Server())
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Duration)*time.Second)
	defer cancel()

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)
	go func() {
		<-interrupt
		cancel()
	}()

	go func() {
		if err := network.Start(ctx); err != nil && ctx.Err() == nil {
			log.Errorf("network stopped: %v", err)
		}
	}()

	<-ctx.Done()
	snap := network.Status()
	out, _ := json.MarshalIndent(snap, "", "  ")
	fmt.Println(string(out))
}
