// Copyright 2022 V Kontakte LLC
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// muxnode runs a Multiplex protocol server over a TCP listener,
// backing its register table with an in-memory map and its node ID
// with a persisted bbolt file. It exists to drive internal/muxserver
// end to end against a real client (or the bus master) rather than
// just in-process tests.
package main

import (
	"context"
	"log"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/tlogmux/tlogmux/internal/muxserver"
	"github.com/tlogmux/tlogmux/internal/nodeid"
	"github.com/tlogmux/tlogmux/internal/xlog"
)

var argv struct {
	listenAddr       string
	idStorePath      string
	defaultID        uint8
	bufferSize       int
	maxTunnelStreams int
	help             bool
}

func parseArgs() {
	pflag.StringVarP(&argv.listenAddr, "listen", "l", ":5454", "address to listen for Multiplex connections on")
	pflag.StringVar(&argv.idStorePath, "id-store", "muxnode.db", "path to the bbolt file persisting this node's ID")
	pflag.Uint8Var(&argv.defaultID, "default-id", 1, "node ID to use the first time id-store is empty")
	pflag.IntVar(&argv.bufferSize, "buffer-size", 512, "largest frame payload accepted")
	pflag.IntVar(&argv.maxTunnelStreams, "max-tunnel-streams", 4, "maximum concurrent tunnel channels")
	pflag.BoolVarP(&argv.help, "help", "h", false, "print usage instructions and exit")
	pflag.Parse()
}

// memoryRegisters is a trivial RegisterServer backing store, standing
// in for whatever application-specific register table a real node
// would expose; muxnode's purpose is to exercise the protocol layer,
// not model a device.
type memoryRegisters struct {
	mu     sync.Mutex
	values map[uint32]muxserver.Value
}

func newMemoryRegisters() *memoryRegisters {
	return &memoryRegisters{values: make(map[uint32]muxserver.Value)}
}

func (m *memoryRegisters) Write(register uint32, v muxserver.Value) uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[register] = v
	return 0
}

func (m *memoryRegisters) Read(register uint32, t muxserver.TypeIndex) (muxserver.Value, uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[register]
	if !ok {
		return muxserver.Value{}, 1
	}
	return v, 0
}

func main() {
	parseArgs()
	if argv.help {
		pflag.Usage()
		os.Exit(0)
	}

	store, err := nodeid.Open(argv.idStorePath)
	if err != nil {
		log.Fatalf("muxnode: %v", err)
	}
	defer store.Close()

	ln, err := net.Listen("tcp", argv.listenAddr)
	if err != nil {
		log.Fatalf("muxnode: listen: %v", err)
	}
	log.Printf("muxnode: listening on %s", ln.Addr())

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("muxnode: accept: %v", err)
			continue
		}
		go serveConn(ctx, conn, store, xlog.StdLogf)
	}
}

func serveConn(ctx context.Context, conn net.Conn, store *nodeid.Store, logf xlog.LoggerFunc) {
	defer conn.Close()

	srv, err := muxserver.NewServer(conn, conn, store,
		muxserver.WithBufferSize(argv.bufferSize),
		muxserver.WithMaxTunnelStreams(argv.maxTunnelStreams),
		muxserver.WithDefaultID(argv.defaultID),
		muxserver.WithLogger(logf),
	)
	if err != nil {
		logf("muxnode: new server for %s: %v", conn.RemoteAddr(), err)
		return
	}

	if err := srv.Start(ctx, newMemoryRegisters()); err != nil {
		logf("muxnode: connection %s ended: %v", conn.RemoteAddr(), err)
	}
}
