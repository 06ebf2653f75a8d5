// Copyright 2022 V Kontakte LLC
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// tlogctl creates and inspects TLOG v3 files from the command line,
// mostly for exercising internal/tlog by hand against real telemetry
// captures.
package main

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/spf13/pflag"

	"github.com/tlogmux/tlogmux/internal/encoding"
	"github.com/tlogmux/tlogmux/internal/tlog"
)

var argv struct {
	command    string
	path       string
	recordName string
	compress   bool
	checksums  bool
	help       bool
}

func parseArgs() {
	pflag.StringVarP(&argv.command, "command", "c", "dump", "one of: dump, touch")
	pflag.StringVarP(&argv.path, "path", "f", "", "path to the TLOG file")
	pflag.StringVar(&argv.recordName, "record", "sample", "record name used by the touch command")
	pflag.BoolVar(&argv.compress, "compress", false, "enable default_compression when touching a file")
	pflag.BoolVar(&argv.checksums, "checksums", false, "enable per-block checksums when touching a file")
	pflag.BoolVarP(&argv.help, "help", "h", false, "print usage instructions and exit")
	pflag.Parse()
}

func main() {
	parseArgs()
	if argv.help || argv.path == "" {
		pflag.Usage()
		os.Exit(1)
	}

	var err error
	switch argv.command {
	case "dump":
		err = dumpFile(argv.path)
	case "touch":
		err = touchFile(argv.path, argv.recordName, argv.compress, argv.checksums)
	default:
		log.Fatalf("tlogctl: unknown command %q", argv.command)
	}
	if err != nil {
		log.Fatalf("tlogctl: %v", err)
	}
}

// touchFile writes a minimal, single-record log: useful as a smoke
// test fixture for downstream readers.
func touchFile(path, recordName string, compress, checksums bool) error {
	w, err := tlog.OpenFile(path,
		tlog.WithDefaultCompression(compress),
		tlog.WithChecksums(checksums),
	)
	if err != nil {
		return fmt.Errorf("open: %w", err)
	}
	id := w.AllocateIdentifier(recordName)
	if err := w.WriteSchema(id, []byte("{}")); err != nil {
		return fmt.Errorf("write schema: %w", err)
	}
	if err := w.WriteData(time.Now(), id, []byte("sample-payload")); err != nil {
		return fmt.Errorf("write data: %w", err)
	}
	return w.Close()
}

// dumpFile prints the type and length of each block in path, the
// cheapest possible sanity check that a file is well-formed without
// building a full reader package (deliberately out of scope, per the
// format's own design notes).
func dumpFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if len(data) < 9 || string(data[:8]) != "TLOG0003" {
		return fmt.Errorf("not a TLOG v3 file")
	}
	rest := data[9:]
	offset := 9
	for len(rest) > 0 {
		typ := rest[0]
		size, n, err := encoding.DecodeVaruint(rest[1:])
		if err != nil {
			return fmt.Errorf("at offset %d: %w", offset, err)
		}
		fmt.Printf("offset=%-8d type=0x%02x size=%d\n", offset, typ, size)
		advance := 1 + n + int(size)
		if advance > len(rest) {
			return fmt.Errorf("at offset %d: block overruns file", offset)
		}
		rest = rest[advance:]
		offset += advance
	}
	return nil
}
