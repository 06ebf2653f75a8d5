// Copyright 2022 V Kontakte LLC
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package xlog defines the small logging seam shared by the TLOG writer
// and the Multiplex server, mirroring internal/vkgo/rpc's Logf option: a
// single formatting function injected through options, not a logging
// framework dependency.
package xlog

import "log"

// LoggerFunc is the capability both internal/tlog and internal/muxserver
// accept, matching internal/vkgo/rpc's LoggerFunc. Both packages default
// to NoopLogf; pass StdLogf to log through the standard library.
type LoggerFunc func(format string, args ...interface{})

// NoopLogf discards everything.
func NoopLogf(string, ...interface{}) {}

// StdLogf writes through the standard library's default logger.
func StdLogf(format string, args ...interface{}) {
	log.Printf(format, args...)
}
