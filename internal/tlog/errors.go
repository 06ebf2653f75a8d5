// Copyright 2022 V Kontakte LLC
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package tlog

import "errors"

// Usage errors are programming faults: they are returned synchronously
// and never retried internally, mirroring the way fsbinlog's writer
// treats a misused Options value as a caller bug rather than something
// to recover from.
var (
	ErrNotOpen              = errors.New("tlog: writer is not open")
	ErrAlreadyOpen          = errors.New("tlog: writer is already open")
	ErrUnknownIdentifier    = errors.New("tlog: unknown identifier")
	ErrSchemaAlreadyWritten = errors.New("tlog: schema already written for identifier")
)
