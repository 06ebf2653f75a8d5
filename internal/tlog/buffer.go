// Copyright 2022 V Kontakte LLC
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package tlog

import (
	"sync"

	"github.com/tlogmux/tlogmux/internal/encoding"
)

// OwnedBuffer is a recycled scratch buffer handed out by GetBuffer and
// returned to the pool by WriteBlock, the same hand-off discipline
// fsbinlog's buffExchange uses to avoid a per-block allocation on the
// write path (internal/vkgo/binlog/fsbinlog/buffer_exchange.go).
type OwnedBuffer struct {
	buf []byte
}

func (b *OwnedBuffer) Write(p []byte) *OwnedBuffer {
	b.buf = append(b.buf, p...)
	return b
}

func (b *OwnedBuffer) WriteVaruint(v uint32) *OwnedBuffer {
	b.buf = encoding.AppendVaruint(b.buf, v)
	return b
}

func (b *OwnedBuffer) WriteU8(v uint8) *OwnedBuffer {
	b.buf = encoding.AppendUint8(b.buf, v)
	return b
}

func (b *OwnedBuffer) WriteU16(v uint16) *OwnedBuffer {
	b.buf = encoding.AppendUint16(b.buf, v)
	return b
}

func (b *OwnedBuffer) WriteU32(v uint32) *OwnedBuffer {
	b.buf = encoding.AppendUint32(b.buf, v)
	return b
}

func (b *OwnedBuffer) WriteU64(v uint64) *OwnedBuffer {
	b.buf = encoding.AppendUint64(b.buf, v)
	return b
}

func (b *OwnedBuffer) WriteF32(v float32) *OwnedBuffer {
	b.buf = encoding.AppendFloat32(b.buf, v)
	return b
}

func (b *OwnedBuffer) Size() int { return len(b.buf) }

func (b *OwnedBuffer) Bytes() []byte { return b.buf }

func (b *OwnedBuffer) Reset() { b.buf = b.buf[:0] }

// bufferPool recycles the OwnedBuffer instances GetBuffer hands out and
// WriteBlock takes back. WriteSchema and WriteData do not draw from it:
// they build each block body in a freshly allocated slice.
type bufferPool struct {
	pool sync.Pool
}

func newBufferPool() *bufferPool {
	return &bufferPool{
		pool: sync.Pool{
			New: func() interface{} { return &OwnedBuffer{buf: make([]byte, 0, 256)} },
		},
	}
}

func (p *bufferPool) get() *OwnedBuffer {
	buf := p.pool.Get().(*OwnedBuffer)
	buf.Reset()
	return buf
}

func (p *bufferPool) put(buf *OwnedBuffer) {
	p.pool.Put(buf)
}
