// Copyright 2022 V Kontakte LLC
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package tlog implements the TLOG v3 append-only binary log writer:
// schema-tagged, timestamped, optionally-compressed data blocks with a
// trailing index for O(log n) identifier lookup. It is modeled on the
// append/rotate/checksum discipline of
// internal/vkgo/binlog/fsbinlog in the teacher repository, adapted from
// an asynchronous multi-chunk replicated binlog to the single-file,
// synchronous writer spec.md §4.2 specifies.
package tlog

import (
	"bufio"
	"fmt"
	"os"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tlogmux/tlogmux/internal/encoding"
)

// WriterStats is a read-only snapshot of writer-lifetime counters,
// mirroring the stat struct fsbinlog keeps for its own monitoring
// surface (internal/vkgo/binlog/fsbinlog/binlog.go).
type WriterStats struct {
	BlocksWritten        uint64
	BytesWritten         uint64
	IdentifiersAllocated uint64
}

type identifierRecord struct {
	name          string
	schemaWritten bool
}

// FileWriter writes a single TLOG v3 file. It is not safe for concurrent
// use by more than one goroutine at a time (spec.md §5); the mutex below
// exists only to make Close idempotent against the GC-driven finalizer
// race, not to support concurrent writers.
type FileWriter struct {
	mu sync.Mutex

	path    string
	options Options

	file *os.File
	w    *bufio.Writer
	open bool

	offset uint64

	names       map[string]Identifier
	records     map[Identifier]*identifierRecord
	index       map[Identifier]*indexEntry
	allocCount  uint64
	dictCount   uint32
	pool        *bufferPool
	stats       WriterStats
	finalizable bool
}

// NewFileWriter returns an unopened writer, mirroring the C++ default
// constructor in mjlib's FileWriter: callers must call Open before
// writing anything.
func NewFileWriter() *FileWriter {
	return &FileWriter{
		names:   make(map[string]Identifier),
		records: make(map[Identifier]*identifierRecord),
		index:   make(map[Identifier]*indexEntry),
		pool:    newBufferPool(),
	}
}

// OpenFile is the convenience constructor equivalent to mjlib's
// `FileWriter(path, options)` single-call form: it allocates a writer
// and opens path immediately.
func OpenFile(path string, opts ...Option) (*FileWriter, error) {
	w := NewFileWriter()
	if err := w.Open(path, opts...); err != nil {
		return nil, err
	}
	return w, nil
}

// Open truncates (or creates) path and writes the 9-byte file header.
// Calling Open on an already-open writer returns ErrAlreadyOpen.
func (w *FileWriter) Open(path string, opts ...Option) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.open {
		return ErrAlreadyOpen
	}

	options := buildOptions(opts)

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("tlog: open %q: %w", path, err)
	}

	w.path = path
	w.options = options
	w.file = f
	w.w = bufio.NewWriter(f)
	w.offset = 0
	w.open = true

	if _, err := w.w.Write(fileMagic[:]); err != nil {
		_ = f.Close()
		w.open = false
		return fmt.Errorf("tlog: write header: %w", err)
	}
	w.offset += uint64(len(fileMagic))

	if options.emitSessionMarker {
		if err := w.writeSessionMarker(); err != nil {
			_ = f.Close()
			w.open = false
			return err
		}
	}

	w.finalizable = true
	runtime.SetFinalizer(w, finalizeFileWriter)

	return nil
}

// finalizeFileWriter gives the writer destructor/drop-style cleanup: if
// the caller forgot to call Close, the GC-driven finalizer still emits
// the index trailer before the underlying file descriptor is lost. This
// mirrors the scoped-release pattern spec.md §4.2/§9 requires, the same
// way os.NewFile registers a finalizer to reclaim a leaked fd in the
// standard library.
func finalizeFileWriter(w *FileWriter) {
	_ = w.Close()
}

// IsOpen reports whether the writer currently has a file open.
func (w *FileWriter) IsOpen() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.open
}

func (w *FileWriter) writeSessionMarker() error {
	id := uuid.New()
	buf := encoding.AppendUint64(nil, w.offset)
	body := append(append([]byte{}, id[:]...), buf...)
	_, err := w.writeBlockLocked(BlockSeekMarker, body)
	return err
}

// AllocateIdentifier returns the existing id for name if it was already
// registered, otherwise draws a fresh id per the allocation policy in
// identifier.go and binds name to it. Pure bookkeeping: it never writes
// to the file.
func (w *FileWriter) AllocateIdentifier(name string) Identifier {
	w.mu.Lock()
	defer w.mu.Unlock()

	if id, ok := w.names[name]; ok {
		return id
	}

	taken := make(map[Identifier]struct{}, len(w.records))
	for id := range w.records {
		taken[id] = struct{}{}
	}

	id := nextAutoIdentifier(w.allocCount, taken)
	w.allocCount++
	w.bindLocked(name, id)
	return id
}

// ReserveIdentifier binds name to the explicit id, failing if either is
// already taken.
func (w *FileWriter) ReserveIdentifier(name string, id Identifier) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if id == 0 {
		return false
	}
	if _, ok := w.names[name]; ok {
		return false
	}
	if _, ok := w.records[id]; ok {
		return false
	}
	w.bindLocked(name, id)
	return true
}

func (w *FileWriter) bindLocked(name string, id Identifier) {
	w.names[name] = id
	w.records[id] = &identifierRecord{name: name}
	w.index[id] = &indexEntry{id: id, finalOffset: noFinalRecord}
	w.stats.IdentifiersAllocated++
}

// WriteSchema emits a Schema block for id and records its absolute
// offset as the identifier's schema_offset. May be called at most once
// per identifier, after the identifier has been allocated or reserved.
func (w *FileWriter) WriteSchema(id Identifier, schema []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.open {
		return ErrNotOpen
	}
	rec, ok := w.records[id]
	if !ok {
		return ErrUnknownIdentifier
	}
	if rec.schemaWritten {
		return ErrSchemaAlreadyWritten
	}

	name := rec.name
	body := make([]byte, 0, 2+len(name)+len(schema)+encoding.MaxVaruintLen*2)
	body = encoding.AppendVaruint(body, uint32(id))
	body = encoding.AppendUint8(body, 0) // schema flags, reserved
	body = encoding.AppendVaruint(body, uint32(len(name)))
	body = append(body, name...)
	body = append(body, schema...)

	offset, err := w.writeBlockLocked(BlockSchema, body)
	if err != nil {
		return err
	}

	rec.schemaWritten = true
	w.index[id].schemaOffset = offset
	return nil
}

// WriteData emits a Data block for id at timestamp. If
// Options.defaultCompression is set and payload exceeds
// compressThreshold, payload is stored snappy-compressed (flag bit 3);
// otherwise it is stored raw.
func (w *FileWriter) WriteData(timestamp time.Time, id Identifier, payload []byte) error {
	return w.writeDataBlock(timestamp, id, payload, 0, false)
}

// WriteDataWithDictionary is the SPEC_FULL.md §3 supplement: it writes
// a Data block like WriteData, with flag bit 4 set and dictID written
// right after the flags byte. The dictionary is not used to compress
// payload; payload is stored exactly as WriteData would store it, and
// dictID is not checked against the ids WriteDictionary has returned.
func (w *FileWriter) WriteDataWithDictionary(timestamp time.Time, id Identifier, payload []byte, dictID uint32) error {
	return w.writeDataBlock(timestamp, id, payload, dictID, true)
}

func (w *FileWriter) writeDataBlock(timestamp time.Time, id Identifier, payload []byte, dictID uint32, useDict bool) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.open {
		return ErrNotOpen
	}
	entry, ok := w.index[id]
	if !ok {
		return ErrUnknownIdentifier
	}

	flags := uint8(dataFlagPreviousOffset | dataFlagTimestamp)
	if useDict {
		flags |= dataFlagDictionary
	}

	storedPayload := payload
	if w.options.defaultCompression && len(payload) > compressThreshold {
		storedPayload = compressPayload(nil, payload)
		flags |= dataFlagCompressed
	}
	if w.options.includeChecksum {
		flags |= dataFlagChecksum
	}

	prevOffset := uint64(0)
	if entry.finalOffset != noFinalRecord {
		prevOffset = entry.finalOffset
	}

	body := make([]byte, 0, len(storedPayload)+32)
	body = encoding.AppendVaruint(body, uint32(id))
	body = encoding.AppendUint8(body, flags)
	if useDict {
		body = encoding.AppendVaruint(body, dictID)
	}
	body = encoding.AppendVaruint(body, uint32(prevOffset))
	body = encoding.AppendInt64(body, timestamp.UnixMicro())
	if w.options.includeChecksum {
		crc := encoding.CRC16(encoding.CRC16Init, storedPayload)
		body = encoding.AppendUint16(body, crc)
	}
	body = append(body, storedPayload...)

	offset, err := w.writeBlockLocked(BlockData, body)
	if err != nil {
		return err
	}
	entry.finalOffset = offset
	return nil
}

// WriteDictionary emits a CompressionDictionary block (SPEC_FULL.md §3
// supplement) and returns a densely-increasing dict_id starting at 1.
func (w *FileWriter) WriteDictionary(dict []byte) (uint32, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.open {
		return 0, ErrNotOpen
	}

	w.dictCount++
	id := w.dictCount

	body := make([]byte, 0, len(dict)+encoding.MaxVaruintLen)
	body = encoding.AppendVaruint(body, id)
	body = append(body, dict...)

	if _, err := w.writeBlockLocked(BlockCompressionDictionary, body); err != nil {
		w.dictCount--
		return 0, err
	}
	return id, nil
}

// GetBuffer hands out a recycled scratch buffer for the caller to fill
// before passing it to WriteBlock.
func (w *FileWriter) GetBuffer() *OwnedBuffer {
	return w.pool.get()
}

// WriteBlock emits buf's contents as the body of a block of the given
// type, then returns buf to the pool. Per spec.md §9's resolved open
// question, WriteBlock never updates an identifier's final-record
// offset -- only WriteData does.
func (w *FileWriter) WriteBlock(blockType BlockType, buf *OwnedBuffer) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.open {
		return ErrNotOpen
	}

	_, err := w.writeBlockLocked(blockType, buf.Bytes())
	w.pool.put(buf)
	return err
}

// writeBlockLocked writes <type><size varuint><body> and returns the
// absolute offset the type byte was written at. Caller holds w.mu.
func (w *FileWriter) writeBlockLocked(blockType BlockType, body []byte) (uint64, error) {
	start := w.offset

	header := make([]byte, 0, 1+encoding.MaxVaruintLen)
	header = append(header, byte(blockType))
	header = encoding.AppendVaruint(header, uint32(len(body)))

	if _, err := w.w.Write(header); err != nil {
		return 0, fmt.Errorf("tlog: write block header: %w", err)
	}
	if _, err := w.w.Write(body); err != nil {
		return 0, fmt.Errorf("tlog: write block body: %w", err)
	}

	n := uint64(len(header) + len(body))
	w.offset += n
	w.stats.BlocksWritten++
	w.stats.BytesWritten += n
	return start, nil
}

// Flush pushes any buffered bytes to the underlying file.
func (w *FileWriter) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.flushLocked()
}

func (w *FileWriter) flushLocked() error {
	if !w.open {
		return ErrNotOpen
	}
	if err := w.w.Flush(); err != nil {
		return fmt.Errorf("tlog: flush: %w", err)
	}
	return nil
}

// Close flushes pending writes, emits the index trailer and footer, and
// closes the underlying file. It is idempotent: calling Close on an
// already-closed (or never-opened) writer is a no-op. The finalizer
// registered by Open calls this same method, so destruction is
// equivalent to an explicit Close per spec.md §4.2/§9.
func (w *FileWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.open {
		return nil
	}

	if w.finalizable {
		runtime.SetFinalizer(w, nil)
		w.finalizable = false
	}

	err := w.closeLocked()
	w.open = false
	return err
}

func (w *FileWriter) closeLocked() error {
	ids := make([]Identifier, 0, len(w.index))
	for id := range w.index {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	entries := make([]indexEntry, 0, len(ids))
	for _, id := range ids {
		entries = append(entries, *w.index[id])
	}

	body := encodeIndexBody(entries)
	// The index block's own declared size folds in the 12-byte trailing
	// footer (4-byte total-size field + 8-byte "TLOGIDEX" magic), not
	// just its own flags/nelements/entries -- verified against the
	// mjlib reference FileWriter's byte-exact test vectors, where e.g.
	// an empty index has declared block size 14 = 2 (flags+nelements)
	// + 12 (footer), not 2.
	sizeValue := uint32(len(body) + 4 + len(indexFooterMagic))

	header := make([]byte, 0, 1+encoding.MaxVaruintLen)
	header = append(header, byte(BlockIndex))
	header = encoding.AppendVaruint(header, sizeValue)
	totalSize := uint32(len(header)) + sizeValue

	footer := make([]byte, 0, 4+len(indexFooterMagic))
	footer = encoding.AppendUint32(footer, totalSize)
	footer = append(footer, indexFooterMagic[:]...)

	var werr error
	if _, err := w.w.Write(header); err != nil {
		werr = fmt.Errorf("tlog: write index header: %w", err)
	}
	if werr == nil {
		if _, err := w.w.Write(body); err != nil {
			werr = fmt.Errorf("tlog: write index body: %w", err)
		}
	}
	if werr == nil {
		if _, err := w.w.Write(footer); err != nil {
			werr = fmt.Errorf("tlog: write index footer: %w", err)
		}
	}
	if werr == nil {
		w.offset += uint64(len(header) + len(body) + len(footer))
		w.stats.BlocksWritten++
		w.stats.BytesWritten += uint64(len(header) + len(body) + len(footer))
		werr = w.flushLocked()
	}

	if cerr := w.file.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		w.options.logf("tlog: close %q: %v", w.path, werr)
	}
	return werr
}

// Stats returns a snapshot of writer-lifetime counters.
func (w *FileWriter) Stats() WriterStats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}
