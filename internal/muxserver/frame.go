// Copyright 2022 V Kontakte LLC
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package muxserver

import (
	"bufio"
	"fmt"
	"io"

	"github.com/tlogmux/tlogmux/internal/encoding"
)

const (
	// frameMagic is 0xAB54 per spec.md §3/§4.1, encoded little-endian so
	// it appears on the wire as the two bytes 0x54, 0xAB (spec.md §4.1:
	// "Magic 0xAB54 little-endian (on the wire as 0x54 0xAB)").
	frameMagic       uint16 = 0xAB54
	responseBit      uint8  = 0x80
	frameHeaderBytes        = 2 // source, dest
	frameCRCBytes           = 2
)

// frameReader decodes Multiplex frames off an io.Reader. Conceptually
// it walks the Hunt -> MagicLo -> MagicHi -> Header -> Size -> Payload
// -> Crc states byte by byte; bufio.Reader lets the Go implementation
// collapse that into straight-line blocking reads per state instead of
// resuming partial reads across callback invocations.
type frameReader struct {
	r          *bufio.Reader
	bufSize    int
	payloadBuf []byte
}

func newFrameReader(r io.Reader, bufSize int) *frameReader {
	return &frameReader{r: bufio.NewReader(r), bufSize: bufSize}
}

// frame is one decoded, CRC-validated Multiplex frame.
type frame struct {
	source  uint8
	dest    uint8
	payload []byte
}

// huntMagic discards bytes until it has matched the two-byte magic in
// order, the Hunt/MagicLo/MagicHi states collapsed into one scan.
func (fr *frameReader) huntMagic() error {
	magic := frameMagic
	lo, hi := byte(magic), byte(magic>>8)
	for {
		b, err := fr.r.ReadByte()
		if err != nil {
			return err
		}
		if b != lo {
			continue
		}
		b, err = fr.r.ReadByte()
		if err != nil {
			return err
		}
		if b == hi {
			return nil
		}
		// partial match: b may itself be the low byte of a new
		// magic, so don't discard it along with the mismatch.
		if b == lo {
			if err := fr.r.UnreadByte(); err != nil {
				return err
			}
		}
	}
}

func (f frame) sourceID() uint8 { return f.source &^ responseBit }

// readFrame hunts for the next well-formed, checksum-valid frame. It
// returns errChecksumMismatch or errFrameOverrun rather than a
// fatal error when the stream is readable but a single frame is bad,
// so the caller's dispatch loop can bump stats and keep reading.
var (
	errChecksumMismatch = fmt.Errorf("muxserver: checksum mismatch")
	errFrameOverrun     = fmt.Errorf("muxserver: payload exceeds buffer_size")
)

func (fr *frameReader) readFrame() (frame, error) {
	if err := fr.huntMagic(); err != nil {
		return frame{}, err
	}

	var head [frameHeaderBytes]byte
	if _, err := io.ReadFull(fr.r, head[:]); err != nil {
		return frame{}, err
	}
	source, dest := head[0], head[1]

	size, err := readVaruint(fr.r)
	if err != nil {
		return frame{}, err
	}
	if int(size) > fr.bufSize {
		// drain and report an overrun rather than letting one
		// oversized frame wedge the decoder on a too-small buffer.
		if _, err := io.CopyN(io.Discard, fr.r, int64(size)+frameCRCBytes); err != nil {
			return frame{}, err
		}
		return frame{}, errFrameOverrun
	}

	if cap(fr.payloadBuf) < int(size) {
		fr.payloadBuf = make([]byte, size)
	}
	payload := fr.payloadBuf[:size]
	if _, err := io.ReadFull(fr.r, payload); err != nil {
		return frame{}, err
	}

	var crcBuf [frameCRCBytes]byte
	if _, err := io.ReadFull(fr.r, crcBuf[:]); err != nil {
		return frame{}, err
	}
	wantCRC := encoding.Uint16(crcBuf[:])

	gotCRC := computeFrameCRC(source, dest, payload)
	if gotCRC != wantCRC {
		return frame{}, errChecksumMismatch
	}

	return frame{source: source, dest: dest, payload: append([]byte{}, payload...)}, nil
}

func readVaruint(r *bufio.Reader) (uint32, error) {
	var buf [encoding.MaxVaruintLen]byte
	for i := range buf {
		b, err := r.ReadByte()
		if err != nil {
			return 0, err
		}
		buf[i] = b
		if b&0x80 == 0 {
			v, _, err := encoding.DecodeVaruint(buf[:i+1])
			return v, err
		}
	}
	return 0, encoding.ErrMalformed
}

// computeFrameCRC computes the frame checksum with the CRC field held
// at zero, per spec: magic + source + dest + size-varuint + payload + 0x0000.
func computeFrameCRC(source, dest uint8, payload []byte) uint16 {
	buf := make([]byte, 0, 2+2+encoding.MaxVaruintLen+len(payload)+2)
	buf = encoding.AppendUint16(buf, frameMagic)
	buf = append(buf, source, dest)
	buf = encoding.AppendVaruint(buf, uint32(len(payload)))
	buf = append(buf, payload...)
	buf = encoding.AppendUint16(buf, 0)
	return encoding.CRC16(encoding.CRC16Init, buf)
}

// encodeFrame serializes source, dest and payload into a complete,
// checksummed wire frame.
func encodeFrame(source, dest uint8, payload []byte) []byte {
	buf := make([]byte, 0, 2+2+encoding.MaxVaruintLen+len(payload)+2)
	buf = encoding.AppendUint16(buf, frameMagic)
	buf = append(buf, source, dest)
	buf = encoding.AppendVaruint(buf, uint32(len(payload)))
	buf = append(buf, payload...)
	crc := computeFrameCRC(source, dest, payload)
	buf = encoding.AppendUint16(buf, crc)
	return buf
}
