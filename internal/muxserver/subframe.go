// Copyright 2022 V Kontakte LLC
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package muxserver

import (
	"errors"

	"github.com/tlogmux/tlogmux/internal/encoding"
)

const (
	opWriteSingleBase   = 0x10
	opWriteMultipleBase = 0x14
	opReadSingleBase    = 0x18
	opReadMultipleBase  = 0x1C
	opReplySingleBase   = 0x20
	opReplyMultipleBase = 0x24
	opWriteError        = 0x28
	opReadError         = 0x29
	opTunnelClientData  = 0x40
	opTunnelServerData  = 0x41
)

var (
	errMalformedSubframe = errors.New("muxserver: malformed subframe")
	errUnknownSubframe   = errors.New("muxserver: unknown subframe opcode")
)

func appendValue(buf []byte, v Value) []byte {
	switch v.Type {
	case TypeInt8:
		return encoding.AppendInt8(buf, v.I8)
	case TypeInt16:
		return encoding.AppendInt16(buf, v.I16)
	case TypeInt32:
		return encoding.AppendInt32(buf, v.I32)
	case TypeFloat32:
		return encoding.AppendFloat32(buf, v.F32)
	default:
		return buf
	}
}

func decodeValue(t TypeIndex, payload []byte) (Value, bool) {
	n := t.sizeOf()
	if n == 0 || len(payload) < n {
		return Value{}, false
	}
	switch t {
	case TypeInt8:
		return Int8Value(int8(payload[0])), true
	case TypeInt16:
		return Int16Value(int16(encoding.Uint16(payload))), true
	case TypeInt32:
		return Int32Value(int32(encoding.Uint32(payload))), true
	case TypeFloat32:
		return Float32Value(encoding.Float32(payload)), true
	default:
		return Value{}, false
	}
}

func appendWriteError(buf []byte, register uint32, code uint32) []byte {
	buf = append(buf, opWriteError)
	buf = encoding.AppendVaruint(buf, register)
	return encoding.AppendVaruint(buf, code)
}

func appendReadError(buf []byte, register uint32, code uint32) []byte {
	buf = append(buf, opReadError)
	buf = encoding.AppendVaruint(buf, register)
	return encoding.AppendVaruint(buf, code)
}

func appendReplySingle(buf []byte, t TypeIndex, register uint32, v Value) []byte {
	buf = append(buf, byte(opReplySingleBase)+byte(t))
	buf = encoding.AppendVaruint(buf, register)
	return appendValue(buf, v)
}

func appendReplyMultiple(buf []byte, t TypeIndex, start uint32, values []Value) []byte {
	buf = append(buf, byte(opReplyMultipleBase)+byte(t))
	buf = encoding.AppendVaruint(buf, start)
	buf = encoding.AppendVaruint(buf, uint32(len(values)))
	for _, v := range values {
		buf = appendValue(buf, v)
	}
	return buf
}

// dispatchSubframe consumes one subframe (not including the already
// decoded opcode byte) from payload, invokes rs and/or the tunnel
// table as appropriate, and appends wire bytes for any reply subframe
// to resp. It returns the number of payload bytes consumed.
func (s *Server) dispatchSubframe(opcode byte, payload []byte, rs RegisterServer, resp []byte) (consumed int, newResp []byte, err error) {
	switch {
	case opcode >= opWriteSingleBase && opcode < opWriteSingleBase+4:
		return s.dispatchWriteSingle(TypeIndex(opcode-opWriteSingleBase), payload, rs, resp)
	case opcode >= opWriteMultipleBase && opcode < opWriteMultipleBase+4:
		return s.dispatchWriteMultiple(TypeIndex(opcode-opWriteMultipleBase), payload, rs, resp)
	case opcode >= opReadSingleBase && opcode < opReadSingleBase+4:
		return s.dispatchReadSingle(TypeIndex(opcode-opReadSingleBase), payload, rs, resp)
	case opcode >= opReadMultipleBase && opcode < opReadMultipleBase+4:
		return s.dispatchReadMultiple(TypeIndex(opcode-opReadMultipleBase), payload, rs, resp)
	case opcode == opTunnelClientData:
		return s.dispatchTunnelClientData(payload, resp)
	case opcode == opTunnelServerData:
		return 0, resp, errUnknownSubframe
	default:
		return 0, resp, errUnknownSubframe
	}
}

func (s *Server) dispatchWriteSingle(t TypeIndex, payload []byte, rs RegisterServer, resp []byte) (int, []byte, error) {
	register, n, err := encoding.DecodeVaruint(payload)
	if err != nil || n == 0 {
		return 0, resp, errMalformedSubframe
	}
	consumed := n
	value, ok := decodeValue(t, payload[consumed:])
	if !ok {
		return 0, resp, errMalformedSubframe
	}
	consumed += t.sizeOf()

	if code := rs.Write(register, value); code != 0 {
		resp = appendWriteError(resp, register, code)
	}
	return consumed, resp, nil
}

func (s *Server) dispatchWriteMultiple(t TypeIndex, payload []byte, rs RegisterServer, resp []byte) (int, []byte, error) {
	start, n, err := encoding.DecodeVaruint(payload)
	if err != nil || n == 0 {
		return 0, resp, errMalformedSubframe
	}
	consumed := n
	count, n, err := encoding.DecodeVaruint(payload[consumed:])
	if err != nil || n == 0 {
		return 0, resp, errMalformedSubframe
	}
	consumed += n

	for i := uint32(0); i < count; i++ {
		value, ok := decodeValue(t, payload[consumed:])
		if !ok {
			return 0, resp, errMalformedSubframe
		}
		consumed += t.sizeOf()
		if code := rs.Write(start+i, value); code != 0 {
			resp = appendWriteError(resp, start+i, code)
		}
	}
	return consumed, resp, nil
}

func (s *Server) dispatchReadSingle(t TypeIndex, payload []byte, rs RegisterServer, resp []byte) (int, []byte, error) {
	register, n, err := encoding.DecodeVaruint(payload)
	if err != nil || n == 0 {
		return 0, resp, errMalformedSubframe
	}
	value, code := rs.Read(register, t)
	if code != 0 {
		resp = appendReadError(resp, register, code)
	} else {
		resp = appendReplySingle(resp, t, register, value)
	}
	return n, resp, nil
}

func (s *Server) dispatchReadMultiple(t TypeIndex, payload []byte, rs RegisterServer, resp []byte) (int, []byte, error) {
	start, n, err := encoding.DecodeVaruint(payload)
	if err != nil || n == 0 {
		return 0, resp, errMalformedSubframe
	}
	consumed := n
	count, n, err := encoding.DecodeVaruint(payload[consumed:])
	if err != nil || n == 0 {
		return 0, resp, errMalformedSubframe
	}
	consumed += n

	// count is attacker-controlled; bound it against what a reply could
	// ever fit before allocating, so a crafted huge count is a malformed
	// subframe (counted and recoverable) rather than a multi-GB
	// allocation attempt.
	if maxCount := uint32(s.options.bufferSize) / uint32(t.sizeOf()); count > maxCount {
		return 0, resp, errMalformedSubframe
	}

	values := make([]Value, count)
	codes := make([]uint32, count)
	anyFailed := false
	for i := uint32(0); i < count; i++ {
		v, code := rs.Read(start+i, t)
		values[i], codes[i] = v, code
		if code != 0 {
			anyFailed = true
		}
	}

	if !anyFailed {
		resp = appendReplyMultiple(resp, t, start, values)
		return consumed, resp, nil
	}
	// A partial failure can't be expressed inside one reply-multiple
	// subframe, so fall back to one reply/error subframe per register;
	// this still satisfies "every requested register named exactly once".
	for i := uint32(0); i < count; i++ {
		if codes[i] != 0 {
			resp = appendReadError(resp, start+i, codes[i])
		} else {
			resp = appendReplySingle(resp, t, start+i, values[i])
		}
	}
	return consumed, resp, nil
}

func (s *Server) dispatchTunnelClientData(payload []byte, resp []byte) (int, []byte, error) {
	channel, n, err := encoding.DecodeVaruint(payload)
	if err != nil || n == 0 {
		return 0, resp, errMalformedSubframe
	}
	consumed := n
	count, n, err := encoding.DecodeVaruint(payload[consumed:])
	if err != nil || n == 0 {
		return 0, resp, errMalformedSubframe
	}
	consumed += n
	if len(payload[consumed:]) < int(count) {
		return 0, resp, errMalformedSubframe
	}
	data := payload[consumed : consumed+int(count)]
	consumed += int(count)

	s.mu.Lock()
	t, ok := s.tunnels[channel]
	s.mu.Unlock()

	var out []byte
	if ok {
		t.deliverFromClient(data)
		out = t.drainEgress(s.options.bufferSize / 2)
	}

	resp = append(resp, opTunnelServerData)
	resp = encoding.AppendVaruint(resp, channel)
	resp = encoding.AppendVaruint(resp, uint32(len(out)))
	resp = append(resp, out...)
	return consumed, resp, nil
}
