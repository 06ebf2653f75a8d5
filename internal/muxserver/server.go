// Copyright 2022 V Kontakte LLC
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package muxserver

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/tlogmux/tlogmux/internal/encoding"
)

// RegisterServer is the application callback a Server dispatches
// register read/write subframes to. Both methods are called
// synchronously from within Start's frame loop -- all subframes of one
// frame complete before control returns to the loop, so an
// implementation may treat a frame's worth of calls as one atomic
// update.
type RegisterServer interface {
	Write(register uint32, value Value) (errorCode uint32)
	Read(register uint32, t TypeIndex) (value Value, errorCode uint32)
}

// IDStore persists a server's 7-bit node ID across restarts.
type IDStore interface {
	Load() (id uint8, found bool, err error)
	Save(id uint8) error
}

// Stats exposes the decoder's lifetime fault counters, mirroring the
// fields mjlib's MultiplexProtocolServer keeps for debugging and tests,
// plus FramesReceived/FramesSent/ResponsesSent mirroring the
// connection-level counters internal/vkgo/rpc's Server exposes.
type Stats struct {
	WrongID           uint32
	ChecksumMismatch  uint32
	ReceiveOverrun    uint32
	UnknownSubframe   uint32
	MalformedSubframe uint32

	FramesReceived uint32 // every frame successfully decoded off the wire, any destination
	FramesSent     uint32 // every frame this Server wrote back to the stream
	ResponsesSent  uint32 // frames sent that were a reply to a request (currently every frame this Server sends is a reply, so this tracks FramesSent 1:1)
}

// Server dispatches frames read from a stream to a RegisterServer and
// to any tunnels created with MakeTunnel, and writes responses back to
// the same stream.
type Server struct {
	mu      sync.Mutex
	w       io.Writer
	fr      *frameReader
	options Options
	idStore IDStore
	id      uint8
	closed  bool

	tunnels map[uint32]*tunnel
	unknown chan []byte

	stats Stats
}

// NewServer constructs a Server reading frames from r and writing
// responses to w (often the same net.Conn or serial port on both
// sides). idStore may be nil, in which case the node ID starts at
// Options.defaultID and is never persisted; SetNodeID still changes it
// in memory.
func NewServer(r io.Reader, w io.Writer, idStore IDStore, opts ...Option) (*Server, error) {
	options := buildOptions(opts)
	if options.bufferSize < 256 {
		return nil, ErrBufferTooSmall
	}
	if options.defaultID&responseBit != 0 {
		return nil, ErrInvalidNodeID
	}

	id := options.defaultID
	if idStore != nil {
		loaded, found, err := idStore.Load()
		if err != nil {
			return nil, err
		}
		if found {
			if loaded&responseBit != 0 {
				return nil, ErrInvalidNodeID
			}
			id = loaded
		} else if err := idStore.Save(id); err != nil {
			return nil, err
		}
	}

	return &Server{
		w:       w,
		fr:      newFrameReader(r, options.bufferSize),
		options: options,
		idStore: idStore,
		id:      id,
		tunnels: make(map[uint32]*tunnel),
	}, nil
}

// NodeID returns the server's current 7-bit node ID.
func (s *Server) NodeID() uint8 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

// SetNodeID persists id (if an IDStore was supplied) and starts
// answering to it. It fails with ErrInvalidNodeID if id has the high
// bit set, since node ids are 7-bit -- bit 7 is reserved on the wire
// for the response-requested flag (responseBit).
func (s *Server) SetNodeID(id uint8) error {
	if id&responseBit != 0 {
		return ErrInvalidNodeID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.idStore != nil {
		if err := s.idStore.Save(id); err != nil {
			return err
		}
	}
	s.id = id
	return nil
}

// Stats returns a snapshot of the decoder's fault counters.
func (s *Server) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// MakeTunnel allocates a channel whose 0x40/0x41 traffic is exposed as
// an io.ReadWriter. Calling it again with a channel already in use
// returns the existing tunnel. It fails with ErrTunnelsExhausted once
// max_tunnel_streams distinct channels are live, or ErrClosed once the
// server has been closed.
func (s *Server) MakeTunnel(channel uint32) (io.ReadWriter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if t, ok := s.tunnels[channel]; ok {
		return t, nil
	}
	if len(s.tunnels) >= s.options.maxTunnelStreams {
		return nil, ErrTunnelsExhausted
	}
	t := newTunnel(channel, s.options.bufferSize)
	s.tunnels[channel] = t
	return t, nil
}

// Close marks the server closed: Start's dispatch loop returns
// ErrClosed the next time it checks, and MakeTunnel/SetNodeID refuse
// further calls. It does not close the underlying reader or writer --
// callers own that lifecycle, the same way rpc.Server's Close leaves
// listener ownership to the caller that opened it.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// RawWriter exposes an unframed write path onto the underlying stream,
// for pushing asynchronous data to the bus master outside the normal
// frame/response cycle.
func (s *Server) RawWriter() io.Writer {
	return s.w
}

// UnknownFrames returns a channel of raw payloads from frames addressed
// to a node other than this one. The channel is created and begins
// filling on first call. It buffers up to 16 payloads; payloads that
// arrive while that buffer is full are dropped rather than blocking the
// dispatch loop.
func (s *Server) UnknownFrames() <-chan []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unknown == nil {
		s.unknown = make(chan []byte, 16)
	}
	return s.unknown
}

// deliverUnknown feeds payload to the UnknownFrames channel and reports
// whether one is armed (created by a prior UnknownFrames call). A full
// channel still counts as armed -- the payload is dropped, not the
// arming state.
func (s *Server) deliverUnknown(payload []byte) (armed bool) {
	s.mu.Lock()
	ch := s.unknown
	s.mu.Unlock()
	if ch == nil {
		return false
	}
	select {
	case ch <- append([]byte{}, payload...):
	default:
	}
	return true
}

// Start runs the blocking read/dispatch loop: it reads frames from the
// stream and dispatches their subframes to rs and to any tunnels until
// ctx is canceled, Close is called, or the stream returns an error
// (including io.EOF).
func (s *Server) Start(ctx context.Context, rs RegisterServer) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if s.isClosed() {
			return ErrClosed
		}

		f, err := s.fr.readFrame()
		if err != nil {
			switch {
			case errors.Is(err, errChecksumMismatch):
				s.bump(func(st *Stats) { st.ChecksumMismatch++ })
				s.options.logf("muxserver: checksum mismatch, dropping frame")
				continue
			case errors.Is(err, errFrameOverrun):
				s.bump(func(st *Stats) { st.ReceiveOverrun++ })
				s.options.logf("muxserver: frame payload exceeds buffer_size, dropping frame")
				continue
			default:
				return err
			}
		}
		s.bump(func(st *Stats) { st.FramesReceived++ })

		if err := s.dispatchFrame(f, rs); err != nil {
			return err
		}
	}
}

func (s *Server) bump(fn func(*Stats)) {
	s.mu.Lock()
	fn(&s.stats)
	s.mu.Unlock()
}

func (s *Server) dispatchFrame(f frame, rs RegisterServer) error {
	if f.dest != s.NodeID() {
		// Either/or per the decoder's fault policy: feed a client
		// watching bus traffic through UnknownFrames if one is armed,
		// otherwise count it as a wrong-id fault. Bumping both would
		// make WrongID meaningless for the "central client observing
		// bus traffic" use case UnknownFrames exists for.
		if s.deliverUnknown(f.payload) {
			return nil
		}
		s.bump(func(st *Stats) { st.WrongID++ })
		s.options.logf("muxserver: frame addressed to node %d, this node is %d", f.dest, s.NodeID())
		return nil
	}

	wantsReply := f.source&responseBit != 0

	var resp []byte
	payload := f.payload
	overrun := false
subframes:
	for len(payload) > 0 {
		opcode, n, err := encoding.DecodeVaruint(payload)
		if err != nil || n == 0 {
			s.bump(func(st *Stats) { st.MalformedSubframe++ })
			s.options.logf("muxserver: malformed subframe opcode from node %d", f.sourceID())
			break
		}
		payload = payload[n:]

		consumed, next, derr := s.dispatchSubframe(byte(opcode), payload, rs, resp)
		switch {
		case errors.Is(derr, errMalformedSubframe):
			s.bump(func(st *Stats) { st.MalformedSubframe++ })
			s.options.logf("muxserver: malformed subframe 0x%02x from node %d", opcode, f.sourceID())
			break subframes
		case errors.Is(derr, errUnknownSubframe):
			s.bump(func(st *Stats) { st.UnknownSubframe++ })
			s.options.logf("muxserver: unknown subframe opcode 0x%02x from node %d", opcode, f.sourceID())
			break subframes
		default:
			if len(next) > s.options.bufferSize {
				overrun = true
				break subframes
			}
			resp = next
			payload = payload[consumed:]
		}
	}

	if overrun {
		s.bump(func(st *Stats) { st.ReceiveOverrun++ })
	}
	if !wantsReply {
		return nil
	}

	respFrame := encodeFrame(s.NodeID(), f.sourceID(), resp)
	if _, err := s.w.Write(respFrame); err != nil {
		return err
	}
	s.bump(func(st *Stats) { st.FramesSent++; st.ResponsesSent++ })
	return nil
}
