/*
Copyright 2024 The Vitess Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package mysql

import (
	"bufio"
	"io"
	"sync"
)

// This file implements the MySQL packet framing layer: a 3-byte
// little-endian payload length followed by a 1-byte sequence id, repeated
// as many times as needed when a logical payload exceeds maxPacketSize
// (0xffffff bytes). It is grounded on go/mysql/bufio_pool.go's pooled
// *bufio.Writer idiom for the write side, and on mysql_mimic's
// MysqlStream.read/write (stream.py) for the sequence-id and
// continuation-frame discipline on both sides.

const (
	packetHeaderSize = 4
	maxPacketSize    = 1<<24 - 1 // 0xffffff, the largest payload a single frame can carry
	connBufferSize   = 16 * 1024
)

var writersPool = sync.Pool{New: func() any { return bufio.NewWriterSize(nil, connBufferSize) }}

// pooledWriter borrows a *bufio.Writer from the package pool for the
// duration of a single flushed write burst, and returns it to the pool on
// Flush. Every call site that obtains one must eventually call Flush,
// matching go/mysql/bufio_pool.go's contract.
type pooledWriter struct {
	w  io.Writer
	bw *bufio.Writer
}

func newPooledWriter(w io.Writer) *pooledWriter {
	return &pooledWriter{w: w}
}

func (p *pooledWriter) borrow() *bufio.Writer {
	if p.bw == nil {
		p.bw = writersPool.Get().(*bufio.Writer)
		p.bw.Reset(p.w)
	}
	return p.bw
}

func (p *pooledWriter) Flush() error {
	if p.bw == nil {
		return nil
	}
	err := p.bw.Flush()
	p.bw.Reset(nil)
	writersPool.Put(p.bw)
	p.bw = nil
	return err
}

// packetConn wraps a raw io.Reader/io.Writer pair — exactly the transport
// interface injected by the caller per SPEC_FULL.md §6.1, bootstrap is not
// this package's concern — with MySQL packet framing and sequence-id
// bookkeeping.
type packetConn struct {
	r io.Reader
	w *pooledWriter

	// sequence is the next expected/emitted sequence id, mod 256. It is
	// reset to 0 at the start of every command-phase request, matching
	// mysql_mimic's MysqlStream.reset_seq called once per command.
	sequence uint8

	readHeader [packetHeaderSize]byte
}

func newPacketConn(r io.Reader, w io.Writer) *packetConn {
	return &packetConn{
		r: r,
		w: newPooledWriter(w),
	}
}

// resetSequence restarts the sequence counter at 0. Called once after
// authentication completes and once at the start of every command.
func (pc *packetConn) resetSequence() {
	pc.sequence = 0
}

// readPacket reads one logical packet, transparently reassembling any
// 0xffffff-sized continuation frames into a single payload, per
// mysql_mimic's MysqlStream.read.
func (pc *packetConn) readPacket() ([]byte, error) {
	var payload []byte
	for {
		if _, err := io.ReadFull(pc.r, pc.readHeader[:]); err != nil {
			return nil, err
		}
		length := uint32(pc.readHeader[0]) | uint32(pc.readHeader[1])<<8 | uint32(pc.readHeader[2])<<16
		seq := pc.readHeader[3]
		if seq != pc.sequence {
			return nil, &ProtocolError{Message: "packet sequence id out of order"}
		}
		pc.sequence++

		chunk := make([]byte, length)
		if length > 0 {
			if _, err := io.ReadFull(pc.r, chunk); err != nil {
				return nil, err
			}
		}
		payload = append(payload, chunk...)

		if length < maxPacketSize {
			return payload, nil
		}
		// length == maxPacketSize: a continuation frame follows, even if
		// the logical payload happens to end exactly on the boundary (in
		// which case a zero-length terminator frame follows).
	}
}

// writePacket writes payload as one or more frames, splitting at
// maxPacketSize boundaries. A payload whose length is an exact multiple of
// maxPacketSize (including zero) always ends with an explicit zero-length
// terminator frame so the reader can tell the logical packet is complete.
func (pc *packetConn) writePacket(payload []byte) error {
	bw := pc.w.borrow()
	for {
		chunkLen := len(payload)
		if chunkLen > maxPacketSize {
			chunkLen = maxPacketSize
		}
		if err := pc.writeHeader(bw, uint32(chunkLen)); err != nil {
			return err
		}
		if chunkLen > 0 {
			if _, err := bw.Write(payload[:chunkLen]); err != nil {
				return err
			}
		}
		payload = payload[chunkLen:]
		if chunkLen < maxPacketSize {
			return nil
		}
		if len(payload) == 0 {
			// exact multiple: emit the zero-length terminator frame and stop.
			if err := pc.writeHeader(bw, 0); err != nil {
				return err
			}
			return nil
		}
	}
}

func (pc *packetConn) writeHeader(bw *bufio.Writer, length uint32) error {
	var hdr [packetHeaderSize]byte
	hdr[0] = byte(length)
	hdr[1] = byte(length >> 8)
	hdr[2] = byte(length >> 16)
	hdr[3] = pc.sequence
	pc.sequence++
	_, err := bw.Write(hdr[:])
	return err
}

// flush flushes any buffered frames written since the last flush and
// returns the borrowed *bufio.Writer to the pool. Callers must flush after
// every logical response, mirroring go/mysql/bufio_pool.go's contract that
// every protocol write concludes with a Flush.
func (pc *packetConn) flush() error {
	return pc.w.Flush()
}
