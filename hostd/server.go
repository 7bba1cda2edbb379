package hostd

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/HPSI/xen-v4v/hv"
	"github.com/HPSI/xen-v4v/wire"
)

// maxPayload bounds a single request or reply payload.
const maxPayload = 1 << 20

// serveConn reads request frames off the connection until it closes. Each
// frame names the acting domain; hypercall opcodes go straight to the
// dispatcher, daemon opcodes drive the emulated machine.
func (m *Hostd) serveConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	log := m.log.With(zap.String("peer", conn.RemoteAddr().String()))
	log.Debugw("client connected")
	defer log.Debugw("client disconnected")

	for {
		var hb [wire.CallHeaderSize]byte
		if _, err := io.ReadFull(conn, hb[:]); err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				log.Warnw("failed to read request header", zap.Error(err))
			}
			return
		}
		hdr := wire.GetCallHeader(hb[:])
		if hdr.Magic != wire.CallMagic || hdr.Len > maxPayload {
			log.Warnw("malformed request", zap.Uint32("magic", hdr.Magic), zap.Uint32("len", hdr.Len))
			return
		}
		payload := make([]byte, hdr.Len)
		if _, err := io.ReadFull(conn, payload); err != nil {
			log.Warnw("failed to read request payload", zap.Error(err))
			return
		}

		rc, reply := m.dispatch(hdr, payload)

		rb := make([]byte, wire.ReplyHeaderSize+len(reply))
		wire.PutReplyHeader(rb, wire.ReplyHeader{RC: rc, Len: uint32(len(reply))})
		copy(rb[wire.ReplyHeaderSize:], reply)
		if _, err := conn.Write(rb); err != nil {
			log.Warnw("failed to write reply", zap.Error(err))
			return
		}
	}
}

func (m *Hostd) dispatch(hdr wire.CallHeader, payload []byte) (int64, []byte) {
	switch {
	case hdr.Op >= wire.OpRegisterRing && hdr.Op <= wire.OpInfo:
		if len(payload) != wire.HypercallArgsSize {
			return -int64(unix.EINVAL), nil
		}
		a1, a2, a3, a4 := wire.GetHypercallArgs(payload)
		return m.ctx.Hypercall(hdr.Domain, hdr.Op, a1, a2, a3, a4), nil

	case hdr.Op == wire.OpDomainCreate:
		return m.domainCreate(hdr.Domain), nil

	case hdr.Op == wire.OpDomainDestroy:
		return m.domainDestroy(hdr.Domain), nil

	case hdr.Op == wire.OpMemWrite:
		return m.memWrite(hdr.Domain, payload), nil

	case hdr.Op == wire.OpMemRead:
		return m.memRead(hdr.Domain, payload)

	case hdr.Op == wire.OpRecv:
		return m.recv(hdr.Domain, payload)

	case hdr.Op == wire.OpWait:
		return m.wait(hdr.Domain, payload), nil

	default:
		return -int64(unix.ENOSYS), nil
	}
}

func (m *Hostd) domainCreate(id wire.DomainID) int64 {
	if _, err := m.machine.CreateDomain(id); err != nil {
		return -int64(unix.EEXIST)
	}
	if err := m.ctx.InitDomain(id); err != nil {
		m.machine.RemoveDomain(id)
		return hv.Errno(err)
	}
	return 0
}

func (m *Hostd) domainDestroy(id wire.DomainID) int64 {
	if _, ok := m.machine.Get(id); !ok {
		return -int64(unix.ENOENT)
	}
	m.machine.MarkDying(id)
	if err := m.ctx.DestroyDomain(id); err != nil {
		return hv.Errno(err)
	}
	m.machine.RemoveDomain(id)
	return 0
}

func (m *Hostd) memWrite(id wire.DomainID, payload []byte) int64 {
	if len(payload) < 8 {
		return -int64(unix.EINVAL)
	}
	dom, ok := m.machine.Get(id)
	if !ok {
		return -int64(unix.ENOENT)
	}
	addr := binary.LittleEndian.Uint64(payload[0:8])
	if err := dom.CopyOut(addr, payload[8:]); err != nil {
		return -int64(unix.EFAULT)
	}
	return 0
}

func (m *Hostd) memRead(id wire.DomainID, payload []byte) (int64, []byte) {
	if len(payload) != 12 {
		return -int64(unix.EINVAL), nil
	}
	dom, ok := m.machine.Get(id)
	if !ok {
		return -int64(unix.ENOENT), nil
	}
	addr := binary.LittleEndian.Uint64(payload[0:8])
	n := binary.LittleEndian.Uint32(payload[8:12])
	if n > maxPayload {
		return -int64(unix.EINVAL), nil
	}
	out := make([]byte, n)
	if err := dom.CopyIn(addr, out); err != nil {
		return -int64(unix.EFAULT), nil
	}
	return 0, out
}

// recv drains one message from the caller's ring identified by (port,
// partner) and returns the packed message header followed by the payload.
func (m *Hostd) recv(id wire.DomainID, payload []byte) (int64, []byte) {
	if len(payload) != 8 {
		return -int64(unix.EINVAL), nil
	}
	port := binary.LittleEndian.Uint32(payload[0:4])
	partner := wire.DomainID(binary.LittleEndian.Uint16(payload[4:6]))

	hdr, data, err := m.ctx.Recv(id, port, partner)
	if err != nil {
		return hv.Errno(err), nil
	}
	out := make([]byte, wire.MsgHeaderSize+len(data))
	wire.PutMsgHeader(out, hdr)
	copy(out[wire.MsgHeaderSize:], data)
	return int64(len(data)), out
}

// wait blocks until the caller's event-channel port is signalled or the
// given timeout in milliseconds elapses.
func (m *Hostd) wait(id wire.DomainID, payload []byte) int64 {
	if len(payload) != 8 {
		return -int64(unix.EINVAL)
	}
	port := binary.LittleEndian.Uint32(payload[0:4])
	timeout := binary.LittleEndian.Uint32(payload[4:8])

	dom, ok := m.machine.Get(id)
	if !ok {
		return -int64(unix.ENOENT)
	}
	ch := dom.WaitPort(port)
	if ch == nil {
		return -int64(unix.EINVAL)
	}
	select {
	case <-ch:
		return 0
	case <-time.After(time.Duration(timeout) * time.Millisecond):
		return -int64(unix.ETIMEDOUT)
	}
}
