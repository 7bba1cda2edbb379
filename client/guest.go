package client

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/HPSI/xen-v4v/wire"
)

// Guest-side compositions: these helpers lay out the packed argument
// blocks in the acting domain's guest memory and issue the corresponding
// hypercall, the way a guest V4V library would.

// scratchBase is the guest address region the client uses for hypercall
// argument blocks. Rings should be placed below it.
const scratchBase uint64 = 0x00F00000

const (
	scratchSendAddr = scratchBase
	scratchIov      = scratchBase + 64
	scratchData     = scratchBase + 0x1000
	scratchRingData = scratchBase + 0x200000
	scratchInfo     = scratchBase + 0x201000
	scratchRule     = scratchBase + 0x202000
	scratchPfns     = scratchBase + 0x203000
)

// rcErr converts a negative hypercall result to an error.
func rcErr(rc int64) error {
	if rc >= 0 {
		return nil
	}
	return fmt.Errorf("hypercall failed: %w", unix.Errno(-rc))
}

// CreateDomain creates an emulated domain on the daemon.
func (c *Client) CreateDomain(id wire.DomainID) error {
	rc, _, err := c.Call(id, wire.OpDomainCreate, nil)
	if err != nil {
		return err
	}
	return rcErr(rc)
}

// DestroyDomain marks the domain dying and tears it down.
func (c *Client) DestroyDomain(id wire.DomainID) error {
	rc, _, err := c.Call(id, wire.OpDomainDestroy, nil)
	if err != nil {
		return err
	}
	return rcErr(rc)
}

// MemWrite writes data into the domain's guest memory.
func (c *Client) MemWrite(id wire.DomainID, addr uint64, data []byte) error {
	payload := make([]byte, 8+len(data))
	binary.LittleEndian.PutUint64(payload, addr)
	copy(payload[8:], data)
	rc, _, err := c.Call(id, wire.OpMemWrite, payload)
	if err != nil {
		return err
	}
	return rcErr(rc)
}

// MemRead reads n bytes from the domain's guest memory.
func (c *Client) MemRead(id wire.DomainID, addr uint64, n uint32) ([]byte, error) {
	var payload [12]byte
	binary.LittleEndian.PutUint64(payload[0:8], addr)
	binary.LittleEndian.PutUint32(payload[8:12], n)
	rc, reply, err := c.Call(id, wire.OpMemRead, payload[:])
	if err != nil {
		return nil, err
	}
	if err := rcErr(rc); err != nil {
		return nil, err
	}
	return reply, nil
}

// RegisterRing lays a fresh ring of the given payload capacity out in the
// domain's guest memory at basePfn and registers it.
func (c *Client) RegisterRing(id wire.DomainID, port uint32, partner wire.DomainID, length uint32, basePfn uint64, npage uint32) error {
	ringAddr := basePfn << wire.PageShift

	var hb [wire.RingHeaderSize]byte
	wire.PutRingHeader(hb[:], wire.RingHeader{
		Magic: wire.RingMagic,
		Len:   length,
		ID: wire.RingID{
			Addr:    wire.Address{Domain: id, Port: port},
			Partner: partner,
		},
	})
	if err := c.MemWrite(id, ringAddr, hb[:]); err != nil {
		return err
	}

	pfns := make([]byte, 8*npage)
	for i := uint32(0); i < npage; i++ {
		binary.LittleEndian.PutUint64(pfns[8*i:], basePfn+uint64(i))
	}
	if err := c.MemWrite(id, scratchPfns, pfns); err != nil {
		return err
	}

	rc, err := c.Hypercall(id, wire.OpRegisterRing, ringAddr, scratchPfns, uint64(npage), 0)
	if err != nil {
		return err
	}
	return rcErr(rc)
}

// UnregisterRing unregisters the ring whose header lives at basePfn.
func (c *Client) UnregisterRing(id wire.DomainID, basePfn uint64) error {
	rc, err := c.Hypercall(id, wire.OpUnregisterRing, basePfn<<wire.PageShift, 0, 0, 0)
	if err != nil {
		return err
	}
	return rcErr(rc)
}

// Send delivers payload to dst as a single-chunk scatter list.
func (c *Client) Send(id wire.DomainID, dst wire.Address, msgType uint32, payload []byte) (int64, error) {
	if err := c.MemWrite(id, scratchData, payload); err != nil {
		return 0, err
	}

	var iov [wire.IovSize]byte
	wire.PutIov(iov[:], wire.Iov{Base: scratchData, Len: uint32(len(payload))})
	if err := c.MemWrite(id, scratchIov, iov[:]); err != nil {
		return 0, err
	}

	var sa [wire.SendAddrSize]byte
	wire.PutSendAddr(sa[:], wire.Address{Domain: id}, dst)
	if err := c.MemWrite(id, scratchSendAddr, sa[:]); err != nil {
		return 0, err
	}

	rc, err := c.Hypercall(id, wire.OpSendv, scratchSendAddr, scratchIov, 1, uint64(msgType))
	if err != nil {
		return 0, err
	}
	if rc < 0 {
		return 0, rcErr(rc)
	}
	return rc, nil
}

// Recv drains one message from the domain's ring at (port, partner).
func (c *Client) Recv(id wire.DomainID, port uint32, partner wire.DomainID) (wire.MsgHeader, []byte, error) {
	var payload [8]byte
	binary.LittleEndian.PutUint32(payload[0:4], port)
	binary.LittleEndian.PutUint16(payload[4:6], uint16(partner))
	rc, reply, err := c.Call(id, wire.OpRecv, payload[:])
	if err != nil {
		return wire.MsgHeader{}, nil, err
	}
	if err := rcErr(rc); err != nil {
		return wire.MsgHeader{}, nil, err
	}
	if len(reply) < wire.MsgHeaderSize {
		return wire.MsgHeader{}, nil, fmt.Errorf("short recv reply: %d bytes", len(reply))
	}
	return wire.GetMsgHeader(reply), reply[wire.MsgHeaderSize:], nil
}

// Notify runs the notify hypercall. With entries it builds a bulk query
// block, and returns the entries as filled in by the hypervisor.
func (c *Client) Notify(id wire.DomainID, ents []wire.RingDataEnt) ([]wire.RingDataEnt, error) {
	if len(ents) == 0 {
		rc, err := c.Hypercall(id, wire.OpNotify, 0, 0, 0, 0)
		if err != nil {
			return nil, err
		}
		return nil, rcErr(rc)
	}

	block := make([]byte, wire.RingDataHeaderSize+wire.RingDataEntSize*len(ents))
	wire.PutRingDataHeader(block, wire.RingDataHeader{
		Magic: wire.RingDataMagic,
		NEnt:  uint32(len(ents)),
	})
	for i, e := range ents {
		wire.PutRingDataEnt(block[wire.RingDataHeaderSize+wire.RingDataEntSize*i:], e)
	}
	if err := c.MemWrite(id, scratchRingData, block); err != nil {
		return nil, err
	}

	rc, err := c.Hypercall(id, wire.OpNotify, scratchRingData, 0, 0, 0)
	if err != nil {
		return nil, err
	}
	if err := rcErr(rc); err != nil {
		return nil, err
	}

	out, err := c.MemRead(id, scratchRingData, uint32(len(block)))
	if err != nil {
		return nil, err
	}
	filled := make([]wire.RingDataEnt, len(ents))
	for i := range filled {
		filled[i] = wire.GetRingDataEnt(out[wire.RingDataHeaderSize+wire.RingDataEntSize*i:])
	}
	return filled, nil
}

// Info returns the protocol magics and the domain's event-channel port.
func (c *Client) Info(id wire.DomainID) (wire.InfoBlock, error) {
	rc, err := c.Hypercall(id, wire.OpInfo, scratchInfo, 0, 0, 0)
	if err != nil {
		return wire.InfoBlock{}, err
	}
	if err := rcErr(rc); err != nil {
		return wire.InfoBlock{}, err
	}
	b, err := c.MemRead(id, scratchInfo, wire.InfoBlockSize)
	if err != nil {
		return wire.InfoBlock{}, err
	}
	return wire.GetInfoBlock(b), nil
}

// AddRule inserts a rule before the 1-based position (0 appends).
func (c *Client) AddRule(ctl wire.DomainID, r wire.Rule, position int) error {
	var rb [wire.RuleSize]byte
	wire.PutRule(rb[:], r)
	if err := c.MemWrite(ctl, scratchRule, rb[:]); err != nil {
		return err
	}
	rc, err := c.Hypercall(ctl, wire.OpTablesAdd, scratchRule, uint64(int64(position)), 0, 0)
	if err != nil {
		return err
	}
	return rcErr(rc)
}

// DelRule removes a rule by position or exact match; a nil rule with a
// negative position flushes the table.
func (c *Client) DelRule(ctl wire.DomainID, r *wire.Rule, position int) error {
	var addr uint64
	if r != nil {
		var rb [wire.RuleSize]byte
		wire.PutRule(rb[:], *r)
		if err := c.MemWrite(ctl, scratchRule, rb[:]); err != nil {
			return err
		}
		addr = scratchRule
	}
	rc, err := c.Hypercall(ctl, wire.OpTablesDel, addr, uint64(int64(position)), 0, 0)
	if err != nil {
		return err
	}
	return rcErr(rc)
}

// ListRules copies out up to limit rules starting at offset.
func (c *Client) ListRules(ctl wire.DomainID, offset, limit uint32) ([]wire.Rule, error) {
	block := make([]byte, wire.RulesListHeaderSize+wire.RuleSize*limit)
	wire.PutRulesListHeader(block, wire.RulesListHeader{
		Magic:     wire.RulesListMagic,
		StartRule: offset,
		NRules:    limit,
	})
	if err := c.MemWrite(ctl, scratchRingData, block); err != nil {
		return nil, err
	}
	rc, err := c.Hypercall(ctl, wire.OpTablesList, scratchRingData, 0, 0, 0)
	if err != nil {
		return nil, err
	}
	if err := rcErr(rc); err != nil {
		return nil, err
	}

	hb, err := c.MemRead(ctl, scratchRingData, wire.RulesListHeaderSize)
	if err != nil {
		return nil, err
	}
	n := wire.GetRulesListHeader(hb).NRules
	if n == 0 {
		return nil, nil
	}
	body, err := c.MemRead(ctl, scratchRingData+wire.RulesListHeaderSize, wire.RuleSize*n)
	if err != nil {
		return nil, err
	}
	out := make([]wire.Rule, n)
	for i := range out {
		out[i] = wire.GetRule(body[wire.RuleSize*i:])
	}
	return out, nil
}

// Wait blocks until the domain's event-channel port fires or the timeout
// in milliseconds elapses.
func (c *Client) Wait(id wire.DomainID, port, timeoutMs uint32) error {
	var payload [8]byte
	binary.LittleEndian.PutUint32(payload[0:4], port)
	binary.LittleEndian.PutUint32(payload[4:8], timeoutMs)
	rc, _, err := c.Call(id, wire.OpWait, payload[:])
	if err != nil {
		return err
	}
	return rcErr(rc)
}
