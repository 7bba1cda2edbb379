// Package wire defines the guest-visible V4V structures: the shared ring
// header, the in-ring message frame, the hypercall argument blocks and the
// control-socket framing. Everything here is tightly packed little-endian;
// encoders and decoders operate on raw byte slices so that the same code
// serves mapped guest frames and copied-in argument buffers.
package wire

import (
	"encoding/binary"
	"fmt"
)

// Magic values identifying guest-supplied blocks.
const (
	RingMagic      uint64 = 0x0002763320f86a38
	RingDataMagic  uint64 = 0x0002db38ca73f866
	RulesListMagic uint64 = 0x00027cbe9d4a1f10
)

// Wildcard values, valid only in rules and partner matching.
const (
	DomainAny DomainID = 0x7FF4
	PortAny   uint32   = 0xFFFFFFFF
)

const (
	// PageSize is the guest frame size. V4V assumes 4 KiB frames.
	PageSize  = 4096
	PageShift = 12

	// RingHeaderSize is the fixed-layout prefix of a shared ring; payload
	// bytes start immediately after it.
	RingHeaderSize = 40

	// MsgHeaderSize is the per-message frame header inside the ring.
	MsgHeaderSize = 16

	// Alignment of ring pointers and message frames.
	Alignment = 16

	// MinRingLen is the smallest accepted ring payload capacity.
	MinRingLen = MsgHeaderSize + 32

	// MaxSendSize is the largest total scatter list length a single sendv
	// may carry; only totals exceeding it are rejected.
	MaxSendSize = 1 << 31
)

// Offsets of the consumer and producer pointers within the ring header.
// The consumer pointer is written only by the guest, the producer pointer
// only by the hypervisor; both sides access them with single atomic ops.
const (
	OffLen   = 8
	OffRxPtr = 12
	OffTxPtr = 16
	OffID    = 24
)

// DomainID identifies a guest domain.
type DomainID uint16

// Address is a (domain, port) endpoint.
type Address struct {
	Domain DomainID
	Port   uint32
}

func (a Address) String() string {
	if a.Domain == DomainAny && a.Port == PortAny {
		return "*:*"
	}
	if a.Domain == DomainAny {
		return fmt.Sprintf("*:%d", a.Port)
	}
	if a.Port == PortAny {
		return fmt.Sprintf("%d:*", a.Domain)
	}
	return fmt.Sprintf("%d:%d", a.Domain, a.Port)
}

// RingID is the identity of a ring within its owning domain. A ring with
// Partner == DomainAny accepts sends from any domain.
type RingID struct {
	Addr    Address
	Partner DomainID
}

func (id RingID) String() string {
	if id.Partner == DomainAny {
		return fmt.Sprintf("%s<-*", id.Addr)
	}
	return fmt.Sprintf("%s<-%d", id.Addr, id.Partner)
}

// RoundUp16 rounds n up to the next multiple of the ring alignment.
func RoundUp16(n uint32) uint32 {
	return (n + Alignment - 1) &^ (Alignment - 1)
}

// AddressSize is the packed size of an Address: u32 port, u16 domain, u16 pad.
const AddressSize = 8

// PutAddress encodes a into the first AddressSize bytes of b.
func PutAddress(b []byte, a Address) {
	binary.LittleEndian.PutUint32(b[0:4], a.Port)
	binary.LittleEndian.PutUint16(b[4:6], uint16(a.Domain))
	binary.LittleEndian.PutUint16(b[6:8], 0)
}

// GetAddress decodes an Address from the first AddressSize bytes of b.
func GetAddress(b []byte) Address {
	return Address{
		Port:   binary.LittleEndian.Uint32(b[0:4]),
		Domain: DomainID(binary.LittleEndian.Uint16(b[4:6])),
	}
}

// RingHeader is the fixed-layout prefix of a shared ring.
//
//	offset 0   u64  magic
//	offset 8   u32  len
//	offset 12  u32  rx_ptr
//	offset 16  u32  tx_ptr
//	offset 20  u32  pad
//	offset 24  ring id: u32 port, u16 domain, u16 partner, 8 B pad
//	offset 40  payload
type RingHeader struct {
	Magic uint64
	Len   uint32
	RxPtr uint32
	TxPtr uint32
	ID    RingID
}

// PutRingHeader encodes h into the first RingHeaderSize bytes of b.
func PutRingHeader(b []byte, h RingHeader) {
	binary.LittleEndian.PutUint64(b[0:8], h.Magic)
	binary.LittleEndian.PutUint32(b[8:12], h.Len)
	binary.LittleEndian.PutUint32(b[12:16], h.RxPtr)
	binary.LittleEndian.PutUint32(b[16:20], h.TxPtr)
	binary.LittleEndian.PutUint32(b[20:24], 0)
	binary.LittleEndian.PutUint32(b[24:28], h.ID.Addr.Port)
	binary.LittleEndian.PutUint16(b[28:30], uint16(h.ID.Addr.Domain))
	binary.LittleEndian.PutUint16(b[30:32], uint16(h.ID.Partner))
	for i := 32; i < 40; i++ {
		b[i] = 0
	}
}

// GetRingHeader decodes a RingHeader from the first RingHeaderSize bytes of b.
func GetRingHeader(b []byte) RingHeader {
	return RingHeader{
		Magic: binary.LittleEndian.Uint64(b[0:8]),
		Len:   binary.LittleEndian.Uint32(b[8:12]),
		RxPtr: binary.LittleEndian.Uint32(b[12:16]),
		TxPtr: binary.LittleEndian.Uint32(b[16:20]),
		ID: RingID{
			Addr: Address{
				Port:   binary.LittleEndian.Uint32(b[24:28]),
				Domain: DomainID(binary.LittleEndian.Uint16(b[28:30])),
			},
			Partner: DomainID(binary.LittleEndian.Uint16(b[30:32])),
		},
	}
}

// PutRingID encodes only the 16-byte identity block at OffID.
func PutRingID(b []byte, id RingID) {
	binary.LittleEndian.PutUint32(b[0:4], id.Addr.Port)
	binary.LittleEndian.PutUint16(b[4:6], uint16(id.Addr.Domain))
	binary.LittleEndian.PutUint16(b[6:8], uint16(id.Partner))
	for i := 8; i < 16; i++ {
		b[i] = 0
	}
}

// MsgHeader is the 16-byte frame preceding every message in the ring.
//
//	u32 len          total including this header
//	u32 message_type
//	address source   6 B + 2 B pad
type MsgHeader struct {
	Len    uint32
	Type   uint32
	Source Address
}

// PutMsgHeader encodes h into the first MsgHeaderSize bytes of b.
func PutMsgHeader(b []byte, h MsgHeader) {
	binary.LittleEndian.PutUint32(b[0:4], h.Len)
	binary.LittleEndian.PutUint32(b[4:8], h.Type)
	PutAddress(b[8:16], h.Source)
}

// GetMsgHeader decodes a MsgHeader from the first MsgHeaderSize bytes of b.
func GetMsgHeader(b []byte) MsgHeader {
	return MsgHeader{
		Len:    binary.LittleEndian.Uint32(b[0:4]),
		Type:   binary.LittleEndian.Uint32(b[4:8]),
		Source: GetAddress(b[8:16]),
	}
}

// SendAddr is the sendv argument block: source then destination address.
const SendAddrSize = 16

// GetSendAddr decodes the (src, dst) pair from b.
func GetSendAddr(b []byte) (src, dst Address) {
	return GetAddress(b[0:8]), GetAddress(b[8:16])
}

// PutSendAddr encodes the (src, dst) pair into b.
func PutSendAddr(b []byte, src, dst Address) {
	PutAddress(b[0:8], src)
	PutAddress(b[8:16], dst)
}

// Iov is one scatter chunk of a sendv: u64 base, u32 len, u32 pad.
type Iov struct {
	Base uint64
	Len  uint32
}

// IovSize is the packed size of an Iov.
const IovSize = 16

// GetIov decodes an Iov from the first IovSize bytes of b.
func GetIov(b []byte) Iov {
	return Iov{
		Base: binary.LittleEndian.Uint64(b[0:8]),
		Len:  binary.LittleEndian.Uint32(b[8:12]),
	}
}

// PutIov encodes v into the first IovSize bytes of b.
func PutIov(b []byte, v Iov) {
	binary.LittleEndian.PutUint64(b[0:8], v.Base)
	binary.LittleEndian.PutUint32(b[8:12], v.Len)
	binary.LittleEndian.PutUint32(b[12:16], 0)
}

// Ring-data flags filled by the notify bulk query.
const (
	DataFlagEmpty      uint16 = 1 << 0
	DataFlagExists     uint16 = 1 << 1
	DataFlagPending    uint16 = 1 << 2
	DataFlagSufficient uint16 = 1 << 3
)

// RingDataHeaderSize is the packed size of the bulk query block header:
// u64 magic, u32 nent, u32 pad. Entries follow immediately.
const RingDataHeaderSize = 16

// RingDataHeader heads the notify bulk query block.
type RingDataHeader struct {
	Magic uint64
	NEnt  uint32
}

// GetRingDataHeader decodes the bulk query block header.
func GetRingDataHeader(b []byte) RingDataHeader {
	return RingDataHeader{
		Magic: binary.LittleEndian.Uint64(b[0:8]),
		NEnt:  binary.LittleEndian.Uint32(b[8:12]),
	}
}

// PutRingDataHeader encodes the bulk query block header.
func PutRingDataHeader(b []byte, h RingDataHeader) {
	binary.LittleEndian.PutUint64(b[0:8], h.Magic)
	binary.LittleEndian.PutUint32(b[8:12], h.NEnt)
	binary.LittleEndian.PutUint32(b[12:16], 0)
}

// RingDataEnt is one entry of the bulk query block.
//
//	address ring     8 B
//	u16 flags
//	u16 pad
//	u32 space_required
//	u32 max_message_size
//	u32 pad
type RingDataEnt struct {
	Ring           Address
	Flags          uint16
	SpaceRequired  uint32
	MaxMessageSize uint32
}

// RingDataEntSize is the packed size of a RingDataEnt.
const RingDataEntSize = 24

// Offsets of the writable fields within a RingDataEnt.
const (
	OffEntFlags          = 8
	OffEntMaxMessageSize = 16
)

// GetRingDataEnt decodes a RingDataEnt from the first RingDataEntSize bytes.
func GetRingDataEnt(b []byte) RingDataEnt {
	return RingDataEnt{
		Ring:           GetAddress(b[0:8]),
		Flags:          binary.LittleEndian.Uint16(b[8:10]),
		SpaceRequired:  binary.LittleEndian.Uint32(b[12:16]),
		MaxMessageSize: binary.LittleEndian.Uint32(b[16:20]),
	}
}

// PutRingDataEnt encodes e into the first RingDataEntSize bytes of b.
func PutRingDataEnt(b []byte, e RingDataEnt) {
	PutAddress(b[0:8], e.Ring)
	binary.LittleEndian.PutUint16(b[8:10], e.Flags)
	binary.LittleEndian.PutUint16(b[10:12], 0)
	binary.LittleEndian.PutUint32(b[12:16], e.SpaceRequired)
	binary.LittleEndian.PutUint32(b[16:20], e.MaxMessageSize)
	binary.LittleEndian.PutUint32(b[20:24], 0)
}

// Rule is a packed accept/reject rule: u32 accept, u32 pad, src, dst.
type Rule struct {
	Accept bool
	Src    Address
	Dst    Address
}

// RuleSize is the packed size of a Rule.
const RuleSize = 24

// GetRule decodes a Rule from the first RuleSize bytes of b.
func GetRule(b []byte) Rule {
	return Rule{
		Accept: binary.LittleEndian.Uint32(b[0:4]) != 0,
		Src:    GetAddress(b[8:16]),
		Dst:    GetAddress(b[16:24]),
	}
}

// PutRule encodes r into the first RuleSize bytes of b.
func PutRule(b []byte, r Rule) {
	accept := uint32(0)
	if r.Accept {
		accept = 1
	}
	binary.LittleEndian.PutUint32(b[0:4], accept)
	binary.LittleEndian.PutUint32(b[4:8], 0)
	PutAddress(b[8:16], r.Src)
	PutAddress(b[16:24], r.Dst)
}

// RulesListHeaderSize is the packed size of the tables_list block header:
// u64 magic, u32 start_rule, u32 nb_rules. Rules follow immediately.
const RulesListHeaderSize = 16

// RulesListHeader heads a tables_list block.
type RulesListHeader struct {
	Magic     uint64
	StartRule uint32
	NRules    uint32
}

// GetRulesListHeader decodes a tables_list block header.
func GetRulesListHeader(b []byte) RulesListHeader {
	return RulesListHeader{
		Magic:     binary.LittleEndian.Uint64(b[0:8]),
		StartRule: binary.LittleEndian.Uint32(b[8:12]),
		NRules:    binary.LittleEndian.Uint32(b[12:16]),
	}
}

// PutRulesListHeader encodes a tables_list block header.
func PutRulesListHeader(b []byte, h RulesListHeader) {
	binary.LittleEndian.PutUint64(b[0:8], h.Magic)
	binary.LittleEndian.PutUint32(b[8:12], h.StartRule)
	binary.LittleEndian.PutUint32(b[12:16], h.NRules)
}

// InfoBlock is the result of the info hypercall.
type InfoBlock struct {
	RingMagic uint64
	DataMagic uint64
	Port      uint32
}

// InfoBlockSize is the packed size of an InfoBlock.
const InfoBlockSize = 24

// PutInfoBlock encodes i into the first InfoBlockSize bytes of b.
func PutInfoBlock(b []byte, i InfoBlock) {
	binary.LittleEndian.PutUint64(b[0:8], i.RingMagic)
	binary.LittleEndian.PutUint64(b[8:16], i.DataMagic)
	binary.LittleEndian.PutUint32(b[16:20], i.Port)
	binary.LittleEndian.PutUint32(b[20:24], 0)
}

// GetInfoBlock decodes an InfoBlock from the first InfoBlockSize bytes of b.
func GetInfoBlock(b []byte) InfoBlock {
	return InfoBlock{
		RingMagic: binary.LittleEndian.Uint64(b[0:8]),
		DataMagic: binary.LittleEndian.Uint64(b[8:16]),
		Port:      binary.LittleEndian.Uint32(b[16:20]),
	}
}
