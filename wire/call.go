package wire

import "encoding/binary"

// Control-socket framing used between v4v-hostd and its clients. Requests
// carry the calling domain and an opcode; hypercall opcodes take a packed
// block of four u64 arguments, daemon opcodes define their own payloads.
const (
	CallMagic uint32 = 0x76347663

	CallHeaderSize  = 12
	ReplyHeaderSize = 16

	HypercallArgsSize = 32
)

// Hypercall opcodes, dispatched by Context.Hypercall.
const (
	OpRegisterRing   uint16 = 1
	OpUnregisterRing uint16 = 2
	OpSendv          uint16 = 3
	OpNotify         uint16 = 4
	OpTablesAdd      uint16 = 5
	OpTablesDel      uint16 = 6
	OpTablesList     uint16 = 7
	OpInfo           uint16 = 8
)

// Daemon-level opcodes, handled by hostd outside the hypercall surface.
const (
	OpDomainCreate  uint16 = 100
	OpDomainDestroy uint16 = 101
	OpMemWrite      uint16 = 102
	OpMemRead       uint16 = 103
	OpRecv          uint16 = 104
	OpWait          uint16 = 105
)

// CallHeader heads every request frame: u32 magic, u16 op, u16 domain,
// u32 payload length.
type CallHeader struct {
	Magic  uint32
	Op     uint16
	Domain DomainID
	Len    uint32
}

// PutCallHeader encodes h into the first CallHeaderSize bytes of b.
func PutCallHeader(b []byte, h CallHeader) {
	binary.LittleEndian.PutUint32(b[0:4], h.Magic)
	binary.LittleEndian.PutUint16(b[4:6], h.Op)
	binary.LittleEndian.PutUint16(b[6:8], uint16(h.Domain))
	binary.LittleEndian.PutUint32(b[8:12], h.Len)
}

// GetCallHeader decodes a CallHeader from the first CallHeaderSize bytes of b.
func GetCallHeader(b []byte) CallHeader {
	return CallHeader{
		Magic:  binary.LittleEndian.Uint32(b[0:4]),
		Op:     binary.LittleEndian.Uint16(b[4:6]),
		Domain: DomainID(binary.LittleEndian.Uint16(b[6:8])),
		Len:    binary.LittleEndian.Uint32(b[8:12]),
	}
}

// ReplyHeader heads every response frame: i64 rc, u32 payload length, u32 pad.
type ReplyHeader struct {
	RC  int64
	Len uint32
}

// PutReplyHeader encodes h into the first ReplyHeaderSize bytes of b.
func PutReplyHeader(b []byte, h ReplyHeader) {
	binary.LittleEndian.PutUint64(b[0:8], uint64(h.RC))
	binary.LittleEndian.PutUint32(b[8:12], h.Len)
	binary.LittleEndian.PutUint32(b[12:16], 0)
}

// GetReplyHeader decodes a ReplyHeader from the first ReplyHeaderSize bytes.
func GetReplyHeader(b []byte) ReplyHeader {
	return ReplyHeader{
		RC:  int64(binary.LittleEndian.Uint64(b[0:8])),
		Len: binary.LittleEndian.Uint32(b[8:12]),
	}
}

// GetHypercallArgs decodes the four u64 arguments of a hypercall request.
func GetHypercallArgs(b []byte) (a1, a2, a3, a4 uint64) {
	a1 = binary.LittleEndian.Uint64(b[0:8])
	a2 = binary.LittleEndian.Uint64(b[8:16])
	a3 = binary.LittleEndian.Uint64(b[16:24])
	a4 = binary.LittleEndian.Uint64(b[24:32])
	return
}

// PutHypercallArgs encodes the four u64 arguments of a hypercall request.
func PutHypercallArgs(b []byte, a1, a2, a3, a4 uint64) {
	binary.LittleEndian.PutUint64(b[0:8], a1)
	binary.LittleEndian.PutUint64(b[8:16], a2)
	binary.LittleEndian.PutUint64(b[16:24], a3)
	binary.LittleEndian.PutUint64(b[24:32], a4)
}
