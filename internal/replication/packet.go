package replication

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"

	"github.com/bryanchriswhite/FrameSync/internal/state"
)

// Packet layout, little-endian:
//
//	0  magic "FSYN"
//	4  version  uint8
//	5  flags    uint8
//	6  reserved uint16
//	8  session  uint64
//	16 sequence uint64
//	24 length   uint32, payload bytes
//	28 checksum uint32, CRC-32 (IEEE) of the payload
//	32 payload, one encoded state.Snapshot
const (
	HeaderSize    = 32
	PacketVersion = 1

	// MaxDatagramSize is the largest UDP payload over IPv4.
	MaxDatagramSize = 65507
)

// PacketSize is the size of every snapshot packet.
const PacketSize = HeaderSize + state.EncodedSize

var packetMagic = [4]byte{'F', 'S', 'Y', 'N'}

var (
	errShortPacket = errors.New("replication: short packet")
	errBadMagic    = errors.New("replication: bad magic")
	errBadVersion  = errors.New("replication: unsupported version")
	errBadLength   = errors.New("replication: payload length mismatch")
	errBadChecksum = errors.New("replication: checksum mismatch")
)

type packetHeader struct {
	session  uint64
	sequence uint64
}

// encodePacket appends a packet carrying s to dst.
func encodePacket(dst []byte, h packetHeader, s *state.Snapshot) ([]byte, error) {
	start := len(dst)
	dst = append(dst, make([]byte, HeaderSize)...)
	dst, err := s.AppendBinary(dst)
	if err != nil {
		return nil, err
	}

	hdr := dst[start : start+HeaderSize]
	payload := dst[start+HeaderSize:]
	copy(hdr[0:4], packetMagic[:])
	hdr[4] = PacketVersion
	hdr[5] = 0
	binary.LittleEndian.PutUint16(hdr[6:8], 0)
	binary.LittleEndian.PutUint64(hdr[8:16], h.session)
	binary.LittleEndian.PutUint64(hdr[16:24], h.sequence)
	binary.LittleEndian.PutUint32(hdr[24:28], uint32(len(payload)))
	binary.LittleEndian.PutUint32(hdr[28:32], crc32.ChecksumIEEE(payload))
	return dst, nil
}

// decodePacket validates pkt and returns its header and payload. The payload
// aliases pkt.
func decodePacket(pkt []byte) (packetHeader, []byte, error) {
	var h packetHeader
	if len(pkt) < HeaderSize {
		return h, nil, errShortPacket
	}
	if [4]byte(pkt[0:4]) != packetMagic {
		return h, nil, errBadMagic
	}
	if pkt[4] != PacketVersion {
		return h, nil, fmt.Errorf("%w: %d", errBadVersion, pkt[4])
	}

	payload := pkt[HeaderSize:]
	length := binary.LittleEndian.Uint32(pkt[24:28])
	if int(length) != len(payload) || len(payload) != state.EncodedSize {
		return h, nil, fmt.Errorf("%w: header says %d, got %d", errBadLength, length, len(payload))
	}
	if crc32.ChecksumIEEE(payload) != binary.LittleEndian.Uint32(pkt[28:32]) {
		return h, nil, errBadChecksum
	}

	h.session = binary.LittleEndian.Uint64(pkt[8:16])
	h.sequence = binary.LittleEndian.Uint64(pkt[16:24])
	return h, payload, nil
}

// CheckBudget reports ErrPacketBudget when a snapshot packet cannot fit in
// maxPacketSize, or when maxPacketSize exceeds what one datagram can carry.
func CheckBudget(maxPacketSize int) error {
	if maxPacketSize > MaxDatagramSize {
		return fmt.Errorf("%w: max packet size %d exceeds the %d byte datagram limit", ErrPacketBudget, maxPacketSize, MaxDatagramSize)
	}
	if maxPacketSize < PacketSize {
		return fmt.Errorf("%w: snapshot packets need %d bytes, max packet size is %d", ErrPacketBudget, PacketSize, maxPacketSize)
	}
	return nil
}
