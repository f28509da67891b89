package coapmsg

import (
	"encoding/binary"
	"errors"
)

// BlockKind distinguishes a BLOCK1 (request payload) from a BLOCK2
// (response payload) option.
type BlockKind uint8

const (
	Block1 BlockKind = 1
	Block2 BlockKind = 2
)

const bertSZX = 7

var validBlockSizes = map[int]bool{
	16: true, 32: true, 64: true, 128: true, 256: true, 512: true, 1024: true,
}

var (
	ErrInvalidBlockSize   = errors.New("coapmsg: block size must be a power of two in [16, 1024]")
	ErrInvalidBlockSeqNum = errors.New("coapmsg: block seq_num does not fit in 20 bits")
	ErrInvalidBlockValue  = errors.New("coapmsg: block option content does not decode to a 24-bit integer")
)

// Block is the decoded form of a BLOCK1/BLOCK2 option value (spec.md
// §3, §4.5).
type Block struct {
	Kind   BlockKind
	SeqNum uint32 // 0..2^20-1
	More   bool
	Size   int // power of two in [16, 1024]
	IsBERT bool
}

// Offset returns seq_num * size, the byte offset of this block in the
// overall payload.
func (b Block) Offset() int64 {
	return int64(b.SeqNum) * int64(b.Size)
}

func szxForSize(size int) (uint8, error) {
	switch size {
	case 16:
		return 0, nil
	case 32:
		return 1, nil
	case 64:
		return 2, nil
	case 128:
		return 3, nil
	case 256:
		return 4, nil
	case 512:
		return 5, nil
	case 1024:
		return 6, nil
	default:
		return 0, ErrInvalidBlockSize
	}
}

func sizeForSZX(szx uint8) int {
	return 1 << (uint(szx) + 4)
}

// EncodeBlock encodes seq_num/more/size into the 0-3 byte big-endian
// BLOCK option content: (seq_num<<4)|(more<<3)|szx. isBERT forces the szx
// sentinel 7, which always implies a 1024-byte block size.
func EncodeBlock(seqNum uint32, more bool, size int, isBERT bool) ([]byte, error) {
	if seqNum >= 1<<20 {
		return nil, ErrInvalidBlockSeqNum
	}

	var szx uint8
	if isBERT {
		if size != 1024 {
			return nil, ErrInvalidBlockSize
		}
		szx = bertSZX
	} else {
		if !validBlockSizes[size] {
			return nil, ErrInvalidBlockSize
		}
		var err error
		szx, err = szxForSize(size)
		if err != nil {
			return nil, err
		}
	}

	value := (seqNum << 4) | boolBit(more, 3) | uint32(szx)
	return trimLeadingZeros(value), nil
}

func boolBit(b bool, shift uint) uint32 {
	if b {
		return 1 << shift
	}
	return 0
}

func trimLeadingZeros(value uint32) []byte {
	var full [4]byte
	binary.BigEndian.PutUint32(full[:], value)
	i := 0
	for i < 3 && full[i] == 0 {
		i++
	}
	return append([]byte{}, full[i:]...)
}

// DecodeBlock decodes a raw BLOCK option value. It rejects content longer
// than 3 bytes or whose integer value sets bit 24 or above.
func DecodeBlock(kind BlockKind, data []byte) (Block, error) {
	if len(data) > 3 {
		return Block{}, ErrInvalidBlockValue
	}
	var buf [4]byte
	copy(buf[4-len(data):], data)
	value := binary.BigEndian.Uint32(buf[:])
	if value >= 1<<24 {
		return Block{}, ErrInvalidBlockValue
	}

	szx := uint8(value & 0x07)
	more := value&0x08 != 0
	seqNum := value >> 4

	isBERT := szx == bertSZX
	size := 1024
	if !isBERT {
		size = sizeForSZX(szx)
	}

	return Block{
		Kind:   kind,
		SeqNum: seqNum,
		More:   more,
		Size:   size,
		IsBERT: isBERT,
	}, nil
}
