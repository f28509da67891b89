package coap

import (
	"errors"

	"github.com/lobaro/coap-engine/coapmsg"
)

var (
	errMalformedBlockPayload = errors.New("coap: block payload size inconsistent with more-flag")
	errBlockOffsetMismatch   = errors.New("coap: block offset does not match the expected next offset")
	errMalformedDualBlock    = errors.New("coap: BLOCK2 may only accompany BLOCK1 on its final segment")
	errBlockOffsetUnaligned  = errors.New("coap: block offset is not a multiple of the block size")
)

// blockState is the block-transfer bookkeeping embedded directly in an
// Exchange — not a separately owned object (spec.md §3).
type blockState struct {
	active     bool
	kind       coapmsg.BlockKind
	size       int
	isBERT     bool
	nextOffset int64
	lastBlock  coapmsg.Block
}

// ReassembledOffset returns how many payload bytes have been reassembled
// on the incoming side of ex's block transfer so far.
func (ex *Exchange) ReassembledOffset() int64 { return ex.block.nextOffset }

// blockSeqNum converts a byte offset into a BLOCK option's seq_num,
// rejecting offsets that aren't block-aligned or that overflow the
// option's 20-bit field.
func blockSeqNum(offset int64, size int) (uint32, error) {
	if offset < 0 || offset%int64(size) != 0 {
		return 0, errBlockOffsetUnaligned
	}
	seq := offset / int64(size)
	if seq >= 1<<20 {
		return 0, coapmsg.ErrInvalidBlockSeqNum
	}
	return uint32(seq), nil
}

// FragmentNext pulls the next outgoing chunk from writer at offset and
// packages it as one wire message's worth of blockwise payload
// (spec.md §4.7, outgoing side). For a BERT transfer, as many
// blockSize-aligned sub-blocks as fit in buf are packed into a single
// message; for a plain transfer, buf is expected to be exactly
// blockSize (or the writer's remaining tail, which is shorter only on
// the final block).
func FragmentNext(kind coapmsg.BlockKind, writer PayloadWriter, offset int64, blockSize int, isBERT bool, buf []byte) (coapmsg.Block, []byte, error) {
	chunkCap := blockSize
	if isBERT && len(buf) > blockSize {
		chunkCap = (len(buf) / blockSize) * blockSize
	}
	if chunkCap > len(buf) {
		chunkCap = len(buf)
	}

	n, done := writer(offset, buf[:chunkCap])

	seqNum, err := blockSeqNum(offset, blockSize)
	if err != nil {
		return coapmsg.Block{}, nil, err
	}

	b := coapmsg.Block{Kind: kind, SeqNum: seqNum, More: !done, Size: blockSize, IsBERT: isBERT}
	return b, buf[:n], nil
}

// ValidateIncomingBlock checks one incoming block against spec.md §4.7
// steps 1-2: a more=1 block's payload must exactly fill the declared
// size (or, for BERT, be a positive multiple of 1024 bytes), and its
// claimed offset must match what's expected next — exactly for ordinary
// blocks, or be at least as large for BERT (a peer may pack several
// 1024-byte blocks into one message, jumping the offset forward by more
// than one nominal block).
func ValidateIncomingBlock(b coapmsg.Block, payloadLen int, expectedOffset int64) error {
	if b.More {
		if b.IsBERT {
			if payloadLen == 0 || payloadLen%1024 != 0 {
				return errMalformedBlockPayload
			}
		} else if payloadLen != b.Size {
			return errMalformedBlockPayload
		}
	}

	offset := b.Offset()
	if b.IsBERT {
		if offset < expectedOffset {
			return errBlockOffsetMismatch
		}
		return nil
	}
	if offset != expectedOffset {
		return errBlockOffsetMismatch
	}
	return nil
}

// ValidateDualBlockRequest enforces spec.md §4.7 rule 4: a request
// carrying both BLOCK1 and BLOCK2 is only valid on the final BLOCK1
// segment, where BLOCK2 is a control option meaning "respond blockwise".
func ValidateDualBlockRequest(block1 coapmsg.Block, hasBlock1 bool, hasBlock2 bool) error {
	if hasBlock1 && hasBlock2 && block1.More {
		return errMalformedDualBlock
	}
	return nil
}

// IngestIncomingBlock advances ex's reassembly state for one already-
// validated incoming block.
func (ex *Exchange) IngestIncomingBlock(b coapmsg.Block, payloadLen int) {
	ex.block.active = true
	ex.block.kind = b.Kind
	ex.block.size = b.Size
	ex.block.isBERT = b.IsBERT
	ex.block.lastBlock = b
	ex.block.nextOffset = b.Offset() + int64(payloadLen)
}

// IsSequentialBlockRequest implements spec.md §4.7's continuation
// predicate. curr continues the blockwise exchange prev belongs to iff
// their request-key options match (spec.md §9: logical equality, not
// serialized-byte equality) and curr's claimed BLOCK1 offset is the
// expected next one — exactly for an ordinary transfer, or at least that
// much for BERT.
func IsSequentialBlockRequest(prevRequestOptions, currRequestOptions *coapmsg.Options, currBlock1 coapmsg.Block, hasBlock1 bool, expectedOffset int64) bool {
	if !coapmsg.OptionsEqual(prevRequestOptions, currRequestOptions, coapmsg.IsRequestKeyOption) {
		return false
	}
	if !hasBlock1 {
		return expectedOffset == 0
	}
	if currBlock1.IsBERT {
		return currBlock1.Offset() >= expectedOffset
	}
	return currBlock1.Offset() == expectedOffset
}
