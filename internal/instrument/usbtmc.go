package instrument

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// USBTMC bulk message ids.
const (
	msgDevDepOut       byte = 1
	msgRequestDevDepIn byte = 2
)

const (
	tmcHeaderSize = 12
	attrEOM       = 0x01
	attrTermChar  = 0x02
)

var (
	ErrShortHeader = errors.New("instrument: usbtmc short header")
	ErrTagMismatch = errors.New("instrument: usbtmc bTag mismatch")
	ErrBadMsgID    = errors.New("instrument: usbtmc unexpected message id")
)

// tmcHeader is the 12-byte bulk header shared by OUT and IN messages.
type tmcHeader struct {
	MsgID        byte
	Tag          byte
	TransferSize uint32
	Attributes   byte
	TermChar     byte
}

func (h tmcHeader) marshal() []byte {
	b := make([]byte, tmcHeaderSize)
	b[0] = h.MsgID
	b[1] = h.Tag
	b[2] = ^h.Tag
	binary.LittleEndian.PutUint32(b[4:8], h.TransferSize)
	b[8] = h.Attributes
	b[9] = h.TermChar
	return b
}

func parseTMCHeader(b []byte) (tmcHeader, error) {
	if len(b) < tmcHeaderSize {
		return tmcHeader{}, fmt.Errorf("%w: %d bytes", ErrShortHeader, len(b))
	}
	if b[2] != ^b[1] {
		return tmcHeader{}, fmt.Errorf("%w: tag=%d inverse=%d", ErrTagMismatch, b[1], b[2])
	}
	return tmcHeader{
		MsgID:        b[0],
		Tag:          b[1],
		TransferSize: binary.LittleEndian.Uint32(b[4:8]),
		Attributes:   b[8],
		TermChar:     b[9],
	}, nil
}

// tagger hands out bTag values in 1..255.
type tagger struct {
	last byte
}

func (t *tagger) next() byte {
	t.last++
	if t.last == 0 {
		t.last = 1
	}
	return t.last
}

// encodeDevDepOut frames payload as one DEV_DEP_MSG_OUT transfer with EOM set,
// padded to a 4-byte boundary.
func encodeDevDepOut(tag byte, payload []byte) []byte {
	h := tmcHeader{
		MsgID:        msgDevDepOut,
		Tag:          tag,
		TransferSize: uint32(len(payload)),
		Attributes:   attrEOM,
	}
	size := tmcHeaderSize + len(payload)
	if pad := size % 4; pad != 0 {
		size += 4 - pad
	}
	out := make([]byte, size)
	copy(out, h.marshal())
	copy(out[tmcHeaderSize:], payload)
	return out
}

// encodeRequestIn asks the device to send up to max bytes, optionally stopping at term.
func encodeRequestIn(tag byte, max uint32, term byte, useTerm bool) []byte {
	h := tmcHeader{
		MsgID:        msgRequestDevDepIn,
		Tag:          tag,
		TransferSize: max,
	}
	if useTerm {
		h.Attributes = attrTermChar
		h.TermChar = term
	}
	return h.marshal()
}

// checkDevDepIn validates a DEV_DEP_MSG_IN header against the request tag.
func checkDevDepIn(tag byte, b []byte) (tmcHeader, error) {
	h, err := parseTMCHeader(b)
	if err != nil {
		return tmcHeader{}, err
	}
	if h.MsgID != msgRequestDevDepIn {
		return tmcHeader{}, fmt.Errorf("%w: %d", ErrBadMsgID, h.MsgID)
	}
	if h.Tag != tag {
		return tmcHeader{}, fmt.Errorf("%w: want=%d got=%d", ErrTagMismatch, tag, h.Tag)
	}
	return h, nil
}
