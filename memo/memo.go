package memo

import (
	"encoding/binary"
	"errors"

	"votebridge/models"
)

// Binary memo layout, big-endian:
//
//	version(1) || proposalId(4) || choiceId(1) || nonce(4) || flags(1) || hint(20, iff FlagHint)
//
// The encoded form is 11 bytes without a hint and 31 bytes with one,
// well inside the origin ledger's 80-byte memo budget. Decoding is a
// pure function over the input bytes; unknown versions and unknown flag
// bits fail closed.
const (
	Version1 = 1

	// FlagHint marks the presence of the trailing 20-byte hint.
	FlagHint = 0x01

	baseSize = 11
	hintSize = 20

	// MaxSize is the origin ledger's memo budget after framing.
	MaxSize = 80
)

var (
	ErrBadVersion    = errors.New("memo: unsupported version")
	ErrTruncated     = errors.New("memo: truncated payload")
	ErrTrailingBytes = errors.New("memo: trailing bytes after payload")
	ErrBadFlags      = errors.New("memo: unknown flag bits set")
	ErrBadHint       = errors.New("memo: hint must be exactly 20 bytes")
)

// Encode serializes a payload into its wire form. The payload's Flags
// hint bit must agree with the presence of Hint.
func Encode(p *models.VotePayload) ([]byte, error) {
	if p.Version != Version1 {
		return nil, ErrBadVersion
	}
	if p.Flags&^FlagHint != 0 {
		return nil, ErrBadFlags
	}
	hasHint := p.Flags&FlagHint != 0
	if hasHint && len(p.Hint) != hintSize {
		return nil, ErrBadHint
	}
	if !hasHint && len(p.Hint) != 0 {
		return nil, ErrBadHint
	}

	size := baseSize
	if hasHint {
		size += hintSize
	}
	buf := make([]byte, size)
	buf[0] = p.Version
	binary.BigEndian.PutUint32(buf[1:5], p.ProposalID)
	buf[5] = p.ChoiceID
	binary.BigEndian.PutUint32(buf[6:10], p.Nonce)
	buf[10] = p.Flags
	if hasHint {
		copy(buf[baseSize:], p.Hint)
	}
	return buf, nil
}

// Decode parses wire bytes back into a payload. It performs no lookups
// and touches only the fixed-size input, so its cost is constant.
func Decode(data []byte) (*models.VotePayload, error) {
	if len(data) < baseSize {
		return nil, ErrTruncated
	}
	if data[0] != Version1 {
		return nil, ErrBadVersion
	}
	flags := data[10]
	if flags&^FlagHint != 0 {
		return nil, ErrBadFlags
	}

	want := baseSize
	if flags&FlagHint != 0 {
		want += hintSize
	}
	if len(data) < want {
		return nil, ErrTruncated
	}
	if len(data) > want {
		return nil, ErrTrailingBytes
	}

	p := &models.VotePayload{
		Version:    data[0],
		ProposalID: binary.BigEndian.Uint32(data[1:5]),
		ChoiceID:   data[5],
		Nonce:      binary.BigEndian.Uint32(data[6:10]),
		Flags:      flags,
	}
	if flags&FlagHint != 0 {
		p.Hint = make([]byte, hintSize)
		copy(p.Hint, data[baseSize:want])
	}
	return p, nil
}
