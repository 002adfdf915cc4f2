package wire

import (
	"fmt"

	"github.com/tos-network/dbft/types"
)

// Encode serializes m to its full wire form: header, body, then the
// CompactSize-prefixed invocation script.
func Encode(m Message) []byte {
	body := m.SigningBytes()
	return appendVarBytes(append([]byte{}, body...), m.InvocationScript())
}

// Decode parses the on-wire form of any of the six variants, dispatching
// on the header's type byte. decode(encode(x)) == x bit-for-bit (§8.3).
func Decode(data []byte) (Message, error) {
	c := newCursor(data)
	h, err := readHeader(c)
	if err != nil {
		return nil, err
	}
	var msg Message
	switch h.Type {
	case TypePrepareRequest:
		msg, err = decodePrepareRequestBody(h, c)
	case TypePrepareResponse:
		msg, err = decodePrepareResponseBody(h, c)
	case TypeCommit:
		msg, err = decodeCommitBody(h, c)
	case TypeChangeView:
		msg, err = decodeChangeViewBody(h, c)
	case TypeRecoveryRequest:
		msg, err = decodeRecoveryRequestBody(h, c)
	case TypeRecoveryMessage:
		msg, err = decodeRecoveryMessageBody(h, c)
	default:
		return nil, fmt.Errorf("%w: type 0x%02x", ErrUnknownVariant, byte(h.Type))
	}
	if err != nil {
		return nil, err
	}
	script, err := c.readVarBytes()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvocationMissing, err)
	}
	msg.SetInvocationScript(script)
	return msg, nil
}

// ---- PrepareRequest ----

func (p *PrepareRequestPayload) SigningBytes() []byte {
	b := appendHeader(nil, p.Header)
	b = appendU32LE(b, p.Version)
	b = append(b, p.PrevHash[:]...)
	b = appendU64LE(b, p.Timestamp)
	b = appendU64LE(b, p.Nonce)
	b = appendCompactSize(b, uint64(len(p.TxHashes)))
	for _, h := range p.TxHashes {
		b = append(b, h[:]...)
	}
	return b
}

func decodePrepareRequestBody(h Header, c *cursor) (*PrepareRequestPayload, error) {
	p := &PrepareRequestPayload{Header: h}
	var err error
	if p.Version, err = c.readU32LE(); err != nil {
		return nil, err
	}
	if p.PrevHash, err = c.readHash256(); err != nil {
		return nil, err
	}
	if p.Timestamp, err = c.readU64LE(); err != nil {
		return nil, err
	}
	if p.Nonce, err = c.readU64LE(); err != nil {
		return nil, err
	}
	n, err := c.readCompactSize()
	if err != nil {
		return nil, err
	}
	p.TxHashes = make([]types.Hash256, n)
	for i := range p.TxHashes {
		if p.TxHashes[i], err = c.readHash256(); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// ---- PrepareResponse ----

func (p *PrepareResponsePayload) SigningBytes() []byte {
	b := appendHeader(nil, p.Header)
	return append(b, p.PreparationHash[:]...)
}

func decodePrepareResponseBody(h Header, c *cursor) (*PrepareResponsePayload, error) {
	p := &PrepareResponsePayload{Header: h}
	var err error
	if p.PreparationHash, err = c.readHash256(); err != nil {
		return nil, err
	}
	return p, nil
}

// ---- Commit ----

func (p *CommitPayload) SigningBytes() []byte {
	b := appendHeader(nil, p.Header)
	return append(b, p.Signature[:]...)
}

func decodeCommitBody(h Header, c *cursor) (*CommitPayload, error) {
	p := &CommitPayload{Header: h}
	var err error
	if p.Signature, err = c.readSig64(); err != nil {
		return nil, err
	}
	return p, nil
}

// ---- ChangeView ----

func (p *ChangeViewPayload) SigningBytes() []byte {
	b := appendHeader(nil, p.Header)
	b = appendU8(b, p.NewView)
	b = appendU64LE(b, p.Timestamp)
	b = appendU8(b, byte(p.Reason))
	return b
}

func decodeChangeViewBody(h Header, c *cursor) (*ChangeViewPayload, error) {
	p := &ChangeViewPayload{Header: h}
	var err error
	if p.NewView, err = c.readU8(); err != nil {
		return nil, err
	}
	if p.Timestamp, err = c.readU64LE(); err != nil {
		return nil, err
	}
	reason, err := c.readU8()
	if err != nil {
		return nil, err
	}
	p.Reason = ChangeViewReason(reason)
	return p, nil
}

// ---- RecoveryRequest ----

func (p *RecoveryRequestPayload) SigningBytes() []byte {
	b := appendHeader(nil, p.Header)
	return appendU64LE(b, p.Timestamp)
}

func decodeRecoveryRequestBody(h Header, c *cursor) (*RecoveryRequestPayload, error) {
	p := &RecoveryRequestPayload{Header: h}
	var err error
	if p.Timestamp, err = c.readU64LE(); err != nil {
		return nil, err
	}
	return p, nil
}

// ---- RecoveryMessage ----

func (p *RecoveryMessagePayload) SigningBytes() []byte {
	b := appendHeader(nil, p.Header)

	if p.PrepareRequest != nil {
		b = appendU8(b, 1)
		reqBytes := Encode(p.PrepareRequest)
		b = appendVarBytes(b, reqBytes)
	} else {
		b = appendU8(b, 0)
		if p.HasPreparationHash {
			b = appendU8(b, 1)
			b = append(b, p.PreparationHash[:]...)
		} else {
			b = appendU8(b, 0)
		}
	}

	b = appendCompactSize(b, uint64(len(p.Preparations)))
	for _, prep := range p.Preparations {
		b = appendU8(b, prep.ValidatorIndex)
		b = appendVarBytes(b, prep.Script)
	}

	b = appendCompactSize(b, uint64(len(p.Commits)))
	for _, ct := range p.Commits {
		b = appendU8(b, ct.ViewNumber)
		b = appendU8(b, ct.ValidatorIndex)
		b = append(b, ct.Signature[:]...)
		b = appendVarBytes(b, ct.Script)
	}

	b = appendCompactSize(b, uint64(len(p.ChangeViews)))
	for _, cv := range p.ChangeViews {
		b = appendU8(b, cv.ValidatorIndex)
		b = appendU8(b, cv.OriginalView)
		b = appendU64LE(b, cv.Timestamp)
		b = appendVarBytes(b, cv.Script)
	}

	return b
}

func decodeRecoveryMessageBody(h Header, c *cursor) (*RecoveryMessagePayload, error) {
	p := &RecoveryMessagePayload{Header: h}

	hasRequest, err := c.readU8()
	if err != nil {
		return nil, err
	}
	if hasRequest == 1 {
		reqBytes, err := c.readVarBytes()
		if err != nil {
			return nil, err
		}
		reqMsg, err := Decode(reqBytes)
		if err != nil {
			return nil, err
		}
		req, ok := reqMsg.(*PrepareRequestPayload)
		if !ok {
			return nil, fmt.Errorf("%w: embedded prepare request has wrong type", ErrMalformed)
		}
		p.PrepareRequest = req
	} else {
		hasHash, err := c.readU8()
		if err != nil {
			return nil, err
		}
		if hasHash == 1 {
			p.HasPreparationHash = true
			if p.PreparationHash, err = c.readHash256(); err != nil {
				return nil, err
			}
		}
	}

	nPrep, err := c.readCompactSize()
	if err != nil {
		return nil, err
	}
	if nPrep > 0 {
		p.Preparations = make([]PreparationCompact, nPrep)
	}
	for i := range p.Preparations {
		if p.Preparations[i].ValidatorIndex, err = c.readU8(); err != nil {
			return nil, err
		}
		if p.Preparations[i].Script, err = c.readVarBytes(); err != nil {
			return nil, err
		}
	}

	nCommit, err := c.readCompactSize()
	if err != nil {
		return nil, err
	}
	if nCommit > 0 {
		p.Commits = make([]CommitCompact, nCommit)
	}
	for i := range p.Commits {
		ct := &p.Commits[i]
		if ct.ViewNumber, err = c.readU8(); err != nil {
			return nil, err
		}
		if ct.ValidatorIndex, err = c.readU8(); err != nil {
			return nil, err
		}
		if ct.Signature, err = c.readSig64(); err != nil {
			return nil, err
		}
		if ct.Script, err = c.readVarBytes(); err != nil {
			return nil, err
		}
	}

	nCV, err := c.readCompactSize()
	if err != nil {
		return nil, err
	}
	if nCV > 0 {
		p.ChangeViews = make([]ChangeViewCompact, nCV)
	}
	for i := range p.ChangeViews {
		cv := &p.ChangeViews[i]
		if cv.ValidatorIndex, err = c.readU8(); err != nil {
			return nil, err
		}
		if cv.OriginalView, err = c.readU8(); err != nil {
			return nil, err
		}
		if cv.Timestamp, err = c.readU64LE(); err != nil {
			return nil, err
		}
		if cv.Script, err = c.readVarBytes(); err != nil {
			return nil, err
		}
	}

	return p, nil
}
