package wire

import "github.com/tos-network/dbft/types"

// ExtensiblePayload is the on-wire transport envelope (§4.1, §6): every
// consensus message is carried inside one of these, tagged by category
// "dBFT" so the P2P layer can route it without understanding its contents.
type ExtensiblePayload struct {
	Category       string
	ValidBlockStart uint32
	ValidBlockEnd   uint32
	Sender          types.Hash160
	Data            []byte // Encode(Message)
	Witness         []byte // sender's witness over the fields above
}

// Category is the fixed tag consensus payloads are transported under.
const Category = "dBFT"

// SigningBytes returns the region of the envelope the sender's witness
// covers: everything except the witness itself.
func (e *ExtensiblePayload) SigningBytes() []byte {
	b := appendVarBytes(nil, []byte(e.Category))
	b = appendU32LE(b, e.ValidBlockStart)
	b = appendU32LE(b, e.ValidBlockEnd)
	b = append(b, e.Sender[:]...)
	b = appendVarBytes(b, e.Data)
	return b
}

// Encode serializes the full envelope including the witness.
func (e *ExtensiblePayload) Encode() []byte {
	return appendVarBytes(e.SigningBytes(), e.Witness)
}

// DecodeEnvelope parses an ExtensiblePayload from its wire form.
func DecodeEnvelope(data []byte) (*ExtensiblePayload, error) {
	c := newCursor(data)
	catBytes, err := c.readVarBytes()
	if err != nil {
		return nil, err
	}
	e := &ExtensiblePayload{Category: string(catBytes)}
	if e.ValidBlockStart, err = c.readU32LE(); err != nil {
		return nil, err
	}
	if e.ValidBlockEnd, err = c.readU32LE(); err != nil {
		return nil, err
	}
	senderBytes, err := c.readExact(20)
	if err != nil {
		return nil, err
	}
	e.Sender = types.BytesToHash160(senderBytes)
	if e.Data, err = c.readVarBytes(); err != nil {
		return nil, err
	}
	if e.Witness, err = c.readVarBytes(); err != nil {
		return nil, err
	}
	return e, nil
}
