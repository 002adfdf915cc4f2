// Package wire implements the consensus message codec (§4.1): six payload
// variants sharing a common header, little-endian fixed-width fields with
// length-prefixed variable fields, and the invocation-script signing
// convention (sign everything except the script itself).
//
// The cursor-based reader/fixed-width writer shape is grounded on
// rubin-protocol/clients/go/consensus's wire.go (cursor), wire_write.go
// (AppendU*le) and compactsize.go (CompactSize varint for the var-length
// tx_hashes sequence); the six variants and their exact field layouts are
// grounded on _examples/original_source's
// include/neo/consensus/consensus_message.h and recovery_message.h.
package wire

import (
	"errors"
	"fmt"

	"github.com/tos-network/dbft/types"
)

// MessageType is the on-wire discriminant byte (§4.1).
type MessageType byte

const (
	TypeChangeView      MessageType = 0x00
	TypePrepareRequest  MessageType = 0x20
	TypePrepareResponse MessageType = 0x21
	TypeCommit          MessageType = 0x30
	TypeRecoveryRequest MessageType = 0x40
	TypeRecoveryMessage MessageType = 0x41
)

func (t MessageType) String() string {
	switch t {
	case TypeChangeView:
		return "ChangeView"
	case TypePrepareRequest:
		return "PrepareRequest"
	case TypePrepareResponse:
		return "PrepareResponse"
	case TypeCommit:
		return "Commit"
	case TypeRecoveryRequest:
		return "RecoveryRequest"
	case TypeRecoveryMessage:
		return "RecoveryMessage"
	default:
		return fmt.Sprintf("Unknown(0x%02x)", byte(t))
	}
}

// ChangeViewReason is the enum carried by a ChangeView payload.
type ChangeViewReason byte

const (
	ReasonTimeout               ChangeViewReason = 0x00
	ReasonChangeAgreement       ChangeViewReason = 0x01
	ReasonTxNotFound            ChangeViewReason = 0x02
	ReasonTxRejectedByPolicy    ChangeViewReason = 0x03
	ReasonTxInvalid             ChangeViewReason = 0x04
	ReasonBlockRejectedByPolicy ChangeViewReason = 0x05
)

// Codec errors (§4.1 "Errors").
var (
	ErrMalformed             = errors.New("wire: malformed payload")
	ErrUnknownVariant        = errors.New("wire: unknown message variant")
	ErrInvocationMissing     = errors.New("wire: invocation script missing")
	ErrNonMinimalCompactSize = errors.New("wire: non-minimal CompactSize encoding")
)

// Header is the common prefix of every consensus message.
type Header struct {
	Type            MessageType
	BlockIndex      uint32
	ValidatorIndex  uint8
	ViewNumber      uint8
}

// Message is implemented by every payload variant.
type Message interface {
	GetHeader() Header
	// SigningBytes returns the exact byte region the invocation script
	// signs: the header plus body, excluding the invocation script.
	SigningBytes() []byte
	// InvocationScript returns the signature bytes attached to this payload.
	InvocationScript() []byte
	SetInvocationScript(sig []byte)
}

// PrepareRequestPayload is sent only by the primary (§4.1 table row 1).
type PrepareRequestPayload struct {
	Header
	Version   uint32
	PrevHash  types.Hash256
	Timestamp uint64
	Nonce     uint64
	TxHashes  []types.Hash256
	Script    []byte
}

// PrepareResponsePayload is sent only by backups.
type PrepareResponsePayload struct {
	Header
	PreparationHash types.Hash256
	Script          []byte
}

// CommitPayload carries a signature over the final block hash.
type CommitPayload struct {
	Header
	Signature [64]byte
	Script    []byte
}

// ChangeViewPayload requests moving to a new view.
type ChangeViewPayload struct {
	Header
	NewView   uint8
	Timestamp uint64
	Reason    ChangeViewReason
	Script    []byte
}

// RecoveryRequestPayload solicits a RecoveryMessage from peers.
type RecoveryRequestPayload struct {
	Header
	Timestamp uint64
	Script    []byte
}

// ChangeViewCompact is one entry of a RecoveryMessage's change-view list.
type ChangeViewCompact struct {
	ValidatorIndex uint8
	OriginalView   uint8
	Timestamp      uint64
	Script         []byte
}

// PreparationCompact is one entry of a RecoveryMessage's preparation list
// (the primary's own PrepareRequest is carried separately).
type PreparationCompact struct {
	ValidatorIndex uint8
	Script         []byte
}

// CommitCompact is one entry of a RecoveryMessage's commit list.
type CommitCompact struct {
	ViewNumber     uint8
	ValidatorIndex uint8
	Signature      [64]byte
	Script         []byte
}

// RecoveryMessagePayload lets a lagging or restarted node catch up (§4.6).
type RecoveryMessagePayload struct {
	Header
	PrepareRequest    *PrepareRequestPayload // nil if responder has none
	PreparationHash   types.Hash256          // valid only if PrepareRequest == nil
	HasPreparationHash bool
	Preparations      []PreparationCompact
	Commits           []CommitCompact
	ChangeViews       []ChangeViewCompact
	Script            []byte
}

func (h Header) GetHeader() Header { return h }

func (p *PrepareRequestPayload) GetHeader() Header   { return p.Header }
func (p *PrepareResponsePayload) GetHeader() Header  { return p.Header }
func (p *CommitPayload) GetHeader() Header           { return p.Header }
func (p *ChangeViewPayload) GetHeader() Header        { return p.Header }
func (p *RecoveryRequestPayload) GetHeader() Header  { return p.Header }
func (p *RecoveryMessagePayload) GetHeader() Header  { return p.Header }

func (p *PrepareRequestPayload) InvocationScript() []byte   { return p.Script }
func (p *PrepareResponsePayload) InvocationScript() []byte  { return p.Script }
func (p *CommitPayload) InvocationScript() []byte           { return p.Script }
func (p *ChangeViewPayload) InvocationScript() []byte       { return p.Script }
func (p *RecoveryRequestPayload) InvocationScript() []byte  { return p.Script }
func (p *RecoveryMessagePayload) InvocationScript() []byte  { return p.Script }

func (p *PrepareRequestPayload) SetInvocationScript(sig []byte)   { p.Script = sig }
func (p *PrepareResponsePayload) SetInvocationScript(sig []byte)  { p.Script = sig }
func (p *CommitPayload) SetInvocationScript(sig []byte)           { p.Script = sig }
func (p *ChangeViewPayload) SetInvocationScript(sig []byte)       { p.Script = sig }
func (p *RecoveryRequestPayload) SetInvocationScript(sig []byte)  { p.Script = sig }
func (p *RecoveryMessagePayload) SetInvocationScript(sig []byte)  { p.Script = sig }
