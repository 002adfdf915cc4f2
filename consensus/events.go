package consensus

import (
	"github.com/tos-network/dbft/internal/wire"
	"github.com/tos-network/dbft/ports"
	"github.com/tos-network/dbft/types"
)

// EventKind discriminates the single merged inbound queue (§5 "Scheduling
// model": timer ticks merged with received, deserialized payloads, merged
// with ledger/mempool notifications).
type EventKind uint8

const (
	EventTimerExpired EventKind = iota
	EventPayloadReceived
	EventBlockPersisted
	EventTransactionArrived
	EventTransactionResolved // a getdata response for a missing PrepareRequest tx
)

// Event is the single type the state machine's event loop consumes. Only
// one field is meaningful per Kind; this mirrors the teacher's tagged-union
// preference over class hierarchies (§9 "Dynamic dispatch over message
// variants").
type Event struct {
	Kind EventKind

	// EventPayloadReceived
	Payload        wire.Message
	SenderIndex    uint8
	SenderPubKey   types.PublicKey

	// EventBlockPersisted
	PersistedHeight uint32
	PersistedHash   types.Hash256

	// EventTransactionArrived / EventTransactionResolved
	Transaction ports.Transaction
}
