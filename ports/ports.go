// Package ports declares the external collaborators the consensus core
// consumes but does not implement (§1 "Out of scope", §6 "External
// interfaces"): the mempool, the ledger, the validator registry and the
// signing/hashing primitives. Production wiring supplies real
// implementations backed by the node's P2P layer, storage engine and
// native contracts; tests supply in-memory fakes.
package ports

import (
	"context"

	"github.com/tos-network/dbft/types"
)

// Transaction is the minimal shape the consensus core needs from a
// transaction: its hash and enough information for the block assembler to
// attach it verbatim. The mempool and ledger exchange the concrete type;
// this core treats it opaquely beyond the hash.
type Transaction struct {
	Hash types.Hash256
	Raw  []byte
}

// Mempool is the candidate-transaction source (§6).
type Mempool interface {
	// GetSortedForBlock returns up to maxCount transactions, bounded by
	// maxSize total bytes, in the mempool's policy order.
	GetSortedForBlock(maxCount int, maxSize int) []Transaction
	// TryGet resolves a single hash, e.g. while filling PrepareRequest gaps.
	TryGet(hash types.Hash256) (Transaction, bool)
	// SubscribeOnTransactionAdded delivers newly-arrived transactions; the
	// caller is expected to feed these into the consensus event queue.
	SubscribeOnTransactionAdded(callback func(Transaction)) (unsubscribe func())
}

// BlockHeader is the header fields a PrepareRequest commits to (§3, §4.7).
type BlockHeader struct {
	Version       uint32
	PrevHash      types.Hash256
	MerkleRoot    types.Hash256
	Timestamp     uint64
	Nonce         uint64
	Index         uint32
	PrimaryIndex  uint8
	NextConsensus types.Hash160
}

// Witness is the M-of-N multisig witness attached to a finalized block
// (§4.7 step 3).
type Witness struct {
	InvocationScript   []byte
	VerificationScript []byte
}

// Block is the fully-assembled unit the consensus core hands to the
// ledger (§4.7).
type Block struct {
	Header       BlockHeader
	Transactions []Transaction
	Witness      Witness
}

// SubmitResult reports the ledger's disposition of a submitted block.
type SubmitResult struct {
	Accepted bool
	Reason   string
}

// Ledger is the finalized-chain consumer (§6).
type Ledger interface {
	CurrentHeight() uint32
	CurrentHash() types.Hash256
	PreviousHeader(height uint32) (BlockHeader, bool)
	SubmitBlock(ctx context.Context, block Block) (SubmitResult, error)
	// OnBlockPersisted delivers the asynchronous persisted-block event the
	// state machine waits on before resetting to the next height.
	OnBlockPersisted(callback func(height uint32, hash types.Hash256)) (unsubscribe func())
	TakeSnapshot() Snapshot
}

// Snapshot is an immutable ledger view used by the validator registry.
type Snapshot interface {
	Height() uint32
}

// Registry resolves validator sets from native-contract state (§4.3).
type Registry interface {
	ValidatorsFor(snapshot Snapshot, height uint32) ([]types.PublicKey, error)
	NextConsensusHash(snapshot Snapshot, height uint32) (types.Hash160, error)
}

// Signer exposes the single local validator key, when the node is not
// observer-only (§6 "Cryptography interface", §9 "Global singletons").
type Signer interface {
	PublicKey() types.PublicKey
	Sign(msg []byte) ([]byte, error)
}

// TransactionFetcher requests missing transactions from peers via the P2P
// layer's getdata mechanism (§4.5 "Backup behavior", step 2). Resolved
// transactions re-enter the consensus event queue as
// EventTransactionResolved; this interface only covers the outbound ask.
type TransactionFetcher interface {
	RequestTransactions(hashes []types.Hash256)
}

// Broadcaster hands a fully-signed envelope to the P2P layer. The
// hand-off is non-blocking; flow control and retries are the P2P layer's
// responsibility (§5 "Suspension points").
type Broadcaster interface {
	Broadcast(envelope []byte) error
}
