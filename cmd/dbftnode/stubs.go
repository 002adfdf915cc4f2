package main

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/log"

	"github.com/tos-network/dbft/ports"
	"github.com/tos-network/dbft/types"
)

// memMempool is an in-memory ports.Mempool with no real admission policy —
// a stand-in for the node's real transaction pool (non-goal: no P2P/RPC
// surface in this binary).
type memMempool struct {
	mu  sync.Mutex
	txs map[types.Hash256]ports.Transaction
}

func newMemMempool() *memMempool {
	return &memMempool{txs: make(map[types.Hash256]ports.Transaction)}
}

func (m *memMempool) GetSortedForBlock(maxCount int, maxSize int) []ports.Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ports.Transaction, 0, len(m.txs))
	size := 0
	for _, tx := range m.txs {
		if len(out) >= maxCount || size+len(tx.Raw) > maxSize {
			break
		}
		out = append(out, tx)
		size += len(tx.Raw)
	}
	return out
}

func (m *memMempool) TryGet(hash types.Hash256) (ports.Transaction, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.txs[hash]
	return tx, ok
}

func (m *memMempool) SubscribeOnTransactionAdded(callback func(ports.Transaction)) func() {
	return func() {}
}

// memLedger is an in-memory ports.Ledger that accepts every submitted
// block unconditionally and fires its persisted callback synchronously.
type memLedger struct {
	mu        sync.Mutex
	height    uint32
	hash      types.Hash256
	headers   map[uint32]ports.BlockHeader
	listeners []func(uint32, types.Hash256)
}

func newMemLedger() *memLedger {
	return &memLedger{headers: make(map[uint32]ports.BlockHeader)}
}

func (l *memLedger) CurrentHeight() uint32 { l.mu.Lock(); defer l.mu.Unlock(); return l.height }
func (l *memLedger) CurrentHash() types.Hash256 { l.mu.Lock(); defer l.mu.Unlock(); return l.hash }

func (l *memLedger) PreviousHeader(height uint32) (ports.BlockHeader, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	h, ok := l.headers[height]
	return h, ok
}

func (l *memLedger) SubmitBlock(ctx context.Context, block ports.Block) (ports.SubmitResult, error) {
	l.mu.Lock()
	l.headers[block.Header.Index] = block.Header
	l.height = block.Header.Index
	l.hash = hashBlockHeader(block.Header)
	hash := l.hash
	listeners := append([]func(uint32, types.Hash256){}, l.listeners...)
	l.mu.Unlock()

	log.Info("ledger: accepted block", "height", block.Header.Index, "txs", len(block.Transactions))
	for _, cb := range listeners {
		cb(block.Header.Index, hash)
	}
	return ports.SubmitResult{Accepted: true}, nil
}

func (l *memLedger) OnBlockPersisted(callback func(height uint32, hash types.Hash256)) func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.listeners = append(l.listeners, callback)
	return func() {}
}

func (l *memLedger) TakeSnapshot() ports.Snapshot {
	return memSnapshot{height: l.CurrentHeight()}
}

type memSnapshot struct{ height uint32 }

func (s memSnapshot) Height() uint32 { return s.height }

// fixedRegistry returns a static validator set — the demo binary has no
// native-contract committee query to adapt (non-goal).
type fixedRegistry struct {
	validators []types.PublicKey
}

func (r fixedRegistry) ValidatorsFor(snapshot ports.Snapshot, height uint32) ([]types.PublicKey, error) {
	return r.validators, nil
}

func (r fixedRegistry) NextConsensusHash(snapshot ports.Snapshot, height uint32) (types.Hash160, error) {
	return multisigHash(r.validators), nil
}

// logBroadcaster stands in for the P2P layer: it logs instead of sending.
type logBroadcaster struct{}

func (logBroadcaster) Broadcast(envelope []byte) error {
	log.Debug("p2p: broadcast envelope", "bytes", len(envelope))
	return nil
}

// noopFetcher stands in for getdata requests to peers.
type noopFetcher struct{}

func (noopFetcher) RequestTransactions(hashes []types.Hash256) {
	log.Debug("p2p: requesting transactions", "count", len(hashes))
}
