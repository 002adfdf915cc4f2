package consensus

import (
	"context"
	"math/rand"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tos-network/dbft/crypto"
	"github.com/tos-network/dbft/internal/wire"
	"github.com/tos-network/dbft/ports"
	"github.com/tos-network/dbft/types"
)

// ---- test collaborators ----

type stubMempool struct {
	txs []ports.Transaction
}

func (m *stubMempool) GetSortedForBlock(maxCount, maxSize int) []ports.Transaction {
	out := m.txs
	if len(out) > maxCount {
		out = out[:maxCount]
	}
	return out
}

func (m *stubMempool) TryGet(hash types.Hash256) (ports.Transaction, bool) {
	for _, tx := range m.txs {
		if tx.Hash == hash {
			return tx, true
		}
	}
	return ports.Transaction{}, false
}

func (m *stubMempool) SubscribeOnTransactionAdded(func(ports.Transaction)) func() { return func() {} }

type stubLedger struct {
	height    uint32
	hash      types.Hash256
	headers   map[uint32]ports.BlockHeader
	submitted []ports.Block
	reject    bool
}

func newStubLedger() *stubLedger { return &stubLedger{headers: make(map[uint32]ports.BlockHeader)} }

func (l *stubLedger) CurrentHeight() uint32 { return l.height }
func (l *stubLedger) CurrentHash() types.Hash256 { return l.hash }

func (l *stubLedger) PreviousHeader(h uint32) (ports.BlockHeader, bool) {
	hdr, ok := l.headers[h]
	return hdr, ok
}

func (l *stubLedger) SubmitBlock(_ context.Context, b ports.Block) (ports.SubmitResult, error) {
	if l.reject {
		return ports.SubmitResult{Accepted: false, Reason: "test rejection"}, nil
	}
	l.submitted = append(l.submitted, b)
	l.height = b.Header.Index
	return ports.SubmitResult{Accepted: true}, nil
}

func (l *stubLedger) OnBlockPersisted(func(uint32, types.Hash256)) func() { return func() {} }
func (l *stubLedger) TakeSnapshot() ports.Snapshot                         { return stubSnapshot{l.height} }

type stubSnapshot struct{ h uint32 }

func (s stubSnapshot) Height() uint32 { return s.h }

type stubRegistry struct{ validators []types.PublicKey }

func (r stubRegistry) ValidatorsFor(ports.Snapshot, uint32) ([]types.PublicKey, error) {
	return r.validators, nil
}

func (r stubRegistry) NextConsensusHash(ports.Snapshot, uint32) (types.Hash160, error) {
	n := len(r.validators)
	f := (n - 1) / 3
	return MultisigScriptHash(r.validators, n-f), nil
}

type stubFetcher struct{ requested []types.Hash256 }

func (f *stubFetcher) RequestTransactions(hashes []types.Hash256) {
	f.requested = append(f.requested, hashes...)
}

type testSigner struct{ kp *crypto.KeyPair }

func (s *testSigner) PublicKey() types.PublicKey     { return s.kp.Public }
func (s *testSigner) Sign(msg []byte) ([]byte, error) { return crypto.Sign(s.kp.Private, msg) }

// testNetwork wires N engines together with a FIFO message queue standing in
// for the P2P layer: every Broadcast enqueues, and the test drives delivery
// explicitly instead of relying on goroutines, keeping each scenario
// deterministic.
type testNetwork struct {
	validators []types.PublicKey
	keys       []*crypto.KeyPair
	engines    []*Engine
	ledgers    []*stubLedger
	queue      []queuedMessage
}

type queuedMessage struct {
	from int
	msg  wire.Message
}

type routerBroadcaster struct {
	net  *testNetwork
	from int
}

func (b *routerBroadcaster) Broadcast(envelope []byte) error {
	env, err := wire.DecodeEnvelope(envelope)
	if err != nil {
		return err
	}
	msg, err := wire.Decode(env.Data)
	if err != nil {
		return err
	}
	b.net.queue = append(b.net.queue, queuedMessage{from: b.from, msg: msg})
	return nil
}

// drain delivers every queued message (and whatever it causes to be queued)
// until the network goes quiet.
func (n *testNetwork) drain(t *testing.T, now time.Time) {
	t.Helper()
	for len(n.queue) > 0 {
		m := n.queue[0]
		n.queue = n.queue[1:]
		for i, e := range n.engines {
			if i == m.from {
				continue
			}
			err := e.HandleEvent(context.Background(), Event{
				Kind:         EventPayloadReceived,
				Payload:      m.msg,
				SenderPubKey: n.validators[m.from],
			}, now)
			require.NoError(t, err)
		}
	}
}

func newTestNetwork(t *testing.T, n int, txs []ports.Transaction) *testNetwork {
	t.Helper()
	keys := make([]*crypto.KeyPair, n)
	for i := range keys {
		kp, err := crypto.GenerateKeyPair()
		require.NoError(t, err)
		keys[i] = kp
	}
	byPub := make(map[types.PublicKey]*crypto.KeyPair, n)
	validators := make([]types.PublicKey, n)
	for i, kp := range keys {
		validators[i] = kp.Public
		byPub[kp.Public] = kp
	}
	sort.Slice(validators, func(i, j int) bool { return validators[i].String() < validators[j].String() })
	indexOf := func(pub types.PublicKey) int { return IndexOf(validators, pub) }
	sortedKeys := make([]*crypto.KeyPair, n)
	for i, pub := range validators {
		sortedKeys[i] = byPub[pub]
	}
	keys = sortedKeys

	net := &testNetwork{validators: validators, keys: keys}
	for i := range keys {
		myIndex := indexOf(keys[i].Public)
		cctx := NewContext(1, validators, myIndex)
		timer := NewTimer(time.Second, 8*time.Second)
		params := Params{
			BlockTime:               time.Second,
			MaxViewTimeout:          8 * time.Second,
			MaxTransactionsPerBlock: 512,
			MaxBlockSizeBytes:       1 << 20,
			NetworkMagic:            0x334f5454,
		}
		ledger := newStubLedger()
		mempool := &stubMempool{txs: txs}
		registry := NewRegistry(stubRegistry{validators: validators})
		engine := NewEngine(
			cctx, registry, timer, params,
			mempool, ledger, &stubFetcher{}, &routerBroadcaster{net: net, from: indexOf(keys[i].Public)},
			&testSigner{keys[i]}, types.Hash160{}, rand.New(rand.NewSource(int64(i)+1)),
		)
		net.engines = append(net.engines, engine)
		net.ledgers = append(net.ledgers, ledger)
	}
	return net
}

// ---- scenarios (§8) ----

func TestHappyPathQuorum(t *testing.T) {
	now := time.Now()
	tx := ports.Transaction{Hash: crypto.Hash256([]byte("tx1")), Raw: []byte("tx1")}
	net := newTestNetwork(t, 4, []ports.Transaction{tx})

	for _, e := range net.engines {
		require.NoError(t, e.EnterRound(now))
	}
	net.drain(t, now)

	for i, ledger := range net.ledgers {
		require.Lenf(t, ledger.submitted, 1, "engine %d did not finalize a block", i)
		require.Equal(t, uint32(1), ledger.submitted[0].Header.Index)
		require.Len(t, ledger.submitted[0].Transactions, 1)
	}
	first := net.ledgers[0].submitted[0].Header
	for _, ledger := range net.ledgers[1:] {
		require.Equal(t, first, ledger.submitted[0].Header)
	}
	for i, e := range net.engines {
		require.Equalf(t, PhaseBlockSent, e.Context().Phase, "engine %d", i)
	}
}

func TestTimeoutTriggersChangeView(t *testing.T) {
	now := time.Now()
	net := newTestNetwork(t, 4, nil)

	// Every node enters the round (arming its deadline); the primary's
	// PrepareRequest is queued by the router but deliberately never
	// drained, simulating a primary that goes silent (§8 scenario 2).
	for _, e := range net.engines {
		require.NoError(t, e.EnterRound(now))
	}

	var backup *Engine
	for _, e := range net.engines {
		if !e.Context().IsPrimary() {
			backup = e
			break
		}
	}
	require.NotNil(t, backup)
	deadline := backup.Context().RoundDeadline
	require.NoError(t, backup.HandleEvent(context.Background(), Event{Kind: EventTimerExpired}, deadline.Add(time.Millisecond)))
	require.Equal(t, PhaseViewChanging, backup.Context().Phase)
}

func TestEquivocatingPrimaryMarkedFaulty(t *testing.T) {
	now := time.Now()
	net := newTestNetwork(t, 4, nil)

	primaryIdx := -1
	for i, e := range net.engines {
		if e.Context().IsPrimary() {
			primaryIdx = i
		}
	}
	require.GreaterOrEqual(t, primaryIdx, 0)

	req1 := &wire.PrepareRequestPayload{
		Header: wire.Header{
			Type:           wire.TypePrepareRequest,
			BlockIndex:     1,
			ValidatorIndex: uint8(primaryIdx),
			ViewNumber:     0,
		},
		Version:   0,
		Timestamp: uint64(now.UnixMilli()),
		Nonce:     1,
	}
	req2 := &wire.PrepareRequestPayload{
		Header: wire.Header{
			Type:           wire.TypePrepareRequest,
			BlockIndex:     1,
			ValidatorIndex: uint8(primaryIdx),
			ViewNumber:     0,
		},
		Version:   0,
		Timestamp: uint64(now.UnixMilli()),
		Nonce:     2, // different nonce => different SigningBytes => different preparation
	}

	var backup *Engine
	for i, e := range net.engines {
		if i != primaryIdx {
			backup = e
			break
		}
	}

	kp := net.keys[primaryIdx]
	signPayload := func(m wire.Message) {
		digest := backup.domainDigest(m.SigningBytes())
		sig, err := crypto.Sign(kp.Private, digest)
		require.NoError(t, err)
		m.SetInvocationScript(sig)
	}
	signPayload(req1)
	signPayload(req2)

	err1 := backup.HandleEvent(context.Background(), Event{
		Kind: EventPayloadReceived, Payload: req1, SenderPubKey: net.validators[primaryIdx],
	}, now)
	require.NoError(t, err1)

	err2 := backup.HandleEvent(context.Background(), Event{
		Kind: EventPayloadReceived, Payload: req2, SenderPubKey: net.validators[primaryIdx],
	}, now)
	require.Error(t, err2)
	require.True(t, backup.Context().IsFaulty(uint8(primaryIdx)))
}

func TestMissingTransactionRequestsFetch(t *testing.T) {
	now := time.Now()
	tx := ports.Transaction{Hash: crypto.Hash256([]byte("only-the-primary-has-this")), Raw: []byte("tx")}
	net := newTestNetwork(t, 4, nil)
	// Only the primary's mempool carries the transaction; backups must ask
	// for it via the fetcher before they can respond (§4.5 "Backup
	// behavior", step 2).
	for _, e := range net.engines {
		if e.Context().IsPrimary() {
			e.mempool.(*stubMempool).txs = []ports.Transaction{tx}
		}
	}

	for _, e := range net.engines {
		require.NoError(t, e.EnterRound(now))
	}
	net.drain(t, now)

	for i, e := range net.engines {
		if e.Context().IsPrimary() {
			continue
		}
		f := e.fetcher.(*stubFetcher)
		require.NotEmptyf(t, f.requested, "backup %d never requested the missing transaction", i)
	}
}

func TestLockedCommitRefusesChangeView(t *testing.T) {
	now := time.Now()
	tx := ports.Transaction{Hash: crypto.Hash256([]byte("tx1")), Raw: []byte("tx1")}
	net := newTestNetwork(t, 4, []ports.Transaction{tx})
	for _, l := range net.ledgers {
		l.reject = true // force every node's ledger to refuse the block
	}

	for _, e := range net.engines {
		require.NoError(t, e.EnterRound(now))
	}
	net.drain(t, now)

	for i, e := range net.engines {
		require.Truef(t, e.Context().HasCommitted(), "engine %d never committed", i)
		// A timer firing after the lock must not send a ChangeView.
		deadline := e.Context().RoundDeadline
		require.NoError(t, e.HandleEvent(context.Background(), Event{Kind: EventTimerExpired}, deadline.Add(time.Millisecond)))
		require.NotEqualf(t, PhaseViewChanging, e.Context().Phase, "engine %d sent a ChangeView after committing", i)
	}
}
