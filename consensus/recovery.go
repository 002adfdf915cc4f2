package consensus

import (
	"context"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"github.com/ethereum/go-ethereum/log"
	"github.com/google/uuid"

	"github.com/tos-network/dbft/crypto"
	"github.com/tos-network/dbft/internal/wire"
	"github.com/tos-network/dbft/types"
)

// recoveryState is the per-engine bookkeeping for §4.6: a bounded
// recently-replied cache throttling RecoveryMessage replies, and a trace id
// correlating this engine's log lines across a restart.
//
// Grounded on the teacher's use of hashicorp/golang-lru for bounded
// peer/tx caches (core/state, les/) generalized here to a
// (height, requester) throttle key, and on original_source's
// recovery concept of a per-requester reply window
// (include/neo/consensus/consensus_context.h's LastSeenMessage map).
type recoveryState struct {
	replyThrottle *lru.Cache
	traceID       string
}

type recoveryThrottleKey struct {
	Height uint32
	Sender uint8
}

func newRecoveryState() *recoveryState {
	cache, err := lru.New(1024)
	if err != nil {
		// Only returns an error for a non-positive size, which is a fixed
		// literal here.
		panic(err)
	}
	return &recoveryState{replyThrottle: cache, traceID: uuid.New().String()}
}

// sendRecoveryRequest asks peers for a RecoveryMessage (§4.6). Its only
// caller is the commit-locked timeout path in onTimerExpired; the engine
// sends no RecoveryRequest on round restart or after an idle period.
func (e *Engine) sendRecoveryRequest(now time.Time) error {
	if e.signer == nil {
		return nil
	}
	req := &wire.RecoveryRequestPayload{
		Header: wire.Header{
			Type:           wire.TypeRecoveryRequest,
			BlockIndex:     e.ctx.Height,
			ValidatorIndex: uint8(e.ctx.MyIndex),
			ViewNumber:     e.ctx.View,
		},
		Timestamp: uint64(now.UnixMilli()),
	}
	if err := e.signPayload(req); err != nil {
		return err
	}
	log.Info("dbft: broadcast RecoveryRequest", "height", e.ctx.Height, "view", e.ctx.View, "trace", e.recovery.traceID)
	return e.broadcast(req)
}

func (e *Engine) onRecoveryRequest(senderIndex uint8, req *wire.RecoveryRequestPayload, now time.Time) error {
	if e.signer == nil {
		return nil
	}
	key := recoveryThrottleKey{Height: e.ctx.Height, Sender: senderIndex}
	if v, ok := e.recovery.replyThrottle.Get(key); ok {
		if last, ok := v.(time.Time); ok && now.Sub(last) < e.timer.blockTime {
			return ErrRecoveryThrottled
		}
	}
	e.recovery.replyThrottle.Add(key, now)
	return e.sendRecoveryMessage(now)
}

// sendRecoveryMessage builds a RecoveryMessage from the current context's
// accepted preparations, commits and change-view requests and broadcasts
// it (§4.6).
func (e *Engine) sendRecoveryMessage(now time.Time) error {
	msg := &wire.RecoveryMessagePayload{
		Header: wire.Header{
			Type:           wire.TypeRecoveryMessage,
			BlockIndex:     e.ctx.Height,
			ValidatorIndex: uint8(e.ctx.MyIndex),
			ViewNumber:     e.ctx.View,
		},
	}

	primaryIndex := e.ctx.PrimaryIndex(e.ctx.View)
	if prep, ok := e.ctx.Preparation(primaryIndex); ok {
		if req, ok := prep.(*wire.PrepareRequestPayload); ok {
			msg.PrepareRequest = req
		}
	} else if hash, ok := e.ctx.PreparationHash(); ok {
		msg.HasPreparationHash = true
		msg.PreparationHash = hash
	}

	for i := 0; i < e.ctx.N(); i++ {
		idx := uint8(i)
		if idx == primaryIndex {
			continue
		}
		if prep, ok := e.ctx.Preparation(idx); ok {
			msg.Preparations = append(msg.Preparations, wire.PreparationCompact{
				ValidatorIndex: idx,
				Script:         prep.InvocationScript(),
			})
		}
	}

	for idx, sig := range e.ctx.Commits() {
		msg.Commits = append(msg.Commits, wire.CommitCompact{
			ViewNumber:     e.ctx.View,
			ValidatorIndex: idx,
			Signature:      sig,
			Script:         e.ctx.CommitScript(idx),
		})
	}

	for i := 0; i < e.ctx.N(); i++ {
		idx := uint8(i)
		newView, timestamp, _, ok := e.ctx.ChangeViewRequest(idx)
		if !ok || newView == 0 {
			continue
		}
		msg.ChangeViews = append(msg.ChangeViews, wire.ChangeViewCompact{
			ValidatorIndex: idx,
			OriginalView:   newView - 1,
			Timestamp:      timestamp,
		})
	}

	if err := e.signPayload(msg); err != nil {
		return err
	}
	log.Info("dbft: broadcast RecoveryMessage", "height", e.ctx.Height, "view", e.ctx.View, "trace", e.recovery.traceID)
	return e.broadcast(msg)
}

// onRecoveryMessage merges every verifiable artifact in msg into the local
// context, independently checking each entry's signature against the claim
// validator index — the envelope's own signature (checked by the caller)
// only proves who relayed it, not who originated each component (§4.6).
func (e *Engine) onRecoveryMessage(ctx context.Context, senderIndex uint8, msg *wire.RecoveryMessagePayload, now time.Time) error {
	var prepHash types.Hash256
	haveHash := false

	if msg.PrepareRequest != nil {
		req := msg.PrepareRequest
		if req.ValidatorIndex == e.ctx.PrimaryIndex(req.ViewNumber) && req.ViewNumber == e.ctx.View {
			if int(req.ValidatorIndex) < e.ctx.N() && e.verifyEntry(req.ValidatorIndex, req.SigningBytes(), req.Script) {
				if _, err := e.ctx.AcceptPreparation(req.ValidatorIndex, req); err != nil {
					log.Debug("dbft: recovery prepare request rejected", "err", err)
				} else if nextConsensus, err := e.registry.backend.NextConsensusHash(e.ledger.TakeSnapshot(), e.ctx.Height+1); err == nil {
					e.ctx.HeaderDraft.NextConsensus = nextConsensus
				}
			}
		}
		prepHash = crypto.Hash256(req.SigningBytes())
		haveHash = true
	} else if msg.HasPreparationHash {
		prepHash = msg.PreparationHash
		haveHash = true
	}

	if haveHash {
		for _, prep := range msg.Preparations {
			if int(prep.ValidatorIndex) >= e.ctx.N() {
				continue
			}
			resp := &wire.PrepareResponsePayload{
				Header: wire.Header{
					Type:           wire.TypePrepareResponse,
					BlockIndex:     e.ctx.Height,
					ValidatorIndex: prep.ValidatorIndex,
					ViewNumber:     e.ctx.View,
				},
				PreparationHash: prepHash,
				Script:          prep.Script,
			}
			if !e.verifyEntry(prep.ValidatorIndex, resp.SigningBytes(), prep.Script) {
				continue
			}
			if _, err := e.ctx.AcceptPreparation(prep.ValidatorIndex, resp); err != nil {
				log.Debug("dbft: recovery preparation rejected", "validator", prep.ValidatorIndex, "err", err)
			}
		}
	}

	for _, ct := range msg.Commits {
		if int(ct.ValidatorIndex) >= e.ctx.N() {
			continue
		}
		commit := &wire.CommitPayload{
			Header: wire.Header{
				Type:           wire.TypeCommit,
				BlockIndex:     e.ctx.Height,
				ValidatorIndex: ct.ValidatorIndex,
				ViewNumber:     ct.ViewNumber,
			},
			Signature: ct.Signature,
			Script:    ct.Script,
		}
		if !e.verifyEntry(ct.ValidatorIndex, commit.SigningBytes(), ct.Script) {
			continue
		}
		if blockHash, ok := e.ctx.BlockHash(); !ok || !crypto.Verify(e.ctx.Validators[ct.ValidatorIndex], e.domainDigest(blockHash[:]), ct.Signature[:]) {
			continue
		}
		if _, err := e.ctx.AcceptCommitWithScript(ct.ValidatorIndex, ct.Signature, ct.Script); err != nil {
			log.Debug("dbft: recovery commit rejected", "validator", ct.ValidatorIndex, "err", err)
		}
	}

	var committedView uint8
	var viewCommitted bool
	for _, cv := range msg.ChangeViews {
		if int(cv.ValidatorIndex) >= e.ctx.N() {
			continue
		}
		newView := cv.OriginalView + 1
		cvMsg := &wire.ChangeViewPayload{
			Header: wire.Header{
				Type:           wire.TypeChangeView,
				BlockIndex:     e.ctx.Height,
				ValidatorIndex: cv.ValidatorIndex,
				ViewNumber:     cv.OriginalView,
			},
			NewView:   newView,
			Timestamp: cv.Timestamp,
			Reason:    wire.ReasonTimeout,
			Script:    cv.Script,
		}
		if !e.verifyEntry(cv.ValidatorIndex, cvMsg.SigningBytes(), cv.Script) {
			continue
		}
		if v, committed := e.ctx.AcceptChangeView(cv.ValidatorIndex, newView, cv.Timestamp, wire.ReasonTimeout); committed {
			committedView, viewCommitted = v, true
		}
	}
	if viewCommitted && !e.ctx.HasCommitted() {
		return e.commitViewChange(committedView, now)
	}

	if e.ctx.Phase == PhaseRequestReceived {
		if req, ok := e.ctx.Preparation(e.ctx.PrimaryIndex(e.ctx.View)); ok {
			prepReq := req.(*wire.PrepareRequestPayload)
			if len(e.resolveTransactions(prepReq.TxHashes)) == 0 {
				return e.trySendPrepareResponse(now)
			}
		}
	}
	if e.ctx.PreparationCount() >= e.ctx.M() && e.ctx.Phase != PhaseCommitSent && e.ctx.Phase != PhaseBlockSent {
		return e.trySendCommit(now)
	}
	if e.ctx.CommitCount() >= e.ctx.M() {
		return e.tryFinalize(ctx, now)
	}
	return nil
}

func (e *Engine) verifyEntry(index uint8, body []byte, script []byte) bool {
	if int(index) >= e.ctx.N() {
		return false
	}
	return crypto.Verify(e.ctx.Validators[index], e.domainDigest(body), script)
}
