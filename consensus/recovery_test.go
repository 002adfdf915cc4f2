package consensus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tos-network/dbft/crypto"
	"github.com/tos-network/dbft/internal/wire"
)

// TestRecoveryMessageBringsLaggingNodeToQuorum exercises §8 scenario 4: a
// node that missed the whole round (e.g. just restarted) catches up purely
// from a single RecoveryMessage, independently re-verifying every embedded
// entry rather than trusting the envelope's own sender.
func TestRecoveryMessageBringsLaggingNodeToQuorum(t *testing.T) {
	now := time.Now()
	net := newTestNetwork(t, 4, nil)

	primaryIdx := net.engines[0].Context().PrimaryIndex(0)
	var backups []uint8
	for i := 0; i < 4; i++ {
		if uint8(i) != primaryIdx {
			backups = append(backups, uint8(i))
		}
	}
	laggingIdx, committerA, committerB := backups[0], backups[1], backups[2]
	lagging := net.engines[laggingIdx]

	sign := func(idx uint8, m wire.Message) []byte {
		digest := lagging.domainDigest(m.SigningBytes())
		sig, err := crypto.Sign(net.keys[idx].Private, digest)
		require.NoError(t, err)
		return sig
	}

	req := &wire.PrepareRequestPayload{
		Header:    wire.Header{Type: wire.TypePrepareRequest, BlockIndex: 1, ValidatorIndex: primaryIdx, ViewNumber: 0},
		Timestamp: uint64(now.UnixMilli()),
		Nonce:     7,
	}
	req.Script = sign(primaryIdx, req)
	prepHash := crypto.Hash256(req.SigningBytes())

	buildResp := func(idx uint8) wire.PreparationCompact {
		resp := &wire.PrepareResponsePayload{
			Header:          wire.Header{Type: wire.TypePrepareResponse, BlockIndex: 1, ValidatorIndex: idx, ViewNumber: 0},
			PreparationHash: prepHash,
		}
		return wire.PreparationCompact{ValidatorIndex: idx, Script: sign(idx, resp)}
	}

	// The block hash the lagging node will independently compute once it
	// merges the PrepareRequest: same header fields plus the NextConsensus
	// every node resolves the same way from the validator registry.
	tmp := NewContext(1, net.validators, int(laggingIdx))
	_, err := tmp.AcceptPreparation(primaryIdx, req)
	require.NoError(t, err)
	nextConsensus, err := stubRegistry{validators: net.validators}.NextConsensusHash(nil, 2)
	require.NoError(t, err)
	tmp.HeaderDraft.NextConsensus = nextConsensus
	blockHash, ok := tmp.BlockHash()
	require.True(t, ok)

	buildCommit := func(idx uint8) wire.CommitCompact {
		var sig [64]byte
		raw, err := crypto.Sign(net.keys[idx].Private, lagging.domainDigest(blockHash[:]))
		require.NoError(t, err)
		copy(sig[:], raw)
		commit := &wire.CommitPayload{
			Header:    wire.Header{Type: wire.TypeCommit, BlockIndex: 1, ValidatorIndex: idx, ViewNumber: 0},
			Signature: sig,
		}
		commit.Script = sign(idx, commit)
		return wire.CommitCompact{ViewNumber: 0, ValidatorIndex: idx, Signature: sig, Script: commit.Script}
	}

	msg := &wire.RecoveryMessagePayload{
		Header:         wire.Header{Type: wire.TypeRecoveryMessage, BlockIndex: 1, ValidatorIndex: committerA, ViewNumber: 0},
		PrepareRequest: req,
		Preparations:   []wire.PreparationCompact{buildResp(committerA), buildResp(committerB)},
		Commits:        []wire.CommitCompact{buildCommit(primaryIdx), buildCommit(committerA), buildCommit(committerB)},
	}

	require.NoError(t, lagging.onRecoveryMessage(context.Background(), committerA, msg, now))
	require.Equal(t, PhaseBlockSent, lagging.Context().Phase)
	require.Len(t, net.ledgers[laggingIdx].submitted, 1)
}

// TestRecoveryMessageRejectsForgedCommit confirms a relayed commit whose
// block-hash signature doesn't check out is dropped rather than merged,
// even though its envelope-level script is valid.
func TestRecoveryMessageRejectsForgedCommit(t *testing.T) {
	now := time.Now()
	net := newTestNetwork(t, 4, nil)

	primaryIdx := net.engines[0].Context().PrimaryIndex(0)
	var backups []uint8
	for i := 0; i < 4; i++ {
		if uint8(i) != primaryIdx {
			backups = append(backups, uint8(i))
		}
	}
	laggingIdx, forger := backups[0], backups[1]
	lagging := net.engines[laggingIdx]

	sign := func(idx uint8, m wire.Message) []byte {
		digest := lagging.domainDigest(m.SigningBytes())
		sig, err := crypto.Sign(net.keys[idx].Private, digest)
		require.NoError(t, err)
		return sig
	}

	req := &wire.PrepareRequestPayload{
		Header: wire.Header{Type: wire.TypePrepareRequest, BlockIndex: 1, ValidatorIndex: primaryIdx, ViewNumber: 0},
	}
	req.Script = sign(primaryIdx, req)

	// A forged commit: the envelope script is genuinely signed by `forger`,
	// but the Signature field (the actual block-hash vote) is garbage.
	forged := &wire.CommitPayload{
		Header:    wire.Header{Type: wire.TypeCommit, BlockIndex: 1, ValidatorIndex: forger, ViewNumber: 0},
		Signature: [64]byte{0xDE, 0xAD, 0xBE, 0xEF},
	}
	forged.Script = sign(forger, forged)

	msg := &wire.RecoveryMessagePayload{
		Header:         wire.Header{Type: wire.TypeRecoveryMessage, BlockIndex: 1, ValidatorIndex: forger, ViewNumber: 0},
		PrepareRequest: req,
		Commits: []wire.CommitCompact{{
			ViewNumber: 0, ValidatorIndex: forger, Signature: forged.Signature, Script: forged.Script,
		}},
	}

	require.NoError(t, lagging.onRecoveryMessage(context.Background(), forger, msg, now))
	require.Equal(t, 0, lagging.Context().CommitCount())
}

func TestRecoveryRequestThrottled(t *testing.T) {
	now := time.Now()
	net := newTestNetwork(t, 4, nil)
	e := net.engines[0]
	req := &wire.RecoveryRequestPayload{
		Header:    wire.Header{Type: wire.TypeRecoveryRequest, BlockIndex: 1, ValidatorIndex: 1, ViewNumber: 0},
		Timestamp: uint64(now.UnixMilli()),
	}
	require.NoError(t, e.onRecoveryRequest(1, req, now))
	err := e.onRecoveryRequest(1, req, now.Add(10*time.Millisecond))
	require.ErrorIs(t, err, ErrRecoveryThrottled)
}
