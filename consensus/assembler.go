package consensus

import (
	"fmt"

	"github.com/tos-network/dbft/internal/merkle"
	"github.com/tos-network/dbft/internal/wire"
	"github.com/tos-network/dbft/ports"
	"github.com/tos-network/dbft/types"
)

// NEO VM opcodes used to render the witness invocation script. PUSHNULL
// pads a slot for a validator whose commit wasn't collected, keeping the
// script's validator-index alignment fixed regardless of which M of N
// actually committed.
const (
	opPushData1 = 0x0C
	opPushNull  = 0x0B
)

// Assemble builds the finalized block from the accepted PrepareRequest and
// the context's collected commit signatures (§4.7). Callers must only
// invoke this once ctx.CommitCount() >= ctx.M().
func Assemble(ctx *Context, req *wire.PrepareRequestPayload, validators []types.PublicKey) (*ports.Block, error) {
	if ctx.CommitCount() < ctx.M() {
		return nil, fmt.Errorf("consensus: assembling block without quorum: have %d, need %d", ctx.CommitCount(), ctx.M())
	}

	root := merkle.Root(req.TxHashes)
	header := ports.BlockHeader{
		Version:       req.Version,
		PrevHash:      req.PrevHash,
		MerkleRoot:    root,
		Timestamp:     req.Timestamp,
		Nonce:         req.Nonce,
		Index:         req.BlockIndex,
		PrimaryIndex:  req.ValidatorIndex,
		NextConsensus: ctx.HeaderDraft.NextConsensus,
	}

	commits := ctx.Commits()
	invocation := make([]byte, 0, len(validators)*66)
	for i := range validators {
		idx := uint8(i)
		if sig, ok := commits[idx]; ok {
			invocation = append(invocation, opPushData1, 64)
			invocation = append(invocation, sig[:]...)
			continue
		}
		invocation = append(invocation, opPushNull)
	}
	verification := BuildMultisigScript(validators, ctx.M())

	txs := make([]ports.Transaction, 0, len(req.TxHashes))
	for _, h := range req.TxHashes {
		tx, ok := ctx.Transactions[h]
		if !ok {
			return nil, fmt.Errorf("consensus: assembling block: transaction %s not resolved", h)
		}
		txs = append(txs, tx)
	}

	return &ports.Block{
		Header:       header,
		Transactions: txs,
		Witness: ports.Witness{
			InvocationScript:   invocation,
			VerificationScript: verification,
		},
	}, nil
}
