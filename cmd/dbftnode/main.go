// Command dbftnode is a thin wiring binary demonstrating the consensus
// core end to end with stub collaborators — no real P2P or RPC layer
// (non-goal). It runs a single node as its own one-validator committee,
// which lets the primary path, the n=1 commit-quorum edge case and block
// assembly exercise without needing a multi-process network.
package main

import (
	"encoding/binary"
	"fmt"
	"math/rand"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/urfave/cli/v2"

	"github.com/tos-network/dbft/config"
	"github.com/tos-network/dbft/consensus"
	"github.com/tos-network/dbft/crypto"
	"github.com/tos-network/dbft/ports"
	"github.com/tos-network/dbft/types"
)

func main() {
	app := &cli.App{
		Name:  "dbftnode",
		Usage: "run a dBFT consensus node against stub collaborators",
		Flags: append([]cli.Flag{
			&cli.StringFlag{Name: "config", Usage: "path to a TOML config file"},
		}, config.Flags...),
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		log.Crit("dbftnode: fatal", "err", err)
	}
}

func run(ctx *cli.Context) error {
	cfg := config.Defaults
	if path := ctx.String("config"); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	config.ApplyFlags(ctx, &cfg)

	keyPair, err := loadOrGenerateKey(cfg)
	if err != nil {
		return err
	}
	log.Info("dbftnode: validator key ready", "pubkey", keyPair.Public.String())

	validators := []types.PublicKey{keyPair.Public}
	registry := consensus.NewRegistry(fixedRegistry{validators: validators})
	ledger := newMemLedger()
	mempool := newMemMempool()

	cctx := consensus.NewContext(1, validators, 0)
	timer := consensus.NewTimer(cfg.BlockTime(), cfg.MaxViewTimeout())
	params := consensus.Params{
		BlockTime:               cfg.BlockTime(),
		MaxViewTimeout:          cfg.MaxViewTimeout(),
		MaxTransactionsPerBlock: cfg.MaxTransactionsPerBlock,
		MaxBlockSizeBytes:       cfg.MaxBlockSizeBytes,
		NetworkMagic:            cfg.NetworkMagic,
	}
	senderScriptHash := crypto.Hash160(consensus.BuildMultisigScript(validators, cctx.M()))
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	engine := consensus.NewEngine(
		cctx, registry, timer, params,
		mempool, ledger, noopFetcher{}, logBroadcaster{},
		&localSigner{keyPair}, senderScriptHash, rng,
	)

	ledger.OnBlockPersisted(func(height uint32, hash types.Hash256) {
		log.Info("dbftnode: block persisted", "height", height, "hash", hash.String())
	})

	if err := engine.EnterRound(time.Now()); err != nil {
		return fmt.Errorf("dbftnode: entering first round: %w", err)
	}
	log.Info("dbftnode: round complete", "phase", engine.Context().Phase.String())
	return nil
}

func loadOrGenerateKey(cfg config.Config) (*crypto.KeyPair, error) {
	raw, err := cfg.ValidatorKey()
	if err != nil {
		return nil, err
	}
	if raw != nil {
		return crypto.KeyPairFromPrivate(raw)
	}
	log.Warn("dbftnode: no validator key configured, generating an ephemeral one")
	return crypto.GenerateKeyPair()
}

// localSigner adapts a crypto.KeyPair to ports.Signer.
type localSigner struct {
	keyPair *crypto.KeyPair
}

func (s *localSigner) PublicKey() types.PublicKey { return s.keyPair.Public }

func (s *localSigner) Sign(msg []byte) ([]byte, error) {
	return crypto.Sign(s.keyPair.Private, msg)
}

func multisigHash(validators []types.PublicKey) types.Hash160 {
	n := len(validators)
	f := (n - 1) / 3
	return crypto.Hash160(consensus.BuildMultisigScript(validators, n-f))
}

func hashBlockHeader(h ports.BlockHeader) types.Hash256 {
	buf := make([]byte, 0, 64)
	buf = appendU32LE(buf, h.Version)
	buf = append(buf, h.PrevHash[:]...)
	buf = append(buf, h.MerkleRoot[:]...)
	buf = appendU64LE(buf, h.Timestamp)
	buf = appendU64LE(buf, h.Nonce)
	buf = appendU32LE(buf, h.Index)
	buf = append(buf, h.PrimaryIndex)
	buf = append(buf, h.NextConsensus[:]...)
	return crypto.Hash256(buf)
}

func appendU32LE(dst []byte, v uint32) []byte {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return append(dst, b[:]...)
}

func appendU64LE(dst []byte, v uint64) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return append(dst, b[:]...)
}
