package config

import "github.com/urfave/cli/v2"

// Flags are the CLI overrides for Config fields (§6), mirroring the
// teacher's cmd/utils flag-then-apply pattern.
var (
	BlockTimeFlag = &cli.Uint64Flag{
		Name:  "consensus.blocktime",
		Usage: "target milliseconds between blocks",
	}
	MaxViewTimeoutFlag = &cli.Uint64Flag{
		Name:  "consensus.maxviewtimeout",
		Usage: "cap in milliseconds on the exponentially-backed-off view timeout",
	}
	MaxTxPerBlockFlag = &cli.IntFlag{
		Name:  "consensus.maxtxperblock",
		Usage: "maximum transactions the primary will include in one PrepareRequest",
	}
	MaxBlockSizeFlag = &cli.IntFlag{
		Name:  "consensus.maxblocksize",
		Usage: "maximum serialized block size in bytes",
	}
	ValidatorKeyFlag = &cli.StringFlag{
		Name:  "consensus.validatorkey",
		Usage: "hex-encoded secp256r1 validator private key; omit to run observer-only",
	}
	NetworkMagicFlag = &cli.Uint64Flag{
		Name:  "consensus.networkmagic",
		Usage: "network magic mixed into the consensus signing domain",
	}
)

// Flags is the full flag set a cmd/ binary registers.
var Flags = []cli.Flag{
	BlockTimeFlag,
	MaxViewTimeoutFlag,
	MaxTxPerBlockFlag,
	MaxBlockSizeFlag,
	ValidatorKeyFlag,
	NetworkMagicFlag,
}

// ApplyFlags overrides cfg's fields with any flags set on ctx.
func ApplyFlags(ctx *cli.Context, cfg *Config) {
	if ctx.IsSet(BlockTimeFlag.Name) {
		cfg.BlockTimeMS = ctx.Uint64(BlockTimeFlag.Name)
	}
	if ctx.IsSet(MaxViewTimeoutFlag.Name) {
		cfg.MaxViewTimeoutMS = ctx.Uint64(MaxViewTimeoutFlag.Name)
	}
	if ctx.IsSet(MaxTxPerBlockFlag.Name) {
		cfg.MaxTransactionsPerBlock = ctx.Int(MaxTxPerBlockFlag.Name)
	}
	if ctx.IsSet(MaxBlockSizeFlag.Name) {
		cfg.MaxBlockSizeBytes = ctx.Int(MaxBlockSizeFlag.Name)
	}
	if ctx.IsSet(ValidatorKeyFlag.Name) {
		cfg.ValidatorKeyHex = ctx.String(ValidatorKeyFlag.Name)
	}
	if ctx.IsSet(NetworkMagicFlag.Name) {
		cfg.NetworkMagic = uint32(ctx.Uint64(NetworkMagicFlag.Name))
	}
}
