// Package config loads the consensus engine's tunables: a TOML file with
// CLI flag overrides, mirroring the teacher's ethconfig/node.Config
// loading convention.
package config

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"reflect"
	"time"

	"github.com/naoina/toml"
)

// Config is the set of recognized consensus tunables (§6).
type Config struct {
	BlockTimeMS             uint64 `toml:",omitempty"`
	MaxViewTimeoutMS        uint64 `toml:",omitempty"`
	MaxTransactionsPerBlock int    `toml:",omitempty"`
	MaxBlockSizeBytes       int    `toml:",omitempty"`
	ValidatorKeyHex         string `toml:",omitempty"`
	NetworkMagic            uint32 `toml:",omitempty"`
}

// Defaults mirrors the teacher's ethconfig.Defaults pattern: a ready-to-run
// configuration a node can start from before any file or flag override.
var Defaults = Config{
	BlockTimeMS:             15000,
	MaxViewTimeoutMS:        960000,
	MaxTransactionsPerBlock: 50000,
	MaxBlockSizeBytes:       2 * 1024 * 1024,
	NetworkMagic:            0x4e454f33, // "NEO3"
}

var tomlSettings = toml.Config{
	NormFieldName: func(rt reflect.Type, key string) string { return key },
	FieldToKey:    func(rt reflect.Type, field string) string { return field },
	MissingField: func(rt reflect.Type, field string) error {
		return fmt.Errorf("config: field %q is not defined in %s", field, rt.String())
	},
}

// Load reads a TOML config file into cfg, starting from Defaults.
func Load(path string) (Config, error) {
	cfg := Defaults
	f, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("config: opening %s: %w", path, err)
	}
	defer f.Close()
	if err := decodeTOML(f, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return cfg, nil
}

func decodeTOML(r io.Reader, cfg *Config) error {
	return tomlSettings.NewDecoder(r).Decode(cfg)
}

// BlockTime returns BlockTimeMS as a time.Duration.
func (c Config) BlockTime() time.Duration { return time.Duration(c.BlockTimeMS) * time.Millisecond }

// MaxViewTimeout returns MaxViewTimeoutMS as a time.Duration.
func (c Config) MaxViewTimeout() time.Duration {
	return time.Duration(c.MaxViewTimeoutMS) * time.Millisecond
}

// ValidatorKey decodes ValidatorKeyHex into raw private key bytes. Returns
// (nil, nil) when the node is observer-only (no key configured).
func (c Config) ValidatorKey() ([]byte, error) {
	if c.ValidatorKeyHex == "" {
		return nil, nil
	}
	raw, err := hex.DecodeString(c.ValidatorKeyHex)
	if err != nil {
		return nil, fmt.Errorf("config: decoding validator key: %w", err)
	}
	return raw, nil
}
