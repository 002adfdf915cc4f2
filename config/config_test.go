package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"
)

func writeTOML(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "dbft.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadStartsFromDefaults(t *testing.T) {
	path := writeTOML(t, `BlockTimeMS = 20000`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, uint64(20000), cfg.BlockTimeMS)
	require.Equal(t, Defaults.MaxViewTimeoutMS, cfg.MaxViewTimeoutMS)
	require.Equal(t, Defaults.NetworkMagic, cfg.NetworkMagic)
}

func TestLoadRejectsUnknownField(t *testing.T) {
	path := writeTOML(t, `Bogus = 1`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	require.Error(t, err)
}

func TestDurationAccessors(t *testing.T) {
	cfg := Config{BlockTimeMS: 15000, MaxViewTimeoutMS: 960000}
	require.Equal(t, 15000*1e6, float64(cfg.BlockTime()))
	require.Equal(t, 960000*1e6, float64(cfg.MaxViewTimeout()))
}

func TestValidatorKeyObserverOnly(t *testing.T) {
	cfg := Config{}
	key, err := cfg.ValidatorKey()
	require.NoError(t, err)
	require.Nil(t, key)
}

func TestValidatorKeyDecodes(t *testing.T) {
	cfg := Config{ValidatorKeyHex: "deadbeef"}
	key, err := cfg.ValidatorKey()
	require.NoError(t, err)
	require.Equal(t, []byte{0xde, 0xad, 0xbe, 0xef}, key)
}

func TestValidatorKeyRejectsBadHex(t *testing.T) {
	cfg := Config{ValidatorKeyHex: "not-hex"}
	_, err := cfg.ValidatorKey()
	require.Error(t, err)
}

func TestApplyFlagsOverridesOnlySetFlags(t *testing.T) {
	ctx := flagSetWith(t, map[string]string{
		BlockTimeFlag.Name:    "5000",
		ValidatorKeyFlag.Name: "ab",
	})

	cfg := Defaults
	ApplyFlags(ctx, &cfg)

	require.Equal(t, uint64(5000), cfg.BlockTimeMS)
	require.Equal(t, "ab", cfg.ValidatorKeyHex)
	require.Equal(t, Defaults.MaxViewTimeoutMS, cfg.MaxViewTimeoutMS)
	require.Equal(t, Defaults.MaxTransactionsPerBlock, cfg.MaxTransactionsPerBlock)
}

// flagSetWith runs a throwaway cli.App with only the named flags passed on
// argv, capturing the resulting *cli.Context the way a real binary's
// Action would see it.
func flagSetWith(t *testing.T, values map[string]string) *cli.Context {
	t.Helper()
	app := cli.NewApp()
	app.Flags = Flags
	var args []string
	for name, v := range values {
		args = append(args, "--"+name, v)
	}
	var ctx *cli.Context
	app.Action = func(c *cli.Context) error {
		ctx = c
		return nil
	}
	require.NoError(t, app.Run(append([]string{"dbftnode"}, args...)))
	return ctx
}
