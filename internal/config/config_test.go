package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadMergesFilesInOrder(t *testing.T) {
	dir := t.TempDir()
	base := writeFile(t, dir, "base.toml", `
database_url = "sqlite://base.db"

[networks.mainnet]
chain_id = 1
rpc_url = "https://base.example/rpc"
block_time = 12
`)
	override := writeFile(t, dir, "override.toml", `
[networks.mainnet]
chain_id = 1
rpc_url = "https://override.example/rpc"
block_time = 12
`)

	cfg, err := Load([]string{base, override})
	require.NoError(t, err)
	require.Equal(t, "https://override.example/rpc", cfg.Networks["mainnet"].RPCURL)
}

func TestLoadAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "blockwatch.toml", `
database_url = "sqlite://test.db"

[networks.mainnet]
chain_id = 1
rpc_url = "https://example/rpc"
block_time = 12

[hooks.hook1]
chain_id = 1
contracts = ["0xAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"]
url = "https://hooks.example/h1"
`)

	cfg, err := Load([]string{path})
	require.NoError(t, err)

	require.Equal(t, defaultAdminAddr, cfg.AdminAddr)
	require.Equal(t, defaultLogsPageSize, cfg.Networks["mainnet"].LogsPageSize)
	require.Equal(t, defaultHookTimeout, cfg.Hooks["hook1"].Timeout)
	require.True(t, cfg.Hooks["hook1"].ContractSet["0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"])
	require.Len(t, cfg.Hooks["hook1"].ContractAddr, 1)
}

func TestLoadRequiresDatabaseURL(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "blockwatch.toml", `
[networks.mainnet]
chain_id = 1
rpc_url = "https://example/rpc"
block_time = 12
`)

	_, err := Load([]string{path})
	require.Error(t, err)
}

func TestLoadRequiresNetworkFields(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "blockwatch.toml", `
database_url = "sqlite://test.db"

[networks.mainnet]
chain_id = 1
`)

	_, err := Load([]string{path})
	require.Error(t, err)
}

func TestBuildEnvOverlayNestsOnDoubleUnderscore(t *testing.T) {
	tree := buildEnvOverlay([]string{
		"DATABASE_URL=sqlite://env.db",
		"NETWORKS__MAINNET__RPC_URL=https://env.example/rpc",
		"PATH=/usr/bin",
		"UNRELATED=value",
	})

	require.Equal(t, "sqlite://env.db", tree["database_url"])
	networks, ok := tree["networks"].(map[string]interface{})
	require.True(t, ok)
	mainnet, ok := networks["mainnet"].(map[string]interface{})
	require.True(t, ok)
	require.Equal(t, "https://env.example/rpc", mainnet["rpc_url"])
	require.NotContains(t, tree, "path")
	require.NotContains(t, tree, "unrelated")
}

func TestEnvOverlayOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "blockwatch.toml", `
database_url = "sqlite://file.db"

[networks.mainnet]
chain_id = 1
rpc_url = "https://file.example/rpc"
block_time = 12
`)

	t.Setenv("NETWORKS__MAINNET__RPC_URL", "https://env-override.example/rpc")

	cfg, err := Load([]string{path})
	require.NoError(t, err)
	require.Equal(t, "https://env-override.example/rpc", cfg.Networks["mainnet"].RPCURL)
}

func TestHooksForChainAndContractsForChain(t *testing.T) {
	cfg := &Config{
		Hooks: map[string]Hook{
			"h1": {ChainID: 1, ContractAddr: nil},
			"h2": {ChainID: 2},
		},
	}
	hooks := cfg.HooksForChain(1)
	require.Len(t, hooks, 1)
	require.Contains(t, hooks, "h1")
	require.Empty(t, cfg.ContractsForChain(1))
}
