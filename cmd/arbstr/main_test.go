package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
[server]
listen = "127.0.0.1:0"

[[providers]]
name = "alpha"
url = "https://alpha.example.com"
api_key = "sk-alpha-secret"
models = ["gpt-4o"]
input_rate = 10
output_rate = 20
base_fee = 1

[[providers]]
name = "beta"
url = "https://beta.example.com"
output_rate = 15
`

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "arbstr.toml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func runCmd(args ...string) (string, error) {
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestCheckValidConfig(t *testing.T) {
	path := writeConfig(t, sampleConfig)

	out, err := runCmd("check", path)
	require.NoError(t, err)
	assert.Contains(t, out, "OK")
	assert.Contains(t, out, "2 providers")
}

func TestCheckInvalidConfig(t *testing.T) {
	path := writeConfig(t, `[[providers]]`+"\n"+`name = "alpha"`)

	_, err := runCmd("check", path)
	require.Error(t, err)
}

func TestCheckMissingFile(t *testing.T) {
	_, err := runCmd("check", filepath.Join(t.TempDir(), "nope.toml"))
	require.Error(t, err)
}

func TestProvidersListsRatesAndKeySources(t *testing.T) {
	path := writeConfig(t, sampleConfig)

	out, err := runCmd("providers", "--config", path)
	require.NoError(t, err)

	assert.Contains(t, out, "alpha")
	assert.Contains(t, out, "gpt-4o")
	assert.Contains(t, out, "config-literal")
	// beta has no key and serves any model.
	assert.Contains(t, out, "none")
	assert.Contains(t, out, "*")
	// The raw key must never be printed.
	assert.NotContains(t, out, "sk-alpha-secret")
}

func TestUnknownSubcommand(t *testing.T) {
	_, err := runCmd("frobnicate")
	require.Error(t, err)
}
