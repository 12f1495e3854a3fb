package config

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noEnv(string) (string, bool) { return "", false }

func envWith(vars map[string]string) LookupFunc {
	return func(name string) (string, bool) {
		v, ok := vars[name]
		return v, ok
	}
}

func TestParseMinimal(t *testing.T) {
	cfg, _, err := Parse([]byte(`
[server]
listen = "127.0.0.1:9000"
`), noEnv)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9000", cfg.Server.Listen)
	assert.Empty(t, cfg.Providers)
	assert.Equal(t, "cheapest", cfg.Policies.DefaultStrategy)
	assert.True(t, cfg.LogRequests())
	assert.Equal(t, "", cfg.DatabasePath())
}

func TestParseFull(t *testing.T) {
	cfg, sources, err := Parse([]byte(`
[server]
listen = "0.0.0.0:8080"

[database]
path = "./test.db"

[[providers]]
name = "test-provider"
url = "https://example.com/v1"
models = ["gpt-4o", "claude-3.5-sonnet"]
input_rate = 10
output_rate = 30
base_fee = 1

[policies]
default_strategy = "cheapest"

[[policies.rules]]
name = "code"
allowed_models = ["gpt-4o"]
strategy = "lowest_cost"
max_sats_per_1k_output = 50
keywords = ["code", "function"]

[logging]
level = "debug"
log_requests = true
`), noEnv)
	require.NoError(t, err)
	require.Len(t, cfg.Providers, 1)
	assert.Equal(t, "test-provider", cfg.Providers[0].Name)
	assert.Equal(t, uint64(10), cfg.Providers[0].InputRate)
	require.Len(t, cfg.Policies.Rules, 1)
	assert.Equal(t, "code", cfg.Policies.Rules[0].Name)
	require.NotNil(t, cfg.Policies.Rules[0].MaxSatsPer1kOut)
	assert.Equal(t, uint64(50), *cfg.Policies.Rules[0].MaxSatsPer1kOut)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "./test.db", cfg.DatabasePath())
	assert.Equal(t, KeyNone, sources["test-provider"].Kind)
}

func TestDefaultListen(t *testing.T) {
	cfg, _, err := Parse([]byte(``), noEnv)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:8080", cfg.Server.Listen)
}

func TestDefaultDatabasePath(t *testing.T) {
	cfg, _, err := Parse([]byte("[database]\n"), noEnv)
	require.NoError(t, err)
	assert.Equal(t, "./arbstr.db", cfg.DatabasePath())
}

func TestEmptyURLRejected(t *testing.T) {
	_, _, err := Parse([]byte(`
[[providers]]
name = "bad"
url = ""
`), noEnv)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty URL")
}

func TestLiteralKey(t *testing.T) {
	cfg, sources, err := Parse([]byte(`
[[providers]]
name = "test-literal"
url = "https://example.com/v1"
api_key = "literal-key-value"
`), noEnv)
	require.NoError(t, err)
	assert.Equal(t, KeyLiteral, sources["test-literal"].Kind)
	assert.Equal(t, "literal-key-value", cfg.Providers[0].APIKey.Expose())
}

func TestEnvExpandedKey(t *testing.T) {
	lookup := envWith(map[string]string{"MY_KEY": "cashu-expanded-token"})
	cfg, sources, err := Parse([]byte(`
[[providers]]
name = "test-env"
url = "https://example.com/v1"
api_key = "${MY_KEY}"
`), lookup)
	require.NoError(t, err)
	assert.Equal(t, KeyEnvExpanded, sources["test-env"].Kind)
	assert.Equal(t, "cashu-expanded-token", cfg.Providers[0].APIKey.Expose())
}

func TestConventionKey(t *testing.T) {
	lookup := envWith(map[string]string{"ARBSTR_TEST_CONV_API_KEY": "conv-token"})
	cfg, sources, err := Parse([]byte(`
[[providers]]
name = "test-conv"
url = "https://example.com/v1"
`), lookup)
	require.NoError(t, err)
	assert.Equal(t, KeyConvention, sources["test-conv"].Kind)
	assert.Equal(t, "ARBSTR_TEST_CONV_API_KEY", sources["test-conv"].Var)
	assert.Equal(t, "conv-token", cfg.Providers[0].APIKey.Expose())
}

func TestNoKey(t *testing.T) {
	cfg, sources, err := Parse([]byte(`
[[providers]]
name = "no-key"
url = "https://example.com/v1"
`), noEnv)
	require.NoError(t, err)
	assert.Equal(t, KeyNone, sources["no-key"].Kind)
	assert.Nil(t, cfg.Providers[0].APIKey)
}

func TestMissingEnvVarFails(t *testing.T) {
	_, _, err := Parse([]byte(`
[[providers]]
name = "test-missing"
url = "https://example.com/v1"
api_key = "${DEFINITELY_MISSING}"
`), noEnv)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DEFINITELY_MISSING")
	assert.Contains(t, err.Error(), "test-missing")
}

func TestExpandEnv(t *testing.T) {
	lookup := envWith(map[string]string{
		"SCHEME": "https",
		"HOST":   "example.com",
		"KEY":    "resolved",
	})

	tests := []struct {
		input string
		want  string
	}{
		{"${KEY}", "resolved"},
		{"${SCHEME}://${HOST}/v1", "https://example.com/v1"},
		{"literal-value", "literal-value"},
		{"prefix-${KEY}-suffix", "prefix-resolved-suffix"},
		{"$NOT_A_VAR", "$NOT_A_VAR"},
	}
	for _, tt := range tests {
		got, err := ExpandEnv(tt.input, "test", lookup)
		require.NoError(t, err, tt.input)
		assert.Equal(t, tt.want, got, tt.input)
	}
}

func TestExpandEnvErrors(t *testing.T) {
	_, err := ExpandEnv("${MISSING}", "provider-alpha", noEnv)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MISSING")
	assert.Contains(t, err.Error(), "provider-alpha")

	_, err = ExpandEnv("${UNCLOSED", "test", noEnv)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unclosed")

	_, err = ExpandEnv("${}", "test", noEnv)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty")
}

func TestConventionEnvVar(t *testing.T) {
	assert.Equal(t, "ARBSTR_ALPHA_API_KEY", ConventionEnvVar("alpha"))
	assert.Equal(t, "ARBSTR_PROVIDER_BETA_API_KEY", ConventionEnvVar("provider-beta"))
	assert.Equal(t, "ARBSTR_MY_SERVICE_API_KEY", ConventionEnvVar("my_service"))
}

func TestSecretRedaction(t *testing.T) {
	s := NewSecret("super-secret-cashu-token")

	assert.Equal(t, "[REDACTED]", s.String())
	assert.Equal(t, "[REDACTED]", fmt.Sprintf("%v", s))
	assert.NotContains(t, fmt.Sprintf("%#v", s), "super-secret")

	j, err := json.Marshal(s)
	require.NoError(t, err)
	assert.Equal(t, `"[REDACTED]"`, string(j))

	assert.Equal(t, "super-secret-cashu-token", s.Expose())
}

func TestSecretZero(t *testing.T) {
	s := NewSecret("ephemeral")
	s.Zero()
	assert.Equal(t, "", s.Expose())
}

func TestSecretMasked(t *testing.T) {
	assert.Equal(t, "cash...", NewSecret("cashuABCD1234").Masked())
	assert.Equal(t, "[REDACTED]", NewSecret("short").Masked())
	assert.Equal(t, "", (*Secret)(nil).Masked())
}

func TestProviderFormattingDoesNotLeakKey(t *testing.T) {
	cfg, _, err := Parse([]byte(`
[[providers]]
name = "test"
url = "https://example.com/v1"
api_key = "cashuABCD1234secret"
`), noEnv)
	require.NoError(t, err)

	out := fmt.Sprintf("%+v", cfg.Providers[0])
	assert.NotContains(t, out, "cashuABCD1234secret")
	assert.Contains(t, out, "[REDACTED]")
}
