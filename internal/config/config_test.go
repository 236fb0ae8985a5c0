package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("STORE_DRIVER", "")
	t.Setenv("MATCH_LOOKBACK", "")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, 120*time.Hour, cfg.Matcher.Lookback)
	assert.Equal(t, 72*time.Hour, cfg.SLA.AutoCloseGrace)
	assert.Equal(t, 4, cfg.Workflow.MaxCascade)
	assert.Equal(t, "log", cfg.Dispatch.Sender)
	assert.Equal(t, 30*time.Second, cfg.App.RequestTimeout())
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("STORE_DRIVER", "Postgres")
	t.Setenv("POSTGRES_DSN", "postgres://localhost/caseflow")
	t.Setenv("OUTBOUND_ALIASES", "help@example.com, , billing@example.com")
	t.Setenv("MATCH_LOOKBACK", "48h")
	t.Setenv("DISPATCH_ATTEMPT_TIMEOUT", "not-a-duration")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, []string{"help@example.com", "billing@example.com"}, cfg.Matcher.Aliases)
	assert.Equal(t, 48*time.Hour, cfg.Matcher.Lookback)
	assert.Equal(t, 10*time.Second, cfg.Dispatch.AttemptTimeout)
}

func TestLoadRejectsBadStore(t *testing.T) {
	t.Setenv("STORE_DRIVER", "mongo")
	_, err := Load()
	assert.Error(t, err)

	t.Setenv("STORE_DRIVER", "postgres")
	t.Setenv("POSTGRES_DSN", "")
	_, err = Load()
	assert.Error(t, err)
}

func TestLoadPolicyFile(t *testing.T) {
	empty, err := LoadPolicyFile("")
	require.NoError(t, err)
	assert.Empty(t, empty.Rules)

	path := filepath.Join(t.TempDir(), "policy.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[sla]
risk_margin = "15m"
[sla.durations]
Critical = "1h"

[[rule]]
id = "assign-critical"
trigger = "CaseCreated"
[rule.when]
priorities = ["Critical"]
[rule.action]
kind = "Assign"
assignee = "oncall"
`), 0o644))
	policy, err := LoadPolicyFile(path)
	require.NoError(t, err)
	assert.Equal(t, "15m", policy.SLA.RiskMargin)
	assert.Equal(t, "1h", policy.SLA.Durations["Critical"])
	require.Len(t, policy.Rules, 1)
	assert.Equal(t, "oncall", policy.Rules[0].Action.Assignee)

	require.NoError(t, os.WriteFile(path, []byte("[rule.action]\nkind = \"Assign\"\ncolour = \"blue\"\n"), 0o644))
	_, err = LoadPolicyFile(path)
	assert.Error(t, err)
}
