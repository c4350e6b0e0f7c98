package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, int64(100), cfg.Charges.MinimumAmount)
	assert.Equal(t, int64(500), cfg.Charges.PlatformFeeBps)
	assert.Equal(t, 15_000, cfg.Processor.TimeoutMs)
	assert.Equal(t, "donation-notifications", cfg.Kafka.Topic.Notifications)
	assert.Equal(t, 720, cfg.Reconciler.RetentionHours)
}

func TestLoadConfig_FileAndEnv(t *testing.T) {
	dir := t.TempDir()
	yaml := `
database:
  user: pledge
  name: pledges
charges:
  minimum-amount: 250
access:
  staff-ids: ["staff-1", "staff-2"]
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o600))
	t.Setenv("PLEDGE_PROCESSOR_WEBHOOK_SECRET", "whsec_test")

	cfg, err := LoadConfig(dir)
	require.NoError(t, err)

	assert.Equal(t, "pledge", cfg.Database.User)
	assert.Equal(t, int64(250), cfg.Charges.MinimumAmount)
	assert.Equal(t, []string{"staff-1", "staff-2"}, cfg.Access.StaffIDs)
	assert.Equal(t, "whsec_test", cfg.Processor.WebhookSecret)
}
