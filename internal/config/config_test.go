package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, req := range Requirements() {
		val, had := os.LookupEnv(req.EnvVar)
		os.Unsetenv(req.EnvVar)
		t.Cleanup(func() {
			if had {
				os.Setenv(req.EnvVar, val)
			}
		})
	}
}

func TestLoadFailsWhenRequiredVarsMissing(t *testing.T) {
	clearEnv(t)
	_, err := Load()
	require.Error(t, err)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Missing, "NRP_MQTT_BROKER_ADDRESS")
	assert.Contains(t, verr.Missing, "STORAGE_ADDRESS")
}

func TestLoadAppliesDefaults(t *testing.T) {
	clearEnv(t)
	os.Setenv("NRP_MQTT_BROKER_ADDRESS", "localhost:6379")
	os.Setenv("STORAGE_ADDRESS", "localhost")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "/hbp", cfg.HBP)
	assert.Equal(t, 9000, cfg.StoragePort)
	assert.Equal(t, "", cfg.TopicsPrefix)
}
