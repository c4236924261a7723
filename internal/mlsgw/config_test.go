package mlsgw

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigMatchesOriginalDefaults(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, StorageBackendBolt, cfg.StorageBackend)
	assert.Equal(t, 7*24*3600*1e9, float64(cfg.KeyPackageTTL))
	assert.Equal(t, 3*24*3600*1e9, float64(cfg.WelcomeTTL))
	assert.False(t, cfg.EnableAPI)
	assert.Equal(t, "/api/v1", cfg.APIPrefix)
	assert.True(t, cfg.EnableMessageArchive)
	assert.Equal(t, 30, cfg.MessageArchiveTTLDays)
	assert.Equal(t, 365, cfg.RosterPolicyTTLDays)
	assert.Equal(t, []int{KindGroupMessage, KindGiftWrap, KindNoiseDM}, cfg.BackfillKinds)
	assert.Equal(t, 50000, cfg.BackfillMaxEvents)
	assert.Equal(t, 10, cfg.MaxKeyPackagesPerUser)
	assert.True(t, cfg.BackfillOnStartup)
	assert.Equal(t, "in-process", cfg.PreferredServiceHandler)
}

func TestApplyEnvOverrides(t *testing.T) {
	cfg := DefaultConfig()

	t.Setenv("GOOGLE_CLOUD_PROJECT", "my-project")
	t.Setenv("MLS_API_UNSAFE_ALLOW", "true")
	t.Setenv("MLS_DATA_DIR", "/tmp/custom-data")
	t.Setenv("MLS_GATEWAY_MAX_KEYPACKAGES_PER_USER", "25")

	cfg.ApplyEnvOverrides()

	assert.Equal(t, "my-project", cfg.ProjectID)
	assert.True(t, cfg.EnableAPI)
	assert.Equal(t, "/tmp/custom-data", cfg.DataDir)
	assert.Equal(t, 25, cfg.MaxKeyPackagesPerUser)
}

func TestApplyEnvOverridesIgnoresInvalidQuota(t *testing.T) {
	cfg := DefaultConfig()
	t.Setenv("MLS_GATEWAY_MAX_KEYPACKAGES_PER_USER", "not-a-number")

	cfg.ApplyEnvOverrides()

	assert.Equal(t, 10, cfg.MaxKeyPackagesPerUser)
}

func TestValidateRequiresDataDirForBolt(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DataDir = ""

	err := cfg.Validate()
	require.Error(t, err)
	var gerr *GatewayError
	require.ErrorAs(t, err, &gerr)
	assert.Equal(t, ClassConfiguration, gerr.Class)
}

func TestValidateRequiresDatabaseURLForSQL(t *testing.T) {
	cfg := DefaultConfig()
	cfg.StorageBackend = StorageBackendSQL
	cfg.DatabaseURL = ""

	require.Error(t, cfg.Validate())

	cfg.DatabaseURL = "postgres://localhost/mls"
	assert.NoError(t, cfg.Validate())
}

func TestValidateRequiresAPIPrefixWhenAPIEnabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EnableAPI = true
	cfg.APIPrefix = ""

	require.Error(t, cfg.Validate())
}

func TestDevHMACKeyUnsetByDefault(t *testing.T) {
	_, ok := DevHMACKey()
	assert.False(t, ok)
}

func TestDevHMACKeyDecodesBase64URL(t *testing.T) {
	t.Setenv("NIP_KR_TEST_HMAC_KEY_BASE64URL", "c3VwZXItc2VjcmV0LWtleS1mb3ItdGVzdHM")

	key, ok := DevHMACKey()
	require.True(t, ok)
	assert.Equal(t, "super-secret-key-for-tests", string(key))
}
