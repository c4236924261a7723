package mlsgw

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// StorageBackend selects a concrete Storage implementation at startup.
// Backend-specific types never leak past this discriminator into the
// pipeline.
type StorageBackend string

const (
	StorageBackendBolt StorageBackend = "bolt"
	StorageBackendSQL  StorageBackend = "sql"
)

// Config is the gateway's full configuration surface.
type Config struct {
	StorageBackend StorageBackend
	ProjectID      string
	DatabaseURL    string
	DataDir        string

	KeyPackageTTL         time.Duration
	WelcomeTTL            time.Duration
	EnableAPI             bool
	APIPrefix             string
	EnableMessageArchive  bool
	MessageArchiveTTLDays int

	SystemPubkey         string
	AdminPubkeys         []string
	KeyPackageRequestTTL time.Duration
	RosterPolicyTTLDays  int

	EnableInProcessDecrypt  bool
	PreferredServiceHandler string
	GatingUseRegistryHint   bool
	MLSServiceUserID        string

	BackfillOnStartup bool
	BackfillKinds     []int
	BackfillMaxEvents int

	MaxKeyPackagesPerUser int

	HTTPBindAddress string
}

// DefaultConfig returns the gateway's default configuration.
func DefaultConfig() *Config {
	return &Config{
		StorageBackend: StorageBackendBolt,
		DataDir:        "./data",

		KeyPackageTTL:         7 * 24 * time.Hour,
		WelcomeTTL:            3 * 24 * time.Hour,
		EnableAPI:             false,
		APIPrefix:             "/api/v1",
		EnableMessageArchive:  true,
		MessageArchiveTTLDays: 30,

		AdminPubkeys:         nil,
		KeyPackageRequestTTL: 7 * 24 * time.Hour,
		RosterPolicyTTLDays:  365,

		EnableInProcessDecrypt:  true,
		PreferredServiceHandler: "in-process",
		GatingUseRegistryHint:   false,

		BackfillOnStartup: true,
		BackfillKinds:     []int{KindGroupMessage, KindGiftWrap, KindNoiseDM},
		BackfillMaxEvents: 50000,

		MaxKeyPackagesPerUser: 10,

		HTTPBindAddress: "127.0.0.1:8910",
	}
}

// ApplyEnvOverrides layers the supported environment variable overrides on
// top of an already-constructed Config.
func (c *Config) ApplyEnvOverrides() {
	for _, name := range []string{"MLS_FIRESTORE_PROJECT_ID", "GOOGLE_CLOUD_PROJECT", "GCP_PROJECT"} {
		if v := os.Getenv(name); v != "" {
			c.ProjectID = v
			break
		}
	}

	if v := os.Getenv("MLS_API_UNSAFE_ALLOW"); v != "" {
		c.EnableAPI = strings.EqualFold(v, "true")
	}

	if v := os.Getenv("MLS_DATA_DIR"); v != "" {
		c.DataDir = v
	}

	if v := os.Getenv("MLS_GATEWAY_MAX_KEYPACKAGES_PER_USER"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.MaxKeyPackagesPerUser = n
		}
	}
}

// Validate fails fast when required fields for
// the selected backend are missing.
func (c *Config) Validate() error {
	switch c.StorageBackend {
	case StorageBackendBolt:
		if c.DataDir == "" {
			return ErrConfiguration("data directory required for bolt backend")
		}
	case StorageBackendSQL:
		if c.DatabaseURL == "" {
			return ErrConfiguration("SQL url not configured")
		}
	default:
		return ErrConfiguration("unknown storage backend: " + string(c.StorageBackend))
	}
	if c.EnableAPI && c.APIPrefix == "" {
		return ErrConfiguration("api_prefix required when enable_api is set")
	}
	return nil
}

// DevHMACKey loads the development MAC key for the rotation coordinator
// from NIP_KR_TEST_HMAC_KEY_BASE64URL (base64url, no padding). Returns
// false if unset.
func DevHMACKey() ([]byte, bool) {
	v := os.Getenv("NIP_KR_TEST_HMAC_KEY_BASE64URL")
	if v == "" {
		return nil, false
	}
	key, err := base64URLNoPadDecode(v)
	if err != nil {
		return nil, false
	}
	return key, true
}
