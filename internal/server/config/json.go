package config

import (
	"encoding/json"
	"os"
	"time"

	"github.com/dmitrijs2005/securemsg/internal/flagx"
	"github.com/dmitrijs2005/securemsg/internal/timex"
)

// JsonConfig is the on-disk shape of the configuration file. Durations use
// timex.Duration so both "90s" and integer nanoseconds are accepted. Fields
// that are absent from the file leave the current value untouched.
type JsonConfig struct {
	EndpointAddrGRPC            string         `json:"endpoint_addr_grpc"`
	EndpointAddrWS              string         `json:"endpoint_addr_ws"`
	LogLevel                    string         `json:"log_level"`
	StorageBackend              string         `json:"storage_backend"`
	DatabaseDSN                 string         `json:"database_dsn"`
	SecretKey                   string         `json:"secret_key"`
	AccessTokenValidityDuration timex.Duration `json:"access_token_validity_duration"`
	BrokerBackend               string         `json:"broker_backend"`
	KafkaBrokers                []string       `json:"kafka_brokers"`
	TopicPrefix                 string         `json:"topic_prefix"`
	AuditBackend                string         `json:"audit_backend"`
	S3RootUser                  string         `json:"s3_root_user"`
	S3RootPassword              string         `json:"s3_root_password"`
	S3Bucket                    string         `json:"s3_bucket"`
	S3Region                    string         `json:"s3_region"`
	S3BaseEndpoint              string         `json:"s3_base_endpoint"`
	DefaultTenantID             string         `json:"default_tenant_id"`
	PublicKeyCacheTTL           timex.Duration `json:"public_key_cache_ttl"`
	MessageRetention            timex.Duration `json:"message_retention"`
	SelfDestructCleanupInterval timex.Duration `json:"self_destruct_cleanup_interval"`
	MessageCleanupInterval      timex.Duration `json:"message_cleanup_interval"`
	KeyCleanupInterval          timex.Duration `json:"key_cleanup_interval"`
	RotationCheckInterval       timex.Duration `json:"rotation_check_interval"`
	UserKeyRotationInterval     timex.Duration `json:"user_key_rotation_interval"`
	SessionKeyRotationInterval  timex.Duration `json:"session_key_rotation_interval"`
	SessionKeyTTL               timex.Duration `json:"session_key_ttl"`
	SignaturePolicy             string         `json:"signature_policy"`
	MaxClockSkew                timex.Duration `json:"max_clock_skew"`
	MaxCiphertextSize           int            `json:"max_ciphertext_size"`
	CleanupBatchSize            int            `json:"cleanup_batch_size"`
	E2EEPoolSize                int            `json:"e2ee_pool_size"`
	E2EEQueueSize               int            `json:"e2ee_queue_size"`
	SignaturePoolSize           int            `json:"signature_pool_size"`
	SignatureQueueSize          int            `json:"signature_queue_size"`
	CleanupPoolSize             int            `json:"cleanup_pool_size"`
	CleanupQueueSize            int            `json:"cleanup_queue_size"`
}

// parseJson overlays the JSON file named by -c/-config onto config.
// Without the flag nothing happens; an unreadable or invalid file panics.
func parseJson(config *Config, args []string) {
	jsonConfigFile := flagx.JsonConfigFlags(args)
	if jsonConfigFile == "" {
		return
	}

	file, err := os.ReadFile(jsonConfigFile)
	if err != nil {
		panic(err)
	}

	c := &JsonConfig{}
	if err := json.Unmarshal(file, c); err != nil {
		panic(err)
	}

	setString(&config.EndpointAddrGRPC, c.EndpointAddrGRPC)
	setString(&config.EndpointAddrWS, c.EndpointAddrWS)
	setString(&config.LogLevel, c.LogLevel)
	setString(&config.StorageBackend, c.StorageBackend)
	setString(&config.DatabaseDSN, c.DatabaseDSN)
	setString(&config.SecretKey, c.SecretKey)
	setDuration(&config.AccessTokenValidityDuration, c.AccessTokenValidityDuration)
	setString(&config.BrokerBackend, c.BrokerBackend)
	if len(c.KafkaBrokers) > 0 {
		config.KafkaBrokers = c.KafkaBrokers
	}
	setString(&config.TopicPrefix, c.TopicPrefix)
	setString(&config.AuditBackend, c.AuditBackend)
	setString(&config.S3RootUser, c.S3RootUser)
	setString(&config.S3RootPassword, c.S3RootPassword)
	setString(&config.S3Bucket, c.S3Bucket)
	setString(&config.S3Region, c.S3Region)
	setString(&config.S3BaseEndpoint, c.S3BaseEndpoint)
	setString(&config.DefaultTenantID, c.DefaultTenantID)
	setDuration(&config.PublicKeyCacheTTL, c.PublicKeyCacheTTL)
	setDuration(&config.MessageRetention, c.MessageRetention)
	setDuration(&config.SelfDestructCleanupInterval, c.SelfDestructCleanupInterval)
	setDuration(&config.MessageCleanupInterval, c.MessageCleanupInterval)
	setDuration(&config.KeyCleanupInterval, c.KeyCleanupInterval)
	setDuration(&config.RotationCheckInterval, c.RotationCheckInterval)
	setDuration(&config.UserKeyRotationInterval, c.UserKeyRotationInterval)
	setDuration(&config.SessionKeyRotationInterval, c.SessionKeyRotationInterval)
	setDuration(&config.SessionKeyTTL, c.SessionKeyTTL)
	setString(&config.SignaturePolicy, c.SignaturePolicy)
	setDuration(&config.MaxClockSkew, c.MaxClockSkew)
	setInt(&config.MaxCiphertextSize, c.MaxCiphertextSize)
	setInt(&config.CleanupBatchSize, c.CleanupBatchSize)
	setInt(&config.E2EEPoolSize, c.E2EEPoolSize)
	setInt(&config.E2EEQueueSize, c.E2EEQueueSize)
	setInt(&config.SignaturePoolSize, c.SignaturePoolSize)
	setInt(&config.SignatureQueueSize, c.SignatureQueueSize)
	setInt(&config.CleanupPoolSize, c.CleanupPoolSize)
	setInt(&config.CleanupQueueSize, c.CleanupQueueSize)
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setInt(dst *int, v int) {
	if v != 0 {
		*dst = v
	}
}

func setDuration(dst *time.Duration, v timex.Duration) {
	if v.Duration != 0 {
		*dst = v.Duration
	}
}
