package config

import (
	"errors"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dmitrijs2005/securemsg/internal/flagx"
	"github.com/joho/godotenv"
)

// envPrefix namespaces every environment variable read by the server.
const envPrefix = "SECUREMSG_"

// parseEnv loads a dotenv file (the one given by -env-file, else ./.env when
// present) into the process environment without overriding variables that
// are already set, then copies SECUREMSG_* variables into config.
//
// A missing default .env is fine; a missing explicit -env-file or a malformed
// value panics, the same way a broken JSON file does.
func parseEnv(config *Config, args []string) {
	if file := flagx.EnvFileFlag(args); file != "" {
		if err := godotenv.Load(file); err != nil {
			panic(err)
		}
	} else if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		panic(err)
	}

	str := func(name string, dst *string) {
		if v, ok := os.LookupEnv(envPrefix + name); ok {
			*dst = v
		}
	}
	dur := func(name string, dst *time.Duration) {
		if v, ok := os.LookupEnv(envPrefix + name); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				panic(err)
			}
			*dst = d
		}
	}
	num := func(name string, dst *int) {
		if v, ok := os.LookupEnv(envPrefix + name); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				panic(err)
			}
			*dst = n
		}
	}

	str("GRPC_ADDR", &config.EndpointAddrGRPC)
	str("WS_ADDR", &config.EndpointAddrWS)
	str("LOG_LEVEL", &config.LogLevel)
	str("STORAGE", &config.StorageBackend)
	str("DATABASE_DSN", &config.DatabaseDSN)
	str("SECRET_KEY", &config.SecretKey)
	dur("ACCESS_TOKEN_TTL", &config.AccessTokenValidityDuration)
	str("BROKER", &config.BrokerBackend)
	if v, ok := os.LookupEnv(envPrefix + "KAFKA_BROKERS"); ok {
		config.KafkaBrokers = splitList(v)
	}
	str("TOPIC_PREFIX", &config.TopicPrefix)
	str("AUDIT", &config.AuditBackend)
	str("S3_ROOT_USER", &config.S3RootUser)
	str("S3_ROOT_PASSWORD", &config.S3RootPassword)
	str("S3_BUCKET", &config.S3Bucket)
	str("S3_REGION", &config.S3Region)
	str("S3_BASE_ENDPOINT", &config.S3BaseEndpoint)
	str("DEFAULT_TENANT", &config.DefaultTenantID)
	dur("PUBLIC_KEY_CACHE_TTL", &config.PublicKeyCacheTTL)
	dur("MESSAGE_RETENTION", &config.MessageRetention)
	dur("USER_KEY_ROTATION", &config.UserKeyRotationInterval)
	dur("SESSION_KEY_ROTATION", &config.SessionKeyRotationInterval)
	str("SIGNATURE_POLICY", &config.SignaturePolicy)
	dur("MAX_CLOCK_SKEW", &config.MaxClockSkew)
	num("MAX_CIPHERTEXT_SIZE", &config.MaxCiphertextSize)
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
