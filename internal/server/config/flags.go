package config

import (
	"flag"
	"time"

	"github.com/dmitrijs2005/securemsg/internal/flagx"
)

// parseFlags populates selected Config fields from command-line flags.
//
// Supported flags (short forms):
//
//	-a string   gRPC admin bind address (e.g. ":50051")
//	-w string   websocket bind address (e.g. ":8080")
//	-m string   storage backend: postgres | memory
//	-d string   PostgreSQL DSN
//	-s string   JWT HMAC secret key
//	-t int      access token validity, minutes
//	-k string   Kafka brokers, comma separated (enables the kafka broker)
//	-u string   S3 root user
//	-p string   S3 root password
//	-b string   S3 bucket name
//	-g string   S3 region
//	-e string   S3 base endpoint
//	-l string   log level
//	-sig string signature policy: flag | reject
//
// Only the flags above are parsed; others on the command line are ignored.
func parseFlags(config *Config, args []string) {
	args = flagx.FilterArgs(args, []string{"-a", "-w", "-m", "-d", "-s", "-t", "-k", "-u", "-p", "-b", "-g", "-e", "-l", "-sig"})

	fs := flag.NewFlagSet("main", flag.ContinueOnError)

	fs.StringVar(&config.EndpointAddrGRPC, "a", config.EndpointAddrGRPC, "gRPC admin address and port")
	fs.StringVar(&config.EndpointAddrWS, "w", config.EndpointAddrWS, "websocket address and port")
	fs.StringVar(&config.StorageBackend, "m", config.StorageBackend, "storage backend (postgres|memory)")
	fs.StringVar(&config.DatabaseDSN, "d", config.DatabaseDSN, "database DSN")
	fs.StringVar(&config.SecretKey, "s", config.SecretKey, "secret key")

	accessTokenValidityDuration := fs.Int("t", int(config.AccessTokenValidityDuration.Minutes()), "access_token_validity_duration (in minutes)")
	kafkaBrokers := fs.String("k", "", "kafka brokers, comma separated")

	fs.StringVar(&config.S3RootUser, "u", config.S3RootUser, "S3 root user")
	fs.StringVar(&config.S3RootPassword, "p", config.S3RootPassword, "S3 root password")
	fs.StringVar(&config.S3Bucket, "b", config.S3Bucket, "S3 audit bucket")
	fs.StringVar(&config.S3Region, "g", config.S3Region, "S3 region")
	fs.StringVar(&config.S3BaseEndpoint, "e", config.S3BaseEndpoint, "S3 base endpoint")
	fs.StringVar(&config.LogLevel, "l", config.LogLevel, "log level")
	fs.StringVar(&config.SignaturePolicy, "sig", config.SignaturePolicy, "signature policy (flag|reject)")

	if err := fs.Parse(args); err != nil {
		panic(err)
	}

	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "t":
			config.AccessTokenValidityDuration = time.Duration(*accessTokenValidityDuration) * time.Minute
		case "k":
			config.KafkaBrokers = splitList(*kafkaBrokers)
			config.BrokerBackend = BackendKafka
		}
	})
}
