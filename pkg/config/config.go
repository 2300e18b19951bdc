package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Config holds server configuration.
type Config struct {
	Port        string
	LogLevel    string
	DataDir     string
	DatabaseURL string
	RedisAddr   string

	KafkaBrokers []string
	KafkaTopic   string

	ArchiveBackend  string
	ArchiveBucket   string
	ArchiveRegion   string
	ArchiveEndpoint string

	JWTSecret  string
	PolicyFile string

	OTelEnabled  bool
	OTelEndpoint string

	ChainID           uint64
	VerifyingContract string

	InstanceID        string
	AdminAddress      string
	CustodyAddress    string
	GasCustodyAddress string
	AnchorKeyFile     string
	AllowedOrigins    []string
}

// Load loads configuration from environment variables.
func Load() *Config {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "INFO"
	}

	dataDir := os.Getenv("DATA_DIR")
	if dataDir == "" {
		dataDir = "data"
	}

	kafkaTopic := os.Getenv("KAFKA_TOPIC")
	if kafkaTopic == "" {
		kafkaTopic = "reimbursement.events"
	}

	archiveBackend := os.Getenv("ARCHIVE_BACKEND")
	if archiveBackend == "" {
		archiveBackend = "fs"
	}

	otelEndpoint := os.Getenv("OTEL_ENDPOINT")
	if otelEndpoint == "" {
		otelEndpoint = "localhost:4317"
	}

	chainID := uint64(1)
	if v := os.Getenv("CHAIN_ID"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			chainID = n
		}
	}

	instanceID := os.Getenv("INSTANCE_ID")
	if instanceID == "" {
		instanceID = "default"
	}

	anchorKey := os.Getenv("ANCHOR_KEY_FILE")
	if anchorKey == "" {
		anchorKey = filepath.Join(dataDir, "anchor.key")
	}

	return &Config{
		Port:              port,
		LogLevel:          logLevel,
		DataDir:           dataDir,
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		RedisAddr:         os.Getenv("REDIS_ADDR"),
		KafkaBrokers:      splitList(os.Getenv("KAFKA_BROKERS")),
		KafkaTopic:        kafkaTopic,
		ArchiveBackend:    archiveBackend,
		ArchiveBucket:     os.Getenv("ARCHIVE_BUCKET"),
		ArchiveRegion:     os.Getenv("ARCHIVE_REGION"),
		ArchiveEndpoint:   os.Getenv("ARCHIVE_ENDPOINT"),
		JWTSecret:         os.Getenv("JWT_SECRET"),
		PolicyFile:        os.Getenv("POLICY_FILE"),
		OTelEnabled:       os.Getenv("OTEL_ENABLED") == "true",
		OTelEndpoint:      otelEndpoint,
		ChainID:           chainID,
		VerifyingContract: os.Getenv("VERIFYING_CONTRACT"),
		InstanceID:        instanceID,
		AdminAddress:      os.Getenv("ADMIN_ADDRESS"),
		CustodyAddress:    os.Getenv("CUSTODY_ADDRESS"),
		GasCustodyAddress: os.Getenv("GAS_CUSTODY_ADDRESS"),
		AnchorKeyFile:     anchorKey,
		AllowedOrigins:    splitList(os.Getenv("ALLOWED_ORIGINS")),
	}
}

// LiteMode reports whether no external database is configured.
func (c *Config) LiteMode() bool { return c.DatabaseURL == "" }

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
