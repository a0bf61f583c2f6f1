package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

type Config struct {
	Environment string

	DBHost     string
	DBPort     string
	DBUsername string
	DBPassword string
	DBName     string
	DBSSLMode  string

	RedisAddr     string
	RedisPassword string

	BlobRoot        string
	CompressRawMIME bool
	CredentialsFile string

	Zone          string
	ProcessNumber int
	Port          string

	BaseAliveThreshold    int
	ThrottleCount         int
	ThrottleWait          int
	MaxAccountsPerProcess int
	SyncStealAccounts     bool

	// SyncbackAssignments maps a syncback service id to the shard ids it is
	// responsible for. Parsed from a JSON object, e.g. {"0": [0, 1], "1": [2]}.
	SyncbackAssignments map[int][]int
	SyncbackID          int
	SyncbackProcesses   int

	ImportAttachedEvents bool
}

func NewConfig() (*Config, error) {
	env := os.Getenv("MAILSYNC_ENV")
	if env == "" {
		env = "development"
	}

	if env == "development" {
		if err := godotenv.Load(); err != nil {
			fmt.Println("Warning: .env file not found, using environment variables")
		}
	}

	config := &Config{
		Environment: env,

		DBHost:     getEnvOrDefault("MAILSYNC_DB_HOST", "localhost"),
		DBPort:     getEnvOrDefault("MAILSYNC_DB_PORT", "5432"),
		DBUsername: getEnvOrDefault("MAILSYNC_DB_USER", "mailsync"),
		DBPassword: os.Getenv("MAILSYNC_DB_PASSWORD"),
		DBName:     getEnvOrDefault("MAILSYNC_DB_NAME", "mailsync"),
		DBSSLMode:  getEnvOrDefault("MAILSYNC_DB_SSLMODE", "disable"),

		RedisAddr:     getEnvOrDefault("MAILSYNC_REDIS_ADDR", "localhost:6379"),
		RedisPassword: os.Getenv("MAILSYNC_REDIS_PASSWORD"),

		BlobRoot:        getEnvOrDefault("MAILSYNC_BLOB_ROOT", "/var/lib/mailsync/blobs"),
		CompressRawMIME: getEnvBool("COMPRESS_RAW_MIME", true),
		CredentialsFile: getEnvOrDefault("MAILSYNC_CREDENTIALS_FILE", "/etc/mailsync/credentials.json"),

		Zone:          getEnvOrDefault("MAILSYNC_ZONE", "default"),
		ProcessNumber: getEnvInt("MAILSYNC_PROCESS_NUMBER", 0),
		Port:          getEnvOrDefault("PORT", "8080"),

		BaseAliveThreshold:    getEnvInt("BASE_ALIVE_THRESHOLD", 480),
		ThrottleCount:         getEnvInt("THROTTLE_COUNT", 200),
		ThrottleWait:          getEnvInt("THROTTLE_WAIT", 60),
		MaxAccountsPerProcess: getEnvInt("MAX_ACCOUNTS_PER_PROCESS", 150),
		SyncStealAccounts:     getEnvBool("SYNC_STEAL_ACCOUNTS", true),

		SyncbackID:        getEnvInt("SYNCBACK_ID", 0),
		SyncbackProcesses: getEnvInt("SYNCBACK_PROCESSES", 1),

		ImportAttachedEvents: getEnvBool("IMPORT_ATTACHED_EVENTS", false),
	}

	assignments, err := parseSyncbackAssignments(os.Getenv("SYNCBACK_ASSIGNMENTS"))
	if err != nil {
		return nil, err
	}
	config.SyncbackAssignments = assignments

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func (c *Config) Validate() error {
	if c.DBPassword == "" && c.Environment != "test" {
		return fmt.Errorf("MAILSYNC_DB_PASSWORD is required")
	}

	if c.ProcessNumber < 0 {
		return fmt.Errorf("MAILSYNC_PROCESS_NUMBER must not be negative")
	}

	return nil
}

func (c *Config) GetDatabaseURL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.DBUsername,
		c.DBPassword,
		c.DBHost,
		c.DBPort,
		c.DBName,
		c.DBSSLMode,
	)
}

// ProcessIdentifier returns the "{hostname}:{process_number}" value written
// into Account.sync_host when this process owns an account.
func (c *Config) ProcessIdentifier() string {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "localhost"
	}
	return fmt.Sprintf("%s:%d", hostname, c.ProcessNumber)
}

// parseSyncbackAssignments parses the SYNCBACK_ASSIGNMENTS JSON map. An empty
// value yields a single-shard default so a standalone process still drains
// every namespace.
func parseSyncbackAssignments(raw string) (map[int][]int, error) {
	if raw == "" {
		return map[int][]int{0: {0}}, nil
	}

	var byName map[string][]int
	if err := json.Unmarshal([]byte(raw), &byName); err != nil {
		return nil, fmt.Errorf("failed to parse SYNCBACK_ASSIGNMENTS: %w", err)
	}

	assignments := make(map[int][]int, len(byName))
	for key, shards := range byName {
		id, err := strconv.Atoi(key)
		if err != nil {
			return nil, fmt.Errorf("invalid syncback id %q in SYNCBACK_ASSIGNMENTS", key)
		}
		assignments[id] = shards
	}
	return assignments, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return n
}

func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return defaultValue
	}
	return b
}
