// Package config resolves attendsync settings.
//
// Precedence, lowest first: built-in defaults, a .env file, ATTENDSYNC_*
// environment variables. Command-line flags are applied on top by the CLI.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// DefaultEnvFile is read when no env file is named and it exists.
const DefaultEnvFile = ".env"

// Prefix is prepended to every environment variable name.
const Prefix = "ATTENDSYNC_"

// Config holds the settings for both sides.
type Config struct {
	Server   ServerConfig
	Client   ClientConfig
	LogLevel string
}

// ServerConfig configures `attendsync serve`.
type ServerConfig struct {
	Addr         string
	LedgerDB     string
	AttendanceDB string
	APIKey       string
	BodyLimit    int
	KafkaBrokers []string
	KafkaTopic   string
	// PruneAfter is the default age for `ledger prune`.
	PruneAfter time.Duration
}

// ClientConfig configures the device-side commands.
type ClientConfig struct {
	DB            string
	ServerURL     string
	APIKey        string
	SyncInterval  time.Duration
	ProbeInterval time.Duration
	MaxAttempts   int
	StatusAddr    string
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:         ":8080",
			LedgerDB:     "ledger.db",
			AttendanceDB: "attendance.db",
			BodyLimit:    4 << 20,
			KafkaTopic:   "attendance-events",
			PruneAfter:   30 * 24 * time.Hour,
		},
		Client: ClientConfig{
			DB:            "attendsync.db",
			ServerURL:     "http://localhost:8080",
			SyncInterval:  30 * time.Second,
			ProbeInterval: 10 * time.Second,
			MaxAttempts:   3,
			StatusAddr:    "127.0.0.1:8081",
		},
		LogLevel: "info",
	}
}

// Load resolves settings from envFile and the process environment.
// An empty envFile reads DefaultEnvFile when present; a named file must
// exist.
func Load(envFile string) (Config, error) {
	return LoadFrom(envFile, os.LookupEnv)
}

// LoadFrom is Load with an explicit environment lookup.
func LoadFrom(envFile string, lookup func(string) (string, bool)) (Config, error) {
	fileVars, err := readEnvFile(envFile)
	if err != nil {
		return Config{}, err
	}

	get := func(name string) (string, bool) {
		if v, ok := lookup(Prefix + name); ok {
			return v, true
		}
		v, ok := fileVars[Prefix+name]
		return v, ok
	}

	cfg := Default()
	var errs []error

	setString(get, "ADDR", &cfg.Server.Addr)
	setString(get, "LEDGER_DB", &cfg.Server.LedgerDB)
	setString(get, "ATTENDANCE_DB", &cfg.Server.AttendanceDB)
	setString(get, "KAFKA_TOPIC", &cfg.Server.KafkaTopic)
	setList(get, "KAFKA_BROKERS", &cfg.Server.KafkaBrokers)
	errs = append(errs,
		setInt(get, "BODY_LIMIT", &cfg.Server.BodyLimit),
		setDuration(get, "PRUNE_AFTER", &cfg.Server.PruneAfter),
	)

	setString(get, "CLIENT_DB", &cfg.Client.DB)
	setString(get, "SERVER_URL", &cfg.Client.ServerURL)
	setString(get, "STATUS_ADDR", &cfg.Client.StatusAddr)
	errs = append(errs,
		setDuration(get, "SYNC_INTERVAL", &cfg.Client.SyncInterval),
		setDuration(get, "PROBE_INTERVAL", &cfg.Client.ProbeInterval),
		setInt(get, "MAX_ATTEMPTS", &cfg.Client.MaxAttempts),
	)

	// One key authenticates devices against the server.
	setString(get, "API_KEY", &cfg.Server.APIKey)
	cfg.Client.APIKey = cfg.Server.APIKey

	setString(get, "LOG_LEVEL", &cfg.LogLevel)

	if err := errors.Join(errs...); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func readEnvFile(path string) (map[string]string, error) {
	explicit := path != ""
	if !explicit {
		path = DefaultEnvFile
	}

	vars, err := godotenv.Read(path)
	if err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			return map[string]string{}, nil
		}
		return nil, fmt.Errorf("read env file %s: %w", path, err)
	}
	return vars, nil
}

type getter func(name string) (string, bool)

func setString(get getter, name string, dst *string) {
	if v, ok := get(name); ok && v != "" {
		*dst = v
	}
}

func setList(get getter, name string, dst *[]string) {
	v, ok := get(name)
	if !ok {
		return
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	*dst = out
}

func setInt(get getter, name string, dst *int) error {
	v, ok := get(name)
	if !ok || v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return fmt.Errorf("%s%s: want a positive integer, got %q", Prefix, name, v)
	}
	*dst = n
	return nil
}

func setDuration(get getter, name string, dst *time.Duration) error {
	v, ok := get(name)
	if !ok || v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return fmt.Errorf("%s%s: want a positive duration, got %q", Prefix, name, v)
	}
	*dst = d
	return nil
}
