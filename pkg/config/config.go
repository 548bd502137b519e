package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config is the controller configuration, read from the environment after an
// optional .env file.
type Config struct {
	ServiceName string
	GatewayName string
	LogLevel    string

	HTTPAddr    string
	MetricsAddr string
	JWTSecret   string
	TLSCert     string
	TLSKey      string
	TLSClientCA string

	Store         string // memory | mysql
	MySQLDSN      string
	MySQLHost     string
	MySQLPort     string
	MySQLUser     string
	MySQLPassword string
	MySQLDB       string

	VPNSubnet       string
	TunInterface    string
	EgressInterface string

	IptablesBin        string
	IptablesSaveBin    string
	PersistHelper      string
	RulesPath          string
	CommandTimeout     time.Duration
	PurgeMaxAttempts   int
	HygieneMaxAttempts int

	LedgerPath  string
	LockBackend string // local | consul
	ConsulAddr  string
	RadiusSync  bool
}

// Load reads .env (when present) and the environment.
func Load() (*Config, error) {
	if err := loadDotEnv(); err != nil {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := &Config{
		ServiceName: getEnv("SERVICE_NAME", "netauth"),
		GatewayName: getEnv("GATEWAY_NAME", hostname()),
		LogLevel:    getEnv("LOG_LEVEL", "info"),

		HTTPAddr:    getEnv("HTTP_ADDR", ":8080"),
		MetricsAddr: getEnv("METRICS_ADDR", ""),
		JWTSecret:   getEnv("JWT_SECRET", ""),
		TLSCert:     getEnv("TLS_CERT", ""),
		TLSKey:      getEnv("TLS_KEY", ""),
		TLSClientCA: getEnv("TLS_CLIENT_CA", ""),

		Store:         getEnv("STORE", "memory"),
		MySQLDSN:      getEnv("MYSQL_DSN", ""),
		MySQLHost:     getEnv("MYSQL_HOST", "127.0.0.1"),
		MySQLPort:     getEnv("MYSQL_PORT", "3306"),
		MySQLUser:     getEnv("MYSQL_USER", "radius"),
		MySQLPassword: getEnv("MYSQL_PASSWORD", ""),
		MySQLDB:       getEnv("MYSQL_DB", "radius"),

		VPNSubnet:       getEnv("VPN_SUBNET", "10.8.0.0/24"),
		TunInterface:    getEnv("TUN_INTERFACE", "tun0"),
		EgressInterface: getEnv("EGRESS_INTERFACE", ""),

		IptablesBin:     getEnv("IPTABLES_BIN", "iptables"),
		IptablesSaveBin: getEnv("IPTABLES_SAVE_BIN", "iptables-save"),
		PersistHelper:   getEnv("PERSIST_HELPER", "netfilter-persistent"),
		RulesPath:       getEnv("RULES_PATH", "/etc/iptables/rules.v4"),

		LedgerPath:  getEnv("LEDGER_PATH", "/var/lib/netauth/ledger.db"),
		LockBackend: getEnv("LOCK_BACKEND", "local"),
		ConsulAddr:  getEnv("CONSUL_ADDR", "127.0.0.1:8500"),
	}

	var err error
	if cfg.CommandTimeout, err = getDuration("COMMAND_TIMEOUT", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.PurgeMaxAttempts, err = getInt("PURGE_MAX_ATTEMPTS", 20); err != nil {
		return nil, err
	}
	if cfg.HygieneMaxAttempts, err = getInt("HYGIENE_MAX_ATTEMPTS", 20); err != nil {
		return nil, err
	}
	if cfg.RadiusSync, err = getBool("RADIUS_SYNC", false); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects combinations the controller cannot run with.
func (c *Config) Validate() error {
	switch c.Store {
	case "memory", "mysql":
	default:
		return fmt.Errorf("unsupported STORE %q (memory|mysql)", c.Store)
	}
	switch c.LockBackend {
	case "local", "consul":
	default:
		return fmt.Errorf("unsupported LOCK_BACKEND %q (local|consul)", c.LockBackend)
	}
	if c.RadiusSync && c.Store != "mysql" {
		return fmt.Errorf("RADIUS_SYNC requires STORE=mysql")
	}
	if c.PurgeMaxAttempts < 1 || c.HygieneMaxAttempts < 1 {
		return fmt.Errorf("attempt ceilings must be positive")
	}
	if (c.TLSCert == "") != (c.TLSKey == "") {
		return fmt.Errorf("TLS_CERT and TLS_KEY must be set together")
	}
	if c.CommandTimeout <= 0 {
		return fmt.Errorf("COMMAND_TIMEOUT must be positive")
	}
	return nil
}

// DSN returns MYSQL_DSN or one assembled from the MYSQL_* parts.
func (c *Config) DSN() string {
	if c.MySQLDSN != "" {
		return c.MySQLDSN
	}
	return fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=Local",
		c.MySQLUser, c.MySQLPassword, c.MySQLHost, c.MySQLPort, c.MySQLDB)
}

func loadDotEnv() error {
	if _, err := os.Stat(".env"); err == nil {
		return godotenv.Load(".env")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func getBool(key string, fallback bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s: %w", key, err)
	}
	return b, nil
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

func hostname() string {
	h, _ := os.Hostname()
	return h
}
