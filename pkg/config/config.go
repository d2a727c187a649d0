package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the full resilience-core configuration. Values come from a
// YAML file overridden by DSR_* environment variables.
type Config struct {
	DR           DRConfig           `yaml:"dr"`
	Backup       BackupConfig       `yaml:"backup"`
	Cache        CacheConfig        `yaml:"cache"`
	LoadBalancer LoadBalancerConfig `yaml:"load_balancer"`
	Listen       ListenConfig       `yaml:"listen"`
	Log          LogConfig          `yaml:"log"`
}

// DRConfig configures the disaster-recovery orchestrator
type DRConfig struct {
	Enabled                bool          `yaml:"enabled"`
	AutoFailover           bool          `yaml:"auto_failover"`
	RTOMinutes             int           `yaml:"rto_minutes"`
	RPOMinutes             int           `yaml:"rpo_minutes"`
	RetentionDays          int           `yaml:"retention_days"`
	MonitorInterval        time.Duration `yaml:"monitor_interval"`
	SiteFailureThreshold   int           `yaml:"site_failure_threshold"`
	NightlyBackupHour      int           `yaml:"nightly_backup_hour"`
	FailoverTimeoutMinutes int           `yaml:"failover_timeout_minutes"`
}

// BackupConfig configures the backup engine
type BackupConfig struct {
	BasePath      string `yaml:"base_path"`
	Compression   bool   `yaml:"compression"`
	Encryption    bool   `yaml:"encryption"`
	EncryptionKey string `yaml:"encryption_key"`
	Verification  bool   `yaml:"verification"`
	RemoteUpload  bool   `yaml:"remote_upload"`
}

// CacheConfig configures the distributed cache coordinator
type CacheConfig struct {
	Nodes       []string      `yaml:"nodes"` // host:port list
	Password    string        `yaml:"password"`
	DefaultTTL  time.Duration `yaml:"default_ttl"`
	Compression bool          `yaml:"compression"`
	PoolSize    int           `yaml:"pool_size"` // connections per node
}

// LoadBalancerConfig configures registry, breaker and prober defaults
type LoadBalancerConfig struct {
	HealthCheckInterval time.Duration `yaml:"health_check_interval"`
	FailureThreshold    int           `yaml:"failure_threshold"`
	BreakerCooldown     time.Duration `yaml:"breaker_cooldown"`
	HalfOpenProbeLimit  int           `yaml:"half_open_probe_limit"`
}

// ListenConfig configures the admin HTTP server
type ListenConfig struct {
	AdminAddr string `yaml:"admin_addr"`
	DataDir   string `yaml:"data_dir"`
}

// LogConfig configures logging output
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// Default returns the configuration defaults
func Default() *Config {
	return &Config{
		DR: DRConfig{
			Enabled:                true,
			AutoFailover:           false,
			RTOMinutes:             240,
			RPOMinutes:             60,
			RetentionDays:          30,
			MonitorInterval:        time.Minute,
			SiteFailureThreshold:   3,
			NightlyBackupHour:      2,
			FailoverTimeoutMinutes: 10,
		},
		Backup: BackupConfig{
			BasePath:     "/var/lib/bastion/backups",
			Compression:  true,
			Encryption:   false,
			Verification: true,
			RemoteUpload: false,
		},
		Cache: CacheConfig{
			Nodes:       []string{"127.0.0.1:6379"},
			DefaultTTL:  10 * time.Minute,
			Compression: false,
			PoolSize:    10,
		},
		LoadBalancer: LoadBalancerConfig{
			HealthCheckInterval: 30 * time.Second,
			FailureThreshold:    5,
			BreakerCooldown:     30 * time.Second,
			HalfOpenProbeLimit:  1,
		},
		Listen: ListenConfig{
			AdminAddr: ":8600",
			DataDir:   "/var/lib/bastion",
		},
		Log: LogConfig{
			Level: "info",
			JSON:  true,
		},
	}
}

// Load reads the YAML file at path (if non-empty), applies DSR_* environment
// overrides on top, and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv applies DSR_* environment variable overrides
func (c *Config) applyEnv() {
	envBool("DSR_DR_ENABLED", &c.DR.Enabled)
	envBool("DSR_DR_AUTO_FAILOVER", &c.DR.AutoFailover)
	envInt("DSR_DR_RTO_MINUTES", &c.DR.RTOMinutes)
	envInt("DSR_DR_RPO_MINUTES", &c.DR.RPOMinutes)
	envInt("DSR_DR_RETENTION_DAYS", &c.DR.RetentionDays)

	envString("DSR_BACKUP_BASE_PATH", &c.Backup.BasePath)
	envBool("DSR_BACKUP_COMPRESSION", &c.Backup.Compression)
	envBool("DSR_BACKUP_ENCRYPTION", &c.Backup.Encryption)
	envBool("DSR_BACKUP_VERIFICATION", &c.Backup.Verification)
	envBool("DSR_BACKUP_REMOTE", &c.Backup.RemoteUpload)

	if v := os.Getenv("DSR_CACHE_NODES"); v != "" {
		nodes := strings.Split(v, ",")
		for i := range nodes {
			nodes[i] = strings.TrimSpace(nodes[i])
		}
		c.Cache.Nodes = nodes
	}
	if v := os.Getenv("DSR_CACHE_DEFAULT_TTL_SECONDS"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil {
			c.Cache.DefaultTTL = time.Duration(secs) * time.Second
		}
	}
	envBool("DSR_CACHE_COMPRESSION", &c.Cache.Compression)

	envDuration("DSR_LB_HEALTHCHECK_INTERVAL", &c.LoadBalancer.HealthCheckInterval)
	envInt("DSR_LB_FAILURE_THRESHOLD", &c.LoadBalancer.FailureThreshold)
	envDuration("DSR_LB_BREAKER_COOLDOWN", &c.LoadBalancer.BreakerCooldown)
}

// Validate checks configuration invariants
func (c *Config) Validate() error {
	if c.DR.RTOMinutes <= 0 {
		return fmt.Errorf("dr.rto_minutes must be positive, got %d", c.DR.RTOMinutes)
	}
	if c.DR.RPOMinutes <= 0 {
		return fmt.Errorf("dr.rpo_minutes must be positive, got %d", c.DR.RPOMinutes)
	}
	if c.DR.RetentionDays <= 0 {
		return fmt.Errorf("dr.retention_days must be positive, got %d", c.DR.RetentionDays)
	}
	if c.DR.NightlyBackupHour < 0 || c.DR.NightlyBackupHour > 23 {
		return fmt.Errorf("dr.nightly_backup_hour must be 0-23, got %d", c.DR.NightlyBackupHour)
	}
	if c.LoadBalancer.FailureThreshold <= 0 {
		return fmt.Errorf("load_balancer.failure_threshold must be positive, got %d", c.LoadBalancer.FailureThreshold)
	}
	if c.LoadBalancer.BreakerCooldown <= 0 {
		return fmt.Errorf("load_balancer.breaker_cooldown must be positive")
	}
	if len(c.Cache.Nodes) == 0 {
		return fmt.Errorf("cache.nodes must list at least one node")
	}
	if c.Backup.Encryption && c.Backup.EncryptionKey == "" {
		return fmt.Errorf("backup.encryption requires backup.encryption_key")
	}
	return nil
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envBool(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envDuration(key string, dst *time.Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
			return
		}
		// Bare numbers are seconds
		if secs, err := strconv.Atoi(v); err == nil {
			*dst = time.Duration(secs) * time.Second
		}
	}
}
