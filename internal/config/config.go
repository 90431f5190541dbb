package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Pipeline suffixes used by the per-host environment variables,
// e.g. SSH_HOST_ANOMALY_DETECTION.
const (
	SuffixAnomaly = "ANOMALY_DETECTION"
	SuffixTrend   = "TREND_ANALYSIS"
)

// Remote holds the settings for one inference host.
type Remote struct {
	Host            string `yaml:"host"`
	Port            int    `yaml:"port"`
	Username        string `yaml:"username"`
	Password        string `yaml:"-"`
	PrivateKey      string `yaml:"-"`
	PrivateKeyFile  string `yaml:"private_key_file"`
	BasePath        string `yaml:"base_path"`
	CondaExecutable string `yaml:"conda_executable"`
	CondaEnv        string `yaml:"conda_env"`
}

// Configured reports whether any connection setting was given.
func (r Remote) Configured() bool {
	return r.Host != "" || r.Username != "" || r.Password != "" || r.PrivateKey != "" || r.PrivateKeyFile != ""
}

// Config holds all configuration for the inspector service
type Config struct {
	// Server settings
	Port         int
	APIJWTSecret string

	// Inference hosts
	Anomaly        Remote
	Trend          Remote
	KnownHostsFile string

	// Remote output polling
	RemotePollInterval time.Duration
	RemoteMaxWait      time.Duration

	// Local storage
	DownloadDir      string
	CheckpointDir    string
	AnomalyRecordDir string
	HistoryDB        string

	// Batch loop
	WatchDir          string
	BatchPollInterval time.Duration
	BatchSettleTime   time.Duration
	BatchMaxAttempts  int
	BatchWatch        bool
	StreakThreshold   int
	// BatchAutoStart starts the batch loop with the server, resuming BatchCheckpoint.
	BatchAutoStart    bool
	BatchCheckpoint   string

	// Alert delivery
	AlertGitHubRepo    string
	AlertGitHubToken   string
	AlertGitHubBaseURL string

	LogLevel string

	// Dispatcher settings
	DispatcherWorkers           int
	DispatcherQueueSize         int
	DispatcherMaxAttempts       int
	DispatcherRetryInitial      time.Duration
	DispatcherRetryMax          time.Duration
	DispatcherBackoffMultiplier float64
}

// Load loads configuration from environment variables, then applies the YAML
// file named by INSPECTOR_CONFIG when set.
func Load() (*Config, error) {
	cfg := &Config{
		Port:                        getEnvInt("PORT", 8000),
		APIJWTSecret:                os.Getenv("API_JWT_SECRET"),
		Anomaly:                     loadRemote(SuffixAnomaly),
		Trend:                       loadRemote(SuffixTrend),
		KnownHostsFile:              os.Getenv("SSH_KNOWN_HOSTS"),
		RemotePollInterval:          time.Duration(getEnvInt("REMOTE_POLL_SECONDS", 3)) * time.Second,
		RemoteMaxWait:               time.Duration(getEnvInt("REMOTE_WAIT_SECONDS", 60)) * time.Second,
		DownloadDir:                 getEnv("DOWNLOAD_DIR", "downloads"),
		CheckpointDir:               getEnv("CHECKPOINT_DIR", "temp/batch_processing_checkpoint"),
		AnomalyRecordDir:            getEnv("ANOMALY_RECORD_DIR", "temp/consecutive_anomalies"),
		HistoryDB:                   getEnv("HISTORY_DB", "temp/history.db"),
		WatchDir:                    os.Getenv("ONLINE_PROCESSING_AD_DIR"),
		BatchPollInterval:           time.Duration(getEnvInt("BATCH_POLL_SECONDS", 5)) * time.Second,
		BatchSettleTime:             time.Duration(getEnvInt("BATCH_SETTLE_SECONDS", 2)) * time.Second,
		BatchMaxAttempts:            getEnvInt("BATCH_MAX_ATTEMPTS", 3),
		BatchWatch:                  getEnvBool("BATCH_WATCH", true),
		StreakThreshold:             getEnvInt("STREAK_THRESHOLD", 15),
		BatchAutoStart:              getEnvBool("BATCH_AUTOSTART", false),
		BatchCheckpoint:             getEnv("BATCH_CHECKPOINT", "latest"),
		AlertGitHubRepo:             os.Getenv("ALERT_GITHUB_REPO"),
		AlertGitHubToken:            os.Getenv("ALERT_GITHUB_TOKEN"),
		AlertGitHubBaseURL:          os.Getenv("ALERT_GITHUB_BASE_URL"),
		LogLevel:                    getEnv("LOG_LEVEL", "info"),
		DispatcherWorkers:           getEnvInt("DISPATCHER_WORKERS", 2),
		DispatcherQueueSize:         getEnvInt("DISPATCHER_QUEUE_SIZE", 16),
		DispatcherMaxAttempts:       getEnvInt("DISPATCHER_MAX_ATTEMPTS", 3),
		DispatcherRetryInitial:      time.Duration(getEnvInt("DISPATCHER_RETRY_SECONDS", 5)) * time.Second,
		DispatcherRetryMax:          time.Duration(getEnvInt("DISPATCHER_RETRY_MAX_SECONDS", 60)) * time.Second,
		DispatcherBackoffMultiplier: getEnvFloat("DISPATCHER_BACKOFF_MULTIPLIER", 2.0),
	}

	if path := os.Getenv("INSPECTOR_CONFIG"); path != "" {
		if err := cfg.applyFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func loadRemote(suffix string) Remote {
	return Remote{
		Host:            os.Getenv("SSH_HOST_" + suffix),
		Port:            getEnvInt("SSH_PORT_"+suffix, 22),
		Username:        os.Getenv("SSH_USERNAME_" + suffix),
		Password:        os.Getenv("SSH_PASSWORD_" + suffix),
		PrivateKey:      normalizePrivateKey(os.Getenv("SSH_PRIVATE_KEY_" + suffix)),
		PrivateKeyFile:  os.Getenv("SSH_PRIVATE_KEY_FILE_" + suffix),
		BasePath:        os.Getenv("SSH_REMOTE_BASE_PATH_" + suffix),
		CondaExecutable: getEnv("CONDA_EXECUTABLE_"+suffix, "conda"),
		CondaEnv:        os.Getenv("CONDA_ENV_NAME_" + suffix),
	}
}

// fileOverrides is the YAML layout. Secrets are never read from the file.
type fileOverrides struct {
	WatchDir          *string `yaml:"watch_dir"`
	DownloadDir       *string `yaml:"download_dir"`
	CheckpointDir     *string `yaml:"checkpoint_dir"`
	AnomalyRecordDir  *string `yaml:"anomaly_record_dir"`
	HistoryDB         *string `yaml:"history_db"`
	BatchPollSeconds  *int    `yaml:"batch_poll_seconds"`
	BatchMaxAttempts  *int    `yaml:"batch_max_attempts"`
	BatchWatch        *bool   `yaml:"batch_watch"`
	StreakThreshold   *int    `yaml:"streak_threshold"`
	RemoteWaitSeconds *int    `yaml:"remote_wait_seconds"`
	LogLevel          *string `yaml:"log_level"`

	AnomalyDetection *Remote `yaml:"anomaly_detection"`
	TrendAnalysis    *Remote `yaml:"trend_analysis"`
}

func (c *Config) applyFile(path string) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("INSPECTOR_CONFIG file %s does not exist", path)
	}
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}

	var f fileOverrides
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	setString(&c.WatchDir, f.WatchDir)
	setString(&c.DownloadDir, f.DownloadDir)
	setString(&c.CheckpointDir, f.CheckpointDir)
	setString(&c.AnomalyRecordDir, f.AnomalyRecordDir)
	setString(&c.HistoryDB, f.HistoryDB)
	setString(&c.LogLevel, f.LogLevel)
	if f.BatchPollSeconds != nil {
		c.BatchPollInterval = time.Duration(*f.BatchPollSeconds) * time.Second
	}
	if f.BatchMaxAttempts != nil {
		c.BatchMaxAttempts = *f.BatchMaxAttempts
	}
	if f.BatchWatch != nil {
		c.BatchWatch = *f.BatchWatch
	}
	if f.StreakThreshold != nil {
		c.StreakThreshold = *f.StreakThreshold
	}
	if f.RemoteWaitSeconds != nil {
		c.RemoteMaxWait = time.Duration(*f.RemoteWaitSeconds) * time.Second
	}
	mergeRemote(&c.Anomaly, f.AnomalyDetection)
	mergeRemote(&c.Trend, f.TrendAnalysis)
	return nil
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}

func mergeRemote(dst *Remote, src *Remote) {
	if src == nil {
		return
	}
	if src.Host != "" {
		dst.Host = src.Host
	}
	if src.Port != 0 {
		dst.Port = src.Port
	}
	if src.Username != "" {
		dst.Username = src.Username
	}
	if src.PrivateKeyFile != "" {
		dst.PrivateKeyFile = src.PrivateKeyFile
	}
	if src.BasePath != "" {
		dst.BasePath = src.BasePath
	}
	if src.CondaExecutable != "" {
		dst.CondaExecutable = src.CondaExecutable
	}
	if src.CondaEnv != "" {
		dst.CondaEnv = src.CondaEnv
	}
}

func normalizePrivateKey(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return ""
	}

	if strings.HasPrefix(trimmed, "\"") && strings.HasSuffix(trimmed, "\"") {
		trimmed = strings.TrimPrefix(trimmed, "\"")
		trimmed = strings.TrimSuffix(trimmed, "\"")
	}
	if strings.HasPrefix(trimmed, "'") && strings.HasSuffix(trimmed, "'") {
		trimmed = strings.TrimPrefix(trimmed, "'")
		trimmed = strings.TrimSuffix(trimmed, "'")
	}

	trimmed = strings.ReplaceAll(trimmed, "\r\n", "\n")
	trimmed = strings.ReplaceAll(trimmed, "\r", "\n")
	if strings.Contains(trimmed, "\\n") {
		trimmed = strings.ReplaceAll(trimmed, "\\r", "")
		trimmed = strings.ReplaceAll(trimmed, "\\n", "\n")
	}

	return trimmed
}

// validate checks that all required configuration is present
func (c *Config) validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("PORT must be between 1 and 65535")
	}

	if err := validateRemote(SuffixAnomaly, c.Anomaly, true); err != nil {
		return err
	}
	if err := validateRemote(SuffixTrend, c.Trend, false); err != nil {
		return err
	}

	c.applyBatchDefaults()
	if err := c.validateBatchConfig(); err != nil {
		return err
	}

	c.applyDispatcherDefaults()
	return c.validateDispatcherConfig()
}

// validateRemote requires host, username and a credential. An optional remote
// may be left entirely unset.
func validateRemote(suffix string, r Remote, required bool) error {
	if !required && !r.Configured() {
		return nil
	}
	if r.Host == "" {
		return fmt.Errorf("SSH_HOST_%s is required", suffix)
	}
	if r.Username == "" {
		return fmt.Errorf("SSH_USERNAME_%s is required", suffix)
	}
	if r.Password == "" && r.PrivateKey == "" && r.PrivateKeyFile == "" {
		return fmt.Errorf("SSH_PASSWORD_%s or SSH_PRIVATE_KEY_%s is required", suffix, suffix)
	}
	if r.Port <= 0 || r.Port > 65535 {
		return fmt.Errorf("SSH_PORT_%s must be between 1 and 65535", suffix)
	}
	if r.BasePath == "" {
		return fmt.Errorf("SSH_REMOTE_BASE_PATH_%s is required", suffix)
	}
	if r.CondaEnv == "" {
		return fmt.Errorf("CONDA_ENV_NAME_%s is required", suffix)
	}
	return nil
}

func (c *Config) applyBatchDefaults() {
	if c.BatchPollInterval <= 0 {
		c.BatchPollInterval = 5 * time.Second
	}
	if c.BatchMaxAttempts <= 0 {
		c.BatchMaxAttempts = 3
	}
	if c.StreakThreshold <= 0 {
		c.StreakThreshold = 15
	}
	if c.RemotePollInterval <= 0 {
		c.RemotePollInterval = 3 * time.Second
	}
	if c.RemoteMaxWait <= 0 {
		c.RemoteMaxWait = 60 * time.Second
	}
	if c.BatchSettleTime < 0 {
		c.BatchSettleTime = 0
	}
}

func (c *Config) validateBatchConfig() error {
	if c.BatchAutoStart && c.WatchDir == "" {
		return fmt.Errorf("ONLINE_PROCESSING_AD_DIR is required when BATCH_AUTOSTART is set")
	}
	if c.RemoteMaxWait < c.RemotePollInterval {
		return fmt.Errorf("REMOTE_WAIT_SECONDS must be >= REMOTE_POLL_SECONDS")
	}
	if c.AlertGitHubRepo != "" {
		if parts := strings.Split(c.AlertGitHubRepo, "/"); len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return fmt.Errorf("ALERT_GITHUB_REPO must be owner/repo")
		}
		if c.AlertGitHubToken == "" {
			return fmt.Errorf("ALERT_GITHUB_TOKEN is required when ALERT_GITHUB_REPO is set")
		}
	}
	return nil
}

func (c *Config) applyDispatcherDefaults() {
	if c.DispatcherWorkers <= 0 {
		c.DispatcherWorkers = 2
	}
	if c.DispatcherQueueSize <= 0 {
		c.DispatcherQueueSize = 16
	}
	if c.DispatcherMaxAttempts <= 0 {
		c.DispatcherMaxAttempts = 3
	}
	if c.DispatcherRetryInitial <= 0 {
		c.DispatcherRetryInitial = 5 * time.Second
	}
	if c.DispatcherRetryMax <= 0 {
		c.DispatcherRetryMax = time.Minute
	}
	if c.DispatcherBackoffMultiplier < 1 {
		c.DispatcherBackoffMultiplier = 2
	}
}

func (c *Config) validateDispatcherConfig() error {
	if c.DispatcherRetryMax < c.DispatcherRetryInitial {
		return fmt.Errorf("DISPATCHER_RETRY_MAX_SECONDS must be >= DISPATCHER_RETRY_SECONDS")
	}
	return nil
}

// getEnv gets environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt gets environment variable as int with a default value
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}
