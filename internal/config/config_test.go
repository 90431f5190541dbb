package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// baseEnv is the smallest environment that passes validation.
func baseEnv() map[string]string {
	return map[string]string{
		"SSH_HOST_ANOMALY_DETECTION":             "10.0.0.5",
		"SSH_USERNAME_ANOMALY_DETECTION":         "ops",
		"SSH_PASSWORD_ANOMALY_DETECTION":         "secret",
		"SSH_REMOTE_BASE_PATH_ANOMALY_DETECTION": "/home/ops/ad",
		"CONDA_ENV_NAME_ANOMALY_DETECTION":       "ad",
	}
}

func setEnv(t *testing.T, env map[string]string) {
	t.Helper()
	for k, v := range env {
		t.Setenv(k, v)
	}
}

func TestLoad(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantErr string
		check   func(*testing.T, *Config)
	}{
		{
			name: "defaults",
			env:  baseEnv(),
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, 8000, cfg.Port)
				assert.Equal(t, 22, cfg.Anomaly.Port)
				assert.Equal(t, "conda", cfg.Anomaly.CondaExecutable)
				assert.False(t, cfg.Trend.Configured())
				assert.Equal(t, 5*time.Second, cfg.BatchPollInterval)
				assert.Equal(t, 3, cfg.BatchMaxAttempts)
				assert.Equal(t, 15, cfg.StreakThreshold)
				assert.Equal(t, 3*time.Second, cfg.RemotePollInterval)
				assert.Equal(t, 60*time.Second, cfg.RemoteMaxWait)
				assert.Equal(t, "temp/batch_processing_checkpoint", cfg.CheckpointDir)
				assert.Equal(t, "temp/consecutive_anomalies", cfg.AnomalyRecordDir)
				assert.True(t, cfg.BatchWatch)
				assert.False(t, cfg.BatchAutoStart)
				assert.Equal(t, "latest", cfg.BatchCheckpoint)
				assert.Equal(t, 2, cfg.DispatcherWorkers)
				assert.Equal(t, 16, cfg.DispatcherQueueSize)
			},
		},
		{
			name: "both remotes and overrides",
			env: merge(baseEnv(), map[string]string{
				"PORT":                                "9090",
				"SSH_PORT_ANOMALY_DETECTION":          "2222",
				"SSH_HOST_TREND_ANALYSIS":             "10.0.0.6",
				"SSH_USERNAME_TREND_ANALYSIS":         "trend",
				"SSH_PRIVATE_KEY_FILE_TREND_ANALYSIS": "/keys/id_ed25519",
				"SSH_REMOTE_BASE_PATH_TREND_ANALYSIS": "/srv/trend",
				"CONDA_ENV_NAME_TREND_ANALYSIS":       "trend",
				"CONDA_EXECUTABLE_TREND_ANALYSIS":     "/opt/conda/bin/conda",
				"ONLINE_PROCESSING_AD_DIR":            "/data/incoming",
				"BATCH_POLL_SECONDS":                  "10",
				"STREAK_THRESHOLD":                    "4",
				"REMOTE_WAIT_SECONDS":                 "120",
				"ALERT_GITHUB_REPO":                   "plant/line-3",
				"ALERT_GITHUB_TOKEN":                  "ghp_x",
				"BATCH_WATCH":                         "false",
			}),
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, 9090, cfg.Port)
				assert.Equal(t, 2222, cfg.Anomaly.Port)
				assert.True(t, cfg.Trend.Configured())
				assert.Equal(t, "/opt/conda/bin/conda", cfg.Trend.CondaExecutable)
				assert.Equal(t, "/data/incoming", cfg.WatchDir)
				assert.Equal(t, 10*time.Second, cfg.BatchPollInterval)
				assert.Equal(t, 4, cfg.StreakThreshold)
				assert.Equal(t, 2*time.Minute, cfg.RemoteMaxWait)
				assert.Equal(t, "plant/line-3", cfg.AlertGitHubRepo)
				assert.False(t, cfg.BatchWatch)
			},
		},
		{
			name:    "autostart without watch dir",
			env:     merge(baseEnv(), map[string]string{"BATCH_AUTOSTART": "true"}),
			wantErr: "ONLINE_PROCESSING_AD_DIR is required",
		},
		{
			name:    "missing anomaly host",
			env:     without(baseEnv(), "SSH_HOST_ANOMALY_DETECTION"),
			wantErr: "SSH_HOST_ANOMALY_DETECTION is required",
		},
		{
			name:    "missing credentials",
			env:     without(baseEnv(), "SSH_PASSWORD_ANOMALY_DETECTION"),
			wantErr: "SSH_PASSWORD_ANOMALY_DETECTION or SSH_PRIVATE_KEY_ANOMALY_DETECTION is required",
		},
		{
			name:    "missing conda env",
			env:     without(baseEnv(), "CONDA_ENV_NAME_ANOMALY_DETECTION"),
			wantErr: "CONDA_ENV_NAME_ANOMALY_DETECTION is required",
		},
		{
			name:    "partial trend remote",
			env:     merge(baseEnv(), map[string]string{"SSH_HOST_TREND_ANALYSIS": "10.0.0.6"}),
			wantErr: "SSH_USERNAME_TREND_ANALYSIS is required",
		},
		{
			name:    "invalid port",
			env:     merge(baseEnv(), map[string]string{"PORT": "70000"}),
			wantErr: "PORT must be between 1 and 65535",
		},
		{
			name:    "alert repo without token",
			env:     merge(baseEnv(), map[string]string{"ALERT_GITHUB_REPO": "plant/line-3"}),
			wantErr: "ALERT_GITHUB_TOKEN is required",
		},
		{
			name:    "malformed alert repo",
			env:     merge(baseEnv(), map[string]string{"ALERT_GITHUB_REPO": "plant", "ALERT_GITHUB_TOKEN": "x"}),
			wantErr: "ALERT_GITHUB_REPO must be owner/repo",
		},
		{
			name:    "wait shorter than poll",
			env:     merge(baseEnv(), map[string]string{"REMOTE_WAIT_SECONDS": "1"}),
			wantErr: "REMOTE_WAIT_SECONDS must be >= REMOTE_POLL_SECONDS",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearInspectorEnv(t)
			setEnv(t, tt.env)

			cfg, err := Load()
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			if tt.check != nil {
				tt.check(t, cfg)
			}
		})
	}
}

func TestLoad_YAMLOverrides(t *testing.T) {
	clearInspectorEnv(t)
	setEnv(t, baseEnv())

	path := filepath.Join(t.TempDir(), "inspector.yaml")
	yamlDoc := `
watch_dir: /mnt/line-2
streak_threshold: 7
batch_poll_seconds: 2
anomaly_detection:
  host: gpu-2.internal
  base_path: /opt/models/ad
  conda_env: ad-v2
`
	require.NoError(t, os.WriteFile(path, []byte(yamlDoc), 0o644))
	t.Setenv("INSPECTOR_CONFIG", path)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "/mnt/line-2", cfg.WatchDir)
	assert.Equal(t, 7, cfg.StreakThreshold)
	assert.Equal(t, 2*time.Second, cfg.BatchPollInterval)
	assert.Equal(t, "gpu-2.internal", cfg.Anomaly.Host)
	assert.Equal(t, "/opt/models/ad", cfg.Anomaly.BasePath)
	assert.Equal(t, "ad-v2", cfg.Anomaly.CondaEnv)
	assert.Equal(t, "secret", cfg.Anomaly.Password, "secrets come from the environment only")
	assert.Equal(t, "ops", cfg.Anomaly.Username)
}

func TestLoad_YAMLErrors(t *testing.T) {
	clearInspectorEnv(t)
	setEnv(t, baseEnv())

	t.Setenv("INSPECTOR_CONFIG", filepath.Join(t.TempDir(), "missing.yaml"))
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not exist")

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("streak_threshold: [1,"), 0o644))
	t.Setenv("INSPECTOR_CONFIG", bad)
	_, err = Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse")
}

func TestLoad_InlinePrivateKey(t *testing.T) {
	clearInspectorEnv(t)
	env := without(baseEnv(), "SSH_PASSWORD_ANOMALY_DETECTION")
	env["SSH_PRIVATE_KEY_ANOMALY_DETECTION"] = `"-----BEGIN KEY-----\nabc\n-----END KEY-----"`
	setEnv(t, env)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "-----BEGIN KEY-----\nabc\n-----END KEY-----", cfg.Anomaly.PrivateKey)
}

func TestConfigValidateDefaultsApplied(t *testing.T) {
	cfg := &Config{
		Port: 8000,
		Anomaly: Remote{
			Host: "h", Port: 22, Username: "u", Password: "p", BasePath: "/b", CondaEnv: "e",
		},
		DispatcherBackoffMultiplier: 0.5,
	}

	require.NoError(t, cfg.validate())
	assert.Equal(t, 2, cfg.DispatcherWorkers)
	assert.Equal(t, 16, cfg.DispatcherQueueSize)
	assert.Equal(t, 3, cfg.DispatcherMaxAttempts)
	assert.Equal(t, 5*time.Second, cfg.DispatcherRetryInitial)
	assert.Equal(t, time.Minute, cfg.DispatcherRetryMax)
	assert.Equal(t, 2.0, cfg.DispatcherBackoffMultiplier)
	assert.Equal(t, 5*time.Second, cfg.BatchPollInterval)
	assert.Equal(t, 15, cfg.StreakThreshold)
}

func TestConfigValidateRetryWindow(t *testing.T) {
	cfg := &Config{
		Port: 8000,
		Anomaly: Remote{
			Host: "h", Port: 22, Username: "u", Password: "p", BasePath: "/b", CondaEnv: "e",
		},
		DispatcherRetryInitial: 10 * time.Second,
		DispatcherRetryMax:     5 * time.Second,
	}

	err := cfg.validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DISPATCHER_RETRY_MAX_SECONDS")
}

func TestNormalizePrivateKey(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"empty", "  ", ""},
		{"double quoted escaped newlines", `"a\nb"`, "a\nb"},
		{"single quoted", `'a\r\nb'`, "a\nb"},
		{"crlf", "a\r\nb\rc", "a\nb\nc"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, normalizePrivateKey(tt.in))
		})
	}
}

func TestGetEnvHelpers(t *testing.T) {
	t.Setenv("TEST_STR", "actual")
	t.Setenv("TEST_INT", "8080")
	t.Setenv("TEST_BAD_INT", "eighty")
	t.Setenv("TEST_FLOAT", "3.14")
	t.Setenv("TEST_BOOL", "false")

	assert.Equal(t, "actual", getEnv("TEST_STR", "default"))
	assert.Equal(t, "default", getEnv("TEST_UNSET_STR", "default"))
	assert.Equal(t, 8080, getEnvInt("TEST_INT", 1))
	assert.Equal(t, 1, getEnvInt("TEST_BAD_INT", 1))
	assert.InDelta(t, 3.14, getEnvFloat("TEST_FLOAT", 0), 1e-9)
	assert.False(t, getEnvBool("TEST_BOOL", true))
	assert.True(t, getEnvBool("TEST_UNSET_BOOL", true))
}

func merge(a, b map[string]string) map[string]string {
	out := make(map[string]string, len(a)+len(b))
	for k, v := range a {
		out[k] = v
	}
	for k, v := range b {
		out[k] = v
	}
	return out
}

func without(env map[string]string, key string) map[string]string {
	out := merge(env, nil)
	delete(out, key)
	return out
}

// clearInspectorEnv blanks every variable Load reads so the host environment
// cannot leak into a test case.
func clearInspectorEnv(t *testing.T) {
	t.Helper()
	for _, kv := range os.Environ() {
		key, _, _ := strings.Cut(kv, "=")
		for _, prefix := range []string{"SSH_", "CONDA_", "BATCH_", "REMOTE_", "DISPATCHER_", "ALERT_", "INSPECTOR_"} {
			if strings.HasPrefix(key, prefix) {
				t.Setenv(key, "")
			}
		}
	}
	for _, key := range []string{"PORT", "API_JWT_SECRET", "ONLINE_PROCESSING_AD_DIR", "DOWNLOAD_DIR",
		"CHECKPOINT_DIR", "ANOMALY_RECORD_DIR", "HISTORY_DB", "STREAK_THRESHOLD", "LOG_LEVEL"} {
		t.Setenv(key, "")
	}
}
