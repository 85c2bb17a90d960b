package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"runtime"
	"strings"
	"sync"
	"time"

	"go.yaml.in/yaml/v3"
)

const (
	maxConfigFileBytes int64 = 1 << 20 // 1MB
	maxRenameRetry           = 10
	// Windows file lock releases (antivirus/indexing) typically settle quickly.
	// Use a short linear backoff: baseDelay * (1..maxRenameRetry).
	renameRetryBaseDelay = 10 * time.Millisecond
	maxValidPort         = 65535
)

// defaultConfigDirFn is a test seam; tests override it to simulate
// directory-resolution failures in validateConfigPath.
var defaultConfigDirFn = defaultConfigDir
var userHomeDirFn = os.UserHomeDir
var defaultPathWarningState struct {
	mu       sync.Mutex
	messages []string
}

func recordDefaultPathWarning(message string) {
	trimmed := strings.TrimSpace(message)
	if trimmed == "" {
		return
	}
	defaultPathWarningState.mu.Lock()
	defaultPathWarningState.messages = append(defaultPathWarningState.messages, trimmed)
	defaultPathWarningState.mu.Unlock()
}

// ConsumeDefaultPathWarnings returns and clears path-resolution warnings
// accumulated during DefaultPath() calls.
func ConsumeDefaultPathWarnings() []string {
	defaultPathWarningState.mu.Lock()
	defer defaultPathWarningState.mu.Unlock()
	if len(defaultPathWarningState.messages) == 0 {
		return nil
	}
	out := make([]string, len(defaultPathWarningState.messages))
	copy(out, defaultPathWarningState.messages)
	defaultPathWarningState.messages = nil
	return out
}

// Config is the Session Orchestration Core's runtime configuration: the
// tunables named across spec.md §4.1-§4.6, plus server bind address and
// the on-disk roots for the registry and queue stores.
type Config struct {
	// Port is the REST+WebSocket bind port. 0 lets the OS auto-assign.
	Port int `yaml:"port" json:"port"`
	// DataRoot holds the sqlite session registry and the per-directory
	// queue store layout.
	DataRoot string `yaml:"data_root" json:"data_root"`
	// NMax is the maximum number of concurrently active sessions.
	NMax int `yaml:"n_max" json:"n_max"`
	// SkipPermissionsDefault is the default value for a session's
	// skip-permissions flag when a create request omits it.
	SkipPermissionsDefault bool `yaml:"skip_permissions_default" json:"skip_permissions_default"`

	// OutputThrottler tunables, per spec.md §4.1.
	ScreenBufferMax   int     `yaml:"screen_buffer_max" json:"screen_buffer_max"`
	ScreenTrimRatio   float64 `yaml:"screen_trim_ratio" json:"screen_trim_ratio"`
	ThrottleMs        int     `yaml:"throttle_ms" json:"throttle_ms"`
	AutoClearMs       int     `yaml:"auto_clear_ms" json:"auto_clear_ms"`

	// PromptDetector tunables, per spec.md §4.2.
	DebounceMs          int `yaml:"debounce_ms" json:"debounce_ms"`
	StabilizationMs     int `yaml:"stabilization_ms" json:"stabilization_ms"`
	LongStabilizationMs int `yaml:"long_stabilization_ms" json:"long_stabilization_ms"`
	InitialReadyTimeoutS int `yaml:"initial_ready_timeout_s" json:"initial_ready_timeout_s"`
	CompletionTimeoutS   int `yaml:"completion_timeout_s" json:"completion_timeout_s"`

	// SessionInstance stdin-chunking tunables, per spec.md §4.5.
	ChunkSizeSmall    int `yaml:"chunk_size_small" json:"chunk_size_small"`
	ChunkSizeLarge    int `yaml:"chunk_size_large" json:"chunk_size_large"`
	ChunkDelaySmallMs int `yaml:"chunk_delay_small_ms" json:"chunk_delay_small_ms"`
	ChunkDelayLargeMs int `yaml:"chunk_delay_large_ms" json:"chunk_delay_large_ms"`
}

// DefaultConfig returns default values aligned with spec.md's stated
// defaults for every tunable.
func DefaultConfig() Config {
	return Config{
		Port:                   5001,
		DataRoot:               "",
		NMax:                   10,
		SkipPermissionsDefault: false,
		ScreenBufferMax:        100 * 1024,
		ScreenTrimRatio:        0.75,
		ThrottleMs:             100,
		AutoClearMs:            0,
		DebounceMs:             2000,
		StabilizationMs:        4000,
		LongStabilizationMs:    8000,
		InitialReadyTimeoutS:   60,
		CompletionTimeoutS:     300,
		ChunkSizeSmall:         2048,
		ChunkSizeLarge:         4096,
		ChunkDelaySmallMs:      100,
		ChunkDelayLargeMs:      150,
	}
}

// DefaultPath resolves the config file path, preferring LOCALAPPDATA over
// APPDATA, falling back to ~/.config when both are unset, and then to
// os.TempDir() if the home directory cannot be resolved.
// The temp-dir fallback is not a stable persistence location and may vary
// between sessions depending on environment configuration.
func DefaultPath() string {
	base := strings.TrimSpace(os.Getenv("LOCALAPPDATA"))
	if base == "" {
		base = strings.TrimSpace(os.Getenv("APPDATA"))
	}
	if base == "" {
		home, err := userHomeDirFn()
		if err != nil {
			slog.Warn("[WARN-CONFIG] using temp dir as config path fallback", "error", err)
			recordDefaultPathWarning(
				"Config path fallback: failed to resolve LOCALAPPDATA/APPDATA/home directory. Using temp directory; settings persistence may be limited.",
			)
			base = os.TempDir()
		} else {
			base = filepath.Join(home, ".config")
		}
	}
	return filepath.Join(base, "sessionforge", "config.yaml")
}

// defaultDataRoot resolves where the registry database and queue store live
// when DataRoot is left unset.
func defaultDataRoot() string {
	return filepath.Dir(DefaultPath())
}

// Load reads config file. If file does not exist, defaults are returned.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, errors.New("config path required")
	}

	raw, err := readLimitedFile(path, maxConfigFileBytes)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			applyDefaultsAndValidate(&cfg)
			return cfg, nil
		}
		return cfg, err
	}
	if len(raw) == 0 {
		applyDefaultsAndValidate(&cfg)
		return cfg, nil
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		slog.Warn("[WARN-CONFIG] failed to parse config, using defaults", "path", path, "error", err)
		return DefaultConfig(), err
	}

	applyDefaultsAndValidate(&cfg)
	return cfg, nil
}

// EnsureFile writes default config if missing and returns loaded config.
func EnsureFile(path string) (Config, error) {
	cfg, err := Load(path)
	if err != nil {
		return cfg, err
	}
	if _, statErr := os.Stat(path); errors.Is(statErr, os.ErrNotExist) {
		if _, err := Save(path, cfg); err != nil {
			return cfg, err
		}
	}
	return cfg, nil
}

// Clone returns a deep copy of cfg. Config is currently flat (no reference
// types), so this is a value copy; it exists so callers sharing a config
// snapshot across goroutines never need to know whether that remains true.
func Clone(src Config) Config {
	return src
}

// Save validates cfg, fills defaults, and atomically writes to path.
// Returns the normalized config that was actually written to disk.
func Save(path string, cfg Config) (Config, error) {
	normalizedPath, err := validateConfigPath(path)
	if err != nil {
		return cfg, err
	}
	applyDefaultsAndValidate(&cfg)

	raw, err := yaml.Marshal(cfg)
	if err != nil {
		return cfg, fmt.Errorf("save config: marshal: %w", err)
	}
	if err := atomicWrite(normalizedPath, raw); err != nil {
		return cfg, err
	}
	slog.Debug("[DEBUG-CONFIG] config saved", "path", path)
	return cfg, nil
}

// atomicWrite writes config data using temp-file + rename to avoid partial
// writes and retries rename on Windows to tolerate transient file locks.
func atomicWrite(path string, data []byte) (err error) {
	dir := filepath.Dir(path)
	if err = os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("save config: mkdir: %w", err)
	}

	tmpFile, err := os.CreateTemp(dir, ".config.yaml.tmp.*")
	if err != nil {
		return fmt.Errorf("save config: create temp: %w", err)
	}
	tmpPath := tmpFile.Name()

	defer func() {
		if tmpFile != nil {
			if closeErr := tmpFile.Close(); closeErr != nil && !errors.Is(closeErr, os.ErrClosed) {
				slog.Warn("[WARN-CONFIG] failed to close temp file", "path", tmpPath, "error", closeErr)
			}
		}
		if err != nil {
			if removeErr := os.Remove(tmpPath); removeErr != nil && !errors.Is(removeErr, os.ErrNotExist) {
				slog.Warn("[WARN-CONFIG] failed to remove temp file", "path", tmpPath, "error", removeErr)
			}
		}
	}()

	if err = tmpFile.Chmod(0o600); err != nil {
		return fmt.Errorf("save config: chmod temp: %w", err)
	}
	if _, err = tmpFile.Write(data); err != nil {
		return fmt.Errorf("save config: write: %w", err)
	}
	if err = tmpFile.Sync(); err != nil {
		return fmt.Errorf("save config: sync: %w", err)
	}
	err = tmpFile.Close()
	tmpFile = nil
	if err != nil {
		return fmt.Errorf("save config: close: %w", err)
	}

	if err = renameFileWithRetry(tmpPath, path); err != nil {
		return fmt.Errorf("save config: rename: %w", err)
	}
	return nil
}

// validateConfigPath normalizes path and enforces that config writes stay
// inside the default config directory when that directory is resolvable.
func validateConfigPath(path string) (string, error) {
	trimmedPath := strings.TrimSpace(path)
	if trimmedPath == "" {
		return "", errors.New("config path required")
	}
	absolutePath, err := filepath.Abs(trimmedPath)
	if err != nil {
		return "", fmt.Errorf("save config: resolve path: %w", err)
	}

	expectedDir, err := defaultConfigDirFn()
	if err != nil {
		return "", fmt.Errorf("save config: resolve config dir: %w", err)
	}
	absoluteExpectedDir, err := filepath.Abs(expectedDir)
	if err != nil {
		return "", fmt.Errorf("save config: resolve config dir: %w", err)
	}
	if !pathWithinDir(absolutePath, absoluteExpectedDir) {
		return "", fmt.Errorf("save config: path outside config directory: %q", absolutePath)
	}

	return absolutePath, nil
}

func defaultConfigDir() (string, error) {
	return filepath.Dir(DefaultPath()), nil
}

// pathWithinDir blocks directory traversal by ensuring path is under dir.
// It also rejects Windows cross-drive escapes because filepath.Rel returns
// an absolute path when roots differ.
func pathWithinDir(path string, dir string) bool {
	relativePath, err := filepath.Rel(filepath.Clean(dir), filepath.Clean(path))
	if err != nil {
		return false
	}
	if relativePath == "." {
		return true
	}
	if relativePath == ".." || strings.HasPrefix(relativePath, ".."+string(os.PathSeparator)) {
		return false
	}
	return !filepath.IsAbs(relativePath)
}

// applyDefaultsAndValidate fills missing/out-of-range values in place. It
// never returns an error: an unparseable tunable falls back to its default
// so a misconfigured file never prevents startup.
func applyDefaultsAndValidate(cfg *Config) {
	if isZeroConfig(*cfg) {
		*cfg = DefaultConfig()
		return
	}
	defaults := DefaultConfig()

	if cfg.Port < 0 || cfg.Port > maxValidPort {
		slog.Warn("[WARN-CONFIG] port out of valid range, falling back to default", "configured", cfg.Port)
		cfg.Port = defaults.Port
	}
	if strings.TrimSpace(cfg.DataRoot) == "" {
		cfg.DataRoot = defaultDataRoot()
	}
	if cfg.NMax <= 0 {
		cfg.NMax = defaults.NMax
	}
	if cfg.ScreenBufferMax <= 0 {
		cfg.ScreenBufferMax = defaults.ScreenBufferMax
	}
	if cfg.ScreenTrimRatio <= 0 || cfg.ScreenTrimRatio >= 1 {
		cfg.ScreenTrimRatio = defaults.ScreenTrimRatio
	}
	if cfg.ThrottleMs < 0 {
		cfg.ThrottleMs = defaults.ThrottleMs
	}
	if cfg.AutoClearMs < 0 {
		cfg.AutoClearMs = defaults.AutoClearMs
	}
	if cfg.DebounceMs <= 0 {
		cfg.DebounceMs = defaults.DebounceMs
	}
	if cfg.StabilizationMs <= 0 {
		cfg.StabilizationMs = defaults.StabilizationMs
	}
	if cfg.LongStabilizationMs <= 0 {
		cfg.LongStabilizationMs = defaults.LongStabilizationMs
	}
	if cfg.InitialReadyTimeoutS <= 0 {
		cfg.InitialReadyTimeoutS = defaults.InitialReadyTimeoutS
	}
	if cfg.CompletionTimeoutS <= 0 {
		cfg.CompletionTimeoutS = defaults.CompletionTimeoutS
	}
	if cfg.ChunkSizeSmall <= 0 {
		cfg.ChunkSizeSmall = defaults.ChunkSizeSmall
	}
	if cfg.ChunkSizeLarge <= 0 {
		cfg.ChunkSizeLarge = defaults.ChunkSizeLarge
	}
	if cfg.ChunkDelaySmallMs <= 0 {
		cfg.ChunkDelaySmallMs = defaults.ChunkDelaySmallMs
	}
	if cfg.ChunkDelayLargeMs <= 0 {
		cfg.ChunkDelayLargeMs = defaults.ChunkDelayLargeMs
	}
}

func readLimitedFile(path string, maxBytes int64) ([]byte, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	limited := io.LimitReader(file, maxBytes+1)
	raw, err := io.ReadAll(limited)
	if err != nil {
		return nil, err
	}
	if int64(len(raw)) > maxBytes {
		return nil, fmt.Errorf("config file exceeds %d bytes", maxBytes)
	}
	return raw, nil
}

func isZeroConfig(cfg Config) bool {
	return reflect.DeepEqual(cfg, Config{})
}

func renameFileWithRetry(sourcePath string, targetPath string) error {
	var lastErr error
	for attempt := range maxRenameRetry {
		err := os.Rename(sourcePath, targetPath)
		if err == nil {
			return nil
		}
		lastErr = err
		if runtime.GOOS != "windows" {
			return err
		}
		time.Sleep(time.Duration(attempt+1) * renameRetryBaseDelay)
	}
	return lastErr
}
