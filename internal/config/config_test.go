package config

import (
	"bytes"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

func newConfigPathForSaveTest(t *testing.T, elems ...string) string {
	t.Helper()
	localAppData := t.TempDir()
	t.Setenv("LOCALAPPDATA", localAppData)
	t.Setenv("APPDATA", "")

	defaultPath := DefaultPath()
	return filepath.Join(filepath.Dir(defaultPath), filepath.Join(elems...))
}

func TestPathWithinDir(t *testing.T) {
	baseDir := t.TempDir()
	configDir := filepath.Join(baseDir, "config")

	tests := []struct {
		name string
		path string
		dir  string
		want bool
	}{
		{name: "same path", path: configDir, dir: configDir, want: true},
		{name: "subdirectory path", path: filepath.Join(configDir, "sub", "config.yaml"), dir: configDir, want: true},
		{name: "traversal path", path: filepath.Join(configDir, "..", "outside.yaml"), dir: configDir, want: false},
		{name: "different path", path: filepath.Join(baseDir, "other", "config.yaml"), dir: configDir, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := pathWithinDir(tt.path, tt.dir)
			if got != tt.want {
				t.Fatalf("pathWithinDir(%q, %q) = %v, want %v", tt.path, tt.dir, got, tt.want)
			}
		})
	}
}

func TestIsZeroConfig(t *testing.T) {
	if !isZeroConfig(Config{}) {
		t.Fatal("isZeroConfig(Config{}) = false, want true")
	}
	if isZeroConfig(DefaultConfig()) {
		t.Fatal("isZeroConfig(DefaultConfig()) = true, want false")
	}

	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"port set", func(c *Config) { c.Port = 9000 }},
		{"data root set", func(c *Config) { c.DataRoot = "/tmp/x" }},
		{"n_max set", func(c *Config) { c.NMax = 3 }},
		{"skip permissions default set", func(c *Config) { c.SkipPermissionsDefault = true }},
		{"throttle_ms set", func(c *Config) { c.ThrottleMs = 50 }},
	}
	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Config{}
			tt.mutate(&cfg)
			if isZeroConfig(cfg) {
				t.Fatal("isZeroConfig() = true, want false")
			}
		})
	}
}

func TestDefaultPathUsesLocalAppDataWhenAvailable(t *testing.T) {
	t.Setenv("LOCALAPPDATA", `C:\Users\tester\AppData\Local`)
	t.Setenv("APPDATA", "")

	path := DefaultPath()
	want := filepath.Join(`C:\Users\tester\AppData\Local`, "sessionforge", "config.yaml")
	if path != want {
		t.Fatalf("DefaultPath() = %q, want %q", path, want)
	}
}

func TestDefaultPathFallsBackToAppData(t *testing.T) {
	t.Setenv("LOCALAPPDATA", "")
	t.Setenv("APPDATA", `C:\Users\tester\AppData\Roaming`)

	path := DefaultPath()
	want := filepath.Join(`C:\Users\tester\AppData\Roaming`, "sessionforge", "config.yaml")
	if path != want {
		t.Fatalf("DefaultPath() = %q, want %q", path, want)
	}
}

func TestDefaultPathFallsBackToTempDirWhenHomeDirUnavailable(t *testing.T) {
	originalUserHomeDirFn := userHomeDirFn
	t.Cleanup(func() { userHomeDirFn = originalUserHomeDirFn })
	ConsumeDefaultPathWarnings()
	t.Cleanup(func() { ConsumeDefaultPathWarnings() })

	userHomeDirFn = func() (string, error) {
		return "", errors.New("simulated home dir resolution failure")
	}
	t.Setenv("LOCALAPPDATA", "")
	t.Setenv("APPDATA", "")

	path := DefaultPath()
	want := filepath.Join(os.TempDir(), "sessionforge", "config.yaml")
	if path != want {
		t.Fatalf("DefaultPath() = %q, want %q", path, want)
	}
}

func TestDefaultPathLogsWarningWhenFallingBackToTempDir(t *testing.T) {
	originalUserHomeDirFn := userHomeDirFn
	originalLogger := slog.Default()
	t.Cleanup(func() {
		userHomeDirFn = originalUserHomeDirFn
		slog.SetDefault(originalLogger)
	})
	ConsumeDefaultPathWarnings()
	t.Cleanup(func() { ConsumeDefaultPathWarnings() })

	var logBuf bytes.Buffer
	slog.SetDefault(slog.New(slog.NewTextHandler(&logBuf, &slog.HandlerOptions{Level: slog.LevelWarn})))

	userHomeDirFn = func() (string, error) {
		return "", errors.New("simulated home dir resolution failure")
	}
	t.Setenv("LOCALAPPDATA", "")
	t.Setenv("APPDATA", "")

	_ = DefaultPath()

	if !strings.Contains(logBuf.String(), "using temp dir as config path fallback") {
		t.Fatalf("log output = %q, want temp-dir fallback warning", logBuf.String())
	}
}

func TestDefaultPathRecordsUserVisibleWarningOnTempDirFallback(t *testing.T) {
	originalUserHomeDirFn := userHomeDirFn
	t.Cleanup(func() { userHomeDirFn = originalUserHomeDirFn })
	ConsumeDefaultPathWarnings()
	t.Cleanup(func() { ConsumeDefaultPathWarnings() })

	userHomeDirFn = func() (string, error) {
		return "", errors.New("simulated home dir resolution failure")
	}
	t.Setenv("LOCALAPPDATA", "")
	t.Setenv("APPDATA", "")

	_ = DefaultPath()
	warnings := ConsumeDefaultPathWarnings()
	if len(warnings) == 0 {
		t.Fatal("ConsumeDefaultPathWarnings() returned no warning for temp-dir fallback")
	}
	if !strings.Contains(warnings[0], "Config path fallback") {
		t.Fatalf("warning = %q, want fallback message", warnings[0])
	}
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.NMax != DefaultConfig().NMax {
		t.Fatalf("NMax = %d, want default %d", cfg.NMax, DefaultConfig().NMax)
	}
}

func TestLoadAppliesDefaultsForMissingFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	raw := []byte("n_max: 4\n")
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.NMax != 4 {
		t.Fatalf("NMax = %d, want 4", cfg.NMax)
	}
	if cfg.ThrottleMs != DefaultConfig().ThrottleMs {
		t.Fatalf("ThrottleMs = %d, want default %d", cfg.ThrottleMs, DefaultConfig().ThrottleMs)
	}
	if cfg.DataRoot == "" {
		t.Fatal("DataRoot should be filled with a default when unset")
	}
}

func TestLoadRejectsOutOfRangePortByFallingBackToDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	raw := []byte("port: 99999\nn_max: 2\n")
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Port != DefaultConfig().Port {
		t.Fatalf("Port = %d, want default %d for out-of-range input", cfg.Port, DefaultConfig().Port)
	}
}

func TestLoadIgnoresUnknownFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	raw := []byte("unknown_legacy_field:\n  enabled: true\n")
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	if _, err := Load(path); err != nil {
		t.Fatalf("Load() should tolerate unknown fields: %v", err)
	}
}

func TestSave(t *testing.T) {
	t.Run("valid config", func(t *testing.T) {
		path := newConfigPathForSaveTest(t, "sub", "config.yaml")
		cfg := DefaultConfig()
		if _, err := Save(path, cfg); err != nil {
			t.Fatalf("Save() error = %v", err)
		}
		info, err := os.Stat(path)
		if err != nil {
			t.Fatalf("stat config: %v", err)
		}
		if info.IsDir() {
			t.Fatal("Save() created a directory instead of file")
		}
	})

	t.Run("round trip", func(t *testing.T) {
		path := newConfigPathForSaveTest(t, "config.yaml")
		cfg := DefaultConfig()
		cfg.NMax = 5
		cfg.Port = 9123
		cfg.ThrottleMs = 250
		cfg.SkipPermissionsDefault = true

		if _, err := Save(path, cfg); err != nil {
			t.Fatalf("Save() error = %v", err)
		}
		loaded, err := Load(path)
		if err != nil {
			t.Fatalf("Load() error = %v", err)
		}
		if loaded.NMax != 5 {
			t.Errorf("NMax = %d, want 5", loaded.NMax)
		}
		if loaded.Port != 9123 {
			t.Errorf("Port = %d, want 9123", loaded.Port)
		}
		if loaded.ThrottleMs != 250 {
			t.Errorf("ThrottleMs = %d, want 250", loaded.ThrottleMs)
		}
		if !loaded.SkipPermissionsDefault {
			t.Error("SkipPermissionsDefault = false, want true")
		}
	})

	t.Run("returns normalized config for empty input", func(t *testing.T) {
		path := newConfigPathForSaveTest(t, "config.yaml")
		normalized, err := Save(path, Config{})
		if err != nil {
			t.Fatalf("Save() error = %v", err)
		}
		if normalized.NMax != DefaultConfig().NMax {
			t.Errorf("normalized.NMax = %d, want %d", normalized.NMax, DefaultConfig().NMax)
		}
		if normalized.Port != DefaultConfig().Port {
			t.Errorf("normalized.Port = %d, want %d", normalized.Port, DefaultConfig().Port)
		}
	})

	t.Run("rejects empty path", func(t *testing.T) {
		if _, err := Save("", DefaultConfig()); err == nil {
			t.Fatal("Save() expected empty path error")
		}
	})

	t.Run("rejects whitespace-only path", func(t *testing.T) {
		if _, err := Save("   ", DefaultConfig()); err == nil {
			t.Fatal("Save() expected whitespace-only path error")
		}
	})

	t.Run("overwrites existing file", func(t *testing.T) {
		path := newConfigPathForSaveTest(t, "config.yaml")

		cfg1 := DefaultConfig()
		cfg1.NMax = 2
		if _, err := Save(path, cfg1); err != nil {
			t.Fatalf("Save() initial error = %v", err)
		}

		cfg2 := DefaultConfig()
		cfg2.NMax = 7
		if _, err := Save(path, cfg2); err != nil {
			t.Fatalf("Save() overwrite error = %v", err)
		}

		loaded, err := Load(path)
		if err != nil {
			t.Fatalf("Load() error = %v", err)
		}
		if loaded.NMax != 7 {
			t.Errorf("NMax = %d, want 7 (overwrite failed)", loaded.NMax)
		}
	})

	t.Run("rejects path outside default config directory", func(t *testing.T) {
		_ = newConfigPathForSaveTest(t, "config.yaml")
		outsidePath := filepath.Join(t.TempDir(), "outside-config.yaml")

		if _, err := Save(outsidePath, DefaultConfig()); err == nil {
			t.Fatal("Save() expected path validation error")
		}
	})

	t.Run("rename failure removes temp file", func(t *testing.T) {
		path := newConfigPathForSaveTest(t, "config.yaml")
		if err := os.MkdirAll(path, 0o700); err != nil {
			t.Fatalf("mkdir path as directory: %v", err)
		}

		if _, err := Save(path, DefaultConfig()); err == nil {
			t.Fatal("Save() expected rename failure")
		}

		pattern := filepath.Join(filepath.Dir(path), ".config.yaml.tmp.*")
		tempFiles, globErr := filepath.Glob(pattern)
		if globErr != nil {
			t.Fatalf("glob temp files: %v", globErr)
		}
		if len(tempFiles) != 0 {
			t.Fatalf("temporary files were not cleaned up: %v", tempFiles)
		}
	})
}

func TestReadLimitedFileRejectsTooLargeFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "large-config.yaml")
	oversized := bytes.Repeat([]byte("a"), int(maxConfigFileBytes+1))
	if err := os.WriteFile(path, oversized, 0o600); err != nil {
		t.Fatalf("write oversized config: %v", err)
	}

	if _, err := readLimitedFile(path, maxConfigFileBytes); err == nil {
		t.Fatal("readLimitedFile() expected size limit error")
	}
}

func TestReadLimitedFileAllowsFileAtExactMaxBytes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "exact-config.yaml")
	exactSize := bytes.Repeat([]byte("a"), int(maxConfigFileBytes))
	if err := os.WriteFile(path, exactSize, 0o600); err != nil {
		t.Fatalf("write exact-size config: %v", err)
	}

	raw, err := readLimitedFile(path, maxConfigFileBytes)
	if err != nil {
		t.Fatalf("readLimitedFile() error = %v", err)
	}
	if got := int64(len(raw)); got != maxConfigFileBytes {
		t.Fatalf("read bytes = %d, want %d", got, maxConfigFileBytes)
	}
}

func TestValidateConfigPathReturnsErrorWhenDefaultConfigDirResolutionFails(t *testing.T) {
	original := defaultConfigDirFn
	t.Cleanup(func() { defaultConfigDirFn = original })

	defaultConfigDirFn = func() (string, error) {
		return "", errors.New("simulated default dir error")
	}

	path := filepath.Join(t.TempDir(), "config.yaml")
	if _, err := validateConfigPath(path); err == nil {
		t.Fatal("validateConfigPath() expected error when default config dir resolution fails")
	}
}

func TestConfigStructFieldCount(t *testing.T) {
	if got := reflect.TypeFor[Config]().NumField(); got != 17 {
		t.Fatalf("Config field count = %d, want 17; update tests alongside new tunables", got)
	}
}

func TestCloneIsIndependentCopy(t *testing.T) {
	src := DefaultConfig()
	src.NMax = 3
	cloned := Clone(src)
	cloned.NMax = 9
	if src.NMax != 3 {
		t.Fatalf("source NMax mutated via Clone: %d", src.NMax)
	}
}
