// Package config implements the read-only configuration façade consumed by
// the bridge and mirror client: a handful of lazily-resolved paths plus
// environment-variable overridable runtime tunables.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/adrg/xdg"
)

const (
	// DefaultLogLevel controls verbosity for swb logs.
	DefaultLogLevel = "info"
	// DefaultLogPath is where structured logs are written.
	DefaultLogPath = "swb.log"
	// DefaultLogMaxSizeMB caps the size of a single log file before rotation.
	DefaultLogMaxSizeMB = 50
	// DefaultLogMaxBackups limits retained rotated log files.
	DefaultLogMaxBackups = 5
	// DefaultLogMaxAgeDays controls how long rotated log files are kept on disk.
	DefaultLogMaxAgeDays = 7
	// DefaultLogCompress toggles gzip compression for rotated log files.
	DefaultLogCompress = true

	// DefaultRelayDest is the relay URL the broadcast subcommand dials absent an override.
	DefaultRelayDest = "wss://spectatormode.tv/bridge_socket/websocket"
	// DefaultSourceSpec is the source spec used absent an override.
	DefaultSourceSpec = "dolphin://127.0.0.1:51441"
	// DefaultSourcePort is the default port for console/emulator sources.
	DefaultSourcePort = 51441

	// settingsFileName is the on-disk document holding the spectate output override.
	settingsFileName = "settings.json"
	// appDirName names the application's config subdirectory.
	appDirName = "swb"
)

// LoggingConfig captures structured logging configuration options.
type LoggingConfig struct {
	Level      string
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// RuntimeConfig captures environment-overridable runtime tunables that are
// not paths (those live behind the Facade since they require disk access).
type RuntimeConfig struct {
	RelayDest string
	Logging   LoggingConfig
}

// Load reads runtime tunables from environment variables, applying sane
// defaults and returning descriptive errors for invalid overrides.
func Load() (*RuntimeConfig, error) {
	cfg := &RuntimeConfig{
		RelayDest: getString("SWB_RELAY_DEST", DefaultRelayDest),
		Logging: LoggingConfig{
			Level:      strings.TrimSpace(getString("SWB_LOG_LEVEL", DefaultLogLevel)),
			Path:       strings.TrimSpace(getString("SWB_LOG_PATH", DefaultLogPath)),
			MaxSizeMB:  DefaultLogMaxSizeMB,
			MaxBackups: DefaultLogMaxBackups,
			MaxAgeDays: DefaultLogMaxAgeDays,
			Compress:   DefaultLogCompress,
		},
	}

	var problems []string

	if raw := strings.TrimSpace(os.Getenv("SWB_LOG_MAX_SIZE_MB")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("SWB_LOG_MAX_SIZE_MB must be a positive integer, got %q", raw))
		} else {
			cfg.Logging.MaxSizeMB = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("SWB_LOG_MAX_BACKUPS")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			problems = append(problems, fmt.Sprintf("SWB_LOG_MAX_BACKUPS must be a non-negative integer, got %q", raw))
		} else {
			cfg.Logging.MaxBackups = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("SWB_LOG_MAX_AGE_DAYS")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			problems = append(problems, fmt.Sprintf("SWB_LOG_MAX_AGE_DAYS must be a non-negative integer, got %q", raw))
		} else {
			cfg.Logging.MaxAgeDays = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("SWB_LOG_COMPRESS")); raw != "" {
		value, err := strconv.ParseBool(raw)
		if err != nil {
			problems = append(problems, fmt.Sprintf("SWB_LOG_COMPRESS must be a boolean value, got %q", raw))
		} else {
			cfg.Logging.Compress = value
		}
	}

	if len(problems) > 0 {
		return nil, fmt.Errorf("%s", strings.Join(problems, "; "))
	}

	return cfg, nil
}

func getString(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

// ConfigError classifies failures raised by the Facade
// (PlatformError, FileRead, FileWrite, JsonParse, JsonSerialize).
type ConfigError struct {
	Kind string
	Path string
	Err  error
}

func (e *ConfigError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("config: %s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("config: %s at %s: %v", e.Kind, e.Path, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// slippiLauncherSettings mirrors the subset of the external launcher's
// settings document the façade needs (isoPath, rootSlpPath).
type slippiLauncherSettings struct {
	Settings struct {
		ISOPath     string `json:"isoPath"`
		RootSlpPath string `json:"rootSlpPath"`
	} `json:"settings"`
}

type spectateSettings struct {
	SpectateDirectory string `json:"spectate_directory,omitempty"`
}

// Facade is the read-only, lazily-evaluated configuration surface consumed
// by the core streaming runtime.
type Facade struct {
	// launcherSettingsPath overrides the path to the external launcher's
	// settings document; empty means resolve it from the platform config dir.
	launcherSettingsPath string
	// root overrides the application config directory; empty means use xdg.
	root string
}

// NewFacade constructs the default Facade, resolving paths against the
// platform's XDG-style configuration directory.
func NewFacade() *Facade {
	return &Facade{}
}

// configDir returns (creating if absent) this application's config directory.
func (f *Facade) configDir() (string, error) {
	dir := f.root
	if dir == "" {
		path, err := xdg.ConfigFile(appDirName + "/.keep")
		if err != nil {
			return "", &ConfigError{Kind: "PlatformError", Err: err}
		}
		dir = filepath.Dir(path)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", &ConfigError{Kind: "FileRead", Path: dir, Err: err}
	}
	return dir, nil
}

// CommSpecPath returns the fixed path under the app config directory used
// for the mirror communication specification (launch.json).
func (f *Facade) CommSpecPath() (string, error) {
	dir, err := f.configDir()
	if err != nil {
		return "", err
	}
	tempDir := filepath.Join(dir, "temp")
	if err := os.MkdirAll(tempDir, 0o755); err != nil {
		return "", &ConfigError{Kind: "FileRead", Path: tempDir, Err: err}
	}
	return filepath.Join(tempDir, "launch.json"), nil
}

func (f *Facade) settingsPath() (string, error) {
	dir, err := f.configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, settingsFileName), nil
}

func (f *Facade) readSpectateSettings() (spectateSettings, string, error) {
	path, err := f.settingsPath()
	if err != nil {
		return spectateSettings{}, "", err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return spectateSettings{}, path, nil
		}
		return spectateSettings{}, path, &ConfigError{Kind: "FileRead", Path: path, Err: err}
	}
	if strings.TrimSpace(string(data)) == "" {
		return spectateSettings{}, path, nil
	}
	var settings spectateSettings
	if err := json.Unmarshal(data, &settings); err != nil {
		return spectateSettings{}, path, &ConfigError{Kind: "JsonParse", Path: path, Err: err}
	}
	return settings, path, nil
}

func (f *Facade) writeSpectateSettings(settings spectateSettings) error {
	path, err := f.settingsPath()
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return &ConfigError{Kind: "JsonSerialize", Path: path, Err: err}
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return &ConfigError{Kind: "FileWrite", Path: path, Err: err}
	}
	return nil
}

// launcherSettings reads and parses the external Slippi Launcher settings
// document, used to discover the ISO path and root replay directory.
func (f *Facade) launcherSettings() (slippiLauncherSettings, error) {
	path := f.launcherSettingsPath
	if path == "" {
		dir, err := f.configDir()
		if err != nil {
			return slippiLauncherSettings{}, err
		}
		join := "../Slippi Launcher"
		if runtime.GOOS == "windows" {
			join = "../../Slippi Launcher"
		}
		path = filepath.Join(dir, join, "Settings")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return slippiLauncherSettings{}, &ConfigError{Kind: "FileRead", Path: path, Err: err}
	}
	var settings slippiLauncherSettings
	if err := json.Unmarshal(data, &settings); err != nil {
		return slippiLauncherSettings{}, &ConfigError{Kind: "JsonParse", Path: path, Err: err}
	}
	return settings, nil
}

// ISOPath returns the path to the ISO stored in the external launcher's settings.
func (f *Facade) ISOPath() (string, error) {
	settings, err := f.launcherSettings()
	if err != nil {
		return "", err
	}
	return settings.Settings.ISOPath, nil
}

// SpectateOutputDir returns the directory replays being spectated are
// downloaded into, defaulting to "<rootSlpPath>/Spectate" and persisting
// that default to settings.json the first time it is computed.
func (f *Facade) SpectateOutputDir() (string, error) {
	settings, _, err := f.readSpectateSettings()
	if err != nil {
		return "", err
	}

	dir := settings.SpectateDirectory
	if dir == "" {
		launcher, err := f.launcherSettings()
		if err != nil {
			return "", err
		}
		dir = filepath.Join(launcher.Settings.RootSlpPath, "Spectate")
		settings.SpectateDirectory = dir
		if err := f.writeSpectateSettings(settings); err != nil {
			return "", err
		}
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", &ConfigError{Kind: "FileRead", Path: dir, Err: err}
	}
	return dir, nil
}

// PlaybackExecutablePath resolves the platform-specific path to the
// external Slippi Dolphin playback executable, mirroring
// auto-slp-player's per-OS table.
func (f *Facade) PlaybackExecutablePath() (string, error) {
	dir, err := f.configDir()
	if err != nil {
		return "", err
	}
	join := "../Slippi Launcher/playback"
	if runtime.GOOS == "windows" {
		join = "../../Slippi Launcher/playback"
	}
	playbackDir := filepath.Join(dir, join)

	switch runtime.GOOS {
	case "linux":
		return filepath.Join(playbackDir, "Slippi_Playback-x86_64.AppImage"), nil
	case "darwin":
		return filepath.Join(playbackDir, "Slippi Dolphin.app", "Contents", "MacOS", "Slippi Dolphin"), nil
	case "windows":
		return filepath.Join(playbackDir, "Slippi Dolphin.exe"), nil
	default:
		return "", &ConfigError{Kind: "PlatformError", Err: fmt.Errorf("unsupported platform %q", runtime.GOOS)}
	}
}
