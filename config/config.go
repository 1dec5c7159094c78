// Package config resolves the radio and bridge settings from the optional
// files under the citizenwatt configuration directory. Every source is
// optional: a missing or malformed one falls back to a compiled default.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/flynn/json5"
	"github.com/sirupsen/logrus"

	"github.com/citizenwatt/nrf24"
)

// File names under the configuration directory.
const (
	AddressFile  = "base_address"
	PowerFile    = "nrf_power"
	SettingsFile = "config.json"
)

// Compiled defaults.
const (
	DefaultAddress     uint64 = 0xE056D446D0
	DefaultPALevel            = nrf24.PALevelHigh
	DefaultChannel     byte   = 0x4C
	DefaultDataRate           = nrf24.DataRate1mbps
	DefaultPayloadSize byte   = 16
	DefaultCRCLength          = nrf24.CRCLength16
	DefaultRetryDelay  byte   = 15
	DefaultRetryCount  byte   = 15

	DefaultFIFOPath     = "/tmp/sensor"
	DefaultPollInterval = 2 * time.Second
)

var (
	ErrEmpty      = errors.New("config: empty value")
	ErrOutOfRange = errors.New("config: value out of range")
)

// Config is everything the receiver needs to run.
type Config struct {
	Radio nrf24.RadioConfig
	// FIFOPath is the named pipe packets are forwarded to.
	FIFOPath string
	// PollInterval is the pause between two polls of the radio. Zero polls
	// continuously.
	PollInterval time.Duration
	// Debug enables the per packet hex trace.
	Debug bool
	// ConfigurablePower makes Load honour the nrf_power file. When false the
	// PA level is always DefaultPALevel.
	ConfigurablePower bool
	// ReopenOnDisconnect waits for a new consumer when the current one closes
	// the pipe, instead of failing.
	ReopenOnDisconnect bool
}

// Default returns the compiled configuration.
func Default() Config {
	return Config{
		Radio: nrf24.RadioConfig{
			Address:     nrf24.AddressFromUint64(DefaultAddress),
			Channel:     DefaultChannel,
			PALevel:     DefaultPALevel,
			DataRate:    DefaultDataRate,
			PayloadSize: DefaultPayloadSize,
			CRCLength:   DefaultCRCLength,
			AutoAck:     true,
			RetryDelay:  DefaultRetryDelay,
			RetryCount:  DefaultRetryCount,
		},
		FIFOPath:          DefaultFIFOPath,
		PollInterval:      DefaultPollInterval,
		Debug:             true,
		ConfigurablePower: true,
	}
}

// DefaultDir returns $HOME/.config/citizenwatt, or a relative
// .config/citizenwatt when the home directory is unknown.
func DefaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".config", "citizenwatt")
	}
	return filepath.Join(home, ".config", "citizenwatt")
}

// Load builds the configuration from the files in dir. It never fails: each
// source that cannot be used is logged at debug level and its default kept.
func Load(dir string, log logrus.FieldLogger) Config {
	if log == nil {
		log = logrus.StandardLogger()
	}
	cfg := Default()

	settingsPath := filepath.Join(dir, SettingsFile)
	if s, err := ReadSettings(settingsPath); err != nil {
		entry := log.WithError(err).WithField("path", settingsPath)
		if errors.Is(err, fs.ErrNotExist) {
			entry.Debug("No settings file, using defaults")
		} else {
			entry.Warn("Ignoring unreadable settings file")
		}
	} else {
		s.Apply(&cfg, log)
	}

	addrPath := filepath.Join(dir, AddressFile)
	addr, err := ReadAddress(addrPath, DefaultAddress)
	if err != nil {
		log.WithError(err).WithField("path", addrPath).Debugf("Using default address %#x", addr)
	}
	cfg.Radio.Address = nrf24.AddressFromUint64(addr)

	if cfg.ConfigurablePower {
		powerPath := filepath.Join(dir, PowerFile)
		level, err := ReadPALevel(powerPath, DefaultPALevel)
		if err != nil {
			log.WithError(err).WithField("path", powerPath).Debugf("Using default PA level %s", level)
		}
		cfg.Radio.PALevel = level
	}
	return cfg
}

// ReadAddress reads a decimal 40-bit address from path. On any failure it
// returns fallback together with the reason.
func ReadAddress(path string, fallback uint64) (uint64, error) {
	s, err := readScalar(path)
	if err != nil {
		return fallback, err
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return fallback, fmt.Errorf("config: %s: %w", path, err)
	}
	if v > nrf24.MaxAddress {
		return fallback, fmt.Errorf("%w: %s: %d does not fit in 40 bits", ErrOutOfRange, path, v)
	}
	return v, nil
}

// ReadPALevel reads a power selector (0-3) from path. On any failure it
// returns fallback together with the reason.
func ReadPALevel(path string, fallback nrf24.PALevel) (nrf24.PALevel, error) {
	s, err := readScalar(path)
	if err != nil {
		return fallback, err
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fallback, fmt.Errorf("config: %s: %w", path, err)
	}
	level, err := PALevelFromSelector(n)
	if err != nil {
		return fallback, fmt.Errorf("%w: %s", err, path)
	}
	return level, nil
}

// PALevelFromSelector maps 0, 1, 2, 3 to Min, Low, Medium, High.
func PALevelFromSelector(n int64) (nrf24.PALevel, error) {
	switch n {
	case 0:
		return nrf24.PALevelMin, nil
	case 1:
		return nrf24.PALevelLow, nil
	case 2:
		return nrf24.PALevelMedium, nil
	case 3:
		return nrf24.PALevelHigh, nil
	}
	return 0, fmt.Errorf("%w: power selector %d", ErrOutOfRange, n)
}

// readScalar returns the first whitespace separated token of the file.
func readScalar(path string) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("config: %w", err)
	}
	fields := strings.Fields(string(b))
	if len(fields) == 0 {
		return "", fmt.Errorf("%w: %s", ErrEmpty, path)
	}
	return fields[0], nil
}

// Settings is the part of the shared citizenwatt config.json the receiver
// understands. Unknown keys are ignored; absent keys keep their default.
type Settings struct {
	NamedFIFO          string `json:"named_fifo"`
	Debug              *bool  `json:"debug"`
	PollIntervalMs     *int64 `json:"poll_interval_ms"`
	ConfigurablePower  *bool  `json:"configurable_power"`
	ReopenOnDisconnect *bool  `json:"reopen_on_disconnect"`
}

// ReadSettings parses the JSON5 settings file at path.
func ReadSettings(path string) (Settings, error) {
	var s Settings
	b, err := os.ReadFile(path)
	if err != nil {
		return s, fmt.Errorf("config: %w", err)
	}
	if err := json5.Unmarshal(b, &s); err != nil {
		return s, fmt.Errorf("config: %s: %w", path, err)
	}
	return s, nil
}

// Apply copies the settings that are present onto cfg.
func (s Settings) Apply(cfg *Config, log logrus.FieldLogger) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if s.NamedFIFO != "" {
		cfg.FIFOPath = s.NamedFIFO
	}
	if s.Debug != nil {
		cfg.Debug = *s.Debug
	}
	if s.PollIntervalMs != nil {
		if *s.PollIntervalMs < 0 {
			log.WithField("poll_interval_ms", *s.PollIntervalMs).Warn("Ignoring negative poll interval")
		} else {
			cfg.PollInterval = time.Duration(*s.PollIntervalMs) * time.Millisecond
		}
	}
	if s.ConfigurablePower != nil {
		cfg.ConfigurablePower = *s.ConfigurablePower
	}
	if s.ReopenOnDisconnect != nil {
		cfg.ReopenOnDisconnect = *s.ReopenOnDisconnect
	}
}
