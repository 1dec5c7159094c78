// Command nrfreceive listens on an nRF24L01+ radio and writes every packet
// it receives to a named pipe.
package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/citizenwatt/nrf24"
	"github.com/citizenwatt/nrf24/bridge"
	"github.com/citizenwatt/nrf24/config"
)

func main() {
	log := logrus.New()
	log.Out = os.Stdout
	log.Formatter = &logrus.TextFormatter{FullTimestamp: true}
	// Lowered once the configuration is known.
	log.SetLevel(logrus.DebugLevel)

	cli, err := parseConfig(os.Args[1:], os.LookupEnv, func(dir string) config.Config {
		return config.Load(dir, log)
	})
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		log.WithError(err).Error("Invalid arguments")
		os.Exit(2)
	}
	os.Exit(run(cli, log))
}

func run(cli cliConfig, log *logrus.Logger) int {
	if !cli.cfg.Debug {
		log.SetLevel(logrus.InfoLevel)
	}
	nrf24.SetLogger(log.WithField("component", "nrf24"))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	log.Info("Starting NRF24L01+ receiver...")
	radio, err := Setup(cli.hw)
	if err != nil {
		log.WithError(err).Error("Failed to initialize radio")
		return 1
	}

	if err := bridge.New(radio, cli.cfg, log).Run(ctx); err != nil {
		log.WithError(err).Error("Receiver stopped")
		return 1
	}
	return 0
}

type cliConfig struct {
	configDir string
	hw        nrf24.Config
	cfg       config.Config
}

// parseConfig resolves the configuration. Later sources win: compiled
// defaults, then the files in the configuration directory (read by load),
// then NRF_* environment variables, then flags.
func parseConfig(args []string, lookup func(string) (string, bool), load func(dir string) config.Config) (cliConfig, error) {
	defaults := config.Default()
	var (
		dir      = envString(lookup, "NRF_CONFIG_DIR", config.DefaultDir())
		fifoPath string
		debug    bool
		poll     time.Duration
		power    bool
		reopen   bool
		hw       nrf24.Config
	)

	fs := flag.NewFlagSet("nrfreceive", flag.ContinueOnError)
	fs.StringVar(&dir, "config-dir", dir, "Directory holding base_address, nrf_power and config.json")
	fs.StringVar(&fifoPath, "fifo", defaults.FIFOPath, "Named pipe packets are written to")
	fs.BoolVar(&debug, "debug", defaults.Debug, "Log every received packet in hex")
	fs.DurationVar(&poll, "poll-interval", defaults.PollInterval, "Pause between two polls of the radio")
	fs.BoolVar(&power, "configurable-power", defaults.ConfigurablePower, "Read the PA level from nrf_power")
	fs.BoolVar(&reopen, "reopen", defaults.ReopenOnDisconnect, "Wait for a new reader when the current one goes away")
	fs.StringVar(&hw.SpiBusPath, "spi", envString(lookup, "NRF_SPI", nrf24.DefaultSpiBusPath), "SPI device")
	fs.IntVar(&hw.SpiClockHz, "spi-hz", envInt(lookup, "NRF_SPI_HZ", nrf24.DefaultSpiClockHz), "SPI clock in Hz")
	fs.IntVar(&hw.CEPin, "ce", envInt(lookup, "NRF_CE_PIN", nrf24.DefaultCEPin), "BCM number of the CE pin")

	if err := fs.Parse(args); err != nil {
		return cliConfig{}, err
	}
	if fs.NArg() > 0 {
		return cliConfig{}, errors.New("unexpected arguments: " + strconv.Quote(fs.Arg(0)))
	}
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })

	cfg := load(dir)
	cfg.FIFOPath = envString(lookup, "NRF_FIFO", cfg.FIFOPath)
	cfg.Debug = envBool(lookup, "NRF_DEBUG", cfg.Debug)
	cfg.PollInterval = envDuration(lookup, "NRF_POLL_INTERVAL", cfg.PollInterval)

	if set["fifo"] {
		cfg.FIFOPath = fifoPath
	}
	if set["debug"] {
		cfg.Debug = debug
	}
	if set["poll-interval"] {
		cfg.PollInterval = poll
	}
	if set["reopen"] {
		cfg.ReopenOnDisconnect = reopen
	}
	if set["configurable-power"] && power != cfg.ConfigurablePower {
		cfg.ConfigurablePower = power
		cfg.Radio.PALevel = config.DefaultPALevel
		if power {
			if level, err := config.ReadPALevel(filepath.Join(dir, config.PowerFile), config.DefaultPALevel); err == nil {
				cfg.Radio.PALevel = level
			}
		}
	}

	if cfg.FIFOPath == "" {
		return cliConfig{}, errors.New("named pipe path is empty")
	}
	if cfg.PollInterval < 0 {
		return cliConfig{}, errors.New("poll interval is negative")
	}
	return cliConfig{configDir: dir, hw: hw, cfg: cfg}, nil
}

func envString(lookup func(string) (string, bool), key, def string) string {
	if val, ok := lookup(key); ok {
		return val
	}
	return def
}

func envInt(lookup func(string) (string, bool), key string, def int) int {
	if val, ok := lookup(key); ok {
		if parsed, err := strconv.Atoi(val); err == nil {
			return parsed
		}
	}
	return def
}

func envBool(lookup func(string) (string, bool), key string, def bool) bool {
	if val, ok := lookup(key); ok {
		if parsed, err := strconv.ParseBool(val); err == nil {
			return parsed
		}
	}
	return def
}

func envDuration(lookup func(string) (string, bool), key string, def time.Duration) time.Duration {
	if val, ok := lookup(key); ok {
		if parsed, err := time.ParseDuration(val); err == nil && parsed >= 0 {
			return parsed
		}
	}
	return def
}
