package nrf24

import (
	"fmt"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"
)

// Hardware defaults, matching the usual Raspberry Pi wiring.
const (
	DefaultSpiBusPath = "/dev/spidev0.0"
	DefaultSpiClockHz = 8000000
	DefaultCEPin      = 25
)

// realPin wraps a gpio.PinIO to satisfy the Pin interface.
type realPin struct {
	gpio.PinIO
}

func (p *realPin) Out(l Level) error {
	if l == High {
		return p.PinIO.Out(gpio.High)
	}
	return p.PinIO.Out(gpio.Low)
}

// Config holds the wiring for the Linux/periph.io driver.
type Config struct {
	// CEPin is the GPIO pin number (BCM numbering) for the Chip Enable (CE) pin.
	// Defaults to 25 if not provided.
	CEPin int
	// SpiBusPath is the path to the SPI bus (e.g., "/dev/spidev0.0").
	// Defaults to "/dev/spidev0.0" if not provided.
	SpiBusPath string
	// SpiClockHz is the SPI clock frequency in Hz.
	// Defaults to 8000000 (8MHz) if not provided.
	SpiClockHz int
}

// New opens the SPI bus and CE pin using periph.io and returns a driver for
// the radio behind them. Call Begin before configuring the radio.
func New(c Config) (*Device, error) {
	// periph.io host drivers are needed for both SPI and GPIO
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("failed to initialize periph.io host: %w", err)
	}

	if c.SpiBusPath == "" {
		c.SpiBusPath = DefaultSpiBusPath
	}
	if c.SpiClockHz == 0 {
		c.SpiClockHz = DefaultSpiClockHz
	}
	if c.CEPin == 0 {
		c.CEPin = DefaultCEPin
	}

	p, err := spireg.Open(c.SpiBusPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open SPI port: %w", err)
	}

	// Mode 0, 8 bits
	conn, err := p.Connect(physic.Frequency(c.SpiClockHz)*physic.Hertz, spi.Mode0, 8)
	if err != nil {
		p.Close()
		return nil, fmt.Errorf("failed to create SPI connection: %w", err)
	}

	ceName := fmt.Sprintf("GPIO%d", c.CEPin)
	ce := gpioreg.ByName(ceName)
	if ce == nil {
		p.Close()
		return nil, fmt.Errorf("failed to open CE pin %s", ceName)
	}

	dev, err := NewWithHardware(conn, &realPin{PinIO: ce})
	if err != nil {
		p.Close()
		return nil, err
	}

	// Store the port closer so Close releases it
	dev.nrfPort = p
	return dev, nil
}
