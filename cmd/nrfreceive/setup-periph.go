package main

import (
	"github.com/citizenwatt/nrf24"
)

// Setup opens the radio on the Linux SPI bus through periph.io.
func Setup(hw nrf24.Config) (*nrf24.Device, error) {
	return nrf24.New(hw)
}
