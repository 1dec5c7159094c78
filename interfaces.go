package nrf24

// Level represents the logical level of a pin (Low or High).
type Level bool

const (
	Low  Level = false
	High Level = true
)

// SPI represents a generic SPI connection.
type SPI interface {
	// Tx sends w and reads into r.
	// len(r) must be >= len(w). w and r may be the same slice.
	Tx(w, r []byte) error
}

// Pin represents the output pin driving the radio's Chip Enable line.
type Pin interface {
	// Out sets the pin as output with the given level.
	Out(l Level) error
}
