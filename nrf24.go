package nrf24

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"
)

var (
	ErrPkg           = errors.New("nrf24dev")
	ErrNotResponding = errors.New("radio not responding")
	ErrPayloadSize   = errors.New("payload size mismatch")
)

// Address is a 40-bit pipe address. It is stored least significant byte
// first, the order in which the radio expects it over SPI.
type Address [5]byte

// MaxAddress is the largest value that fits in an Address.
const MaxAddress uint64 = 1<<40 - 1

// AddressFromUint64 converts the low 40 bits of v into an Address.
func AddressFromUint64(v uint64) Address {
	var a Address
	for i := range a {
		a[i] = byte(v >> (8 * i))
	}
	return a
}

// Uint64 returns the address as an integer.
func (a Address) Uint64() uint64 {
	var v uint64
	for i := len(a) - 1; i >= 0; i-- {
		v = v<<8 | uint64(a[i])
	}
	return v
}

func (a Address) String() string {
	return fmt.Sprintf("%02X:%02X:%02X:%02X:%02X", a[4], a[3], a[2], a[1], a[0])
}

type (
	DataRate  byte
	PALevel   byte
	CRCLength byte
)

const (
	// DataRate1mbps represents a data rate of 1mbps
	DataRate1mbps DataRate = iota
	// DataRate2mbps represents a data rate of 2mbps
	DataRate2mbps
	// DataRate250kbps represents a data rate of 250kbps
	DataRate250kbps
)

func (d DataRate) String() string {
	switch d {
	case DataRate250kbps:
		return "250kbps"
	case DataRate1mbps:
		return "1mbps"
	case DataRate2mbps:
		return "2mbps"
	default:
		return "unknown"
	}
}

const (
	// PALevelMin represents a power amplifier level of -18dBm
	PALevelMin PALevel = iota
	// PALevelLow represents a power amplifier level of -12dBm
	PALevelLow
	// PALevelMedium represents a power amplifier level of -6dBm
	PALevelMedium
	// PALevelHigh represents a power amplifier level of 0dBm
	PALevelHigh
)

func (p PALevel) String() string {
	switch p {
	case PALevelMin:
		return "-18dBm"
	case PALevelLow:
		return "-12dBm"
	case PALevelMedium:
		return "-6dBm"
	case PALevelHigh:
		return "0dBm"
	default:
		return "unknown"
	}
}

const (
	// CRCLengthDisabled disables CRC
	CRCLengthDisabled CRCLength = iota
	// CRCLength8 enables 8-bit CRC
	CRCLength8
	// CRCLength16 enables 16-bit CRC
	CRCLength16
)

func (c CRCLength) String() string {
	switch c {
	case CRCLengthDisabled:
		return "disabled"
	case CRCLength8:
		return "8 bits"
	case CRCLength16:
		return "16 bits"
	default:
		return "unknown"
	}
}

// --- NRF24L01 Registers/Commands/Bits ---

// NRF24 Register Addresses
const (
	_CONFIG     = 0x00
	_EN_AA      = 0x01 // Auto Ack
	_EN_RXADDR  = 0x02
	_SETUP_AW   = 0x03
	_SETUP_RETR = 0x04
	_RF_CH      = 0x05
	_RF_SETUP   = 0x06
	_STATUS     = 0x07
	_RX_ADDR_P0 = 0x0A
	_RX_PW_P0   = 0x11 // Receive Payload Width for Data Pipe 0
	_DYNPD      = 0x1C // Dynamic Payload Register
	_FEATURE    = 0x1D // Feature Register

	_W_REGISTER   = 0x20
	_R_RX_PAYLOAD = 0x61
	_FLUSH_TX     = 0xE1
	_FLUSH_RX     = 0xE2
	_NOP          = 0xFF
)

// NRF24 Register Bit Definitions
const (
	_PWR_UP  = 1 << 1
	_PRIM_RX = 1 << 0
	_RX_DR   = 1 << 6
	_TX_DS   = 1 << 5
	_MAX_RT  = 1 << 4
	_EN_CRC  = 1 << 3
	_CRCO    = 1 << 2

	_ERX_P0 = 1 << 0
	_ERX_P1 = 1 << 1

	_AA_ALL = 0x3F // Auto Ack on pipes 0-5
)

const (
	// MaxPayloadSize is the largest static payload the radio accepts.
	MaxPayloadSize = 32
	// MaxChannel is the highest RF channel (2525 MHz).
	MaxChannel = 125
	// MaxRetries bounds both the retransmit count and delay settings.
	MaxRetries = 15
	// Pipes is the number of reading pipes.
	Pipes = 6
)

// Values loaded by Begin. The read back of _resetChannel is what tells a live
// radio apart from a dead bus.
const (
	_resetChannel = 76
	_resetRetries = 5<<4 | 15
)

// RadioConfig holds the parameters applied to the radio before it starts
// listening.
type RadioConfig struct {
	// Address is the 40-bit address the reading pipe is bound to.
	Address Address
	// Channel determines the frequency, 2400 MHz + Channel. The range is 0 to 125.
	// Channel numbers like 70-80 sit above the main Wi-Fi spectrum used in many regions.
	Channel byte
	// PALevel sets the power amplifier level.
	PALevel PALevel
	// DataRate sets the air data rate. Both ends must agree on it.
	DataRate DataRate
	// PayloadSize is the static payload size in bytes.
	// Range: 1 to 32.
	PayloadSize byte
	// CRCLength sets the CRC length.
	CRCLength CRCLength
	// AutoAck enables hardware auto-acknowledgements.
	AutoAck bool
	// RetryDelay sets the auto-retransmit delay in steps of 250us: 0 is 250us, 15 is 4000us.
	RetryDelay byte
	// RetryCount sets the auto-retransmit count.
	// Range: 0 to 15.
	RetryCount byte
}

// Validate reports the first field that is outside what the radio accepts.
func (c RadioConfig) Validate() error {
	switch {
	case c.Channel > MaxChannel:
		return fmt.Errorf("%w: channel number must be between 0 and %d", ErrPkg, MaxChannel)
	case c.PayloadSize == 0 || c.PayloadSize > MaxPayloadSize:
		return fmt.Errorf("%w: payload size must be between 1 and %d", ErrPkg, MaxPayloadSize)
	case c.PALevel > PALevelHigh:
		return fmt.Errorf("%w: unknown PA level %d", ErrPkg, c.PALevel)
	case c.DataRate > DataRate250kbps:
		return fmt.Errorf("%w: unknown data rate %d", ErrPkg, c.DataRate)
	case c.CRCLength > CRCLength16:
		return fmt.Errorf("%w: unknown CRC length %d", ErrPkg, c.CRCLength)
	case c.RetryDelay > MaxRetries || c.RetryCount > MaxRetries:
		return fmt.Errorf("%w: retry delay and count must be between 0 and %d", ErrPkg, MaxRetries)
	}
	return nil
}

// Device drives one NRF24L01(+) module in receive mode.
type Device struct {
	conn      SPI
	ce        Pin
	nrfPort   io.Closer
	mu        sync.Mutex
	config    RadioConfig
	listening bool
	scratch   [MaxPayloadSize + 1]byte // Max payload (32) + 1 status byte
}

// NewWithHardware creates a driver on top of the provided hardware interfaces.
// The radio is not touched until Begin is called.
func NewWithHardware(conn SPI, ce Pin) (*Device, error) {
	if conn == nil {
		return nil, fmt.Errorf("%w: SPI connection not configured", ErrPkg)
	}
	if ce == nil {
		return nil, fmt.Errorf("%w: CE pin not configured", ErrPkg)
	}
	return &Device{
		conn:   conn,
		ce:     ce,
		config: resetConfig(),
	}, nil
}

// resetConfig mirrors the register values written by Begin.
func resetConfig() RadioConfig {
	return RadioConfig{
		Channel:     _resetChannel,
		PALevel:     PALevelHigh,
		DataRate:    DataRate1mbps,
		PayloadSize: MaxPayloadSize,
		CRCLength:   CRCLength16,
		AutoAck:     true,
		RetryDelay:  _resetRetries >> 4,
		RetryCount:  _resetRetries & 0x0F,
	}
}

// Begin resets the radio to a known configuration and powers it up in
// standby. It returns ErrNotResponding when the radio does not read back what
// was written to it, which is how a missing or miswired module shows up.
// This method is concurrent safe.
func (d *Device) Begin() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	globalLogger.Info("Initializing NRF24L01 SPI communication...")

	// Ensure CE is Low (Standby-I) during configuration
	if err := d.setCE(false); err != nil {
		return err
	}
	d.listening = false
	// Power on reset takes up to 5ms.
	time.Sleep(5 * time.Millisecond)

	d.config = resetConfig()
	regs := []struct{ reg, val byte }{
		{_CONFIG, _EN_CRC | _CRCO},
		{_SETUP_AW, 0x03}, // 5 byte addresses
		{_SETUP_RETR, _resetRetries},
		{_RF_SETUP, rfSetup(d.config.DataRate, d.config.PALevel)},
		{_FEATURE, 0},
		{_DYNPD, 0},
		{_EN_AA, _AA_ALL},
		{_EN_RXADDR, _ERX_P0 | _ERX_P1},
		{_RF_CH, _resetChannel},
		{_STATUS, _RX_DR | _TX_DS | _MAX_RT},
	}
	for _, r := range regs {
		if err := d.writeRegister(r.reg, r.val); err != nil {
			return err
		}
	}
	if err := d.command(_FLUSH_TX); err != nil {
		return err
	}
	if err := d.command(_FLUSH_RX); err != nil {
		return err
	}

	// Read back the channel to ensure SPI write/read is working
	ch, err := d.readRegister(_RF_CH)
	if err != nil {
		return err
	}
	if ch != _resetChannel {
		return fmt.Errorf("%w: %w: check wiring/power", ErrPkg, ErrNotResponding)
	}

	if err := d.writeRegister(_CONFIG, _EN_CRC|_CRCO|_PWR_UP); err != nil {
		return err
	}
	// Wait for oscillator stabilization
	time.Sleep(2 * time.Millisecond)

	globalLogger.Info("NRF24L01 initialized and powered up.")
	return nil
}

func (d *Device) String() string {
	d.mu.Lock()
	defer d.mu.Unlock()

	return fmt.Sprintf("NRF24L01(Channel=%d, DataRate=%s, PALevel=%s, RxAddr=%s, PayloadSize=%d, CRC=%s, AutoAck=%v, Listening=%v)",
		d.config.Channel,
		d.config.DataRate,
		d.config.PALevel,
		d.config.Address,
		d.config.PayloadSize,
		d.config.CRCLength,
		d.config.AutoAck,
		d.listening,
	)
}

// Config returns the parameters currently written to the radio.
func (d *Device) Config() RadioConfig {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.config
}

// Close cleans up the resources used by the NRF24L01 driver.
// It powers down the radio and closes the SPI port.
// This method is concurrent safe.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	var errs []error
	errs = append(errs, d.setCE(false))
	d.listening = false

	// Power down. The register is rewritten rather than read-modify-written
	// so a half dead bus still ends up powered down.
	errs = append(errs, d.writeRegister(_CONFIG, d.configRegister()&^byte(_PWR_UP|_PRIM_RX)))
	globalLogger.Info("NRF24L01 powered down.")

	if d.nrfPort != nil {
		if err := d.nrfPort.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%w: close SPI port: %w", ErrPkg, err))
		} else {
			globalLogger.Info("SPI bus closed.")
		}
		d.nrfPort = nil
	}
	return errors.Join(errs...)
}

// --- NRF24L01 Core Functions (SPI interaction) ---

func (d *Device) spiTransfer(n int) (status byte, response []byte, err error) {
	// Perform full-duplex transaction on the scratch buffer
	// We use the same slice for read and write
	slice := d.scratch[:n]
	if err := d.conn.Tx(slice, slice); err != nil {
		return 0, nil, fmt.Errorf("%w: SPI transfer: %w", ErrPkg, err)
	}
	return slice[0], slice[1:], nil
}

func (d *Device) command(cmd byte) error {
	d.scratch[0] = cmd
	_, _, err := d.spiTransfer(1)
	return err
}

func (d *Device) writeRegister(reg, val byte) error {
	d.scratch[0] = _W_REGISTER | reg
	d.scratch[1] = val
	_, _, err := d.spiTransfer(2)
	return err
}

func (d *Device) readRegister(reg byte) (byte, error) {
	d.scratch[0] = reg
	d.scratch[1] = _NOP
	_, data, err := d.spiTransfer(2)
	if err != nil {
		return 0, err
	}
	return data[0], nil
}

func (d *Device) writeRegisterN(reg byte, data []byte) error {
	d.scratch[0] = _W_REGISTER | reg
	copy(d.scratch[1:], data)
	_, _, err := d.spiTransfer(1 + len(data))
	return err
}

// setBits read-modify-writes reg, clearing the bits in mask before setting those in set.
func (d *Device) setBits(reg, mask, set byte) error {
	v, err := d.readRegister(reg)
	if err != nil {
		return err
	}
	return d.writeRegister(reg, v&^mask|set)
}

func (d *Device) setCE(level bool) error {
	l := Low
	if level {
		l = High
	}
	if err := d.ce.Out(l); err != nil {
		return fmt.Errorf("%w: set CE: %w", ErrPkg, err)
	}
	return nil
}

// configRegister computes CONFIG from the cached settings.
func (d *Device) configRegister() byte {
	v := byte(_PWR_UP)
	switch d.config.CRCLength {
	case CRCLength8:
		v |= _EN_CRC
	case CRCLength16:
		v |= _EN_CRC | _CRCO
	}
	if d.listening {
		v |= _PRIM_RX
	}
	return v
}

func rfSetup(rate DataRate, level PALevel) byte {
	var v byte
	switch rate {
	case DataRate1mbps:
		// RF_DR_HIGH = 0, RF_DR_LOW = 0
	case DataRate2mbps:
		v |= 1 << 3 // RF_DR_HIGH
	case DataRate250kbps:
		v |= 1 << 5 // RF_DR_LOW
	}
	switch level {
	case PALevelMin:
		// 0
	case PALevelLow:
		v |= 1 << 1
	case PALevelMedium:
		v |= 2 << 1
	case PALevelHigh:
		v |= 3 << 1
	}
	return v
}

// --- NRF24L01 Configuration ---

// SetRetries configures the automatic retransmission parameters.
// delay: 0 to 15, in steps of 250us starting at 250us.
// count: 0 to 15 retransmits.
// This method is concurrent safe.
func (d *Device) SetRetries(delay, count byte) error {
	if delay > MaxRetries || count > MaxRetries {
		return fmt.Errorf("%w: retry delay and count must be between 0 and %d", ErrPkg, MaxRetries)
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.writeRegister(_SETUP_RETR, delay<<4|count); err != nil {
		return err
	}
	d.config.RetryDelay = delay
	d.config.RetryCount = count
	return nil
}

// SetChannel changes the radio channel (frequency).
// channel must be between 0 and 125.
// This method is concurrent safe.
func (d *Device) SetChannel(channel byte) error {
	if channel > MaxChannel {
		return fmt.Errorf("%w: channel number must be between 0 and %d", ErrPkg, MaxChannel)
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.writeRegister(_RF_CH, channel); err != nil {
		return err
	}
	d.config.Channel = channel
	return nil
}

// SetPayloadSize sets the static payload width of every pipe.
// This method is concurrent safe.
func (d *Device) SetPayloadSize(size byte) error {
	if size == 0 || size > MaxPayloadSize {
		return fmt.Errorf("%w: payload size must be between 1 and %d", ErrPkg, MaxPayloadSize)
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	for pipe := byte(0); pipe < Pipes; pipe++ {
		if err := d.writeRegister(_RX_PW_P0+pipe, size); err != nil {
			return err
		}
	}
	d.config.PayloadSize = size
	return nil
}

// SetDataRate changes the air data rate.
// This method is concurrent safe.
func (d *Device) SetDataRate(rate DataRate) error {
	if rate > DataRate250kbps {
		return fmt.Errorf("%w: unknown data rate %d", ErrPkg, rate)
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.writeRegister(_RF_SETUP, rfSetup(rate, d.config.PALevel)); err != nil {
		return err
	}
	d.config.DataRate = rate
	return nil
}

// SetPALevel changes the power amplifier level.
// This method is concurrent safe.
func (d *Device) SetPALevel(level PALevel) error {
	if level > PALevelHigh {
		return fmt.Errorf("%w: unknown PA level %d", ErrPkg, level)
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.writeRegister(_RF_SETUP, rfSetup(d.config.DataRate, level)); err != nil {
		return err
	}
	d.config.PALevel = level
	return nil
}

// SetCRCLength sets the CRC length. The radio forces CRC on while auto-ack is
// enabled, whatever is written here.
// This method is concurrent safe.
func (d *Device) SetCRCLength(length CRCLength) error {
	var set byte
	switch length {
	case CRCLengthDisabled:
	case CRCLength8:
		set = _EN_CRC
	case CRCLength16:
		set = _EN_CRC | _CRCO
	default:
		return fmt.Errorf("%w: unknown CRC length %d", ErrPkg, length)
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.setBits(_CONFIG, _EN_CRC|_CRCO, set); err != nil {
		return err
	}
	d.config.CRCLength = length
	return nil
}

// SetAutoAck enables or disables hardware auto-acknowledgements on all pipes.
// This method is concurrent safe.
func (d *Device) SetAutoAck(enable bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	var v byte
	if enable {
		v = _AA_ALL
	}
	if err := d.writeRegister(_EN_AA, v); err != nil {
		return err
	}
	d.config.AutoAck = enable
	return nil
}

// OpenReadingPipe enables a data pipe (0-5) bound to addr.
// Pipes 0 and 1 take the full address. Pipes 2-5 share the high bytes with
// pipe 1, so only the least significant byte of addr is written for them.
// Note: Pipe 0 is also used for receiving Auto-Ack packets when transmitting.
// This method is concurrent safe.
func (d *Device) OpenReadingPipe(pipe int, addr Address) error {
	if pipe < 0 || pipe >= Pipes {
		return fmt.Errorf("%w: pipe must be between 0 and %d", ErrPkg, Pipes-1)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	// Register is 0x0A (P0) ... 0x0F (P5)
	reg := byte(_RX_ADDR_P0 + pipe)
	var err error
	if pipe <= 1 {
		err = d.writeRegisterN(reg, addr[:])
	} else {
		err = d.writeRegister(reg, addr[0])
	}
	if err != nil {
		return err
	}

	// Register is 0x11 (P0) ... 0x16 (P5)
	if err := d.writeRegister(byte(_RX_PW_P0+pipe), d.config.PayloadSize); err != nil {
		return err
	}
	if err := d.setBits(_EN_RXADDR, 0, 1<<pipe); err != nil {
		return err
	}
	if pipe == 1 {
		d.config.Address = addr
	}
	return nil
}

// StartListening puts the radio in primary receiver mode and raises CE.
// Any stale packets in the RX FIFO are discarded.
// This method is concurrent safe.
func (d *Device) StartListening() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.setBits(_CONFIG, 0, _PWR_UP|_PRIM_RX); err != nil {
		return err
	}
	if err := d.writeRegister(_STATUS, _RX_DR|_TX_DS|_MAX_RT); err != nil {
		return err
	}
	if err := d.command(_FLUSH_RX); err != nil {
		return err
	}
	if err := d.setCE(true); err != nil {
		return err
	}
	// RX settling time
	time.Sleep(130 * time.Microsecond)
	d.listening = true
	return nil
}

// StopListening drops CE, leaving the radio in standby.
// This method is concurrent safe.
func (d *Device) StopListening() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.setCE(false); err != nil {
		return err
	}
	d.listening = false
	return nil
}

// --- NRF24L01 Read ---

// Available reports whether a payload is waiting in the RX FIFO.
// This method is non-blocking and concurrent safe.
func (d *Device) Available() (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	status, err := d.readRegister(_STATUS)
	if err != nil {
		return false, err
	}
	// RX_P_NO is 111 when the FIFO is empty
	return (status>>1)&0x07 != 7, nil
}

// Read pops one payload from the RX FIFO into buf.
// len(buf) must equal the configured payload size.
// This method is concurrent safe.
func (d *Device) Read(buf []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	size := int(d.config.PayloadSize)
	if len(buf) != size {
		return fmt.Errorf("%w: %w: buffer is %d bytes, payload is %d", ErrPkg, ErrPayloadSize, len(buf), size)
	}

	d.scratch[0] = _R_RX_PAYLOAD
	for i := 1; i <= size; i++ {
		d.scratch[i] = _NOP
	}
	_, data, err := d.spiTransfer(size + 1)
	if err != nil {
		return err
	}
	// Copy result BEFORE writing STATUS, which reuses scratch
	copy(buf, data)

	return d.writeRegister(_STATUS, _RX_DR)
}
