package nrf24

import (
	"bytes"
	"errors"
	"testing"
)

// --- Mocks ---

type mockPin struct {
	level Level
	err   error
}

func (m *mockPin) Out(l Level) error {
	if m.err != nil {
		return m.err
	}
	m.level = l
	return nil
}

// mockSPIConn emulates the register file and RX FIFO of a radio so that
// read-modify-write sequences see what was written before.
type mockSPIConn struct {
	tx    []byte
	regs  map[byte][]byte
	rx    [][]byte
	dead  bool // every read returns zeros, like a floating MISO line
	txErr error
}

func newMockSPI() *mockSPIConn {
	return &mockSPIConn{regs: make(map[byte][]byte)}
}

func (m *mockSPIConn) status() byte {
	s := byte(7 << 1) // RX FIFO empty
	if len(m.rx) > 0 {
		s = 1<<1 | _RX_DR // pipe 1
	}
	return s
}

func (m *mockSPIConn) reg(r byte) byte {
	if v := m.regs[r]; len(v) > 0 {
		return v[0]
	}
	return 0
}

func (m *mockSPIConn) Tx(w, r []byte) error {
	if m.txErr != nil {
		return m.txErr
	}
	m.tx = append(m.tx, w...)
	cmd := w[0]
	in := append([]byte(nil), w[1:]...)

	for i := range r {
		r[i] = 0
	}
	if m.dead {
		return nil
	}
	r[0] = m.status()

	switch {
	case cmd == _R_RX_PAYLOAD:
		if len(m.rx) > 0 {
			copy(r[1:], m.rx[0])
			m.rx = m.rx[1:]
		}
	case cmd == _FLUSH_RX:
		m.rx = nil
	case cmd&0xE0 == _W_REGISTER:
		reg := cmd & 0x1F
		if reg != _STATUS {
			m.regs[reg] = in
		}
	case cmd&0xE0 == 0:
		reg := cmd & 0x1F
		if reg == _STATUS {
			r[1] = m.status()
		} else {
			copy(r[1:], m.regs[reg])
		}
	}
	return nil
}

func newTestDevice(t *testing.T) (*Device, *mockSPIConn, *mockPin) {
	t.Helper()
	SetLogger(nil) // Silence logs
	mockSPI := newMockSPI()
	mockCE := &mockPin{}
	dev, err := NewWithHardware(mockSPI, mockCE)
	if err != nil {
		t.Fatalf("NewWithHardware failed: %v", err)
	}
	if err := dev.Begin(); err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	mockSPI.tx = nil
	return dev, mockSPI, mockCE
}

// --- Tests ---

func TestAddressConversion(t *testing.T) {
	addr := AddressFromUint64(0xE056D446D0)
	want := Address{0xD0, 0x46, 0xD4, 0x56, 0xE0}
	if addr != want {
		t.Fatalf("AddressFromUint64 = %X, want %X", addr, want)
	}
	if addr.Uint64() != 0xE056D446D0 {
		t.Errorf("Uint64 = %#x", addr.Uint64())
	}
	if addr.String() != "E0:56:D4:46:D0" {
		t.Errorf("String = %q", addr.String())
	}
	if AddressFromUint64(MaxAddress+1) != (Address{}) {
		t.Errorf("bits above 40 should be dropped")
	}
}

func TestNewWithHardwareRequiresPins(t *testing.T) {
	if _, err := NewWithHardware(newMockSPI(), nil); err == nil {
		t.Fatal("expected error without CE pin")
	}
	if _, err := NewWithHardware(nil, &mockPin{}); err == nil {
		t.Fatal("expected error without SPI connection")
	}
}

func TestBegin(t *testing.T) {
	SetLogger(nil)
	mockSPI := newMockSPI()
	mockCE := &mockPin{level: High}
	dev, err := NewWithHardware(mockSPI, mockCE)
	if err != nil {
		t.Fatalf("NewWithHardware failed: %v", err)
	}
	if err := dev.Begin(); err != nil {
		t.Fatalf("Begin failed: %v", err)
	}

	if mockCE.level != Low {
		t.Errorf("Expected CE Low (standby) after Begin, got %v", mockCE.level)
	}
	// Channel 76 written to _RF_CH (0x05). Write command is 0x20 | reg.
	if !bytes.Contains(mockSPI.tx, []byte{0x20 | _RF_CH, 76}) {
		t.Errorf("Expected SPI write to RF_CH, TX buffer: %X", mockSPI.tx)
	}
	// Powered up with CRC16: 0000 1110
	if got := mockSPI.reg(_CONFIG); got != 0x0E {
		t.Errorf("CONFIG = %#x, want 0x0E", got)
	}
	if !bytes.Contains(mockSPI.tx, []byte{_FLUSH_RX}) {
		t.Errorf("Expected RX FIFO flush: %X", mockSPI.tx)
	}
}

func TestBeginNotResponding(t *testing.T) {
	SetLogger(nil)
	mockSPI := newMockSPI()
	mockSPI.dead = true
	dev, _ := NewWithHardware(mockSPI, &mockPin{})

	err := dev.Begin()
	if !errors.Is(err, ErrNotResponding) {
		t.Fatalf("Expected ErrNotResponding, got %v", err)
	}
	if !errors.Is(err, ErrPkg) {
		t.Errorf("Expected error to wrap ErrPkg, got %v", err)
	}
}

func TestSPIErrorsAreReturned(t *testing.T) {
	dev, mockSPI, _ := newTestDevice(t)
	busErr := errors.New("bus gone")
	mockSPI.txErr = busErr

	if err := dev.SetChannel(10); !errors.Is(err, busErr) {
		t.Errorf("SetChannel: expected bus error, got %v", err)
	}
	if _, err := dev.Available(); !errors.Is(err, busErr) {
		t.Errorf("Available: expected bus error, got %v", err)
	}
	if err := dev.Read(make([]byte, MaxPayloadSize)); !errors.Is(err, busErr) {
		t.Errorf("Read: expected bus error, got %v", err)
	}
}

func TestConfiguration(t *testing.T) {
	dev, mockSPI, _ := newTestDevice(t)

	if err := dev.SetRetries(15, 15); err != nil {
		t.Fatal(err)
	}
	if got := mockSPI.reg(_SETUP_RETR); got != 0xFF {
		t.Errorf("SETUP_RETR = %#x, want 0xFF", got)
	}

	if err := dev.SetChannel(0x4C); err != nil {
		t.Fatal(err)
	}
	if !bytes.Contains(mockSPI.tx, []byte{0x25, 0x4C}) {
		t.Errorf("SetChannel didn't write to SPI correctly: %X", mockSPI.tx)
	}

	if err := dev.SetPayloadSize(16); err != nil {
		t.Fatal(err)
	}
	for pipe := byte(0); pipe < Pipes; pipe++ {
		if got := mockSPI.reg(_RX_PW_P0 + pipe); got != 16 {
			t.Errorf("RX_PW_P%d = %d, want 16", pipe, got)
		}
	}

	// 1mbps leaves RF_DR bits clear; PA high sets bits 2:1.
	if err := dev.SetDataRate(DataRate1mbps); err != nil {
		t.Fatal(err)
	}
	if err := dev.SetPALevel(PALevelHigh); err != nil {
		t.Fatal(err)
	}
	if got := mockSPI.reg(_RF_SETUP); got != 0x06 {
		t.Errorf("RF_SETUP = %#x, want 0x06", got)
	}
	// 2mbps sets RF_DR_HIGH (bit 3), PA medium is 10.
	dev.SetDataRate(DataRate2mbps)
	dev.SetPALevel(PALevelMedium)
	if got := mockSPI.reg(_RF_SETUP); got != 0x0C {
		t.Errorf("RF_SETUP = %#x, want 0x0C", got)
	}

	if err := dev.SetCRCLength(CRCLength8); err != nil {
		t.Fatal(err)
	}
	if got := mockSPI.reg(_CONFIG); got&(_EN_CRC|_CRCO) != _EN_CRC {
		t.Errorf("CONFIG = %#x, want 8 bit CRC", got)
	}
	if got := mockSPI.reg(_CONFIG); got&_PWR_UP == 0 {
		t.Errorf("SetCRCLength cleared PWR_UP: %#x", got)
	}

	if err := dev.SetAutoAck(false); err != nil {
		t.Fatal(err)
	}
	if got := mockSPI.reg(_EN_AA); got != 0 {
		t.Errorf("EN_AA = %#x, want 0", got)
	}

	cfg := dev.Config()
	if cfg.Channel != 0x4C || cfg.PayloadSize != 16 || cfg.DataRate != DataRate2mbps ||
		cfg.PALevel != PALevelMedium || cfg.CRCLength != CRCLength8 || cfg.AutoAck {
		t.Errorf("Config not tracked: %+v", cfg)
	}
}

func TestConfigurationRejectsOutOfRange(t *testing.T) {
	dev, _, _ := newTestDevice(t)

	if err := dev.SetChannel(126); err == nil {
		t.Error("SetChannel(126) should fail")
	}
	if err := dev.SetPayloadSize(0); err == nil {
		t.Error("SetPayloadSize(0) should fail")
	}
	if err := dev.SetPayloadSize(33); err == nil {
		t.Error("SetPayloadSize(33) should fail")
	}
	if err := dev.SetRetries(16, 0); err == nil {
		t.Error("SetRetries(16, 0) should fail")
	}
	if err := dev.OpenReadingPipe(6, Address{}); err == nil {
		t.Error("OpenReadingPipe(6) should fail")
	}
	if err := dev.SetPALevel(PALevel(9)); err == nil {
		t.Error("SetPALevel(9) should fail")
	}
}

func TestOpenReadingPipe(t *testing.T) {
	dev, mockSPI, _ := newTestDevice(t)
	dev.SetPayloadSize(16)

	addr := AddressFromUint64(0xE056D446D0)
	if err := dev.OpenReadingPipe(1, addr); err != nil {
		t.Fatal(err)
	}
	// Full address, LSB first, to _RX_ADDR_P1 (0x0B). Command 0x2B.
	if !bytes.Contains(mockSPI.tx, []byte{0x2B, 0xD0, 0x46, 0xD4, 0x56, 0xE0}) {
		t.Errorf("OpenReadingPipe(1) didn't write full address correctly: %X", mockSPI.tx)
	}
	if got := mockSPI.reg(_EN_RXADDR); got&_ERX_P1 == 0 {
		t.Errorf("EN_RXADDR = %#x, pipe 1 not enabled", got)
	}
	if dev.Config().Address != addr {
		t.Errorf("Address not tracked: %s", dev.Config().Address)
	}

	mockSPI.tx = nil
	dev.OpenReadingPipe(2, Address{0xCC})
	// Only the LSB goes to _RX_ADDR_P2 (0x0C). Command 0x2C.
	if !bytes.Contains(mockSPI.tx, []byte{0x2C, 0xCC}) {
		t.Errorf("OpenReadingPipe(2) didn't write LSB correctly: %X", mockSPI.tx)
	}
	if got := mockSPI.reg(_EN_RXADDR); got != _ERX_P0|_ERX_P1|1<<2 {
		t.Errorf("EN_RXADDR = %#x, want 0x07", got)
	}
}

func TestReceiveFixed(t *testing.T) {
	dev, mockSPI, mockCE := newTestDevice(t)
	dev.SetPayloadSize(16)
	dev.OpenReadingPipe(1, AddressFromUint64(0xE056D446D0))
	if err := dev.StartListening(); err != nil {
		t.Fatal(err)
	}
	if mockCE.level != High {
		t.Errorf("Expected CE High while listening")
	}
	if got := mockSPI.reg(_CONFIG); got&(_PWR_UP|_PRIM_RX) != _PWR_UP|_PRIM_RX {
		t.Errorf("CONFIG = %#x, want PWR_UP|PRIM_RX", got)
	}

	ok, err := dev.Available()
	if err != nil || ok {
		t.Fatalf("Available() = %v, %v on empty FIFO", ok, err)
	}

	payload := []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}
	mockSPI.rx = append(mockSPI.rx, payload)

	ok, err = dev.Available()
	if err != nil || !ok {
		t.Fatalf("Available() = %v, %v with a queued packet", ok, err)
	}
	buf := make([]byte, 16)
	if err := dev.Read(buf); err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if !bytes.Equal(buf, payload) {
		t.Errorf("Read = %X, want %X", buf, payload)
	}
	// RX_DR cleared after the read
	if !bytes.Contains(mockSPI.tx, []byte{0x20 | _STATUS, _RX_DR}) {
		t.Errorf("Expected RX_DR clear after read: %X", mockSPI.tx)
	}
	if ok, _ := dev.Available(); ok {
		t.Errorf("Available() should be false after the FIFO drained")
	}
}

func TestReadRejectsWrongBufferSize(t *testing.T) {
	dev, mockSPI, _ := newTestDevice(t)
	dev.SetPayloadSize(16)
	mockSPI.tx = nil

	err := dev.Read(make([]byte, 32))
	if !errors.Is(err, ErrPayloadSize) {
		t.Fatalf("Expected ErrPayloadSize, got %v", err)
	}
	if len(mockSPI.tx) != 0 {
		t.Errorf("Read with a wrong buffer touched the bus: %X", mockSPI.tx)
	}
}

func TestClose(t *testing.T) {
	dev, mockSPI, mockCE := newTestDevice(t)
	dev.StartListening()

	if err := dev.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if mockCE.level != Low {
		t.Errorf("Expected CE Low after Close")
	}
	if got := mockSPI.reg(_CONFIG); got&_PWR_UP != 0 {
		t.Errorf("CONFIG = %#x, radio still powered up", got)
	}
}

func TestRadioConfigValidate(t *testing.T) {
	good := RadioConfig{Channel: 0x4C, PayloadSize: 16, PALevel: PALevelHigh, CRCLength: CRCLength16, RetryDelay: 15, RetryCount: 15}
	if err := good.Validate(); err != nil {
		t.Fatalf("Validate(%+v) = %v", good, err)
	}

	bad := []RadioConfig{
		{Channel: 126, PayloadSize: 16},
		{PayloadSize: 0},
		{PayloadSize: 33},
		{PayloadSize: 16, PALevel: 4},
		{PayloadSize: 16, DataRate: 3},
		{PayloadSize: 16, CRCLength: 3},
		{PayloadSize: 16, RetryCount: 16},
	}
	for _, c := range bad {
		if err := c.Validate(); err == nil {
			t.Errorf("Validate(%+v) should fail", c)
		}
	}
}

func TestString(t *testing.T) {
	dev, _, _ := newTestDevice(t)
	dev.OpenReadingPipe(1, AddressFromUint64(0xE056D446D0))
	s := dev.String()
	for _, want := range []string{"Channel=76", "RxAddr=E0:56:D4:46:D0", "PALevel=0dBm", "DataRate=1mbps"} {
		if !bytes.Contains([]byte(s), []byte(want)) {
			t.Errorf("String() = %q, missing %q", s, want)
		}
	}
}
