// Package bridge forwards packets received by the radio to a named pipe.
package bridge

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/citizenwatt/nrf24"
	"github.com/citizenwatt/nrf24/config"
	"github.com/citizenwatt/nrf24/fifo"
)

var (
	ErrRadioInit = errors.New("bridge: radio initialization failed")
	ErrRadioRead = errors.New("bridge: radio read failed")
	ErrOutput    = errors.New("bridge: output failed")
)

// ReadingPipe is the radio pipe bound to the listening address.
const ReadingPipe = 1

// Radio is the part of the transceiver the receiver drives.
// *nrf24.Device implements it.
type Radio interface {
	Begin() error
	SetRetries(delay, count byte) error
	SetChannel(channel byte) error
	SetPayloadSize(size byte) error
	SetDataRate(rate nrf24.DataRate) error
	SetCRCLength(length nrf24.CRCLength) error
	SetAutoAck(enable bool) error
	SetPALevel(level nrf24.PALevel) error
	OpenReadingPipe(pipe int, addr nrf24.Address) error
	StartListening() error
	Available() (bool, error)
	Read(buf []byte) error
	Close() error
}

// State is the receiver's position in its lifecycle.
type State int32

const (
	StateInit State = iota
	StateListening
	StateIdle
	StateReceiving
	StateShuttingDown
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateListening:
		return "listening"
	case StateIdle:
		return "idle"
	case StateReceiving:
		return "receiving"
	case StateShuttingDown:
		return "shutting down"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Receiver owns the radio and the named pipe for the lifetime of Run.
type Receiver struct {
	radio Radio
	cfg   config.Config
	log   logrus.FieldLogger

	out      *fifo.Writer
	created  bool
	released bool

	state     atomic.Int32
	forwarded atomic.Uint64
}

// New returns a receiver that will configure radio from cfg and forward its
// packets to cfg.FIFOPath. The receiver takes ownership of radio.
func New(radio Radio, cfg config.Config, log logrus.FieldLogger) *Receiver {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Receiver{
		radio: radio,
		cfg:   cfg,
		log:   log.WithField("fifo", cfg.FIFOPath),
	}
}

// State returns the current lifecycle state. It is safe to call from any
// goroutine.
func (r *Receiver) State() State {
	return State(r.state.Load())
}

// Forwarded returns the number of packets written to the pipe so far.
func (r *Receiver) Forwarded() uint64 {
	return r.forwarded.Load()
}

func (r *Receiver) setState(s State) {
	if State(r.state.Swap(int32(s))) != s {
		r.log.WithField("state", s).Trace("State change")
	}
}

// Run creates and opens the pipe, configures the radio and forwards packets
// until ctx is cancelled. Cancellation is the graceful exit and makes Run
// return nil. On every return the pipe is closed and removed and the radio
// is closed. Run must be called once.
//
// Opening the pipe blocks until a consumer opens it for reading.
func (r *Receiver) Run(ctx context.Context) error {
	defer r.release()

	r.setState(StateInit)
	if err := r.cfg.Radio.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrRadioInit, err)
	}

	if err := fifo.Create(r.cfg.FIFOPath, fifo.DefaultPerm); err != nil {
		return fmt.Errorf("%w: %w", ErrOutput, err)
	}
	r.created = true

	if err := r.openOutput(ctx); err != nil {
		if ctx.Err() != nil {
			return r.shutdown()
		}
		return err
	}

	if err := r.configureRadio(); err != nil {
		return fmt.Errorf("%w: %w", ErrRadioInit, err)
	}
	r.setState(StateListening)
	if s, ok := r.radio.(fmt.Stringer); ok {
		r.log.Infof("Radio initialized: %s", s)
	}
	r.log.Info("Waiting for packets...")

	buf := make([]byte, r.cfg.Radio.PayloadSize)
	for {
		if ctx.Err() != nil {
			return r.shutdown()
		}
		if err := r.poll(ctx, buf); err != nil {
			return err
		}
		r.pause(ctx)
	}
}

func (r *Receiver) openOutput(ctx context.Context) error {
	r.log.Info("Waiting for a reader on the named pipe...")
	out, err := fifo.Open(ctx, r.cfg.FIFOPath)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrOutput, err)
	}
	r.out = out
	r.log.Info("Reader attached")
	return nil
}

func (r *Receiver) configureRadio() error {
	c := r.cfg.Radio
	steps := []struct {
		name string
		fn   func() error
	}{
		{"begin", r.radio.Begin},
		{"set retries", func() error { return r.radio.SetRetries(c.RetryDelay, c.RetryCount) }},
		{"set channel", func() error { return r.radio.SetChannel(c.Channel) }},
		{"set payload size", func() error { return r.radio.SetPayloadSize(c.PayloadSize) }},
		{"set data rate", func() error { return r.radio.SetDataRate(c.DataRate) }},
		{"set CRC length", func() error { return r.radio.SetCRCLength(c.CRCLength) }},
		{"set auto ack", func() error { return r.radio.SetAutoAck(c.AutoAck) }},
		{"set PA level", func() error { return r.radio.SetPALevel(c.PALevel) }},
		{"open reading pipe", func() error { return r.radio.OpenReadingPipe(ReadingPipe, c.Address) }},
		{"start listening", r.radio.StartListening},
	}
	for _, s := range steps {
		if err := s.fn(); err != nil {
			return fmt.Errorf("%s: %w", s.name, err)
		}
	}
	return nil
}

// poll forwards at most one packet.
func (r *Receiver) poll(ctx context.Context, buf []byte) error {
	ok, err := r.radio.Available()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrRadioRead, err)
	}
	if !ok {
		r.setState(StateIdle)
		return nil
	}
	r.setState(StateReceiving)

	clear(buf)
	if err := r.radio.Read(buf); err != nil {
		return fmt.Errorf("%w: %w", ErrRadioRead, err)
	}
	if r.cfg.Debug {
		r.log.WithField("payload", hex.EncodeToString(buf)).Info("Received")
	}
	return r.forward(ctx, buf)
}

func (r *Receiver) forward(ctx context.Context, buf []byte) error {
	_, err := r.out.Write(buf)
	if err != nil && errors.Is(err, fifo.ErrConsumerGone) && r.cfg.ReopenOnDisconnect {
		r.log.Warn("Reader detached")
		r.closeOutput()
		if err := r.openOutput(ctx); err != nil {
			if ctx.Err() != nil {
				// The loop notices the cancellation on its next check.
				return nil
			}
			return err
		}
		_, err = r.out.Write(buf)
	}
	if err != nil {
		return fmt.Errorf("%w: %w", ErrOutput, err)
	}
	r.forwarded.Add(1)
	return nil
}

// pause waits for the poll interval, or until ctx is done.
func (r *Receiver) pause(ctx context.Context) {
	if r.cfg.PollInterval <= 0 {
		return
	}
	t := time.NewTimer(r.cfg.PollInterval)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func (r *Receiver) shutdown() error {
	r.setState(StateShuttingDown)
	r.release()
	r.log.Info("Exiting…")
	return nil
}

func (r *Receiver) closeOutput() {
	if r.out == nil {
		return
	}
	if err := r.out.Close(); err != nil {
		r.log.WithError(err).Warn("Failed to close the named pipe")
	}
	r.out = nil
}

// release closes the pipe, removes it and closes the radio. It runs once.
func (r *Receiver) release() {
	if r.released {
		return
	}
	r.released = true

	r.closeOutput()
	if r.created {
		if err := fifo.Remove(r.cfg.FIFOPath); err != nil {
			r.log.WithError(err).Warn("Failed to remove the named pipe")
		}
	}
	if err := r.radio.Close(); err != nil {
		r.log.WithError(err).Warn("Failed to close the radio")
	}
	r.setState(StateTerminated)
}
