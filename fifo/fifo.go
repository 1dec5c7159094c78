// Package fifo manages the named pipe received packets are written to.
//
// A named pipe has no framing: the consumer reads fixed size records and
// relies on every write being delivered whole, which holds for writes up to
// PIPE_BUF bytes.
package fifo

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// DefaultPerm lets any local user read and write the pipe.
const DefaultPerm = 0o666

// openRetryInterval is how often Open checks for a reader.
const openRetryInterval = 50 * time.Millisecond

var (
	ErrNotFIFO      = errors.New("fifo: path exists and is not a named pipe")
	ErrConsumerGone = errors.New("fifo: consumer closed the pipe")
)

// Create makes a named pipe at path with the given permissions. It is
// idempotent: an existing named pipe is left as is. Any other kind of file
// at path is reported as ErrNotFIFO.
func Create(path string, perm os.FileMode) error {
	err := unix.Mkfifo(path, uint32(perm.Perm()))
	switch {
	case err == nil:
		// mkfifo applies the umask
		if err := os.Chmod(path, perm.Perm()); err != nil {
			return fmt.Errorf("fifo: %w", err)
		}
		return nil
	case errors.Is(err, unix.EEXIST):
		return checkFIFO(path)
	default:
		return fmt.Errorf("fifo: mkfifo %s: %w", path, err)
	}
}

func checkFIFO(path string) error {
	fi, err := os.Lstat(path)
	if err != nil {
		return fmt.Errorf("fifo: %w", err)
	}
	if fi.Mode()&fs.ModeNamedPipe == 0 {
		return fmt.Errorf("%w: %s", ErrNotFIFO, path)
	}
	return nil
}

// Remove deletes the named pipe at path. A missing path is not an error,
// and a path that is not a named pipe is never removed.
func Remove(path string) error {
	if err := checkFIFO(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("fifo: %w", err)
	}
	return nil
}

// Writer is the write end of a named pipe.
type Writer struct {
	f    *os.File
	path string
}

// Open opens the named pipe at path for writing.
//
// Open blocks until a consumer opens the pipe for reading. There is no
// timeout other than ctx: when ctx is done Open returns ctx.Err().
func Open(ctx context.Context, path string) (*Writer, error) {
	if err := checkFIFO(path); err != nil {
		return nil, err
	}
	for {
		// A non-blocking open for writing fails with ENXIO while there is
		// no reader, which lets ctx interrupt the wait.
		fd, err := unix.Open(path, unix.O_WRONLY|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
		if err == nil {
			if err := unix.SetNonblock(fd, false); err != nil {
				unix.Close(fd)
				return nil, fmt.Errorf("fifo: %s: %w", path, err)
			}
			return &Writer{f: os.NewFile(uintptr(fd), path), path: path}, nil
		}
		if !errors.Is(err, unix.ENXIO) && !errors.Is(err, unix.EINTR) {
			return nil, fmt.Errorf("fifo: open %s: %w", path, err)
		}

		t := time.NewTimer(openRetryInterval)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
	}
}

// Write writes p as a single record. A consumer that went away is reported
// as ErrConsumerGone; a short write is an error.
func (w *Writer) Write(p []byte) (int, error) {
	n, err := w.f.Write(p)
	if err != nil {
		if errors.Is(err, syscall.EPIPE) {
			return n, fmt.Errorf("%w: %s", ErrConsumerGone, w.path)
		}
		return n, fmt.Errorf("fifo: write %s: %w", w.path, err)
	}
	return n, nil
}

// Path returns the path the writer was opened on.
func (w *Writer) Path() string {
	return w.path
}

// Close closes the write end. The consumer sees end of file.
func (w *Writer) Close() error {
	if err := w.f.Close(); err != nil {
		return fmt.Errorf("fifo: close %s: %w", w.path, err)
	}
	return nil
}
