package audio

import (
	"errors"
	"io"
	"sync"

	"github.com/rs/zerolog/log"
)

// Input is a real-time PCM source. Attach installs the push callback;
// after Detach returns the callback is no longer invoked. Buffers passed
// to the callback are only valid for the duration of the call.
type Input interface {
	Attach(push func([]byte)) error
	Detach()
}

// ReaderInput delivers PCM read from an io.Reader (a pipe, stdin, or a
// capture process) in fixed-size buffers. Data read while detached is
// discarded.
type ReaderInput struct {
	r       io.Reader
	bufSize int

	mu      sync.Mutex
	push    func([]byte)
	started bool
	done    chan struct{}
	err     error
}

// NewReaderInput creates an input reading bufSize bytes per callback
func NewReaderInput(r io.Reader, bufSize int) *ReaderInput {
	if bufSize < BytesPerSample {
		bufSize = 1024
	}
	// keep buffers sample-aligned
	bufSize -= bufSize % BytesPerSample
	return &ReaderInput{
		r:       r,
		bufSize: bufSize,
		done:    make(chan struct{}),
	}
}

// Attach installs the callback and starts reading on first use
func (in *ReaderInput) Attach(push func([]byte)) error {
	in.mu.Lock()
	defer in.mu.Unlock()

	select {
	case <-in.done:
		if in.err != nil {
			return in.err
		}
		return io.EOF
	default:
	}

	in.push = push
	if !in.started {
		in.started = true
		go in.readLoop()
	}
	return nil
}

// Detach removes the callback
func (in *ReaderInput) Detach() {
	in.mu.Lock()
	in.push = nil
	in.mu.Unlock()
}

// Done is closed when the reader is exhausted or fails
func (in *ReaderInput) Done() <-chan struct{} {
	return in.done
}

// Err returns the read error that ended the input, nil on clean EOF
func (in *ReaderInput) Err() error {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.err
}

func (in *ReaderInput) readLoop() {
	buf := make([]byte, in.bufSize)
	var carry []byte

	for {
		n, err := in.r.Read(buf)
		if n > 0 {
			data := append(carry, buf[:n]...)
			aligned := len(data) - len(data)%BytesPerSample
			in.deliver(data[:aligned])
			carry = append(carry[:0:0], data[aligned:]...)
		}
		if err != nil {
			in.mu.Lock()
			if !errors.Is(err, io.EOF) {
				in.err = err
				log.Error().Err(err).Msg("Audio input read failed")
			} else {
				log.Info().Msg("Audio input reached end of stream")
			}
			in.mu.Unlock()
			close(in.done)
			return
		}
	}
}

// deliver holds the lock across the callback so Detach waits for an
// in-flight push to finish
func (in *ReaderInput) deliver(data []byte) {
	if len(data) == 0 {
		return
	}
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.push != nil {
		in.push(data)
	}
}
