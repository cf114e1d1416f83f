// Package wav writes 16-bit PCM audio as RIFF/WAVE files for offline
// inspection of relayed audio.
package wav

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
)

// HeaderSize is the length of a canonical PCM WAV header.
const HeaderSize = 44

// Header returns a canonical 44-byte RIFF/WAVE PCM header for dataSize bytes
// of audio. Byte rate and block align are derived from the other fields.
func Header(dataSize, sampleRate, channels, bitsPerSample int) []byte {
	byteRate := sampleRate * channels * bitsPerSample / 8
	blockAlign := channels * bitsPerSample / 8

	buf := make([]byte, HeaderSize)

	// RIFF chunk descriptor
	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+dataSize)) // file size - 8
	copy(buf[8:12], "WAVE")

	// fmt sub-chunk
	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16) // sub-chunk size (PCM)
	binary.LittleEndian.PutUint16(buf[20:22], 1)  // audio format: PCM
	binary.LittleEndian.PutUint16(buf[22:24], uint16(channels))
	binary.LittleEndian.PutUint32(buf[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(buf[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(buf[34:36], uint16(bitsPerSample))

	// data sub-chunk
	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(dataSize))

	return buf
}

// ErrClosed is returned by Write after Close.
var ErrClosed = errors.New("wav: writer closed")

// Writer streams 16-bit PCM into a WAV file. A placeholder header is written
// up front and patched with the final sizes on Close. Writer is safe for
// concurrent use.
type Writer struct {
	mu         sync.Mutex
	w          io.WriteSeeker
	sampleRate int
	channels   int
	written    int
	closed     bool
}

// NewWriter writes a placeholder header to w and returns a Writer appending
// PCM after it.
func NewWriter(w io.WriteSeeker, sampleRate, channels int) (*Writer, error) {
	if sampleRate <= 0 || channels <= 0 {
		return nil, fmt.Errorf("wav: invalid format %d Hz, %d channels", sampleRate, channels)
	}
	if _, err := w.Write(Header(0, sampleRate, channels, 16)); err != nil {
		return nil, fmt.Errorf("wav: write header: %w", err)
	}
	return &Writer{w: w, sampleRate: sampleRate, channels: channels}, nil
}

// Write appends PCM bytes.
func (w *Writer) Write(pcm []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return 0, ErrClosed
	}
	n, err := w.w.Write(pcm)
	w.written += n
	if err != nil {
		return n, fmt.Errorf("wav: write data: %w", err)
	}
	return n, nil
}

// Written returns the number of PCM bytes written so far.
func (w *Writer) Written() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.written
}

// Close rewrites the header with the final data size. If the underlying
// writer is an [io.Closer] it is closed too. Close is idempotent.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true

	var errs []error
	if _, err := w.w.Seek(0, io.SeekStart); err != nil {
		errs = append(errs, fmt.Errorf("wav: seek header: %w", err))
	} else if _, err := w.w.Write(Header(w.written, w.sampleRate, w.channels, 16)); err != nil {
		errs = append(errs, fmt.Errorf("wav: patch header: %w", err))
	}
	if c, ok := w.w.(io.Closer); ok {
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("wav: close: %w", err))
		}
	}
	return errors.Join(errs...)
}
