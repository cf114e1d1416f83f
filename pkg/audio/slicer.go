package audio

// Slicer cuts a continuous PCM byte stream into fixed-size windows. Bytes that
// do not fill a whole window are held back and prefixed to the next Push, so
// window boundaries are independent of the sizes of the buffers fed in.
//
// A Slicer is not safe for concurrent use.
type Slicer struct {
	size int
	buf  []byte
}

// NewSlicer returns a Slicer emitting windows of size bytes. size must be
// positive.
func NewSlicer(size int) *Slicer {
	if size <= 0 {
		panic("audio: slicer window size must be positive")
	}
	return &Slicer{size: size}
}

// Size returns the window size in bytes.
func (s *Slicer) Size() int { return s.size }

// Push appends p and returns every complete window now available, in order.
// The returned windows do not alias p or each other.
func (s *Slicer) Push(p []byte) [][]byte {
	s.buf = append(s.buf, p...)
	n := len(s.buf) / s.size
	if n == 0 {
		return nil
	}
	out := make([][]byte, n)
	for i := range n {
		w := make([]byte, s.size)
		copy(w, s.buf[i*s.size:])
		out[i] = w
	}
	rest := copy(s.buf, s.buf[n*s.size:])
	s.buf = s.buf[:rest]
	return out
}

// Buffered returns the number of bytes held back waiting for a full window.
func (s *Slicer) Buffered() int { return len(s.buf) }

// Reset discards any partially filled window.
func (s *Slicer) Reset() { s.buf = s.buf[:0] }
