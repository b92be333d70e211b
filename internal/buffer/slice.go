package buffer

// MTU is the largest datagram the stack reads from or writes to a link.
const MTU = 1500

// Slice is an owning window into a shared backing array. Layers strip
// their headers by consuming from the front (or tail) of the window; the
// backing array stays alive for as long as any window into it does, so a
// payload handed to an application callback remains valid after the
// parsing layers return.
type Slice struct {
	b []byte
}

// New allocates a fresh backing array of n zero bytes.
func New(n int) *Slice {
	return &Slice{b: make([]byte, n)}
}

// Wrap takes ownership of b as the initial window.
func Wrap(b []byte) *Slice {
	return &Slice{b: b}
}

// Len returns the window length.
func (s *Slice) Len() int {
	return len(s.b)
}

// Bytes returns the current window. The returned slice aliases the
// backing array; writes through it are visible to every clone.
func (s *Slice) Bytes() []byte {
	return s.b
}

// Clone returns a second window over the same backing array.
func (s *Slice) Clone() *Slice {
	return &Slice{b: s.b}
}

// Consume removes the front n bytes from the window and returns them.
func (s *Slice) Consume(n int) []byte {
	head := s.b[:n]
	s.b = s.b[n:]
	return head
}

// CutTail removes the last n bytes from the window and returns them.
func (s *Slice) CutTail(n int) []byte {
	tail := s.b[len(s.b)-n:]
	s.b = s.b[:len(s.b)-n]
	return tail
}

// Truncate shortens the window to n bytes.
func (s *Slice) Truncate(n int) {
	s.b = s.b[:n]
}
