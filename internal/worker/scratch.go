package worker

import "keydict/internal/mq"

// maxRetained caps the scratch memory kept between requests.
const maxRetained = 1 << 20

// scratch is the per-request arena response buffers are carved from. It is
// reset after every request; the queue copies what it sends.
type scratch struct {
	buf []byte
}

// alloc returns an empty slice with capacity n.
func (s *scratch) alloc(n int) []byte {
	if cap(s.buf)-len(s.buf) < n {
		size := 2 * cap(s.buf)
		if size < n {
			size = n
		}
		if size < 4096 {
			size = 4096
		}
		s.buf = make([]byte, 0, size)
	}
	start := len(s.buf)
	s.buf = s.buf[:start+n]
	return s.buf[start : start : start+n]
}

// join returns the request frame carried by msg.
func (s *scratch) join(msg mq.Message) []byte {
	if len(msg) == 1 {
		return msg[0]
	}
	n := 0
	for _, p := range msg {
		n += len(p)
	}
	b := s.alloc(n)
	for _, p := range msg {
		b = append(b, p...)
	}
	return b
}

func (s *scratch) reset() {
	if cap(s.buf) > maxRetained {
		s.buf = nil
		return
	}
	s.buf = s.buf[:0]
}
