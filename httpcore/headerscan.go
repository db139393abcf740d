package httpcore

// headerScanState drives the four-state CRLF-CRLF detector
// (text -> CR -> LF -> CR -> LF) marking the end of a header block. It
// is reentrant across stream reads so the header block can be
// accumulated over however many chunks the peer sends it in.
type headerScanState struct {
	m   int
	acc []byte
}

// feed consumes buf, appending non-terminator bytes to the accumulator.
// It returns the unconsumed remainder of buf and true once the
// terminating blank line has been seen.
func (s *headerScanState) feed(buf []byte) (rest []byte, done bool) {
	for i := 0; i < len(buf); i++ {
		c := buf[i]
		switch s.m {
		case 0:
			if c == '\r' {
				s.m = 1
			} else {
				s.acc = append(s.acc, c)
			}
		case 1:
			if c == '\n' {
				s.m = 2
			} else {
				s.acc = append(s.acc, '\r')
				if c == '\r' {
					s.m = 1
				} else {
					s.m = 0
					s.acc = append(s.acc, c)
				}
			}
		case 2:
			if c == '\r' {
				s.m = 3
			} else {
				s.acc = append(s.acc, '\r', '\n', c)
				s.m = 0
			}
		case 3:
			if c == '\n' {
				return buf[i+1:], true
			}
			s.acc = append(s.acc, '\r', '\n', '\r')
			if c == '\r' {
				s.m = 1
			} else {
				s.m = 0
				s.acc = append(s.acc, c)
			}
		}
	}
	return nil, false
}

func indexCRLF(b []byte) int {
	for i := 0; i+1 < len(b); i++ {
		if b[i] == '\r' && b[i+1] == '\n' {
			return i
		}
	}
	return -1
}
