package ingest

import (
	"bytes"
	"strings"
)

// DefaultMaxLineSize bounds a single record line.
const DefaultMaxLineSize = 4 << 20

// LineSplitter reassembles newline-delimited lines from arbitrary chunks.
// A line longer than the bound is discarded up to its newline.
type LineSplitter struct {
	max        int
	buf        []byte
	discarding bool
}

// NewLineSplitter creates a splitter bounded to max bytes per line.
func NewLineSplitter(max int) *LineSplitter {
	if max <= 0 {
		max = DefaultMaxLineSize
	}
	return &LineSplitter{max: max}
}

// Feed consumes chunk and returns the lines it completed, with trailing
// carriage returns trimmed and blank lines dropped. oversized counts lines
// discarded for exceeding the bound.
func (s *LineSplitter) Feed(chunk []byte) (lines []string, oversized int) {
	for len(chunk) > 0 {
		i := bytes.IndexByte(chunk, '\n')
		if i < 0 {
			if s.discarding {
				return lines, oversized
			}
			if len(s.buf)+len(chunk) > s.max {
				s.buf = s.buf[:0]
				s.discarding = true
				return lines, oversized + 1
			}
			s.buf = append(s.buf, chunk...)
			return lines, oversized
		}

		part := chunk[:i]
		chunk = chunk[i+1:]
		if s.discarding {
			s.discarding = false
			continue
		}
		if len(s.buf)+len(part) > s.max {
			s.buf = s.buf[:0]
			oversized++
			continue
		}

		line := string(append(s.buf, part...))
		s.buf = s.buf[:0]
		if line = strings.TrimSuffix(line, "\r"); strings.TrimSpace(line) != "" {
			lines = append(lines, line)
		}
	}
	return lines, oversized
}

// Flush returns the unterminated remainder, if any, and resets the
// splitter.
func (s *LineSplitter) Flush() (string, bool) {
	defer func() {
		s.buf = s.buf[:0]
		s.discarding = false
	}()
	if s.discarding {
		return "", false
	}
	line := strings.TrimSuffix(string(s.buf), "\r")
	if strings.TrimSpace(line) == "" {
		return "", false
	}
	return line, true
}

// Pending is the number of buffered bytes awaiting a newline.
func (s *LineSplitter) Pending() int {
	return len(s.buf)
}
