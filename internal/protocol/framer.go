package protocol

import (
	"bufio"
	"bytes"
	"io"
)

// ScanFrames is a bufio.SplitFunc that splits input on the NUL delimiter.
// Every complete frame in the buffer is emitted in order; a trailing partial
// frame is retained until more data arrives.
func ScanFrames(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexByte(data, Delimiter); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF {
		// An unterminated trailing segment can never complete; drop it.
		return len(data), nil, nil
	}
	return 0, nil, nil
}

// Framer reads NUL-delimited frames from a byte stream. Frames coalesced
// into one underlying read are each returned by successive Next calls.
type Framer struct {
	scanner *bufio.Scanner
}

// NewFramer creates a Framer over r with the given maximum frame size.
//
// Precondition: maxFrame must be > 0.
func NewFramer(r io.Reader, maxFrame int) *Framer {
	s := bufio.NewScanner(r)
	// Scanner caps tokens at the larger of max and the initial capacity, so
	// the initial buffer must not exceed maxFrame.
	initial := 4096
	if maxFrame < initial {
		initial = maxFrame
	}
	s.Buffer(make([]byte, 0, initial), maxFrame)
	s.Split(ScanFrames)
	return &Framer{scanner: s}
}

// Next returns the next complete frame, without the delimiter.
//
// Postcondition: Returns io.EOF when the stream ends cleanly, or the
// underlying read error otherwise.
func (f *Framer) Next() (string, error) {
	if f.scanner.Scan() {
		return f.scanner.Text(), nil
	}
	if err := f.scanner.Err(); err != nil {
		return "", err
	}
	return "", io.EOF
}
