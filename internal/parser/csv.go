package parser

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"sync/atomic"
)

const sniffBytes = 16 << 10

// countingReader tracks bytes handed to the csv reader for progress estimates.
type countingReader struct {
	r io.Reader
	n atomic.Int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n.Add(int64(n))
	return n, err
}

// openQuoteError is a quoted field that never closed: the csv reader ran on
// past the end of its row and swallowed every later line into it.
type openQuoteError struct {
	StartLine int
	Line      int
}

func (e *openQuoteError) Error() string {
	return fmt.Sprintf("quoted field opened on line %d is not closed by line %d", e.StartLine, e.Line)
}

type csvSource struct {
	file    *os.File
	counter *countingReader
	reader  *csv.Reader
}

func openCSV(path string) (*csvSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	counter := &countingReader{r: f}
	br := bufio.NewReaderSize(counter, sniffBytes)
	head, _ := br.Peek(sniffBytes)

	r := csv.NewReader(br)
	r.Comma = sniffDelimiter(head)
	r.FieldsPerRecord = -1
	return &csvSource{file: f, counter: counter, reader: r}, nil
}

func (s *csvSource) next() ([]string, string, error) {
	rec, err := s.reader.Read()
	if err == nil {
		return rec, "", nil
	}
	var perr *csv.ParseError
	if errors.As(err, &perr) {
		switch {
		case errors.Is(perr.Err, csv.ErrQuote) && perr.Line > perr.StartLine:
			return nil, "", &openQuoteError{StartLine: perr.StartLine, Line: perr.Line}
		case errors.Is(perr.Err, csv.ErrQuote), errors.Is(perr.Err, csv.ErrBareQuote):
			return nil, "malformed_row:quote", nil
		case errors.Is(perr.Err, csv.ErrFieldCount):
			return nil, faultFieldCount, nil
		}
	}
	return nil, "", err
}

func (s *csvSource) consumed() int64 { return s.counter.n.Load() }

func (s *csvSource) close() error { return s.file.Close() }

// sniffDelimiter picks ',', ';' or '\t' by counting occurrences on the first
// line. Comma wins ties.
func sniffDelimiter(head []byte) rune {
	if i := bytes.IndexByte(head, '\n'); i >= 0 {
		head = head[:i]
	}
	best, bestCount := ',', bytes.Count(head, []byte{','})
	for _, d := range []rune{';', '\t'} {
		if n := bytes.Count(head, []byte{byte(d)}); n > bestCount {
			best, bestCount = d, n
		}
	}
	return best
}
