// Package parser streams raw rows out of uploaded CSV and XLSX files.
//
// A Stream reads the file forward only and never materializes it: CSV is read
// through encoding/csv, XLSX sheets through excelize's row iterator. Malformed
// rows surface as *RowFault and the stream keeps going until too many arrive
// in a row, at which point it stops with *CorruptStreamError.
package parser

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"path/filepath"
	"strings"
	"sync"

	"skillora/ingest-service/internal/faults"
	"skillora/ingest-service/internal/model"
)

// Format is a supported container format.
type Format string

const (
	FormatCSV  Format = "csv"
	FormatXLSX Format = "xlsx"
)

// DefaultMaxConsecutiveFaults is used when Options leaves the limit unset.
const DefaultMaxConsecutiveFaults = 50

const faultFieldCount = "malformed_row:field_count"

// Options tunes a Stream.
type Options struct {
	// MaxConsecutiveFaults is the number of back-to-back malformed rows
	// tolerated before the stream is declared corrupt.
	MaxConsecutiveFaults int
	// Sheet selects the XLSX worksheet; the first sheet when empty.
	Sheet string
}

// source yields positional records. fault is non-empty for a structurally
// broken record that the stream may skip.
type source interface {
	next() (values []string, fault string, err error)
	consumed() int64
	close() error
}

// Stream is a lazy, finite, forward-only sequence of raw rows.
type Stream struct {
	path        string
	format      Format
	size        int64
	header      []string
	index       map[string]int
	src         source
	maxFaults   int
	ordinal     int64
	consecutive int
	err         error

	closeOnce sync.Once
	closeErr  error
}

// DetectFormat picks the container format from the file extension, falling
// back to the content-type hint.
func DetectFormat(ref model.FileReference) (Format, error) {
	switch strings.ToLower(filepath.Ext(ref.Path)) {
	case ".csv", ".txt":
		return FormatCSV, nil
	case ".xlsx", ".xlsm":
		return FormatXLSX, nil
	}
	mt, _, _ := mime.ParseMediaType(ref.ContentType)
	switch {
	case mt == "text/csv", mt == "text/plain", mt == "application/csv":
		return FormatCSV, nil
	case strings.Contains(mt, "spreadsheetml"):
		return FormatXLSX, nil
	}
	return "", fmt.Errorf("unsupported file type %q", filepath.Ext(ref.Path))
}

// Open prepares a Stream over ref and reads its header row. The caller must
// Close the stream.
func Open(ctx context.Context, ref model.FileReference, opts Options) (*Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	malformed := func(reason string, err error) error {
		return &MalformedInputError{Path: ref.Path, Reason: reason, Err: err}
	}

	format, err := DetectFormat(ref)
	if err != nil {
		return nil, malformed("unsupported format", err)
	}

	var src source
	switch format {
	case FormatCSV:
		src, err = openCSV(ref.Path)
	case FormatXLSX:
		src, err = openXLSX(ref.Path, opts.Sheet)
	}
	if err != nil {
		return nil, malformed("cannot open file", err)
	}

	s := &Stream{
		path:      ref.Path,
		format:    format,
		size:      ref.Size,
		src:       src,
		maxFaults: opts.MaxConsecutiveFaults,
	}
	if s.maxFaults <= 0 {
		s.maxFaults = DefaultMaxConsecutiveFaults
	}
	if err := s.readHeader(); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Stream) readHeader() error {
	for {
		values, fault, err := s.src.next()
		if errors.Is(err, io.EOF) {
			return &MalformedInputError{Path: s.path, Reason: "missing header row"}
		}
		if err != nil {
			return &MalformedInputError{Path: s.path, Reason: "unreadable header row", Err: err}
		}
		if fault != "" {
			return &MalformedInputError{Path: s.path, Reason: "unreadable header row"}
		}
		if isBlank(values) {
			continue
		}

		s.header = make([]string, len(values))
		s.index = make(map[string]int, len(values))
		for i, v := range values {
			name := strings.TrimSpace(strings.TrimPrefix(v, "\ufeff"))
			s.header[i] = name
			if name == "" {
				continue
			}
			if _, dup := s.index[name]; dup {
				return &MalformedInputError{Path: s.path, Reason: fmt.Sprintf("duplicate column %q", name), Columns: s.header}
			}
			s.index[name] = i
		}
		return nil
	}
}

// Format returns the detected container format.
func (s *Stream) Format() Format { return s.format }

// Columns returns the header column names in file order.
func (s *Stream) Columns() []string {
	return append([]string(nil), s.header...)
}

// HasColumn reports whether the header contains name.
func (s *Stream) HasColumn(name string) bool {
	_, ok := s.index[name]
	return ok
}

// Next returns the next data row. It returns io.EOF at the end of the file,
// *RowFault for a row that should be recorded and skipped, and any other error
// when the stream cannot continue. Errors other than *RowFault are sticky.
func (s *Stream) Next() (model.RawRow, error) {
	if s.err != nil {
		return model.RawRow{}, s.err
	}
	for {
		values, fault, err := s.src.next()
		if errors.Is(err, io.EOF) {
			s.err = io.EOF
			return model.RawRow{}, io.EOF
		}
		var unclosed *openQuoteError
		if errors.As(err, &unclosed) {
			s.ordinal++
			s.err = &CorruptStreamError{Path: s.path, LastOrdinal: s.ordinal, Reason: unclosed.Error()}
			return model.RawRow{}, s.err
		}
		if err != nil {
			s.err = fmt.Errorf("read %s: %w", s.path, faults.Transient(err))
			return model.RawRow{}, s.err
		}
		if fault == "" && isBlank(values) {
			continue
		}

		s.ordinal++
		if fault == "" {
			fault = s.checkWidth(values)
		}
		if fault != "" {
			s.consecutive++
			if s.consecutive > s.maxFaults {
				s.err = &CorruptStreamError{Path: s.path, Consecutive: s.consecutive, LastOrdinal: s.ordinal}
				return model.RawRow{}, s.err
			}
			return model.RawRow{Ordinal: s.ordinal}, &RowFault{Ordinal: s.ordinal, Reason: fault}
		}

		s.consecutive = 0
		return model.NewRawRow(s.ordinal, s.index, values), nil
	}
}

// checkWidth flags rows whose field count disagrees with the header. XLSX
// rows drop trailing empty cells, so only overlong rows are faults there.
func (s *Stream) checkWidth(values []string) string {
	if len(values) > len(s.header) && !isBlank(values[len(s.header):]) {
		return faultFieldCount
	}
	if s.format == FormatCSV && len(values) < len(s.header) {
		return faultFieldCount
	}
	return ""
}

// Fraction estimates how much of the input has been consumed, in [0,1].
// It is 0 when no estimate is available.
func (s *Stream) Fraction() float64 {
	n := s.src.consumed()
	if n <= 0 || s.size <= 0 {
		return 0
	}
	f := float64(n) / float64(s.size)
	if f > 1 {
		return 1
	}
	return f
}

// Close releases the underlying file handle. It is safe to call repeatedly.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.src.close()
		if s.err == nil {
			s.err = errClosed
		}
	})
	return s.closeErr
}

var errClosed = errors.New("parser: stream closed")

func isBlank(values []string) bool {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}
