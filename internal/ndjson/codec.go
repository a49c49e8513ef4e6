package ndjson

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
)

// MaxRecordSize is the default maximum NDJSON record size (256 KiB)
const MaxRecordSize = 256 * 1024

// ErrRecordTooLarge is returned for a record that exceeded the size limit.
// The oversized record is consumed in full so the next call starts cleanly.
var ErrRecordTooLarge = errors.New("ndjson: record exceeds size limit")

// Encoder writes NDJSON records to an output stream
type Encoder struct {
	writer *bufio.Writer
	logger *slog.Logger
}

// NewEncoder creates a new NDJSON encoder
func NewEncoder(w io.Writer, logger *slog.Logger) *Encoder {
	return &Encoder{
		writer: bufio.NewWriter(w),
		logger: logger,
	}
}

// Encode writes v as a single JSON line and flushes it.
func (e *Encoder) Encode(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}

	if len(data) > MaxRecordSize {
		e.logger.Error("record exceeds size limit",
			"size", len(data),
			"limit", MaxRecordSize)
		return fmt.Errorf("record size %d exceeds limit %d", len(data), MaxRecordSize)
	}

	if _, err := e.writer.Write(data); err != nil {
		return fmt.Errorf("failed to write record: %w", err)
	}
	if err := e.writer.WriteByte('\n'); err != nil {
		return fmt.Errorf("failed to write newline: %w", err)
	}

	// Readers tail the file while the task runs
	if err := e.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush output: %w", err)
	}

	return nil
}

// Framer splits a byte stream into newline-delimited records.
//
// Reads may end anywhere, including mid-record or mid-rune; bytes are held
// until the terminating newline arrives. A trailing record without a newline
// is returned when the stream ends.
type Framer struct {
	reader  *bufio.Reader
	limit   int
	logger  *slog.Logger
	lineNum int
}

// NewFramer creates a framer with the given record size limit. A limit <= 0
// selects MaxRecordSize.
func NewFramer(r io.Reader, limit int, logger *slog.Logger) *Framer {
	if limit <= 0 {
		limit = MaxRecordSize
	}
	return &Framer{
		reader: bufio.NewReaderSize(r, 64*1024),
		limit:  limit,
		logger: logger,
	}
}

// Line returns the number of the last record returned (1-based).
func (f *Framer) Line() int {
	return f.lineNum
}

// Next returns the next non-blank record without its line terminator. The
// returned slice is owned by the caller. It returns io.EOF once the stream
// is exhausted and ErrRecordTooLarge for an oversized record.
func (f *Framer) Next() ([]byte, error) {
	var record []byte
	oversized := false

	for {
		chunk, err := f.reader.ReadSlice('\n')
		if len(chunk) > 0 && !oversized {
			if len(record)+len(chunk) > f.limit+2 {
				oversized = true
				record = nil
			} else {
				record = append(record, chunk...)
			}
		}

		switch {
		case err == nil:
			f.lineNum++
			if oversized {
				f.logger.Warn("dropping oversized record", "line", f.lineNum, "limit", f.limit)
				return nil, ErrRecordTooLarge
			}
			record = bytes.TrimRight(record, "\r\n")
			if len(bytes.TrimSpace(record)) == 0 {
				record = record[:0]
				continue
			}
			return record, nil

		case errors.Is(err, bufio.ErrBufferFull):
			continue

		case errors.Is(err, io.EOF):
			if oversized {
				f.lineNum++
				f.logger.Warn("dropping oversized trailing record", "line", f.lineNum, "limit", f.limit)
				return nil, ErrRecordTooLarge
			}
			record = bytes.TrimRight(record, "\r\n")
			if len(bytes.TrimSpace(record)) > 0 {
				f.lineNum++
				return record, nil
			}
			return nil, io.EOF

		default:
			return nil, fmt.Errorf("read error after line %d: %w", f.lineNum, err)
		}
	}
}

// Decoder reads NDJSON records into values
type Decoder struct {
	framer *Framer
	logger *slog.Logger
}

// NewDecoder creates a new NDJSON decoder
func NewDecoder(r io.Reader, logger *slog.Logger) *Decoder {
	return &Decoder{
		framer: NewFramer(r, MaxRecordSize, logger),
		logger: logger,
	}
}

// Decode reads the next record into v
func (d *Decoder) Decode(v any) error {
	data, err := d.framer.Next()
	if err != nil {
		return err
	}

	if err := json.Unmarshal(data, v); err != nil {
		d.logger.Error("failed to unmarshal JSON",
			"line", d.framer.Line(),
			"error", err,
			"data", Preview(data, 100))
		return fmt.Errorf("failed to unmarshal line %d: %w", d.framer.Line(), err)
	}

	return nil
}

// Preview returns at most n bytes of data as a string for logging.
func Preview(data []byte, n int) string {
	if len(data) <= n {
		return string(data)
	}
	return string(data[:n]) + "..."
}
