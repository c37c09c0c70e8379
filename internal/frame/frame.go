// Package frame decodes the instrument's text wire format and fans frames
// out into per-channel records.
package frame

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

const (
	// Channels is the number of readings carried by every frame.
	Channels = 8

	// FullScale is the raw reading that maps to 1.0 after normalization.
	FullScale = 32768.0

	fieldCount = 2 + Channels
	maxMillis  = math.MaxInt64 / int64(time.Millisecond)
)

// Frame is one decoded wire line: a device timestamp, the bank it was
// sampled on and one reading per channel.
type Frame struct {
	Timestamp time.Duration     `json:"timestamp"`
	Bank      uint8             `json:"bank"`
	Readings  [Channels]float64 `json:"readings"`
}

// ErrorKind classifies a rejected wire line.
type ErrorKind int

const (
	WrongFieldCount ErrorKind = iota
	BadBankID
	BadTimestamp
	BadReading
)

func (k ErrorKind) String() string {
	switch k {
	case WrongFieldCount:
		return "wrong_field_count"
	case BadBankID:
		return "bad_bank_id"
	case BadTimestamp:
		return "bad_timestamp"
	case BadReading:
		return "bad_reading"
	}
	return "unknown"
}

// ParseError is returned for lines that cannot be decoded into a Frame.
type ParseError struct {
	Kind  ErrorKind
	Field string // offending field, empty for WrongFieldCount
	Count int    // number of fields seen
}

func (e *ParseError) Error() string {
	if e.Kind == WrongFieldCount {
		return fmt.Sprintf("frame: expected %d fields, got %d", fieldCount, e.Count)
	}
	return fmt.Sprintf("frame: %s %q", e.Kind, e.Field)
}

// Parser decodes wire lines. The zero value is lenient: an unparseable or
// non-finite reading becomes 0.0. With Strict set such a line is rejected with
// BadReading instead.
type Parser struct {
	Strict bool
}

// Parse decodes a line with the lenient policy.
func Parse(line string) (Frame, error) {
	return Parser{}.Parse(line)
}

// Parse decodes one line of the form
// "<time_ms>,<bank>,<r0>,...,<r7>". A trailing line terminator is ignored.
func (p Parser) Parse(line string) (Frame, error) {
	fields := strings.Split(strings.TrimRight(line, "\r\n"), ",")
	if len(fields) != fieldCount {
		return Frame{}, &ParseError{Kind: WrongFieldCount, Count: len(fields)}
	}
	for i := range fields {
		fields[i] = strings.TrimSpace(fields[i])
	}

	ms, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil || ms < 0 || ms > maxMillis {
		return Frame{}, &ParseError{Kind: BadTimestamp, Field: fields[0], Count: fieldCount}
	}
	bank, err := strconv.ParseUint(fields[1], 10, 8)
	if err != nil {
		return Frame{}, &ParseError{Kind: BadBankID, Field: fields[1], Count: fieldCount}
	}

	f := Frame{
		Timestamp: time.Duration(ms) * time.Millisecond,
		Bank:      uint8(bank),
	}
	for i, s := range fields[2:] {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
			if p.Strict {
				return Frame{}, &ParseError{Kind: BadReading, Field: s, Count: fieldCount}
			}
			v = 0
		}
		f.Readings[i] = v
	}
	return f, nil
}

// Serialize renders f in wire format without a line terminator.
// Parse(Serialize(f)) == f for frames with millisecond timestamps and
// finite readings.
func Serialize(f Frame) string {
	var b strings.Builder
	b.WriteString(strconv.FormatInt(f.Timestamp.Milliseconds(), 10))
	b.WriteByte(',')
	b.WriteString(strconv.FormatUint(uint64(f.Bank), 10))
	for _, v := range f.Readings {
		b.WriteByte(',')
		b.WriteString(strconv.FormatFloat(v, 'f', -1, 64))
	}
	return b.String()
}

// Normalize divides every reading by FullScale.
func Normalize(f Frame) Frame {
	for i := range f.Readings {
		f.Readings[i] /= FullScale
	}
	return f
}
