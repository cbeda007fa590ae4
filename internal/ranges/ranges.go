// Package ranges splits a file of known length into the contiguous byte ranges
// sent as fragments of a resumable upload.
package ranges

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	ErrInvalidArgument = errors.New("ranges: invalid argument")
)

// Range is an inclusive byte range [Lower, Upper] of a file that is Total bytes long.
type Range struct {
	Lower uint64
	Upper uint64
	Total uint64
}

// Length is the number of bytes covered by the range.
func (r Range) Length() uint64 {
	return r.Upper - r.Lower + 1
}

// IsLast reports whether the range ends at the last byte of the file.
func (r Range) IsLast() bool {
	return r.Upper+1 == r.Total
}

// ContentRange renders the range as an HTTP Content-Range value.
func (r Range) ContentRange() string {
	return fmt.Sprintf("bytes %d-%d/%d", r.Lower, r.Upper, r.Total)
}

func (r Range) String() string {
	return fmt.Sprintf("(%d,%d,%d)", r.Lower, r.Upper, r.Length())
}

// Plan returns the ranges covering a file of totalLength bytes, each at most
// chunkSize bytes long. The last range holds whatever is left over.
func Plan(chunkSize, totalLength uint64) ([]Range, error) {
	return PlanFrom(0, chunkSize, totalLength)
}

// PlanFrom plans the ranges still to be sent when the server already holds
// the bytes before offset.
func PlanFrom(offset, chunkSize, totalLength uint64) ([]Range, error) {
	if chunkSize == 0 {
		return nil, fmt.Errorf("%w: chunk size must be positive", ErrInvalidArgument)
	}
	if totalLength == 0 {
		return nil, fmt.Errorf("%w: total length must be positive", ErrInvalidArgument)
	}
	if offset >= totalLength {
		return nil, fmt.Errorf("%w: offset %d is past the end of a %d byte file", ErrInvalidArgument, offset, totalLength)
	}

	remaining := totalLength - offset
	count := remaining / chunkSize
	if remaining%chunkSize != 0 {
		count++
	}

	planned := make([]Range, 0, count)
	for lower := offset; lower < totalLength; lower += chunkSize {
		upper := lower + chunkSize - 1
		// the tail is shorter than a chunk, or lower+chunkSize overflowed
		if upper >= totalLength || upper < lower {
			upper = totalLength - 1
		}
		planned = append(planned, Range{Lower: lower, Upper: upper, Total: totalLength})
		if upper == totalLength-1 {
			break
		}
	}
	return planned, nil
}

// Full is the single range covering the whole file.
func Full(totalLength uint64) Range {
	return Range{Lower: 0, Upper: totalLength - 1, Total: totalLength}
}

// ParseNextExpected parses a server "next expected range" value such as
// "26-" or "26-51" for a file of totalLength bytes.
func ParseNextExpected(expr string, totalLength uint64) (Range, error) {
	expr = strings.TrimSpace(expr)
	lowerStr, upperStr, found := strings.Cut(expr, "-")
	if !found {
		return Range{}, fmt.Errorf("%w: no '-' in next expected range %q", ErrInvalidArgument, expr)
	}

	lower, err := strconv.ParseUint(lowerStr, 10, 64)
	if err != nil {
		return Range{}, fmt.Errorf("%w: bad lower bound in %q: %v", ErrInvalidArgument, expr, err)
	}

	upper := totalLength - 1
	if upperStr != "" {
		upper, err = strconv.ParseUint(upperStr, 10, 64)
		if err != nil {
			return Range{}, fmt.Errorf("%w: bad upper bound in %q: %v", ErrInvalidArgument, expr, err)
		}
	}

	if lower > upper || upper >= totalLength {
		return Range{}, fmt.Errorf("%w: range %q outside a %d byte file", ErrInvalidArgument, expr, totalLength)
	}

	return Range{Lower: lower, Upper: upper, Total: totalLength}, nil
}
