// Package frame implements the relay wire framing.
//
// Wire format: [4-byte signed length, little-endian][UTF-8 header bytes].
// FILE headers are followed by a raw payload whose size is declared inside the
// header; that payload is read separately with ReadExact or Discard.
//
// The byte order is a wire contract shared with independently-built clients
// and must not change.
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"slices"
	"unicode/utf8"
)

const (
	// PrefixSize is the size of the length prefix in bytes.
	PrefixSize = 4

	// DefaultMaxHeaderBytes bounds a single header.
	DefaultMaxHeaderBytes = 64 << 10 // 64 KiB

	// ChunkSize bounds a single read when consuming file payloads.
	ChunkSize = 8 << 10 // 8 KiB
)

// ByteOrder is the byte order of the length prefix.
var ByteOrder = binary.LittleEndian

// Encode returns the framed form of header.
func Encode(header string) []byte {
	b := make([]byte, PrefixSize+len(header))
	ByteOrder.PutUint32(b[:PrefixSize], uint32(int32(len(header))))
	copy(b[PrefixSize:], header)
	return b
}

// WriteHeader writes one framed header with a single Write call.
func WriteHeader(w io.Writer, header string) error {
	if len(header) > math.MaxInt32 {
		return ErrHeaderTooLarge
	}
	if _, err := w.Write(Encode(header)); err != nil {
		return fmt.Errorf("frame: write header: %w", err)
	}
	return nil
}

// ReadHeader reads one header using DefaultMaxHeaderBytes.
func ReadHeader(r io.Reader) (string, error) {
	return ReadHeaderLimit(r, DefaultMaxHeaderBytes)
}

// ReadHeaderLimit blocks until a length prefix is available, then reads exactly
// that many header bytes.
//
// A clean EOF before the prefix, or a declared length <= 0, returns ErrEndOfStream.
// A stream that ends inside the prefix or the header returns an error wrapping ErrFraming.
// Other transport errors are returned wrapped as-is.
func ReadHeaderLimit(r io.Reader, maxBytes int) (string, error) {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxHeaderBytes
	}

	var prefix [PrefixSize]byte
	n, err := io.ReadFull(r, prefix[:])
	if err != nil {
		switch {
		case errors.Is(err, io.EOF) && n == 0:
			return "", ErrEndOfStream
		case errors.Is(err, io.ErrUnexpectedEOF):
			return "", fmt.Errorf("%w: stream closed inside length prefix (%d of %d bytes)", ErrFraming, n, PrefixSize)
		default:
			return "", fmt.Errorf("frame: read length: %w", err)
		}
	}

	size := int32(ByteOrder.Uint32(prefix[:]))
	if size <= 0 {
		return "", ErrEndOfStream
	}
	if int64(size) > int64(maxBytes) {
		return "", fmt.Errorf("%w: declared %d bytes, max %d", ErrHeaderTooLarge, size, maxBytes)
	}

	b := make([]byte, size)
	n, err = io.ReadFull(r, b)
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return "", fmt.Errorf("%w: stream closed inside header (%d of %d bytes)", ErrFraming, n, size)
		}
		return "", fmt.Errorf("frame: read header: %w", err)
	}
	if !utf8.Valid(b) {
		return "", fmt.Errorf("%w: header is not valid utf-8", ErrFraming)
	}
	return string(b), nil
}

// ReadExact reads exactly n payload bytes in ChunkSize steps, so the buffer only
// grows as bytes actually arrive.
func ReadExact(r io.Reader, n int64) ([]byte, error) {
	if n < 0 {
		return nil, fmt.Errorf("frame: negative payload size %d", n)
	}

	buf := make([]byte, 0, min(n, ChunkSize))
	for int64(len(buf)) < n {
		want := int(min(n-int64(len(buf)), ChunkSize))
		buf = slices.Grow(buf, want)

		got, err := io.ReadFull(r, buf[len(buf):len(buf)+want])
		buf = buf[:len(buf)+got]
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil, fmt.Errorf("%w: got %d of %d bytes", ErrIncompleteStream, len(buf), n)
			}
			return nil, fmt.Errorf("frame: read payload: %w", err)
		}
	}
	return buf, nil
}

// Discard consumes exactly n payload bytes without retaining them.
func Discard(r io.Reader, n int64) error {
	if n <= 0 {
		return nil
	}
	got, err := io.CopyN(io.Discard, r, n)
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return fmt.Errorf("%w: drained %d of %d bytes", ErrIncompleteStream, got, n)
		}
		return fmt.Errorf("frame: drain payload: %w", err)
	}
	return nil
}
