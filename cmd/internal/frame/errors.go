package frame

import (
	"errors"
	"fmt"
)

var (
	// ErrEndOfStream is the clean end-of-stream signal: EOF before a frame, or a
	// declared length <= 0. It is not a failure.
	ErrEndOfStream = errors.New("frame: end of stream")

	// ErrFraming is returned when the stream closes inside a frame or the frame is invalid.
	// It is fatal to the session.
	ErrFraming = errors.New("frame: framing error")

	// ErrHeaderTooLarge is returned when a declared header length exceeds the limit.
	ErrHeaderTooLarge = fmt.Errorf("%w: header too large", ErrFraming)

	// ErrIncompleteStream is returned when a payload ends before its declared size.
	ErrIncompleteStream = errors.New("frame: incomplete stream")
)
