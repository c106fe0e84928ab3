package v1

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"
)

// MaxNameRunes bounds display names.
const MaxNameRunes = 64

var (
	// ErrEmptyHeader is returned for an empty header string.
	ErrEmptyHeader = errors.New("empty header")

	// ErrUnknownType is returned for a header type outside this contract.
	ErrUnknownType = errors.New("unknown header type")

	// ErrMalformed is returned when a known header type has missing or invalid fields.
	ErrMalformed = errors.New("malformed header")

	// ErrInvalidName is returned by ValidateName.
	ErrInvalidName = errors.New("invalid name")
)

// UnknownTypeError reports the offending type token.
type UnknownTypeError struct {
	Type string
}

func (e UnknownTypeError) Error() string {
	return fmt.Sprintf("%v: %q", ErrUnknownType, e.Type)
}

func (e UnknownTypeError) Unwrap() error { return ErrUnknownType }

// MalformedError reports which header type failed to parse and why.
type MalformedError struct {
	Type   string
	Reason string
}

func (e MalformedError) Error() string {
	return fmt.Sprintf("%v: %s: %s", ErrMalformed, e.Type, e.Reason)
}

func (e MalformedError) Unwrap() error { return ErrMalformed }

// Parse decodes a wire header.
//
// Bodies of MSG and PM keep any further "|" characters verbatim. Identity fields
// (names, targets, filenames) are trimmed.
func Parse(raw string) (Header, error) {
	if raw == "" {
		return nil, ErrEmptyHeader
	}

	typ, rest, _ := strings.Cut(raw, Separator)

	switch typ {
	case TypeConnect:
		name := strings.TrimSpace(firstField(rest))
		return Connect{Name: name}, nil

	case TypeMessage:
		parts := strings.SplitN(rest, Separator, 2)
		if len(parts) < 2 {
			return nil, MalformedError{Type: typ, Reason: "want sender and body"}
		}
		return Chat{Sender: strings.TrimSpace(parts[0]), Body: parts[1]}, nil

	case TypePrivate:
		parts := strings.SplitN(rest, Separator, 3)
		if len(parts) < 3 {
			return nil, MalformedError{Type: typ, Reason: "want sender, target and body"}
		}
		return Private{
			Sender: strings.TrimSpace(parts[0]),
			Target: strings.TrimSpace(parts[1]),
			Body:   parts[2],
		}, nil

	case TypeCommand:
		parts := strings.Split(rest, Separator)
		if len(parts) < 2 {
			return nil, MalformedError{Type: typ, Reason: "want requester and command"}
		}
		if cmd := strings.TrimSpace(parts[1]); cmd != CommandList {
			return nil, MalformedError{Type: typ, Reason: fmt.Sprintf("unsupported command %q", cmd)}
		}
		return ListRequest{Requester: strings.TrimSpace(parts[0])}, nil

	case TypeFile:
		parts := strings.Split(rest, Separator)
		if len(parts) != 4 {
			return nil, MalformedError{Type: typ, Reason: "want sender, target, filename and size"}
		}
		size, err := strconv.ParseInt(strings.TrimSpace(parts[3]), 10, 64)
		if err != nil || size < 0 {
			return nil, MalformedError{Type: typ, Reason: fmt.Sprintf("invalid size %q", parts[3])}
		}
		filename := strings.TrimSpace(parts[2])
		if filename == "" {
			return nil, MalformedError{Type: typ, Reason: "empty filename"}
		}
		return FileOffer{
			Sender:   strings.TrimSpace(parts[0]),
			Target:   strings.TrimSpace(parts[1]),
			Filename: filename,
			Size:     size,
		}, nil

	case TypeExit:
		return Disconnect{Name: strings.TrimSpace(firstField(rest))}, nil

	default:
		return nil, UnknownTypeError{Type: typ}
	}
}

// ValidateName checks a display name: non-empty, bounded, no separators or
// control characters, and not one of the reserved words.
func ValidateName(name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("%w: empty", ErrInvalidName)
	}
	if !utf8.ValidString(name) {
		return fmt.Errorf("%w: not utf-8", ErrInvalidName)
	}
	if utf8.RuneCountInString(name) > MaxNameRunes {
		return fmt.Errorf("%w: longer than %d characters", ErrInvalidName, MaxNameRunes)
	}
	if strings.ContainsAny(name, Separator+",") {
		return fmt.Errorf("%w: must not contain '|' or ','", ErrInvalidName)
	}
	for _, r := range name {
		if unicode.IsControl(r) {
			return fmt.Errorf("%w: control character", ErrInvalidName)
		}
	}
	if strings.EqualFold(name, ServerSender) || strings.EqualFold(name, TargetAll) {
		return fmt.Errorf("%w: %q is reserved", ErrInvalidName, name)
	}
	return nil
}

func firstField(s string) string {
	f, _, _ := strings.Cut(s, Separator)
	return f
}
