// Package v1 defines the relay wire contract v1.
//
// Every unit on the wire is a length-prefixed UTF-8 header made of fields
// separated by "|". FILE headers are followed by exactly Size raw bytes.
// The framing itself lives in the server's frame package; this package only
// knows the header grammar so that independently-built clients can share it.
package v1

import (
	"strconv"
	"strings"
)

// Header types (wire-stable).
const (
	// TypeConnect registers a display name (client -> server).
	TypeConnect = "CONNECT"
	// TypeMessage is a broadcast chat line; the server also uses it for notices.
	TypeMessage = "MSG"
	// TypePrivate is a directed message to a single user.
	TypePrivate = "PM"
	// TypeCommand carries a client command such as LIST (client -> server).
	TypeCommand = "CMD"
	// TypeFile announces a file payload of Size bytes that follows the header.
	TypeFile = "FILE"
	// TypeExit is a graceful disconnect (client -> server).
	TypeExit = "EXIT"
)

// WSSubprotocol is the WebSocket subprotocol carrying this contract as binary messages.
const WSSubprotocol = "relay.v1"

// Reserved field values.
const (
	Separator = "|"

	// ServerSender is the sender field of every server-originated notice.
	ServerSender = "Server"

	// TargetAll addresses a FILE to every registered user except the sender.
	TargetAll = "ALL"

	CommandList = "LIST"

	NoticeUsers = "USERS"
	NoticeError = "ERROR"

	// UserListSeparator joins names inside a USERS notice.
	UserListSeparator = ", "
)

// Header is one decoded control header.
//
// The concrete types are Connect, Chat, Private, ListRequest, FileOffer and Disconnect.
type Header interface {
	// Type returns the wire type (e.g. TypeMessage).
	Type() string
	// String renders the header in wire form, without the length prefix.
	String() string
}

// Connect registers Name for the session.
type Connect struct {
	Name string
}

func (Connect) Type() string { return TypeConnect }

func (h Connect) String() string { return join(TypeConnect, h.Name) }

// Chat is a broadcast line. Server notices use Sender=ServerSender.
type Chat struct {
	Sender string
	Body   string
}

func (Chat) Type() string { return TypeMessage }

func (h Chat) String() string { return join(TypeMessage, h.Sender, h.Body) }

// UserList reports whether the chat line is a server USERS notice and returns the names.
func (h Chat) UserList() ([]string, bool) {
	if h.Sender != ServerSender {
		return nil, false
	}
	rest, ok := strings.CutPrefix(h.Body, NoticeUsers+Separator)
	if !ok {
		return nil, false
	}
	return SplitNames(rest), true
}

// ErrorText reports whether the chat line is a server ERROR notice and returns its text.
func (h Chat) ErrorText() (string, bool) {
	if h.Sender != ServerSender {
		return "", false
	}
	return strings.CutPrefix(h.Body, NoticeError+Separator)
}

// Private is a directed message from Sender to Target.
type Private struct {
	Sender string
	Target string
	Body   string
}

func (Private) Type() string { return TypePrivate }

func (h Private) String() string { return join(TypePrivate, h.Sender, h.Target, h.Body) }

// ListRequest asks the server for the current user list.
type ListRequest struct {
	Requester string
}

func (ListRequest) Type() string { return TypeCommand }

func (h ListRequest) String() string { return join(TypeCommand, h.Requester, CommandList) }

// FileOffer announces Size raw bytes named Filename that immediately follow the header.
type FileOffer struct {
	Sender   string
	Target   string
	Filename string
	Size     int64
}

func (FileOffer) Type() string { return TypeFile }

func (h FileOffer) String() string {
	return join(TypeFile, h.Sender, h.Target, h.Filename, strconv.FormatInt(h.Size, 10))
}

// Broadcast reports whether the offer targets every user.
func (h FileOffer) Broadcast() bool { return IsAll(h.Target) }

// Addressed returns a copy of the offer naming recipient as the target.
func (h FileOffer) Addressed(recipient string) FileOffer {
	h.Target = recipient
	return h
}

// Disconnect is a graceful exit.
type Disconnect struct {
	Name string
}

func (Disconnect) Type() string { return TypeExit }

func (h Disconnect) String() string { return join(TypeExit, h.Name) }

// Notice builds a plain server notice.
func Notice(text string) Chat {
	return Chat{Sender: ServerSender, Body: text}
}

// ErrorNotice builds a server ERROR notice addressed to the initiating client.
func ErrorNotice(text string) Chat {
	return Chat{Sender: ServerSender, Body: NoticeError + Separator + text}
}

// UserListNotice builds the USERS notice sent after every join/leave.
func UserListNotice(names []string) Chat {
	return Chat{Sender: ServerSender, Body: NoticeUsers + Separator + JoinNames(names)}
}

// IsAll reports whether target is the ALL pseudo-recipient (case-insensitive).
func IsAll(target string) bool {
	return strings.EqualFold(strings.TrimSpace(target), TargetAll)
}

// JoinNames renders a user list.
func JoinNames(names []string) string {
	return strings.Join(names, UserListSeparator)
}

// SplitNames parses a user list produced by JoinNames.
func SplitNames(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if n := strings.TrimSpace(p); n != "" {
			out = append(out, n)
		}
	}
	return out
}

func join(fields ...string) string {
	return strings.Join(fields, Separator)
}
