package v1

import (
	"errors"
	"reflect"
	"strings"
	"testing"
)

func TestParse_KnownTypes(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want Header
	}{
		{in: "CONNECT|alice", want: Connect{Name: "alice"}},
		{in: "CONNECT| bob ", want: Connect{Name: "bob"}},
		{in: "MSG|alice|hello", want: Chat{Sender: "alice", Body: "hello"}},
		{in: "MSG|alice|a|b|c", want: Chat{Sender: "alice", Body: "a|b|c"}},
		{in: "MSG|alice|", want: Chat{Sender: "alice", Body: ""}},
		{in: "PM|alice|bob|secret", want: Private{Sender: "alice", Target: "bob", Body: "secret"}},
		{in: "PM|alice|bob|x|y", want: Private{Sender: "alice", Target: "bob", Body: "x|y"}},
		{in: "CMD|alice|LIST", want: ListRequest{Requester: "alice"}},
		{in: "FILE|alice|ALL|a.txt|12", want: FileOffer{Sender: "alice", Target: "ALL", Filename: "a.txt", Size: 12}},
		{in: "FILE|alice|bob|empty.bin|0", want: FileOffer{Sender: "alice", Target: "bob", Filename: "empty.bin", Size: 0}},
		{in: "EXIT|alice", want: Disconnect{Name: "alice"}},
		{in: "EXIT", want: Disconnect{}},
	}

	for _, tc := range cases {
		got, err := Parse(tc.in)
		if err != nil {
			t.Fatalf("Parse(%q) err=%v", tc.in, err)
		}
		if !reflect.DeepEqual(got, tc.want) {
			t.Fatalf("Parse(%q)=%#v want=%#v", tc.in, got, tc.want)
		}
	}
}

func TestParse_Errors(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want error
	}{
		{in: "", want: ErrEmptyHeader},
		{in: "HELLO|x", want: ErrUnknownType},
		{in: "msg|alice|lowercase type", want: ErrUnknownType},
		{in: "MSG|alice", want: ErrMalformed},
		{in: "PM|alice|bob", want: ErrMalformed},
		{in: "CMD|alice", want: ErrMalformed},
		{in: "CMD|alice|KICK", want: ErrMalformed},
		{in: "FILE|alice|bob|a.txt", want: ErrMalformed},
		{in: "FILE|alice|bob|a.txt|-1", want: ErrMalformed},
		{in: "FILE|alice|bob|a.txt|ten", want: ErrMalformed},
		{in: "FILE|alice|bob||10", want: ErrMalformed},
	}

	for _, tc := range cases {
		_, err := Parse(tc.in)
		if !errors.Is(err, tc.want) {
			t.Fatalf("Parse(%q) err=%v want=%v", tc.in, err, tc.want)
		}
	}
}

func TestHeader_StringRoundTrip(t *testing.T) {
	t.Parallel()

	headers := []Header{
		Connect{Name: "Chloé"},
		Chat{Sender: "alice", Body: "xin chào 👋 | pipes stay"},
		Private{Sender: "alice", Target: "bob", Body: "secret"},
		ListRequest{Requester: "alice"},
		FileOffer{Sender: "alice", Target: "bob", Filename: "photo.jpg", Size: 1 << 20},
		Disconnect{Name: "alice"},
	}

	for _, h := range headers {
		got, err := Parse(h.String())
		if err != nil {
			t.Fatalf("Parse(%q) err=%v", h.String(), err)
		}
		if !reflect.DeepEqual(got, h) {
			t.Fatalf("round trip %q: got=%#v want=%#v", h.String(), got, h)
		}
		if got.Type() != h.Type() {
			t.Fatalf("Type()=%q want=%q", got.Type(), h.Type())
		}
	}
}

func TestNotices(t *testing.T) {
	t.Parallel()

	users := UserListNotice([]string{"alice", "bob"})
	if users.String() != "MSG|Server|USERS|alice, bob" {
		t.Fatalf("UserListNotice=%q", users.String())
	}
	names, ok := users.UserList()
	if !ok || !reflect.DeepEqual(names, []string{"alice", "bob"}) {
		t.Fatalf("UserList()=%v,%v", names, ok)
	}

	errNotice := ErrorNotice("User 'bob' is not online.")
	text, ok := errNotice.ErrorText()
	if !ok || text != "User 'bob' is not online." {
		t.Fatalf("ErrorText()=%q,%v", text, ok)
	}

	// A user cannot forge a USERS notice under their own name.
	if _, ok := (Chat{Sender: "mallory", Body: "USERS|x"}).UserList(); ok {
		t.Fatalf("expected non-server USERS body to be a plain chat line")
	}
	if _, ok := Notice("alice joined.").UserList(); ok {
		t.Fatalf("plain notice must not parse as USERS")
	}
}

func TestFileOffer_Addressed(t *testing.T) {
	t.Parallel()

	offer := FileOffer{Sender: "alice", Target: "all", Filename: "a.txt", Size: 3}
	if !offer.Broadcast() {
		t.Fatalf("expected lowercase 'all' to be a broadcast target")
	}
	got := offer.Addressed("bob")
	if got.String() != "FILE|alice|bob|a.txt|3" {
		t.Fatalf("Addressed()=%q", got.String())
	}
	if offer.Target != "all" {
		t.Fatalf("Addressed must not mutate the receiver")
	}
}

func TestValidateName(t *testing.T) {
	t.Parallel()

	ok := []string{"alice", "Bob Smith", "Chloé", "用户"}
	for _, n := range ok {
		if err := ValidateName(n); err != nil {
			t.Fatalf("ValidateName(%q)=%v want nil", n, err)
		}
	}

	bad := []string{"", "   ", "a|b", "a,b", "tab\there", "Server", "server", "ALL", "all", strings.Repeat("x", MaxNameRunes+1)}
	for _, n := range bad {
		if err := ValidateName(n); !errors.Is(err, ErrInvalidName) {
			t.Fatalf("ValidateName(%q)=%v want ErrInvalidName", n, err)
		}
	}
}

func TestSplitNames(t *testing.T) {
	t.Parallel()

	if got := SplitNames(""); got != nil {
		t.Fatalf("SplitNames(\"\")=%v want nil", got)
	}
	got := SplitNames(JoinNames([]string{"a", "b", "c"}))
	if !reflect.DeepEqual(got, []string{"a", "b", "c"}) {
		t.Fatalf("SplitNames=%v", got)
	}
}
