package xirc

import (
	"errors"
	"reflect"
	"strings"
	"testing"
)

func TestParseMessage(t *testing.T) {
	testCases := []struct {
		name string
		line string
		want Message
	}{
		{
			name: "bare",
			line: "QUIT",
			want: Message{Command: "QUIT"},
		},
		{
			name: "lowercaseCommand",
			line: "privmsg #chan hello",
			want: Message{Command: "PRIVMSG", Params: []string{"#chan", "hello"}},
		},
		{
			name: "numericKeepsZeros",
			line: ":srv 001 nick :Welcome",
			want: Message{
				Prefix:  &Prefix{Name: "srv"},
				Command: "001",
				Params:  []string{"nick", "Welcome"},
			},
		},
		{
			name: "trailingWithSpaces",
			line: ":nick!user@host PRIVMSG #chan :hi there",
			want: Message{
				Prefix:  &Prefix{Name: "nick", User: "user", Host: "host"},
				Command: "PRIVMSG",
				Params:  []string{"#chan", "hi there"},
			},
		},
		{
			name: "emptyTrailing",
			line: "TOPIC #chan :",
			want: Message{Command: "TOPIC", Params: []string{"#chan", ""}},
		},
		{
			name: "tagsAndEscapes",
			line: `@time=2024-01-01T00:00:00.000Z;+vendor/x=a\:b\sc :nick!u@h PRIVMSG #chan :hi there`,
			want: Message{
				Tags: map[string]string{
					"time":      "2024-01-01T00:00:00.000Z",
					"+vendor/x": "a;b c",
				},
				Prefix:  &Prefix{Name: "nick", User: "u", Host: "h"},
				Command: "PRIVMSG",
				Params:  []string{"#chan", "hi there"},
			},
		},
		{
			name: "tagWithoutValue",
			line: "@account CAP LS",
			want: Message{
				Tags:    map[string]string{"account": ""},
				Command: "CAP",
				Params:  []string{"LS"},
			},
		},
		{
			name: "danglingTagEscape",
			line: `@k=v\ PING`,
			want: Message{
				Tags:    map[string]string{"k": "v"},
				Command: "PING",
			},
		},
		{
			name: "collapsedSpaces",
			line: "PRIVMSG  #chan   :text",
			want: Message{Command: "PRIVMSG", Params: []string{"#chan", "text"}},
		},
		{
			name: "crlfStripped",
			line: "PING token\r\n",
			want: Message{Command: "PING", Params: []string{"token"}},
		},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			msg, err := ParseMessage(tc.line)
			if err != nil {
				t.Fatalf("ParseMessage(%q) = %v", tc.line, err)
			}
			if !reflect.DeepEqual(msg.Tags, tc.want.Tags) {
				t.Errorf("tags = %v, want %v", msg.Tags, tc.want.Tags)
			}
			if !reflect.DeepEqual(msg.Prefix, tc.want.Prefix) {
				t.Errorf("prefix = %v, want %v", msg.Prefix, tc.want.Prefix)
			}
			if msg.Command != tc.want.Command {
				t.Errorf("command = %q, want %q", msg.Command, tc.want.Command)
			}
			if !reflect.DeepEqual(msg.Params, tc.want.Params) {
				t.Errorf("params = %v, want %v", msg.Params, tc.want.Params)
			}
		})
	}
}

func TestParseMessageMalformed(t *testing.T) {
	lines := []string{
		"",
		"\r\n",
		":prefix",
		":prefix ",
		"@tag=v",
		strings.Repeat("A", 1) + " " + strings.Repeat("p ", MaxMessageParams+1),
	}
	for _, line := range lines {
		if _, err := ParseMessage(line); !errors.Is(err, ErrMalformedMessage) {
			t.Errorf("ParseMessage(%q) = %v, want ErrMalformedMessage", line, err)
		}
	}
}

func TestMarshalLine(t *testing.T) {
	testCases := []struct {
		name string
		msg  Message
		want string
	}{
		{
			name: "simple",
			msg:  Message{Command: "NICK", Params: []string{"mynick"}},
			want: "NICK mynick",
		},
		{
			name: "trailingSpace",
			msg:  Message{Command: "PRIVMSG", Params: []string{"#chan", "hi there"}},
			want: "PRIVMSG #chan :hi there",
		},
		{
			name: "trailingEmpty",
			msg:  Message{Command: "TOPIC", Params: []string{"#chan", ""}},
			want: "TOPIC #chan :",
		},
		{
			name: "trailingColon",
			msg:  Message{Command: "PRIVMSG", Params: []string{"#chan", ":)"}},
			want: "PRIVMSG #chan ::)",
		},
		{
			name: "prefix",
			msg: Message{
				Prefix:  &Prefix{Name: "nick", User: "u", Host: "h"},
				Command: "QUIT",
			},
			want: ":nick!u@h QUIT",
		},
	}
	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			line, err := tc.msg.MarshalLine()
			if err != nil {
				t.Fatalf("MarshalLine() = %v", err)
			}
			if line != tc.want {
				t.Errorf("MarshalLine() = %q, want %q", line, tc.want)
			}
		})
	}
}

func TestMarshalLineRejectsMisplacedParams(t *testing.T) {
	msgs := []Message{
		{Command: "PRIVMSG", Params: []string{"a b", "c"}},
		{Command: "PRIVMSG", Params: []string{"", "c"}},
		{Command: "PRIVMSG", Params: []string{":a", "c"}},
		{Command: "PRIVMSG", Params: []string{"#chan", strings.Repeat("x", MaxMessageLength)}},
	}
	for _, msg := range msgs {
		if _, err := msg.MarshalLine(); err == nil {
			t.Errorf("MarshalLine(%v) succeeded, want error", msg.Params)
		}
	}
}

func TestRoundTrip(t *testing.T) {
	lines := []string{
		"PING token",
		":srv 005 nick CASEMAPPING=rfc1459 PREFIX=(ov)@+ :are supported by this server",
		":nick!user@host PRIVMSG #chan :hello world",
		"@time=2021-11-24T00:00:00.000Z :a!b@c TAGMSG #chan",
		"AUTHENTICATE +",
		"CAP REQ :sasl message-tags",
	}
	for _, line := range lines {
		msg, err := ParseMessage(line)
		if err != nil {
			t.Fatalf("ParseMessage(%q) = %v", line, err)
		}
		got, err := msg.MarshalLine()
		if err != nil {
			t.Fatalf("MarshalLine(%q) = %v", line, err)
		}
		if got != line {
			t.Errorf("round trip of %q = %q", line, got)
		}
	}
}

func TestTagValueRoundTrip(t *testing.T) {
	values := []string{
		"",
		"simple",
		"semi;colon",
		"with space",
		"back\\slash",
		"cr\rlf\n",
		"mix; \\ of\nall",
	}
	for _, v := range values {
		if got := unescapeTagValue(escapeTagValue(v)); got != v {
			t.Errorf("tag value round trip of %q = %q", v, got)
		}
	}
}

func TestParsePrefix(t *testing.T) {
	testCases := []struct {
		s    string
		want Prefix
	}{
		{"server.example.org", Prefix{Name: "server.example.org"}},
		{"nick!user@host", Prefix{Name: "nick", User: "user", Host: "host"}},
		{"nick@host", Prefix{Name: "nick", Host: "host"}},
		{"nick!user", Prefix{Name: "nick", User: "user"}},
	}
	for _, tc := range testCases {
		if got := ParsePrefix(tc.s); *got != tc.want {
			t.Errorf("ParsePrefix(%q) = %v, want %v", tc.s, got, tc.want)
		}
		if got := ParsePrefix(tc.s).String(); got != tc.s {
			t.Errorf("ParsePrefix(%q).String() = %q", tc.s, got)
		}
	}
}

func TestParseParams(t *testing.T) {
	msg, err := ParseMessage(":srv 433 * MyBot :Nickname is already in use")
	if err != nil {
		t.Fatal(err)
	}
	var attempted string
	if err := msg.ParseParams(nil, &attempted); err != nil {
		t.Fatalf("ParseParams() = %v", err)
	}
	if attempted != "MyBot" {
		t.Errorf("attempted = %q, want %q", attempted, "MyBot")
	}
	if err := msg.ParseParams(nil, nil, nil, nil); !errors.Is(err, ErrMalformedMessage) {
		t.Errorf("ParseParams() with too many outs = %v, want ErrMalformedMessage", err)
	}
}
