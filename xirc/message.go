package xirc

import (
	"errors"
	"fmt"
	"strings"
)

const (
	// MaxMessageLength is the maximum length of a message, in octets,
	// excluding tags and including the trailing CR-LF.
	MaxMessageLength = 512
	// MaxTagsLength is the maximum length of the tag section of a
	// message, in octets, including the leading '@' and trailing space.
	MaxTagsLength = 8191
	// MaxMessageParams is the maximum number of parameters a message can
	// carry.
	MaxMessageParams = 15
)

// ErrMalformedMessage is returned by ParseMessage when a line cannot be
// parsed as an IRC message. Readers are expected to log and skip such
// lines rather than aborting the stream.
var ErrMalformedMessage = errors.New("malformed message")

// Prefix is a message source: either a server name, or a nickname with
// optional user and host parts.
type Prefix struct {
	Name string
	User string
	Host string
}

// ParsePrefix parses a message source. A source containing '!' or '@'
// is a user reference, anything else is a bare server or nick name.
func ParsePrefix(s string) *Prefix {
	var p Prefix
	if i := strings.IndexByte(s, '@'); i >= 0 {
		p.Host = s[i+1:]
		s = s[:i]
	}
	if i := strings.IndexByte(s, '!'); i >= 0 {
		p.User = s[i+1:]
		s = s[:i]
	}
	p.Name = s
	return &p
}

func (p *Prefix) String() string {
	if p == nil {
		return ""
	}
	s := p.Name
	if p.User != "" {
		s += "!" + p.User
	}
	if p.Host != "" {
		s += "@" + p.Host
	}
	return s
}

func (p *Prefix) Copy() *Prefix {
	if p == nil {
		return nil
	}
	prefix := *p
	return &prefix
}

// Message is a parsed IRC message. Tags values are stored unescaped; a
// tag present without a value maps to the empty string. Command is
// upper-case, except numerics which keep their three digits. The last
// parameter is the only one which may be empty or contain spaces.
type Message struct {
	Tags    map[string]string
	Prefix  *Prefix
	Command string
	Params  []string
}

// NewMessage builds a message with the given command and parameters.
func NewMessage(command string, params ...string) *Message {
	return &Message{Command: command, Params: params}
}

// WithTag returns msg with an additional tag set.
func (msg *Message) WithTag(key, value string) *Message {
	if msg.Tags == nil {
		msg.Tags = make(map[string]string)
	}
	msg.Tags[key] = value
	return msg
}

func (msg *Message) Copy() *Message {
	c := *msg
	c.Prefix = msg.Prefix.Copy()
	c.Params = append([]string(nil), msg.Params...)
	if msg.Tags != nil {
		c.Tags = make(map[string]string, len(msg.Tags))
		for k, v := range msg.Tags {
			c.Tags[k] = v
		}
	}
	return &c
}

// isNumeric reports whether s is a three-digit reply code.
func isNumeric(s string) bool {
	if len(s) != 3 {
		return false
	}
	for i := 0; i < 3; i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// IsNumeric reports whether the message command is a numeric reply.
func (msg *Message) IsNumeric() bool {
	return isNumeric(msg.Command)
}

func unescapeTagValue(v string) string {
	if !strings.ContainsRune(v, '\\') {
		return v
	}
	var sb strings.Builder
	sb.Grow(len(v))
	for i := 0; i < len(v); i++ {
		if v[i] != '\\' {
			sb.WriteByte(v[i])
			continue
		}
		i++
		if i >= len(v) {
			// dangling escape, dropped
			break
		}
		switch v[i] {
		case ':':
			sb.WriteByte(';')
		case 's':
			sb.WriteByte(' ')
		case 'r':
			sb.WriteByte('\r')
		case 'n':
			sb.WriteByte('\n')
		case '\\':
			sb.WriteByte('\\')
		default:
			sb.WriteByte(v[i])
		}
	}
	return sb.String()
}

func escapeTagValue(v string) string {
	if !strings.ContainsAny(v, ";\\ \r\n") {
		return v
	}
	var sb strings.Builder
	sb.Grow(len(v) * 2)
	for i := 0; i < len(v); i++ {
		switch v[i] {
		case ';':
			sb.WriteString("\\:")
		case ' ':
			sb.WriteString("\\s")
		case '\r':
			sb.WriteString("\\r")
		case '\n':
			sb.WriteString("\\n")
		case '\\':
			sb.WriteString("\\\\")
		default:
			sb.WriteByte(v[i])
		}
	}
	return sb.String()
}

func parseTags(s string) map[string]string {
	tags := make(map[string]string)
	for _, tag := range strings.Split(s, ";") {
		if tag == "" {
			continue
		}
		key, value := tag, ""
		if i := strings.IndexByte(tag, '='); i >= 0 {
			key = tag[:i]
			value = unescapeTagValue(tag[i+1:])
		}
		// a duplicated key keeps the last value
		tags[key] = value
	}
	return tags
}

func formatTags(tags map[string]string) string {
	var sb strings.Builder
	sb.WriteByte('@')
	first := true
	for key, value := range tags {
		if !first {
			sb.WriteByte(';')
		}
		first = false
		sb.WriteString(key)
		if value != "" {
			sb.WriteByte('=')
			sb.WriteString(escapeTagValue(value))
		}
	}
	return sb.String()
}

// ParseMessage parses a single IRC line. CR and LF characters at either
// end of the line are stripped. The command is upper-cased unless it is
// a numeric.
func ParseMessage(line string) (*Message, error) {
	line = strings.Trim(line, "\r\n")

	var msg Message
	if strings.HasPrefix(line, "@") {
		tags, rest, ok := cutSpace(line[1:])
		if !ok {
			return nil, fmt.Errorf("%w: tags without a command", ErrMalformedMessage)
		}
		if len(tags)+2 > MaxTagsLength {
			return nil, fmt.Errorf("%w: tag section exceeds %v octets", ErrMalformedMessage, MaxTagsLength)
		}
		msg.Tags = parseTags(tags)
		line = rest
	}

	if strings.HasPrefix(line, ":") {
		prefix, rest, ok := cutSpace(line[1:])
		if !ok || prefix == "" {
			return nil, fmt.Errorf("%w: source without a command", ErrMalformedMessage)
		}
		msg.Prefix = ParsePrefix(prefix)
		line = rest
	}

	command, rest, ok := cutSpace(line)
	if command == "" {
		return nil, fmt.Errorf("%w: missing command", ErrMalformedMessage)
	}
	if !isNumeric(command) {
		command = strings.ToUpper(command)
	}
	msg.Command = command

	for ok {
		if strings.HasPrefix(rest, ":") {
			msg.Params = append(msg.Params, rest[1:])
			break
		}
		var param string
		param, rest, ok = cutSpace(rest)
		if param == "" {
			continue
		}
		msg.Params = append(msg.Params, param)
	}
	if len(msg.Params) > MaxMessageParams {
		return nil, fmt.Errorf("%w: more than %v parameters", ErrMalformedMessage, MaxMessageParams)
	}

	return &msg, nil
}

// cutSpace splits s around the first space, eating any run of spaces.
// found is false when s contains no space.
func cutSpace(s string) (before, after string, found bool) {
	i := strings.IndexByte(s, ' ')
	if i < 0 {
		return s, "", false
	}
	return s[:i], strings.TrimLeft(s[i+1:], " "), true
}

func needsTrailing(param string) bool {
	return param == "" || param[0] == ':' || strings.ContainsRune(param, ' ')
}

// MarshalLine serializes the message. Only the last parameter may be
// empty, contain spaces or begin with ':'; any earlier parameter with
// those properties is rejected. The result does not include CR-LF.
func (msg *Message) MarshalLine() (string, error) {
	if msg.Command == "" {
		return "", fmt.Errorf("cannot marshal a message without a command")
	}

	var sb strings.Builder
	if len(msg.Tags) > 0 {
		tags := formatTags(msg.Tags)
		if len(tags)+1 > MaxTagsLength {
			return "", fmt.Errorf("tag section exceeds %v octets", MaxTagsLength)
		}
		sb.WriteString(tags)
		sb.WriteByte(' ')
	}

	start := sb.Len()
	if msg.Prefix != nil {
		sb.WriteByte(':')
		sb.WriteString(msg.Prefix.String())
		sb.WriteByte(' ')
	}
	sb.WriteString(msg.Command)
	if len(msg.Params) > MaxMessageParams {
		return "", fmt.Errorf("more than %v parameters", MaxMessageParams)
	}
	for i, param := range msg.Params {
		last := i == len(msg.Params)-1
		sb.WriteByte(' ')
		if needsTrailing(param) {
			if !last {
				return "", fmt.Errorf("parameter %v %q must be the trailing parameter", i, param)
			}
			sb.WriteByte(':')
		}
		sb.WriteString(param)
	}

	if sb.Len()-start+2 > MaxMessageLength {
		return "", fmt.Errorf("message exceeds %v octets", MaxMessageLength)
	}
	return sb.String(), nil
}

// String formats the message for logging. Unlike MarshalLine it never
// fails and applies no length checks.
func (msg *Message) String() string {
	var sb strings.Builder
	if len(msg.Tags) > 0 {
		sb.WriteString(formatTags(msg.Tags))
		sb.WriteByte(' ')
	}
	if msg.Prefix != nil {
		sb.WriteByte(':')
		sb.WriteString(msg.Prefix.String())
		sb.WriteByte(' ')
	}
	sb.WriteString(msg.Command)
	for i, param := range msg.Params {
		sb.WriteByte(' ')
		if i == len(msg.Params)-1 && needsTrailing(param) {
			sb.WriteByte(':')
		}
		sb.WriteString(param)
	}
	return sb.String()
}

// ParseParams copies positional parameters into the given pointers. A
// nil pointer skips its position. It fails when msg carries fewer
// parameters than pointers.
func (msg *Message) ParseParams(out ...*string) error {
	if len(msg.Params) < len(out) {
		return fmt.Errorf("%w: %v: expected at least %v parameters, got %v",
			ErrMalformedMessage, msg.Command, len(out), len(msg.Params))
	}
	for i := range out {
		if out[i] != nil {
			*out[i] = msg.Params[i]
		}
	}
	return nil
}
