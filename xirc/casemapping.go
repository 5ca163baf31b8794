package xirc

// CaseMapping returns the canonical representation of a name. Two names
// identify the same entity iff their canonical representations are
// byte-equal.
type CaseMapping func(string) string

func casemapASCII(name string) string {
	b := []byte(name)
	for i, c := range b {
		if 'A' <= c && c <= 'Z' {
			b[i] = c + 'a' - 'A'
		}
	}
	return string(b)
}

func casemapRFC1459(name string) string {
	b := []byte(name)
	for i, c := range b {
		switch {
		case 'A' <= c && c <= 'Z':
			b[i] = c + 'a' - 'A'
		case c == '{':
			b[i] = '['
		case c == '}':
			b[i] = ']'
		case c == '\\':
			b[i] = '|'
		case c == '~':
			b[i] = '^'
		}
	}
	return string(b)
}

func casemapRFC1459Strict(name string) string {
	b := []byte(name)
	for i, c := range b {
		switch {
		case 'A' <= c && c <= 'Z':
			b[i] = c + 'a' - 'A'
		case c == '{':
			b[i] = '['
		case c == '}':
			b[i] = ']'
		case c == '\\':
			b[i] = '|'
		}
	}
	return string(b)
}

var (
	CaseMappingASCII         CaseMapping = casemapASCII
	CaseMappingRFC1459       CaseMapping = casemapRFC1459
	CaseMappingRFC1459Strict CaseMapping = casemapRFC1459Strict
)

// ParseCaseMapping resolves an ISUPPORT CASEMAPPING token. It returns
// nil for unknown mappings.
func ParseCaseMapping(s string) CaseMapping {
	switch s {
	case "ascii":
		return CaseMappingASCII
	case "rfc1459":
		return CaseMappingRFC1459
	case "rfc1459-strict":
		return CaseMappingRFC1459Strict
	}
	return nil
}
