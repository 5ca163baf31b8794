package xirc

import (
	"testing"
)

func TestCaseMappings(t *testing.T) {
	testCases := []struct {
		name    string
		cm      CaseMapping
		in, out string
	}{
		{"ascii", CaseMappingASCII, "MyNick", "mynick"},
		{"asciiKeepsBrackets", CaseMappingASCII, "nick{}", "nick{}"},
		{"rfc1459", CaseMappingRFC1459, "Nick{}\\~", "nick[]|^"},
		{"rfc1459Brackets", CaseMappingRFC1459, "#Chan{A}", "#chan[a]"},
		{"rfc1459Strict", CaseMappingRFC1459Strict, "Nick{}\\~", "nick[]|~"},
	}
	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.cm(tc.in); got != tc.out {
				t.Errorf("casemap(%q) = %q, want %q", tc.in, got, tc.out)
			}
		})
	}
}

func TestParseCaseMapping(t *testing.T) {
	if cm := ParseCaseMapping("ascii"); cm("A") != "a" {
		t.Errorf("ascii mapping not resolved")
	}
	if cm := ParseCaseMapping("unknown-mapping"); cm != nil {
		t.Errorf("unknown mapping resolved to non-nil")
	}
}
