package ingest

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeSubject(t *testing.T) {
	cases := []struct{ in, want string }{
		{"Leaking tap", "leaking tap"},
		{"Re: Leaking tap", "leaking tap"},
		{"RE: Fwd: leaking TAP", "leaking tap"},
		{"Re[2]: Re(3): Leaking   tap (fwd)", "leaking tap"},
		{"[CS-20261016-0001] Re: Leaking tap", "leaking tap"},
		{"Re: cs-20261016-0001 Leaking tap", "leaking tap"},
		{"Forward: FW: Boiler", "boiler"},
		{"Reply about the boiler", "reply about the boiler"},
		{"   ", ""},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, NormalizeSubject(tc.in), tc.in)
	}
}

func TestExtractCaseNumber(t *testing.T) {
	assert.Equal(t, "CS-20261016-0042", ExtractCaseNumber("Re: [cs-20261016-0042] Leaking tap"))
	assert.Equal(t, "CS-20261016-12345", ExtractCaseNumber("CS-20261016-12345"))
	assert.Empty(t, ExtractCaseNumber("Re: Leaking tap"))
	assert.Empty(t, ExtractCaseNumber("CS-2026-0001"))
}
