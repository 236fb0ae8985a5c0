package ingest

import (
	"regexp"
	"strings"

	"github.com/spec-kit/caseflow/internal/domain"
)

var (
	forwardPrefixes = []string{"fwd:", "fw:", "forward:"}
	caseTokenInText = regexp.MustCompile(`(?i)\[?\bCS-\d{8}-\d{4,}\b\]?`)
)

// NormalizeSubject extracts the RFC 5256 base subject: reply and forward
// prefixes, "(fwd)" trailers and case-number tokens are removed repeatedly,
// whitespace is collapsed and the result is case-folded.
func NormalizeSubject(subject string) string {
	s := caseTokenInText.ReplaceAllString(subject, " ")
	s = strings.ToLower(collapseSpace(s))
	for {
		before := s
		s = strings.TrimSpace(s)
		s = strings.TrimSpace(strings.TrimSuffix(s, "(fwd)"))
		s = trimReply(s)
		for _, prefix := range forwardPrefixes {
			if strings.HasPrefix(s, prefix) {
				s = s[len(prefix):]
				break
			}
		}
		if s == before {
			break
		}
	}
	return collapseSpace(s)
}

// ExtractCaseNumber returns the first case-number token in subject.
func ExtractCaseNumber(subject string) string {
	return domain.CaseNumberPattern.FindString(strings.ToUpper(subject))
}

// trimReply removes "re:", "re[2]:" or "re(2):".
func trimReply(s string) string {
	if strings.HasPrefix(s, "re:") {
		return s[3:]
	}
	if len(s) > 3 && strings.HasPrefix(s, "re") && (s[2] == '[' || s[2] == '(') {
		closer := byte(']')
		if s[2] == '(' {
			closer = ')'
		}
		end := strings.IndexByte(s[3:], closer)
		if end >= 0 && strings.HasPrefix(s[3+end+1:], ":") {
			return s[3+end+2:]
		}
	}
	return s
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
