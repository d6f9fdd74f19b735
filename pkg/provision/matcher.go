package provision

import (
	"strings"

	"github.com/pkg/errors"
)

// ErrBadIdentifier is returned for malformed identifiers or patterns.
var ErrBadIdentifier = errors.New("bad identifier")

// iOS apps use different kinds of identifiers (bundle ids, application
// ids, etc) usually in the form TEAMID.tld.domain.myapp and sometimes
// with a trailing wildcard like TEAMID.* . It is sometimes important to
// know whether one id encompasses another: a provisioning profile whose
// application-identifier is TEAMID.foo.bar.* covers a bundle whose
// identifier is TEAMID.foo.bar.baz.
//
// Because "id" is so overloaded here, the id being fitted into is called
// the pattern, even when it is just another id.

// Score rates how well pattern matches identifier. Each component
// matched exactly adds one; a terminal wildcard stops the walk without
// adding, so more specific patterns score higher. Zero means no match.
func Score(identifier, pattern string) (int, error) {
	if identifier == "" {
		return 0, errors.Wrapf(ErrBadIdentifier, "id doesn't look right: %q", identifier)
	}
	if pattern == "" {
		return 0, errors.Wrapf(ErrBadIdentifier, "pattern doesn't look right: %q", pattern)
	}

	idParts := strings.Split(identifier, ".")
	patParts := strings.Split(pattern, ".")
	for i, part := range patParts {
		if part == "*" && i != len(patParts)-1 {
			return 0, errors.Wrapf(ErrBadIdentifier, "pattern has a non-terminal asterisk: %q", pattern)
		}
	}

	// to be a match there must be equal or fewer pattern parts:
	// neither 'foo.bar' nor 'foo.*' can match 'foo'
	score := 0
	n := len(idParts)
	if len(patParts) > n {
		n = len(patParts)
	}
	for i := 0; i < n; i++ {
		if i >= len(idParts) || i >= len(patParts) {
			return 0, nil
		}
		if patParts[i] == "*" {
			return score, nil
		}
		if idParts[i] != patParts[i] {
			return 0, nil
		}
		score++
	}
	return score, nil
}

// Best returns the highest-scoring pattern for identifier. Ties go to
// the earliest pattern, so the result is deterministic for a given
// slice order. The second return is false when nothing matched.
func Best(identifier string, patterns []string) (string, bool, error) {
	best := ""
	bestScore := 0
	for _, pattern := range patterns {
		score, err := Score(identifier, pattern)
		if err != nil {
			return "", false, err
		}
		if score > bestScore {
			best = pattern
			bestScore = score
		}
	}
	return best, bestScore > 0, nil
}
