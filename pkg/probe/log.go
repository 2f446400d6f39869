package probe

import (
	"context"
	"fmt"
	"regexp"
)

type logMatches struct {
	pattern *regexp.Regexp
	times   int
}

// LogMatches waits until the service's logs match pattern. It panics if
// pattern does not compile, like regexp.MustCompile.
func LogMatches(pattern string) Probe {
	return logMatches{pattern: regexp.MustCompile(pattern), times: 1}
}

// LogMatchesTimes waits until pattern matches at least n times. Postgres,
// for example, logs "ready to accept connections" once for its init
// server and again for the real one.
func LogMatchesTimes(pattern string, n int) Probe {
	if n < 1 {
		n = 1
	}
	return logMatches{pattern: regexp.MustCompile(pattern), times: n}
}

func (l logMatches) Check(ctx context.Context, t Target) error {
	logs, err := t.Logs(ctx)
	if err != nil {
		return fmt.Errorf("reading logs: %w", err)
	}
	// The whole log is re-read on every attempt. Counting stops at
	// times, so a chatty container costs no more than needed.
	found := len(l.pattern.FindAllStringIndex(logs, l.times))
	if found < l.times {
		return fmt.Errorf("log pattern %q matched %d of %d times", l.pattern, found, l.times)
	}
	return nil
}

func (l logMatches) String() string {
	if l.times > 1 {
		return fmt.Sprintf("log matches %q x%d", l.pattern, l.times)
	}
	return fmt.Sprintf("log matches %q", l.pattern)
}
