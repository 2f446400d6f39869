package topology

import (
	"fmt"
	"os"
	"strings"

	"github.com/compose-spec/compose-go/v2/template"
)

// LookupFunc resolves a variable name. It has the same shape as
// os.LookupEnv so the process environment can be passed directly.
type LookupFunc func(name string) (string, bool)

// Interpolate expands compose-style variable references in s, with the
// rules docker compose itself applies:
//
//	$VAR, ${VAR}       value, or "" when unset
//	${VAR:-default}    default when unset or empty
//	${VAR-default}     default when unset
//	${VAR:+other}      other when set and non-empty
//	${VAR+other}       other when set
//	${VAR:?message}    error when unset or empty
//	${VAR?message}     error when unset
//	$$                 a literal "$"
//
// Defaults may themselves contain references, as in ${A:-${B}}.
func Interpolate(s string, lookup LookupFunc) (string, error) {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	// Most scalars carry no reference at all.
	if !strings.Contains(s, "$") {
		return s, nil
	}

	value, err := template.Substitute(s, template.Mapping(lookup))
	if err != nil {
		return "", fmt.Errorf("interpolating %q: %w", s, err)
	}
	return value, nil
}
