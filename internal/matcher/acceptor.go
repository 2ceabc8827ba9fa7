// internal/matcher/acceptor.go
package matcher

import (
	"fmt"
	"regexp"
	"slices"
)

// FieldRules builds an AcceptFunc requiring identity fields to match regular
// expressions, e.g. {"serial": "^SN", "version": "^V2\\."}. A missing field
// is matched as the empty string.
func FieldRules(rules map[string]string) (AcceptFunc, error) {
	fields := make([]string, 0, len(rules))
	compiled := make(map[string]*regexp.Regexp, len(rules))
	for field, expr := range rules {
		re, err := regexp.Compile(expr)
		if err != nil {
			return nil, fmt.Errorf("invalid rule for field %q: %w", field, err)
		}
		fields = append(fields, field)
		compiled[field] = re
	}
	slices.Sort(fields)

	return func(identity map[string]string) (string, error) {
		for _, field := range fields {
			if !compiled[field].MatchString(identity[field]) {
				return fmt.Sprintf("%s %q does not match %s", field, identity[field], compiled[field]), nil
			}
		}
		return "", nil
	}, nil
}
