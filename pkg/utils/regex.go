package utils

import "regexp"

// CompileRegexPatterns compiles path patterns, skipping blanks. A bad pattern
// fails with ErrConfigValidation naming its 1-based position.
func CompileRegexPatterns(patterns []string) ([]*regexp.Regexp, error) {
	var out []*regexp.Regexp
	for i, p := range patterns {
		if p == "" {
			continue
		}
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, WrapErrorf(ErrConfigValidation, "pattern %d %q: %v", i+1, p, err)
		}
		out = append(out, re)
	}
	return out, nil
}
