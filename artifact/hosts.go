// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package artifact

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/dlclark/regexp2"
)

// RegexpPrefix marks an allow-list entry as an encoded regular expression.
const RegexpPrefix = "regexp:"

// HostNotWhitelistedError is raised when request code asks for the validated
// host and the Host header fails the allow-list.
type HostNotWhitelistedError struct {
	Host    string
	Allowed []string
}

func (e *HostNotWhitelistedError) Error() string {
	if len(e.Allowed) == 0 {
		return fmt.Sprintf("host %q is not allowed: the host allow-list is empty", e.Host)
	}
	return fmt.Sprintf("host %q is not allowed, expected one of %s", e.Host, strings.Join(e.Allowed, ", "))
}

// HostPattern matches a Host header value, either literally or with an
// ECMAScript regular expression.
type HostPattern struct {
	literal string
	re      *regexp2.Regexp
	source  string
	flags   string
	delim   rune
}

// ParseHostPattern decodes a literal host or a `regexp:<d><pattern><d><flags>` entry.
func ParseHostPattern(s string) (HostPattern, error) {
	if !strings.HasPrefix(s, RegexpPrefix) {
		return HostPattern{literal: s}, nil
	}

	body := s[len(RegexpPrefix):]
	delim, size := utf8.DecodeRuneInString(body)
	if delim == utf8.RuneError || len(body) <= size {
		return HostPattern{}, fmt.Errorf("malformed regexp host entry %q", s)
	}
	end := strings.LastIndex(body, string(delim))
	if end < size {
		return HostPattern{}, fmt.Errorf("regexp host entry %q has no closing delimiter", s)
	}
	source, flags := body[size:end], body[end+size:]

	re, err := compileJS(source, flags)
	if err != nil {
		return HostPattern{}, fmt.Errorf("regexp host entry %q: %w", s, err)
	}
	return HostPattern{re: re, source: source, flags: flags, delim: delim}, nil
}

// NewRegexpHostPattern compiles a regular expression host pattern directly.
func NewRegexpHostPattern(source, flags string) (HostPattern, error) {
	re, err := compileJS(source, flags)
	if err != nil {
		return HostPattern{}, err
	}
	return HostPattern{re: re, source: source, flags: flags, delim: '/'}, nil
}

// IsRegexp reports whether the pattern is a regular expression.
func (p HostPattern) IsRegexp() bool { return p.re != nil }

// Source returns the regular expression source and flags.
func (p HostPattern) Source() (string, string) { return p.source, p.flags }

// Test reports whether host matches the pattern.
func (p HostPattern) Test(host string) bool {
	if p.re == nil {
		return p.literal == host
	}
	ok, err := p.re.MatchString(host)
	return err == nil && ok
}

// String encodes the pattern back into its descriptor form.
func (p HostPattern) String() string {
	if p.re == nil {
		return p.literal
	}
	d := string(p.delim)
	return RegexpPrefix + d + p.source + d + p.flags
}

// EncodeRegexp produces the descriptor encoding of a regular expression using
// `/` as delimiter.
func EncodeRegexp(source, flags string) string {
	return RegexpPrefix + "/" + source + "/" + flags
}

func compileJS(source, flags string) (*regexp2.Regexp, error) {
	opts := regexp2.RegexOptions(regexp2.ECMAScript)
	for _, f := range flags {
		switch f {
		case 'i':
			opts |= regexp2.IgnoreCase
		case 'm':
			opts |= regexp2.Multiline
		case 's':
			source = dotAll(source)
		case 'g', 'y', 'u':
			// stateless one-shot tests
		default:
			return nil, fmt.Errorf("unsupported regexp flag %q", f)
		}
	}
	return regexp2.Compile(source, opts)
}

// dotAll rewrites unescaped dots outside character classes so they also match
// line terminators.
func dotAll(source string) string {
	var b strings.Builder
	inClass, escaped := false, false
	for _, r := range source {
		switch {
		case escaped:
			escaped = false
		case r == '\\':
			escaped = true
		case r == '[':
			inClass = true
		case r == ']':
			inClass = false
		case r == '.' && !inClass:
			b.WriteString(`[\s\S]`)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// HostList is an ordered host allow-list.
type HostList []HostPattern

// ParseHostList decodes every allow-list entry.
func ParseHostList(entries []string) (HostList, error) {
	list := make(HostList, 0, len(entries))
	for _, e := range entries {
		p, err := ParseHostPattern(e)
		if err != nil {
			return nil, err
		}
		list = append(list, p)
	}
	return list, nil
}

// Allow returns nil when host matches an entry, else a *HostNotWhitelistedError.
func (l HostList) Allow(host string) error {
	for _, p := range l {
		if p.Test(host) {
			return nil
		}
	}
	allowed := make([]string, len(l))
	for i, p := range l {
		allowed[i] = p.String()
	}
	return &HostNotWhitelistedError{Host: host, Allowed: allowed}
}
