package crawler

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// scope decides which discovered links may be queued.
type scope struct {
	host    string
	sameDom bool
	include []*regexp.Regexp
	exclude []*regexp.Regexp
}

func newScope(start *url.URL, req Request) (*scope, error) {
	s := &scope{host: bareHost(start.Hostname()), sameDom: req.StayOnDomain}
	var err error
	if s.include, err = compileGlobs(req.Include); err != nil {
		return nil, err
	}
	if s.exclude, err = compileGlobs(req.Exclude); err != nil {
		return nil, err
	}
	return s, nil
}

// allowsHost reports whether u stays on the start domain when that is
// required.
func (s *scope) allowsHost(u *url.URL) bool {
	return !s.sameDom || bareHost(u.Hostname()) == s.host
}

func (s *scope) allows(u *url.URL) bool {
	if !s.allowsHost(u) {
		return false
	}
	raw := u.String()
	for _, re := range s.exclude {
		if re.MatchString(raw) {
			return false
		}
	}
	if len(s.include) == 0 {
		return true
	}
	for _, re := range s.include {
		if re.MatchString(raw) {
			return true
		}
	}
	return false
}

// compileGlobs turns URL globs such as "*/docs/*" into anchored regexps.
func compileGlobs(globs []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(globs))
	for _, g := range globs {
		g = strings.TrimSpace(g)
		if g == "" {
			continue
		}
		expr := "^" + strings.ReplaceAll(regexp.QuoteMeta(g), `\*`, ".*") + "$"
		re, err := regexp.Compile(expr)
		if err != nil {
			return nil, fmt.Errorf("invalid url pattern %q: %w", g, err)
		}
		out = append(out, re)
	}
	return out, nil
}

func bareHost(h string) string {
	return strings.TrimPrefix(strings.ToLower(h), "www.")
}
