package job

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"

	"github.com/go-playground/validator/v10"
	giturls "github.com/whilp/git-urls"

	"github.com/promptman/promptman/internal/apperror"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Patterns is a list of glob patterns. Clients may send it as a JSON array or
// as one comma-separated string.
type Patterns []string

func (p *Patterns) UnmarshalJSON(data []byte) error {
	var list []string
	if err := json.Unmarshal(data, &list); err == nil {
		*p = cleanList(list)
		return nil
	}
	var s *string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("expected a string or a list of strings")
	}
	if s == nil {
		*p = nil
		return nil
	}
	*p = cleanList(strings.Split(*s, ","))
	return nil
}

func cleanList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

type UploadRequest struct {
	IncludePatterns Patterns
	ExcludePatterns Patterns
}

type RepoRequest struct {
	RepoURL         string   `json:"repo_url" validate:"required"`
	IncludePatterns Patterns `json:"include_patterns"`
	ExcludePatterns Patterns `json:"exclude_patterns"`
}

// Validate checks the request and returns the sanitized clone URL.
func (r RepoRequest) Validate() (string, error) {
	if err := validateStruct(r); err != nil {
		return "", err
	}
	u, err := ParseRepoURL(r.RepoURL)
	if err != nil {
		return "", apperror.Wrap(apperror.BadRequest, "invalid repository url", err)
	}
	return u.String(), nil
}

func (r RepoRequest) Options() Options {
	return Options{IncludePatterns: r.IncludePatterns, ExcludePatterns: r.ExcludePatterns}
}

type WebsiteRequest struct {
	WebsiteURL      string   `json:"website_url" validate:"required,url"`
	MaxDepth        *int     `json:"max_depth" validate:"omitnil,gte=0,lte=10"`
	MaxPages        *int     `json:"max_pages" validate:"omitnil,gte=1,lte=1000"`
	StayOnDomain    *bool    `json:"stay_on_domain"`
	IncludePatterns Patterns `json:"include_patterns"`
	ExcludePatterns Patterns `json:"exclude_patterns"`
	Keywords        Patterns `json:"keywords"`
}

const (
	defaultMaxDepth = 3
	defaultMaxPages = 100
)

func (r WebsiteRequest) Validate() (string, error) {
	if err := validateStruct(r); err != nil {
		return "", err
	}
	u, err := url.Parse(strings.TrimSpace(r.WebsiteURL))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", apperror.New(apperror.BadRequest, "website_url must be an http or https url")
	}
	u.Fragment = ""
	return u.String(), nil
}

func (r WebsiteRequest) Options() Options {
	o := Options{
		IncludePatterns: r.IncludePatterns,
		ExcludePatterns: r.ExcludePatterns,
		Keywords:        r.Keywords,
		MaxDepth:        defaultMaxDepth,
		MaxPages:        defaultMaxPages,
		StayOnDomain:    true,
	}
	if r.MaxDepth != nil {
		o.MaxDepth = *r.MaxDepth
	}
	if r.MaxPages != nil {
		o.MaxPages = *r.MaxPages
	}
	if r.StayOnDomain != nil {
		o.StayOnDomain = *r.StayOnDomain
	}
	return o
}

// ParseRepoURL accepts http(s) git URLs only and strips any credentials
// from the result.
func ParseRepoURL(raw string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, errors.New("empty url")
	}
	u, err := giturls.Parse(raw)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, errors.New("missing host")
	}
	if strings.Trim(u.Path, "/") == "" {
		return nil, errors.New("missing repository path")
	}
	u.User = nil
	u.Fragment = ""
	u.RawQuery = ""
	return u, nil
}

// RepoName is the last path element of a repository URL without ".git".
func RepoName(repoURL string) string {
	u, err := url.Parse(repoURL)
	name := ""
	if err == nil {
		name = path.Base(strings.TrimRight(u.Path, "/"))
	}
	name = strings.TrimSuffix(name, ".git")
	if name == "" || name == "." || name == "/" || name == ".." {
		return "repo"
	}
	return name
}

func validateStruct(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return apperror.New(apperror.BadRequest,
			fmt.Sprintf("%s failed on '%s' validation", fieldName(fe.Field()), fe.Tag()))
	}
	return apperror.Wrap(apperror.BadRequest, "invalid request", err)
}

var fieldNames = map[string]string{
	"RepoURL":    "repo_url",
	"WebsiteURL": "website_url",
	"MaxDepth":   "max_depth",
	"MaxPages":   "max_pages",
}

func fieldName(f string) string {
	if n, ok := fieldNames[f]; ok {
		return n
	}
	return f
}
