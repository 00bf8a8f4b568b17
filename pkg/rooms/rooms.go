// Package rooms holds the room naming rules shared by the connection edge
// and the room registry.
package rooms

import (
	"fmt"
	"regexp"
)

// The public room always exists and is the only room guests may read.
const (
	PublicSlug = "public"
	PublicName = "Public Chat"
)

// DefaultSlugPattern constrains joinable room slugs.
const DefaultSlugPattern = `^[A-Za-z0-9_-]{3,50}$`

// SlugRule validates client-supplied slugs. The public slug is always valid
// regardless of the pattern.
type SlugRule struct {
	re *regexp.Regexp
}

// CompileSlugRule compiles a slug pattern; empty means the default.
func CompileSlugRule(pattern string) (*SlugRule, error) {
	if pattern == "" {
		pattern = DefaultSlugPattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid room slug pattern %q: %w", pattern, err)
	}
	return &SlugRule{re: re}, nil
}

func (r *SlugRule) Valid(slug string) bool {
	if slug == PublicSlug {
		return true
	}
	return r.re.MatchString(slug)
}

// DisplayName is the name a room materializes with on first reference.
func DisplayName(slug string) string {
	if slug == PublicSlug {
		return PublicName
	}
	return slug
}
