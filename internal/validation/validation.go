package validation

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

var (
	// ErrInvalidOwner is returned when an owner doesn't match provider rules
	ErrInvalidOwner = errors.New("invalid owner: must be 1-39 alphanumerics or hyphens, not starting or ending with a hyphen")

	// ErrInvalidRepoName is returned when a repository name doesn't match provider rules
	ErrInvalidRepoName = errors.New("invalid repository name: must be 1-100 word characters, dots or hyphens")

	// ownerRegex follows GitHub login rules: alphanumerics with single
	// interior hyphens, at most 39 characters.
	ownerRegex = regexp.MustCompile(`^[a-zA-Z0-9](?:-?[a-zA-Z0-9]){0,38}$`)

	// repoNameRegex follows GitHub repository naming: word characters,
	// dots and hyphens.
	repoNameRegex = regexp.MustCompile(`^[a-zA-Z0-9._-]{1,100}$`)
)

// ValidateOwner validates a provider account login (user or organization).
func ValidateOwner(owner string) error {
	owner = strings.TrimSpace(owner)
	if owner == "" || len(owner) > 39 {
		return ErrInvalidOwner
	}
	if !ownerRegex.MatchString(owner) {
		return ErrInvalidOwner
	}
	return nil
}

// ValidateRepoName validates a repository name. "." and ".." are reserved
// on every provider and rejected explicitly.
func ValidateRepoName(name string) error {
	name = strings.TrimSpace(name)
	if name == "" || name == "." || name == ".." {
		return ErrInvalidRepoName
	}
	if !repoNameRegex.MatchString(name) {
		return ErrInvalidRepoName
	}
	return nil
}

// SplitSlug splits an "owner/name" slug into its validated parts.
func SplitSlug(slug string) (owner, name string, err error) {
	slug = strings.TrimSpace(slug)
	owner, name, found := strings.Cut(slug, "/")
	if !found {
		return "", "", errors.New("slug must be owner/name")
	}
	if err := ValidateOwner(owner); err != nil {
		return "", "", err
	}
	if err := ValidateRepoName(name); err != nil {
		return "", "", err
	}
	return owner, name, nil
}

// ValidateWebhookURL validates an outbound notification webhook URL.
func ValidateWebhookURL(raw string) error {
	return validateHTTPSURL(raw, "webhook URL")
}

// ValidateIssueURL validates an external issue-tracker link.
func ValidateIssueURL(raw string) error {
	return validateHTTPSURL(raw, "issue URL")
}

func validateHTTPSURL(raw, label string) error {
	if raw == "" {
		return fmt.Errorf("%s is required", label)
	}
	if len(raw) > 500 {
		return fmt.Errorf("%s must be at most 500 characters", label)
	}

	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s is not a valid URL", label)
	}
	if u.Scheme != "https" {
		return fmt.Errorf("%s must use https", label)
	}
	if u.Host == "" {
		return fmt.Errorf("%s must include a host", label)
	}

	return nil
}
