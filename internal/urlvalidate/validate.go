// Package urlvalidate enforces the add() entry point's URL contract:
// HTTPS only, host in an allowlisted suffix set.
package urlvalidate

import (
	"net/url"
	"strings"

	"github.com/riverrun/segdl/internal/model"
)

// Validate checks rawURL against scheme and host-allowlist rules. An
// empty allowlist permits any HTTPS host, matching a default
// installation with no configured restriction.
func Validate(rawURL string, allowlist []string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return &model.ValidationError{Reason: "malformed URL: " + err.Error()}
	}
	if u.Scheme != "https" {
		return &model.ValidationError{Reason: "scheme must be https"}
	}
	if u.Host == "" {
		return &model.ValidationError{Reason: "missing host"}
	}
	if len(allowlist) == 0 {
		return nil
	}
	host := strings.ToLower(u.Hostname())
	for _, suffix := range allowlist {
		suffix = strings.ToLower(suffix)
		if host == suffix || strings.HasSuffix(host, "."+suffix) {
			return nil
		}
	}
	return &model.ValidationError{Reason: "host " + host + " is not allowlisted"}
}

// Workers validates the requested connection count against the
// accepted range (1..MaxWorkers).
func Workers(n int) error {
	if n < 1 || n > model.MaxWorkers {
		return &model.ValidationError{Reason: "connections must be between 1 and 30"}
	}
	return nil
}
