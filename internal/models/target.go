package models

import (
	"fmt"
	"net/url"
	"strings"
)

// Target is the named, URL-addressed subject of a scan. Name is a display label
// and need not be unique.
type Target struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// Validate checks that URL is a non-empty absolute http(s) URL with a host.
func (t Target) Validate() error {
	raw := strings.TrimSpace(t.URL)
	if raw == "" {
		return fmt.Errorf("%w: url is empty", ErrInvalidTarget)
	}

	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidTarget, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: url must start with http:// or https://", ErrInvalidTarget)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: url has no host", ErrInvalidTarget)
	}
	return nil
}

// DisplayName returns Name, falling back to the URL's host.
func (t Target) DisplayName() string {
	if t.Name != "" {
		return t.Name
	}
	if u, err := url.Parse(t.URL); err == nil && u.Host != "" {
		return u.Host
	}
	return t.URL
}

// ScanInstruction composes the human-readable agent input for a target.
func ScanInstruction(targetURL string) string {
	return "Scan " + strings.TrimSpace(targetURL)
}

// ComposeInstruction builds the agent input from a caller's instruction and
// the target. An empty instruction gives ScanInstruction; one that does not
// already mention the URL gets it appended.
func ComposeInstruction(instruction, targetURL string) string {
	instruction = strings.TrimSpace(instruction)
	targetURL = strings.TrimSpace(targetURL)
	switch {
	case instruction == "":
		return ScanInstruction(targetURL)
	case strings.Contains(instruction, targetURL):
		return instruction
	default:
		return instruction + " " + targetURL
	}
}
