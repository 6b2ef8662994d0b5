package management

import (
	"net/url"
	"strings"

	"github.com/janekbaraniewski/cliproxymon/internal/core"
)

// NormalizeBaseURL reduces user input to scheme://host[:port]. A pasted
// management path is dropped and a missing scheme defaults to http.
func NormalizeBaseURL(raw string) (string, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return "", &core.ConfigurationError{Field: "base_url", Reason: "must not be empty"}
	}
	if !strings.Contains(value, "://") {
		value = "http://" + value
	}
	value = strings.TrimRight(value, "/")
	value = strings.TrimSuffix(value, APIBasePath)

	parsed, err := url.Parse(value)
	if err != nil {
		return "", &core.ConfigurationError{Field: "base_url", Reason: err.Error()}
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return "", &core.ConfigurationError{Field: "base_url", Reason: "unsupported scheme " + parsed.Scheme}
	}
	if parsed.Host == "" {
		return "", &core.ConfigurationError{Field: "base_url", Reason: "missing host"}
	}
	return parsed.Scheme + "://" + parsed.Host, nil
}
