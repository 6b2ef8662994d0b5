// Package appupdate compares release versions: the proxy's running build
// against its reported latest release, and this binary against its own
// GitHub releases.
package appupdate

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/mod/semver"
)

const (
	defaultLatestReleaseURL = "https://api.github.com/repos/janekbaraniewski/cliproxymon/releases/latest"
	defaultRequestTimeout   = 1500 * time.Millisecond

	upgradeHint = "go install github.com/janekbaraniewski/cliproxymon/cmd/cliproxymon@latest"
)

type Result struct {
	UpdateAvailable bool   `json:"update_available"`
	CurrentVersion  string `json:"current_version,omitempty"`
	LatestVersion   string `json:"latest_version,omitempty"`
	// Comparable is false when either side is missing or not a stable
	// semver; UpdateAvailable is then always false.
	Comparable  bool   `json:"comparable"`
	UpgradeHint string `json:"upgrade_hint,omitempty"`
}

// Evaluate compares a running version with a latest-release string. No
// network access.
func Evaluate(current, latest string) Result {
	result := Result{
		CurrentVersion: normalizeReleaseVersion(current),
		LatestVersion:  normalizeReleaseVersion(latest),
	}
	if result.CurrentVersion == "" || result.LatestVersion == "" {
		return result
	}
	result.Comparable = true
	result.UpdateAvailable = semver.Compare(result.LatestVersion, result.CurrentVersion) > 0
	return result
}

type CheckOptions struct {
	CurrentVersion   string
	LatestReleaseURL string
	Timeout          time.Duration
	HTTPClient       *http.Client
}

// Check looks up the latest cliproxymon release.
func Check(ctx context.Context, opts CheckOptions) (Result, error) {
	currentVersion := normalizeReleaseVersion(opts.CurrentVersion)
	result := Result{CurrentVersion: currentVersion, UpgradeHint: upgradeHint}

	// Only check updates for stable semver releases.
	if currentVersion == "" {
		return result, nil
	}

	latestVersion, err := fetchLatestReleaseVersion(ctx, opts, currentVersion)
	if err != nil {
		return result, err
	}

	evaluated := Evaluate(currentVersion, latestVersion)
	evaluated.UpgradeHint = upgradeHint
	return evaluated, nil
}

func fetchLatestReleaseVersion(ctx context.Context, opts CheckOptions, currentVersion string) (string, error) {
	latestURL := strings.TrimSpace(opts.LatestReleaseURL)
	if latestURL == "" {
		latestURL = defaultLatestReleaseURL
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}

	requestCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}

	req, err := http.NewRequestWithContext(requestCtx, http.MethodGet, latestURL, nil)
	if err != nil {
		return "", fmt.Errorf("build latest release request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("User-Agent", "cliproxymon/"+currentVersion)
	if token := strings.TrimSpace(os.Getenv("CLIPROXYMON_GITHUB_TOKEN")); token != "" && strings.HasPrefix(latestURL, "https://api.github.com/") {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch latest release: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch latest release: HTTP %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read latest release payload: %w", err)
	}
	if !gjson.ValidBytes(body) {
		return "", fmt.Errorf("decode latest release payload: invalid JSON")
	}
	tag := gjson.GetBytes(body, "tag_name").String()
	latest := normalizeReleaseVersion(tag)
	if latest == "" {
		return "", fmt.Errorf("latest release tag is not a stable semver: %q", tag)
	}
	return latest, nil
}

func normalizeReleaseVersion(value string) string {
	v := strings.TrimSpace(value)
	if v == "" {
		return ""
	}
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	if !semver.IsValid(v) {
		return ""
	}
	if semver.Prerelease(v) != "" || semver.Build(v) != "" {
		return ""
	}
	return semver.Canonical(v)
}
