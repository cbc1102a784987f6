// Package resolver implements the registry resolver (C5): given an ordered
// list of registry base URLs, it finds a package's tarball URL and
// integrity metadata, retrying the whole resolution with exponential
// backoff and jitter.
package resolver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/fhir-ig/agent/internal/metrics"
)

// Descriptor is the resolved package descriptor (C5's output, C6's input).
// It is immutable once produced.
type Descriptor struct {
	TarballURL  string
	RegistryURL string
	Integrity   string // "sha512-" + base64(digest), optional
	Shasum      string // hex sha1, optional
}

// Error is a terminal resolution failure carrying the accumulated
// per-registry reasons.
type Error struct {
	Reasons []string
}

func (e *Error) Error() string {
	return "resolution failed: " + strings.Join(e.Reasons, "; ")
}

// Resolver tries each registry in order, parsing either a manifest
// response or treating a non-JSON response as a direct tarball.
type Resolver struct {
	Registries []string
	Client     *http.Client
	MaxRetries int
	RetryDelay time.Duration
}

type distInfo struct {
	Tarball   string `json:"tarball"`
	Integrity string `json:"integrity,omitempty"`
	Shasum    string `json:"shasum,omitempty"`
}

type manifest struct {
	Dist     *distInfo `json:"dist,omitempty"`
	Versions map[string]struct {
		Dist distInfo `json:"dist"`
	} `json:"versions,omitempty"`
}

// Resolve runs the retry-wrapped resolution algorithm of spec.md §4.5.
func (r *Resolver) Resolve(ctx context.Context, id, version string) (*Descriptor, error) {
	var reasons []string

	attempts := r.MaxRetries + 1
	for attempt := 1; attempt <= attempts; attempt++ {
		desc, attemptReasons := r.tryAllRegistries(ctx, id, version)
		if desc != nil {
			return desc, nil
		}
		reasons = attemptReasons

		if attempt == attempts {
			break
		}
		if err := r.sleepBackoff(ctx, attempt); err != nil {
			return nil, err
		}
	}

	return nil, &Error{Reasons: reasons}
}

func (r *Resolver) sleepBackoff(ctx context.Context, attempt int) error {
	metrics.ResolutionRetriesTotal.Inc()

	base := r.RetryDelay
	if base <= 0 {
		base = time.Second
	}
	delay := base * time.Duration(1<<(attempt-1))
	delay += time.Duration(rand.Int63n(int64(200 * time.Millisecond)))

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (r *Resolver) tryAllRegistries(ctx context.Context, id, version string) (*Descriptor, []string) {
	var reasons []string

	for _, base := range r.Registries {
		desc, reason := r.tryRegistry(ctx, base, id, version)
		if desc != nil {
			return desc, nil
		}
		reasons = append(reasons, reason)
	}

	return nil, reasons
}

func (r *Resolver) tryRegistry(ctx context.Context, base, id, version string) (*Descriptor, string) {
	reqURL := strings.TrimRight(base, "/") + "/" + id + "/" + version

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Sprintf("%s: %v", base, err)
	}
	req.Header.Set("Accept", "application/json, application/octet-stream, application/gzip, */*")

	resp, err := r.Client.Do(req)
	if err != nil {
		return nil, fmt.Sprintf("%s: %v", base, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, fmt.Sprintf("%s: HTTP %d", base, resp.StatusCode)
	}

	contentType := resp.Header.Get("Content-Type")
	mediaType, _, _ := mime.ParseMediaType(contentType)

	if strings.Contains(mediaType, "json") {
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Sprintf("%s: %v", base, err)
		}
		return r.fromManifest(base, reqURL, version, body)
	}

	// Non-JSON response: the manifest URL itself is the tarball.
	return &Descriptor{TarballURL: reqURL, RegistryURL: base}, ""
}

func (r *Resolver) fromManifest(base, manifestURL, version string, body []byte) (*Descriptor, string) {
	var m manifest
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, fmt.Sprintf("%s: invalid manifest JSON: %v", base, err)
	}

	dist := m.Dist
	if dist == nil {
		if v, ok := m.Versions[version]; ok {
			dist = &v.Dist
		}
	}
	if dist == nil || dist.Tarball == "" {
		return nil, fmt.Sprintf("%s: manifest missing dist.tarball", base)
	}

	tarballURL, err := resolveTarballURL(manifestURL, dist.Tarball)
	if err != nil {
		return nil, fmt.Sprintf("%s: %v", base, err)
	}

	return &Descriptor{
		TarballURL:  tarballURL,
		RegistryURL: base,
		Integrity:   dist.Integrity,
		Shasum:      dist.Shasum,
	}, ""
}

// resolveTarballURL resolves a (possibly relative) tarball URL against the
// manifest URL. Scheme-relative URLs ("//host/path") are ambiguous per
// spec.md §9 and are treated as a resolution failure rather than guessed.
func resolveTarballURL(manifestURL, tarball string) (string, error) {
	if strings.HasPrefix(tarball, "//") {
		return "", fmt.Errorf("ambiguous scheme-relative tarball URL: %q", tarball)
	}

	parsed, err := url.Parse(tarball)
	if err != nil {
		return "", fmt.Errorf("invalid tarball URL: %w", err)
	}
	if parsed.IsAbs() {
		return tarball, nil
	}

	base, err := url.Parse(manifestURL)
	if err != nil {
		return "", fmt.Errorf("invalid manifest URL: %w", err)
	}
	return base.ResolveReference(parsed).String(), nil
}
