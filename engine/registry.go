package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/distribution/reference"
	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"

	"tagwatch/logger"
)

var registryLog = logger.WithSubsystem("registry")

const (
	dockerHubRegistry = "registry-1.docker.io"
	defaultHubAPI     = "https://hub.docker.com"

	// Hub tag listing stops after this many tags so a check cycle stays
	// bounded on repositories with thousands of tags.
	maxHubTags = 500

	requestTimeout = 30 * time.Second

	manifestAcceptHeader = "application/vnd.docker.distribution.manifest.list.v2+json," +
		"application/vnd.docker.distribution.manifest.v2+json," +
		"application/vnd.oci.image.index.v1+json," +
		"application/vnd.oci.image.manifest.v1+json"
)

// TagInfo is one entry of a tag listing. PushedAt is zero when the registry
// does not expose push timestamps (plain v2 tags/list).
type TagInfo struct {
	Name     string
	PushedAt time.Time
}

// Platform identifies one entry of a manifest list.
type Platform struct {
	OS           string
	Architecture string
}

func (p Platform) String() string {
	return p.OS + "/" + p.Architecture
}

// ManifestDescriptor is the decoded result of a manifest fetch. For a
// manifest list, Manifests maps "os/arch" to the child descriptor; for a
// single manifest it is nil and Digest is the manifest's own digest.
type ManifestDescriptor struct {
	Digest    string
	MediaType string
	Manifests map[string]ManifestDescriptor
}

// RegistryClient talks the Distribution HTTP API v2 plus the Docker Hub tag
// API. Every call carries the client timeout and is never retried here:
// retry policy belongs to the caller so one check cycle fails fast.
type RegistryClient struct {
	http     *http.Client
	keychain authn.Keychain
	hubAPI   string
	platform Platform

	mu     sync.Mutex
	tokens map[string]string // "host/path" -> bearer token
}

func NewRegistryClient() *RegistryClient {
	return &RegistryClient{
		http:     &http.Client{Timeout: requestTimeout},
		keychain: authn.DefaultKeychain,
		hubAPI:   defaultHubAPI,
		platform: Platform{OS: runtime.GOOS, Architecture: runtime.GOARCH},
		tokens:   make(map[string]string),
	}
}

// parseImageRef splits an image path into registry host and repository path.
// Short names are normalized the Docker way: "nginx" becomes
// registry-1.docker.io + library/nginx.
func parseImageRef(image, registryOverride string) (host, path string, err error) {
	named, err := reference.ParseNormalizedNamed(image)
	if err != nil {
		return "", "", fmt.Errorf("parse image reference %q: %w", image, err)
	}
	host = reference.Domain(named)
	path = reference.Path(named)
	if host == "docker.io" {
		host = dockerHubRegistry
	}
	if registryOverride != "" {
		host = registryOverride
	}
	return host, path, nil
}

// schemeFor picks http for loopback registries so local test registries work
// without TLS, https for everything else.
func schemeFor(host string) string {
	h := host
	if i := strings.IndexByte(h, ':'); i != -1 {
		h = h[:i]
	}
	if h == "localhost" || h == "127.0.0.1" {
		return "http"
	}
	return "https"
}

// credentials resolves static credentials for a registry host from the
// ambient Docker keychain. Empty strings mean anonymous.
func (r *RegistryClient) credentials(host string) (string, string) {
	regName := host
	if host == dockerHubRegistry {
		regName = name.DefaultRegistry
	}
	reg, err := name.NewRegistry(regName)
	if err != nil {
		return "", ""
	}
	auth, err := r.keychain.Resolve(reg)
	if err != nil {
		return "", ""
	}
	cfg, err := auth.Authorization()
	if err != nil || cfg == nil {
		return "", ""
	}
	return cfg.Username, cfg.Password
}

func (r *RegistryClient) cachedToken(host, path string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tokens[host+"/"+path]
}

func (r *RegistryClient) storeToken(host, path, token string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tokens[host+"/"+path] = token
}

// doV2 performs one v2 API request. Static credentials go out as basic auth
// on the first attempt; otherwise the request starts anonymous and, on a 401
// bearer challenge, fetches a scoped token from the indicated auth service
// and retries once with the token attached.
func (r *RegistryClient) doV2(ctx context.Context, method, host, path, suffix, accept string) (*http.Response, error) {
	url := fmt.Sprintf("%s://%s/v2/%s/%s", schemeFor(host), host, path, suffix)
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request %s: %w", url, err)
	}
	if accept != "" {
		req.Header.Set("Accept", accept)
	}

	user, pass := r.credentials(host)
	if user != "" {
		req.SetBasicAuth(user, pass)
	} else if tok := r.cachedToken(host, path); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := r.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %v: %w", method, url, err, ErrRegistryUnavailable)
	}

	if resp.StatusCode == http.StatusUnauthorized && user == "" {
		challenge := resp.Header.Get("WWW-Authenticate")
		resp.Body.Close()

		token, err := r.fetchToken(ctx, challenge, path)
		if err != nil {
			return nil, err
		}
		r.storeToken(host, path, token)

		retry, err := http.NewRequestWithContext(ctx, method, url, nil)
		if err != nil {
			return nil, fmt.Errorf("build request %s: %w", url, err)
		}
		if accept != "" {
			retry.Header.Set("Accept", accept)
		}
		retry.Header.Set("Authorization", "Bearer "+token)

		resp, err = r.http.Do(retry)
		if err != nil {
			return nil, fmt.Errorf("%s %s: %v: %w", method, url, err, ErrRegistryUnavailable)
		}
	}

	return resp, nil
}

// fetchToken runs the standard bearer challenge/response: parse the
// WWW-Authenticate header, request a pull-scoped token from the indicated
// auth service.
func (r *RegistryClient) fetchToken(ctx context.Context, challenge, path string) (string, error) {
	realm, service, err := parseChallenge(challenge)
	if err != nil {
		return "", fmt.Errorf("%v: %w", err, ErrRegistryAuth)
	}

	url := fmt.Sprintf("%s?service=%s&scope=repository:%s:pull", realm, service, path)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("build token request: %w", err)
	}

	resp, err := r.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("token request %s: %v: %w", realm, err, ErrRegistryUnavailable)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("token request %s: status %d: %w", realm, resp.StatusCode, ErrRegistryAuth)
	}

	var body struct {
		Token       string `json:"token"`
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("decode token response: %v: %w", err, ErrRegistryAuth)
	}
	token := body.Token
	if token == "" {
		token = body.AccessToken
	}
	if token == "" {
		return "", fmt.Errorf("auth service returned no token: %w", ErrRegistryAuth)
	}
	return token, nil
}

// parseChallenge extracts realm and service from a header like
// `Bearer realm="https://auth.docker.io/token",service="registry.docker.io"`.
func parseChallenge(header string) (realm, service string, err error) {
	if !strings.HasPrefix(header, "Bearer ") {
		return "", "", fmt.Errorf("unsupported auth challenge %q", header)
	}
	for _, part := range strings.Split(strings.TrimPrefix(header, "Bearer "), ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		value = strings.Trim(value, `"`)
		switch key {
		case "realm":
			realm = value
		case "service":
			service = value
		}
	}
	if realm == "" {
		return "", "", fmt.Errorf("auth challenge %q has no realm", header)
	}
	return realm, service, nil
}

func classifyStatus(status int, what string) error {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fmt.Errorf("%s: status %d: %w", what, status, ErrRegistryAuth)
	case status == http.StatusNotFound:
		return fmt.Errorf("%s: status %d: %w", what, status, ErrTagNotFound)
	default:
		return fmt.Errorf("%s: status %d: %w", what, status, ErrRegistryUnavailable)
	}
}

// FetchTags returns the repository's tags, most recently pushed first. For
// Docker Hub the Hub API supplies real push timestamps; for other registries
// the plain tags/list endpoint is used and ordering falls back to reverse
// lexical, which puts the newest semver-style tags first.
func (r *RegistryClient) FetchTags(ctx context.Context, image, registryOverride string) ([]TagInfo, error) {
	host, path, err := parseImageRef(image, registryOverride)
	if err != nil {
		return nil, err
	}

	if host == dockerHubRegistry {
		tags, err := r.fetchHubTags(ctx, path)
		if err == nil {
			return tags, nil
		}
		registryLog.Debugf("hub tag listing for %s failed (%v), falling back to tags/list", image, err)
	}

	return r.fetchV2Tags(ctx, host, path)
}

func (r *RegistryClient) fetchHubTags(ctx context.Context, path string) ([]TagInfo, error) {
	url := fmt.Sprintf("%s/v2/repositories/%s/tags?page_size=100&ordering=last_updated", r.hubAPI, path)

	var tags []TagInfo
	for url != "" && len(tags) < maxHubTags {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, fmt.Errorf("build request %s: %w", url, err)
		}
		resp, err := r.http.Do(req)
		if err != nil {
			return nil, fmt.Errorf("GET %s: %v: %w", url, err, ErrRegistryUnavailable)
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			return nil, classifyStatus(resp.StatusCode, "hub tag listing")
		}

		var page struct {
			Next    string `json:"next"`
			Results []struct {
				Name          string    `json:"name"`
				TagLastPushed time.Time `json:"tag_last_pushed"`
			} `json:"results"`
		}
		err = json.NewDecoder(resp.Body).Decode(&page)
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("decode hub tag page: %v: %w", err, ErrRegistryUnavailable)
		}

		for _, res := range page.Results {
			if res.Name != "" {
				tags = append(tags, TagInfo{Name: res.Name, PushedAt: res.TagLastPushed})
			}
		}
		url = page.Next
	}
	return tags, nil
}

func (r *RegistryClient) fetchV2Tags(ctx context.Context, host, path string) ([]TagInfo, error) {
	resp, err := r.doV2(ctx, http.MethodGet, host, path, "tags/list", "")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus(resp.StatusCode, "tag listing")
	}

	var body struct {
		Tags []string `json:"tags"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode tag listing: %v: %w", err, ErrRegistryUnavailable)
	}

	names := body.Tags
	sort.Sort(sort.Reverse(sort.StringSlice(names)))

	tags := make([]TagInfo, 0, len(names))
	for _, n := range names {
		tags = append(tags, TagInfo{Name: n})
	}
	return tags, nil
}

// FetchManifest retrieves and decodes the manifest for image:tag. Content
// negotiation via the Accept header covers both Docker and OCI media types,
// single manifests and lists.
func (r *RegistryClient) FetchManifest(ctx context.Context, image, tag, registryOverride string) (*ManifestDescriptor, error) {
	host, path, err := parseImageRef(image, registryOverride)
	if err != nil {
		return nil, err
	}

	resp, err := r.doV2(ctx, http.MethodGet, host, path, "manifests/"+tag, manifestAcceptHeader)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus(resp.StatusCode, fmt.Sprintf("manifest %s:%s", image, tag))
	}

	contentType := resp.Header.Get("Content-Type")
	desc := &ManifestDescriptor{
		Digest:    resp.Header.Get("Docker-Content-Digest"),
		MediaType: contentType,
	}

	if !isManifestList(contentType) {
		if desc.Digest == "" {
			return nil, fmt.Errorf("manifest %s:%s: no Docker-Content-Digest header: %w", image, tag, ErrManifestResolution)
		}
		return desc, nil
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read manifest list %s:%s: %v: %w", image, tag, err, ErrRegistryUnavailable)
	}

	var list struct {
		Manifests []struct {
			Digest    string `json:"digest"`
			MediaType string `json:"mediaType"`
			Platform  struct {
				OS           string `json:"os"`
				Architecture string `json:"architecture"`
			} `json:"platform"`
		} `json:"manifests"`
	}
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, fmt.Errorf("decode manifest list %s:%s: %v: %w", image, tag, err, ErrManifestResolution)
	}

	desc.Manifests = make(map[string]ManifestDescriptor, len(list.Manifests))
	for _, m := range list.Manifests {
		p := Platform{OS: m.Platform.OS, Architecture: m.Platform.Architecture}
		desc.Manifests[p.String()] = ManifestDescriptor{Digest: m.Digest, MediaType: m.MediaType}
	}
	return desc, nil
}

func isManifestList(contentType string) bool {
	return strings.Contains(contentType, "manifest.list") || strings.Contains(contentType, "image.index")
}

// ResolveDigest returns the digest for image:tag, resolving a manifest list
// to the entry for the host platform. No matching entry is an error, never a
// silent pick of an arbitrary one.
func (r *RegistryClient) ResolveDigest(ctx context.Context, image, tag, registryOverride string) (string, error) {
	desc, err := r.FetchManifest(ctx, image, tag, registryOverride)
	if err != nil {
		return "", err
	}

	if desc.Manifests == nil {
		return desc.Digest, nil
	}

	child, ok := desc.Manifests[r.platform.String()]
	if !ok {
		return "", fmt.Errorf("manifest list %s:%s has no entry for platform %s: %w",
			image, tag, r.platform, ErrManifestResolution)
	}
	if child.Digest == "" {
		return "", fmt.Errorf("manifest list %s:%s: empty digest for platform %s: %w",
			image, tag, r.platform, ErrManifestResolution)
	}
	return child.Digest, nil
}

// Ping checks that a registry host answers its v2 endpoint. A 401 counts as
// reachable: it only means the registry wants a token.
func (r *RegistryClient) Ping(ctx context.Context, host string) error {
	if host == "" {
		host = dockerHubRegistry
	}
	url := fmt.Sprintf("%s://%s/v2/", schemeFor(host), host)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := r.http.Do(req)
	if err != nil {
		return fmt.Errorf("GET %s: %v: %w", url, err, ErrRegistryUnavailable)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusUnauthorized {
		return classifyStatus(resp.StatusCode, "registry ping")
	}
	return nil
}
