package engine

import (
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tagwatch/api"
)

var semverPattern = regexp.MustCompile(`^\d+\.\d+\.\d+$`)

func tagNames(names ...string) []TagInfo {
	tags := make([]TagInfo, len(names))
	for i, n := range names {
		tags[i] = TagInfo{Name: n}
	}
	return tags
}

func TestResolveTrackedTagPicksNewestMatch(t *testing.T) {
	// Listing is newest first; the first match wins even when older tags
	// also match.
	tags := tagNames("latest", "4.0.15", "nightly", "4.0.14", "4.0.13")
	got, err := ResolveTrackedTag(tags, semverPattern)
	require.NoError(t, err)
	assert.Equal(t, "4.0.15", got)
}

func TestResolveTrackedTagNoMatchIsError(t *testing.T) {
	tags := tagNames("latest", "nightly", "edge")
	_, err := ResolveTrackedTag(tags, semverPattern)
	require.ErrorIs(t, err, ErrTagNotFound)
}

func TestHasBaseTag(t *testing.T) {
	tags := tagNames("latest", "4.0.15")
	assert.True(t, HasBaseTag(tags, "latest"))
	assert.False(t, HasBaseTag(tags, "stable"))
}

func TestNormalizeDigest(t *testing.T) {
	assert.Equal(t, "sha256:abc123", NormalizeDigest("SHA256:ABC123"))
	assert.Equal(t, "sha256:abc123", NormalizeDigest("  sha256:abc123\n"))
}

func TestCompareFirstCheckIsBaseline(t *testing.T) {
	now := time.Now()
	out := Compare("library/nginx", nil, "sha256:AAA", "1.29.0", now)

	assert.Equal(t, api.NoChangeDetected, out.Kind)
	assert.Equal(t, "sha256:aaa", out.NewDigest)
	assert.Equal(t, "1.29.0", out.NewVersion)
	assert.Empty(t, out.OldDigest)
}

func TestCompareEqualDigestsDifferOnlyInCase(t *testing.T) {
	prev := &ImageState{Digest: "sha256:aaa", TrackedTag: "1.29.0"}
	out := Compare("library/nginx", prev, "SHA256:AAA", "1.29.0", time.Now())
	assert.Equal(t, api.NoChangeDetected, out.Kind)
}

func TestCompareDriftIsUpdateAvailable(t *testing.T) {
	prev := &ImageState{Digest: "sha256:aaa", TrackedTag: "1.29.0"}
	out := Compare("library/nginx", prev, "sha256:bbb", "1.29.1", time.Now())

	assert.Equal(t, api.UpdateAvailable, out.Kind)
	assert.Equal(t, "sha256:aaa", out.OldDigest)
	assert.Equal(t, "sha256:bbb", out.NewDigest)
	assert.Equal(t, "1.29.0", out.OldVersion)
	assert.Equal(t, "1.29.1", out.NewVersion)
}
