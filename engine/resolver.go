package engine

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/samber/lo"

	"tagwatch/api"
)

// ResolveTrackedTag selects the tag to track: the first pattern match in the
// listing, which FetchTags orders most recently pushed first. Zero matches
// is an error, not "no update". It usually means a misconfigured pattern.
func ResolveTrackedTag(tags []TagInfo, pattern *regexp.Regexp) (string, error) {
	matches := lo.Filter(tags, func(t TagInfo, _ int) bool {
		return pattern.MatchString(t.Name)
	})
	if len(matches) == 0 {
		return "", fmt.Errorf("no tag matches pattern %q: %w", pattern.String(), ErrTagNotFound)
	}
	return matches[0].Name, nil
}

// HasBaseTag reports whether the base tag exists in the listing.
func HasBaseTag(tags []TagInfo, baseTag string) bool {
	return lo.ContainsBy(tags, func(t TagInfo) bool {
		return t.Name == baseTag
	})
}

// NormalizeDigest lowercases a digest so that hash-algorithm prefix casing
// differences between registries never produce a false "update available".
// Hex is case-insensitive, so lowering the whole string is safe.
func NormalizeDigest(digest string) string {
	return strings.ToLower(strings.TrimSpace(digest))
}

// Compare decides the outcome for one image given its previous state and the
// freshly resolved base digest and tracked tag.
//
// A nil previous state is the image's first observation: the digest is
// recorded as baseline and the outcome is NoChangeDetected, never
// UpdateAvailable. There is nothing to compare against yet.
func Compare(image string, prev *ImageState, baseDigest, trackedTag string, now time.Time) api.UpdateOutcome {
	newDigest := NormalizeDigest(baseDigest)

	if prev == nil {
		return api.UpdateOutcome{
			Image:      image,
			Kind:       api.NoChangeDetected,
			NewDigest:  newDigest,
			NewVersion: trackedTag,
			CheckedAt:  now,
		}
	}

	oldDigest := NormalizeDigest(prev.Digest)
	if oldDigest == newDigest {
		return api.UpdateOutcome{
			Image:      image,
			Kind:       api.NoChangeDetected,
			OldDigest:  oldDigest,
			NewDigest:  newDigest,
			OldVersion: prev.TrackedTag,
			NewVersion: trackedTag,
			CheckedAt:  now,
		}
	}

	return api.UpdateOutcome{
		Image:      image,
		Kind:       api.UpdateAvailable,
		OldDigest:  oldDigest,
		NewDigest:  newDigest,
		OldVersion: prev.TrackedTag,
		NewVersion: trackedTag,
		CheckedAt:  now,
	}
}
