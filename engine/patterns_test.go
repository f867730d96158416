package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenizeTag(t *testing.T) {
	tokens := tokenizeTag("v1.2.3")
	require.Len(t, tokens, 6)
	assert.Equal(t, tokPrefixV, tokens[0].typ)
	assert.Equal(t, tokNum, tokens[1].typ)
	assert.Equal(t, "1", tokens[1].lit)

	// "v" not followed by a digit is a plain word.
	tokens = tokenizeTag("version")
	require.Len(t, tokens, 1)
	assert.Equal(t, tokAlpha, tokens[0].typ)

	// Seven or more hex chars after a dash read as a git hash.
	tokens = tokenizeTag("1.2.3.4-abc1234")
	last := tokens[len(tokens)-1]
	assert.Equal(t, tokHex, last.typ)
	assert.Equal(t, "abc1234", last.lit)

	// Shorter runs stay alpha/num.
	tokens = tokenizeTag("1.2.3-rc1")
	hasHex := false
	for _, tok := range tokens {
		if tok.typ == tokHex {
			hasHex = true
		}
	}
	assert.False(t, hasHex)
}

func TestDetectTagPatternsSemver(t *testing.T) {
	tags := tagNames("latest", "4.0.15", "4.0.14", "4.0.13", "nightly", "edge")
	patterns := DetectTagPatterns(tags)

	require.NotEmpty(t, patterns)
	assert.Equal(t, `^[0-9]+\.[0-9]+\.[0-9]+$`, patterns[0].Regex)
	assert.Equal(t, "Semantic version (X.Y.Z)", patterns[0].Label)
	assert.Equal(t, 3, patterns[0].MatchCount)
	assert.Equal(t, []string{"4.0.15", "4.0.14", "4.0.13"}, patterns[0].Examples)
}

func TestDetectTagPatternsLinuxServerSuffix(t *testing.T) {
	tags := tagNames("latest", "4.0.15.2941-ls291", "4.0.14.2938-ls290", "4.0.13.2932-ls288")
	patterns := DetectTagPatterns(tags)

	require.NotEmpty(t, patterns)
	assert.Equal(t, `^[0-9]+\.[0-9]+\.[0-9]+\.[0-9]+-ls[0-9]+$`, patterns[0].Regex)
	assert.Equal(t, "LinuxServer 4-part (W.X.Y.Z-lsN)", patterns[0].Label)
}

func TestDetectTagPatternsVPrefixGroupsSeparately(t *testing.T) {
	tags := tagNames("v2.1.0", "v2.0.0", "1.9.0", "1.8.0")
	patterns := DetectTagPatterns(tags)

	require.Len(t, patterns, 2)
	assert.Equal(t, `^v[0-9]+\.[0-9]+\.[0-9]+$`, patterns[0].Regex)
	assert.Equal(t, `^[0-9]+\.[0-9]+\.[0-9]+$`, patterns[1].Regex)
}

func TestDetectTagPatternsOrderedByRecency(t *testing.T) {
	// Newest first: the publisher switched from X.Y to X.Y.Z, so the newer
	// scheme must rank first even with fewer matches.
	tags := tagNames("2.0.0", "2.0.1", "1.9", "1.8", "1.7", "1.6")
	patterns := DetectTagPatterns(tags)

	require.Len(t, patterns, 2)
	assert.Equal(t, `^[0-9]+\.[0-9]+\.[0-9]+$`, patterns[0].Regex)
	assert.Equal(t, `^[0-9]+\.[0-9]+$`, patterns[1].Regex)
}

func TestDetectTagPatternsFiltersNoise(t *testing.T) {
	tags := tagNames("latest", "nightly", "amd64", "arm64", "latest-amd64",
		"4.0.15-amd64", "sha-abc1234", "alpine", "a")
	patterns := DetectTagPatterns(tags)
	assert.Empty(t, patterns)
}

func TestDetectTagPatternsSingletonGroupsDropped(t *testing.T) {
	tags := tagNames("4.0.15", "weird-1-tag")
	patterns := DetectTagPatterns(tags)
	assert.Empty(t, patterns)
}

func TestDetectBaseTags(t *testing.T) {
	tags := tagNames("latest", "4.0.15", "4.0.14", "develop", "latest-arm64", "4.0.13")
	patterns := DetectTagPatterns(tags)
	require.NotEmpty(t, patterns)

	baseTags := DetectBaseTags(tags, patterns)
	assert.Equal(t, []string{"latest", "develop"}, baseTags)
}
