package engine

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/samber/lo"
)

// knownPatterns maps generated regexes to friendly labels for the common
// tagging schemes.
var knownPatterns = map[string]string{
	`^[0-9]+\.[0-9]+\.[0-9]+$`:                   "Semantic version (X.Y.Z)",
	`^v[0-9]+\.[0-9]+\.[0-9]+$`:                  "Semantic version with v (vX.Y.Z)",
	`^v[0-9]+\.[0-9]+\.[0-9]+-ls[0-9]+$`:         "LinuxServer with v (vX.Y.Z-lsN)",
	`^[0-9]+\.[0-9]+\.[0-9]+-ls[0-9]+$`:          "LinuxServer (X.Y.Z-lsN)",
	`^[0-9]+\.[0-9]+\.[0-9]+\.[0-9]+-ls[0-9]+$`:  "LinuxServer 4-part (W.X.Y.Z-lsN)",
	`^[0-9]+\.[0-9]+\.[0-9]+-r[0-9]+-ls[0-9]+$`:  "LinuxServer with revision (X.Y.Z-rN-lsN)",
	`^[0-9]+\.[0-9]+\.[0-9]+\.[0-9]+-[0-9a-f]+$`: "Version with git hash (W.X.Y.Z-hash)",
	`^[0-9]+\.[0-9]+$`:                           "Major.Minor (X.Y)",
}

// noiseTags are floating or channel tags that never describe a version.
var noiseTags = map[string]bool{
	"latest": true, "nightly": true, "develop": true, "development": true,
	"dev": true, "edge": true, "master": true, "main": true, "stable": true,
	"unstable": true, "testing": true, "beta": true, "alpha": true,
	"rc": true, "next": true, "canary": true, "preview": true,
	"experimental": true, "plexpass": true, "public": true, "alpine": true,
}

var (
	hexRunRe   = regexp.MustCompile(`^([0-9a-f]{7,})($|[^0-9a-zA-Z])`)
	archTagRe  = regexp.MustCompile(`^(linux-)?(amd64|arm64|arm64v8|armhf|i386|s390x)$`)
	archTailRe = regexp.MustCompile(`-(amd64|arm64|arm64v8|armhf|i386|s390x)$`)
	pureAlpha  = regexp.MustCompile(`^[a-zA-Z][-a-zA-Z]*$`)
)

type tokenType int

const (
	tokPrefixV tokenType = iota
	tokNum
	tokDot
	tokDash
	tokAlpha
	tokHex
)

type token struct {
	typ tokenType
	lit string
}

// TagPattern is one detected tagging scheme with the regex that captures it.
type TagPattern struct {
	Regex      string   `json:"regex"`
	Label      string   `json:"label"`
	MatchCount int      `json:"match_count"`
	Examples   []string `json:"example_tags"`
}

// tokenizeTag splits a tag into typed tokens. A leading "v" before a digit
// is its own token so "v1.2.3" and "1.2.3" group separately; a run of seven
// or more hex characters after a dash is treated as a git hash.
func tokenizeTag(tag string) []token {
	var tokens []token
	for i := 0; i < len(tag); {
		switch ch := tag[i]; {
		case ch == '.':
			tokens = append(tokens, token{tokDot, "."})
			i++
		case ch == '-':
			tokens = append(tokens, token{tokDash, "-"})
			i++
			if m := hexRunRe.FindStringSubmatch(tag[i:]); m != nil {
				tokens = append(tokens, token{tokHex, m[1]})
				i += len(m[1])
			}
		case isDigit(ch):
			j := i
			for j < len(tag) && isDigit(tag[j]) {
				j++
			}
			tokens = append(tokens, token{tokNum, tag[i:j]})
			i = j
		case isLetter(ch):
			j := i
			for j < len(tag) && isLetter(tag[j]) {
				j++
			}
			word := tag[i:j]
			if word == "v" && len(tokens) == 0 && j < len(tag) && isDigit(tag[j]) {
				tokens = append(tokens, token{tokPrefixV, "v"})
			} else {
				tokens = append(tokens, token{tokAlpha, word})
			}
			i = j
		default:
			i++
		}
	}
	return tokens
}

func isDigit(c byte) bool  { return c >= '0' && c <= '9' }
func isLetter(c byte) bool { return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' }

// signature produces the grouping key for a token sequence. Alpha tokens
// keep their literal so "-ls" and "-rc" suffixes split into distinct groups.
func signature(tokens []token) string {
	parts := make([]string, len(tokens))
	for i, t := range tokens {
		switch t.typ {
		case tokAlpha:
			parts[i] = "ALPHA:" + t.lit
		case tokPrefixV:
			parts[i] = "PREFIX_V"
		case tokNum:
			parts[i] = "NUM"
		case tokDot:
			parts[i] = "DOT"
		case tokDash:
			parts[i] = "DASH"
		case tokHex:
			parts[i] = "HEX"
		}
	}
	return strings.Join(parts, "|")
}

// regexForGroup generates an anchored regex for token sequences sharing a
// signature. Alpha positions become their literal when every member agrees,
// otherwise a generic letter run.
func regexForGroup(group [][]token) string {
	if len(group) == 0 {
		return ""
	}
	template := group[0]
	var b strings.Builder
	b.WriteByte('^')
	for pos, t := range template {
		switch t.typ {
		case tokNum:
			b.WriteString(`[0-9]+`)
		case tokDot:
			b.WriteString(`\.`)
		case tokDash:
			b.WriteByte('-')
		case tokPrefixV:
			b.WriteByte('v')
		case tokHex:
			b.WriteString(`[0-9a-f]+`)
		case tokAlpha:
			literals := lo.Uniq(lo.Map(group, func(tokens []token, _ int) string {
				return tokens[pos].lit
			}))
			if len(literals) == 1 {
				b.WriteString(regexp.QuoteMeta(literals[0]))
			} else {
				b.WriteString(`[a-z]+`)
			}
		}
	}
	b.WriteByte('$')
	return b.String()
}

var labelReplacer = strings.NewReplacer(
	`[0-9a-f]+`, "hash",
	`[0-9]+`, "N",
	`\.`, ".",
	`[a-z]+`, "text",
)

func autoLabel(regex string) string {
	return fmt.Sprintf("Pattern: %s", labelReplacer.Replace(strings.Trim(regex, "^$")))
}

// isNoiseTag reports whether a tag carries no version information:
// channel names, single characters, sha refs, architecture variants, and
// digit-free tags.
func isNoiseTag(tag string) bool {
	low := strings.ToLower(tag)
	switch {
	case noiseTags[low],
		len(tag) <= 1,
		strings.HasPrefix(tag, "sha-"),
		strings.HasPrefix(tag, "sha256:"),
		archTagRe.MatchString(low),
		archTailRe.MatchString(low),
		pureAlpha.MatchString(tag):
		return true
	}
	return false
}

// DetectTagPatterns infers version-tag schemes from a registry listing. Tags
// are expected newest first, as FetchTags returns them; results are ordered
// by how recently each scheme was last pushed, so the scheme a publisher
// currently uses comes first.
func DetectTagPatterns(tags []TagInfo) []TagPattern {
	type member struct {
		tag    string
		index  int // position in the newest-first listing
		tokens []token
	}

	groups := make(map[string][]member)
	var order []string
	for i, t := range tags {
		if isNoiseTag(t.Name) {
			continue
		}
		tokens := tokenizeTag(t.Name)
		if len(tokens) == 0 {
			continue
		}
		sig := signature(tokens)
		if _, ok := groups[sig]; !ok {
			order = append(order, sig)
		}
		groups[sig] = append(groups[sig], member{tag: t.Name, index: i, tokens: tokens})
	}

	type scored struct {
		pattern TagPattern
		recency int
	}
	var results []scored
	for _, sig := range order {
		members := groups[sig]
		if len(members) < 2 {
			continue
		}

		tokenGroups := lo.Map(members, func(m member, _ int) []token { return m.tokens })
		regex := regexForGroup(tokenGroups)
		compiled, err := regexp.Compile(regex)
		if err != nil {
			continue
		}

		matching := lo.Filter(members, func(m member, _ int) bool {
			return compiled.MatchString(m.tag)
		})
		if len(matching) < 2 {
			continue
		}

		label, ok := knownPatterns[regex]
		if !ok {
			label = autoLabel(regex)
		}

		examples := lo.Map(matching, func(m member, _ int) string { return m.tag })
		if len(examples) > 3 {
			examples = examples[:3]
		}

		// Lowest index in the newest-first listing = most recently pushed.
		recency := lo.MinBy(matching, func(a, b member) bool { return a.index < b.index }).index

		results = append(results, scored{
			pattern: TagPattern{
				Regex:      regex,
				Label:      label,
				MatchCount: len(matching),
				Examples:   examples,
			},
			recency: recency,
		})
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].recency < results[j].recency
	})
	return lo.Map(results, func(s scored, _ int) TagPattern { return s.pattern })
}

// DetectBaseTags lists plausible base tags: tags that match none of the
// detected version schemes and are not architecture variants or refs.
// Newest first, matching the input ordering.
func DetectBaseTags(tags []TagInfo, patterns []TagPattern) []string {
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		if re, err := regexp.Compile(p.Regex); err == nil {
			compiled = append(compiled, re)
		}
	}

	var candidates []string
	for _, t := range tags {
		low := strings.ToLower(t.Name)
		if len(t.Name) <= 1 ||
			strings.HasPrefix(t.Name, "sha-") ||
			strings.HasPrefix(t.Name, "sha256:") ||
			archTagRe.MatchString(low) ||
			archTailRe.MatchString(low) {
			continue
		}
		if lo.SomeBy(compiled, func(re *regexp.Regexp) bool { return re.MatchString(t.Name) }) {
			continue
		}
		candidates = append(candidates, t.Name)
	}
	return candidates
}
