package pricing

import (
	"regexp"
	"strconv"
	"strings"

	core "github.com/eugener/palantir/internal"
)

// providerPrefixes is the ordered list of catalog prefixes tried for each
// provider during prefix resolution.
var providerPrefixes = map[string][]string{
	"codex":  {"openai/", "azure/", "openrouter/openai/", "github_copilot/"},
	"claude": {"anthropic/", "openrouter/anthropic/", "bedrock/", "vertex_ai/"},
}

// providerAliases maps non-catalog model names to canonical catalog IDs.
var providerAliases = map[string]map[string]string{
	"codex": {
		"gpt-5-codex-mini": "gpt-5-mini",
		"o4-mini-deep-research": "o4-mini",
	},
	"claude": {
		"claude-sonnet-4-5": "claude-sonnet-4-5-20250929",
		"claude-opus-4-1":   "claude-opus-4-1-20250805",
	},
}

// resolve finds a catalog row for (providerID, modelID), trying exact,
// prefix, alias, then version-fallback resolution, in that order. A row
// matched by the first three strategies must carry a price; an unpriced
// match falls through to version fallback and is only returned (with
// HasPrice false) when no older priced version exists either.
func resolve(rows map[string]row, providerID, modelID string) (core.ModelPriceQuote, bool) {
	prefixes := providerPrefixes[providerID]

	var unpriced *core.ModelPriceQuote
	keep := func(q core.ModelPriceQuote) (core.ModelPriceQuote, bool) {
		if q.HasPrice {
			return q, true
		}
		if unpriced == nil {
			unpriced = &q
		}
		return core.ModelPriceQuote{}, false
	}

	if r, ok := rows[modelID]; ok {
		if q, priced := keep(quoteFor(modelID, modelID, core.ResolveExact, r)); priced {
			return q, true
		}
	}

	for _, prefix := range prefixes {
		if r, ok := rows[prefix+modelID]; ok {
			if q, priced := keep(quoteFor(modelID, prefix+modelID, core.ResolvePrefix, r)); priced {
				return q, true
			}
		}
	}

	if canonical, ok := providerAliases[providerID][modelID]; ok {
		if r, ok := rows[canonical]; ok {
			if q, priced := keep(quoteFor(modelID, canonical, core.ResolveAlias, r)); priced {
				return q, true
			}
		}
		for _, prefix := range prefixes {
			if r, ok := rows[prefix+canonical]; ok {
				if q, priced := keep(quoteFor(modelID, prefix+canonical, core.ResolveAlias, r)); priced {
					return q, true
				}
			}
		}
	}

	if key, r, ok := versionFallback(rows, prefixes, modelID); ok {
		return quoteFor(modelID, key, core.ResolveFallback, r), true
	}
	if unpriced != nil {
		return *unpriced, true
	}
	return core.ModelPriceQuote{}, false
}

func quoteFor(modelID, resolvedID string, strategy core.ResolveStrategy, r row) core.ModelPriceQuote {
	return core.ModelPriceQuote{
		ModelID:                        modelID,
		ResolvedModelID:                resolvedID,
		Strategy:                       strategy,
		InputCostPerToken:              r.InputCostPerToken,
		OutputCostPerToken:             r.OutputCostPerToken,
		CacheReadInputCostPerToken:     r.CacheReadInputTokenCost,
		CacheCreationInputCostPerToken: r.CacheCreationInputTokenCost,
		HasPrice:                       r.hasPrice(),
	}
}

// versionRe matches the first numeric version token (dotted or a plain
// integer) in a model ID, bounded so digits inside words do not match
// ("o4" stays intact, "gpt-5.3-codex" yields "5.3", "claude-opus-4-6"
// yields "4").
var versionRe = regexp.MustCompile(`(^|[-/_.])(\d+(?:\.\d+)+|\d+)([-/_.]|$)`)

// modelVersion extracts the version token and the skeleton formed by
// replacing the token with a placeholder.
func modelVersion(modelID string) (version []int, skeleton string, ok bool) {
	loc := versionRe.FindStringSubmatchIndex(modelID)
	if loc == nil {
		return nil, "", false
	}
	start, end := loc[4], loc[5]
	version = parseVersion(modelID[start:end])
	skeleton = modelID[:start] + "{v}" + modelID[end:]
	return version, skeleton, true
}

func parseVersion(s string) []int {
	parts := strings.Split(s, ".")
	out := make([]int, len(parts))
	for i, p := range parts {
		out[i], _ = strconv.Atoi(p)
	}
	return out
}

// compareVersions returns -1, 0, or 1 for a < b, a == b, a > b. Missing
// segments compare as zero.
func compareVersions(a, b []int) int {
	n := len(a)
	if len(b) > n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		var av, bv int
		if i < len(a) {
			av = a[i]
		}
		if i < len(b) {
			bv = b[i]
		}
		if av != bv {
			if av < bv {
				return -1
			}
			return 1
		}
	}
	return 0
}

// fallbackCandidate is one catalog entry sharing the query's skeleton
// with a strictly older version and a usable price.
type fallbackCandidate struct {
	key        string
	row        row
	version    []int
	prefixRank int // 0 = unprefixed, then provider prefix list order, then unknown
}

// versionFallback searches the catalog for the closest strictly-older
// priced version of the same model skeleton. Ties break toward the
// unprefixed entry, then toward the earlier provider prefix.
func versionFallback(rows map[string]row, prefixes []string, modelID string) (string, row, bool) {
	queryVersion, querySkeleton, ok := modelVersion(modelID)
	if !ok {
		return "", row{}, false
	}

	var best *fallbackCandidate
	for key, r := range rows {
		if !r.hasPrice() {
			continue
		}
		bare, rank := stripKnownPrefix(key, prefixes)
		version, skeleton, ok := modelVersion(bare)
		if !ok || skeleton != querySkeleton {
			continue
		}
		if compareVersions(version, queryVersion) >= 0 {
			continue
		}
		cand := fallbackCandidate{key: key, row: r, version: version, prefixRank: rank}
		if best == nil || betterFallback(cand, *best) {
			c := cand
			best = &c
		}
	}
	if best == nil {
		return "", row{}, false
	}
	return best.key, best.row, true
}

// betterFallback orders candidates: closest-lower version first, then
// lower prefix rank, then lexicographic key for determinism.
func betterFallback(a, b fallbackCandidate) bool {
	if cmp := compareVersions(a.version, b.version); cmp != 0 {
		return cmp > 0 // higher (closer to the query) wins
	}
	if a.prefixRank != b.prefixRank {
		return a.prefixRank < b.prefixRank
	}
	return a.key < b.key
}

// stripKnownPrefix removes the first matching provider prefix and returns
// the bare ID with the prefix's rank (0 for unprefixed).
func stripKnownPrefix(key string, prefixes []string) (string, int) {
	for i, prefix := range prefixes {
		if strings.HasPrefix(key, prefix) {
			return strings.TrimPrefix(key, prefix), i + 1
		}
	}
	if strings.Contains(key, "/") {
		// Foreign prefix: rank below any known one.
		return key[strings.LastIndex(key, "/")+1:], len(prefixes) + 1
	}
	return key, 0
}
