package gitcache

import (
	"encoding/json"
	"sort"

	core "github.com/eugener/palantir/internal"
)

// diffSignature renders the essential content of a summary as a
// deterministic JSON string. Equal signatures mean a poll result is a
// no-op and must not replace the cached value.
func diffSignature(s core.DiffSummary) string {
	files := make([]core.DiffFileEntry, len(s.Files))
	copy(files, s.Files)
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })

	payload := struct {
		RepoRoot  string                `json:"repoRoot"`
		Rev       string                `json:"rev"`
		Reason    string                `json:"reason"`
		Truncated bool                  `json:"truncated"`
		Files     []core.DiffFileEntry  `json:"files"`
	}{s.RepoRoot, s.Rev, s.Reason, s.Truncated, files}

	raw, _ := json.Marshal(payload)
	return string(raw)
}

// logSignature renders the essential content of a commit log.
func logSignature(l core.CommitLog) string {
	hashes := make([]string, len(l.Commits))
	for i, c := range l.Commits {
		hashes[i] = c.Hash
	}
	payload := struct {
		RepoRoot   string   `json:"repoRoot"`
		Rev        string   `json:"rev"`
		Reason     string   `json:"reason"`
		TotalCount int      `json:"totalCount"`
		Hashes     []string `json:"hashes"`
	}{l.RepoRoot, l.Rev, l.Reason, l.TotalCount, hashes}

	raw, _ := json.Marshal(payload)
	return string(raw)
}
