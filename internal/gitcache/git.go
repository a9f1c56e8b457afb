// Package gitcache maintains per-pane git state: diff summary, per-file
// patches, and a paged commit log, fed by subprocess scraping and gated
// by content signatures so no-op polls never replace a cache value.
package gitcache

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/eugener/palantir/internal/subproc"

	core "github.com/eugener/palantir/internal"
)

const (
	// CommitPageSize is the commit log page length.
	CommitPageSize = 10
	// patchByteCap truncates server-side patches.
	patchByteCap = 1 << 20

	gitTimeout = 5 * time.Second
)

// Scraper runs git against a worktree.
type Scraper struct {
	runner *subproc.Runner
}

// NewScraper creates a Scraper over the given subprocess runner.
func NewScraper(runner *subproc.Runner) *Scraper {
	return &Scraper{runner: runner}
}

func (s *Scraper) git(ctx context.Context, dir string, args ...string) (string, error) {
	res, err := s.runner.Run(ctx, "git", args, subproc.Options{
		Dir:                dir,
		Timeout:            gitTimeout,
		AllowStdoutOnError: true,
	})
	if err != nil {
		return "", err
	}
	return res.Stdout, nil
}

// DiffSummary scrapes working-tree status plus numstat counts. A missing
// repository is not an error: the summary carries a reason instead.
func (s *Scraper) DiffSummary(ctx context.Context, worktree string) (core.DiffSummary, error) {
	root, rev, reason := s.repoContext(ctx, worktree)
	if reason != "" {
		return core.DiffSummary{Reason: reason, Files: []core.DiffFileEntry{}}, nil
	}

	statusOut, err := s.git(ctx, worktree, "status", "--porcelain=v1", "-z")
	if err != nil {
		return core.DiffSummary{}, core.WrapError(core.CodeInternal, err, "git status failed")
	}
	files := parseStatus(statusOut)

	// Line counts come from numstat over both the worktree and the index.
	counts := map[string][2]int{}
	if out, err := s.git(ctx, worktree, "diff", "--numstat", "-z"); err == nil {
		mergeNumstat(counts, out)
	}
	if out, err := s.git(ctx, worktree, "diff", "--numstat", "-z", "--cached"); err == nil {
		mergeNumstat(counts, out)
	}
	for i := range files {
		if c, ok := counts[files[i].Path]; ok {
			additions, deletions := c[0], c[1]
			files[i].Additions = &additions
			files[i].Deletions = &deletions
		}
	}

	return core.DiffSummary{
		RepoRoot: root,
		Rev:      rev,
		Files:    files,
	}, nil
}

// DiffFile scrapes the unified patch for one path, preferring the
// worktree diff and falling back to the staged one.
func (s *Scraper) DiffFile(ctx context.Context, worktree, path string) (core.DiffFilePatch, error) {
	out, err := s.git(ctx, worktree, "diff", "--", path)
	if err != nil {
		return core.DiffFilePatch{}, core.WrapError(core.CodeInternal, err, "git diff failed")
	}
	if strings.TrimSpace(out) == "" {
		out, err = s.git(ctx, worktree, "diff", "--cached", "--", path)
		if err != nil {
			return core.DiffFilePatch{}, core.WrapError(core.CodeInternal, err, "git diff --cached failed")
		}
	}
	if strings.TrimSpace(out) == "" {
		// Untracked file: synthesize an add patch.
		out, _ = s.git(ctx, worktree, "diff", "--no-index", "--", "/dev/null", path)
	}
	patch, truncated := capPatch(out)
	return core.DiffFilePatch{Path: path, Patch: patch, Truncated: truncated}, nil
}

const (
	fieldSep  = "\x1f"
	recordSep = "\x1e"
	logFormat = "%H\x1f%h\x1f%s\x1f%an\x1f%ae\x1f%aI\x1f%b\x1e"
)

// CommitLog scrapes one page of the commit log starting at offset.
func (s *Scraper) CommitLog(ctx context.Context, worktree string, offset int) (core.CommitLog, error) {
	root, rev, reason := s.repoContext(ctx, worktree)
	if reason != "" {
		return core.CommitLog{Reason: reason, Commits: []core.Commit{}}, nil
	}

	totalCount := 0
	if out, err := s.git(ctx, worktree, "rev-list", "--count", "HEAD"); err == nil {
		totalCount, _ = strconv.Atoi(strings.TrimSpace(out))
	}

	out, err := s.git(ctx, worktree,
		"log", "--format="+logFormat,
		"--skip="+strconv.Itoa(offset),
		"-n", strconv.Itoa(CommitPageSize))
	if err != nil {
		return core.CommitLog{}, core.WrapError(core.CodeInternal, err, "git log failed")
	}
	commits := parseCommits(out)

	return core.CommitLog{
		RepoRoot:   root,
		Rev:        rev,
		TotalCount: totalCount,
		Commits:    commits,
		HasMore:    len(commits) == CommitPageSize,
	}, nil
}

// CommitDetail scrapes one commit with its changed files.
func (s *Scraper) CommitDetail(ctx context.Context, worktree, hash string) (core.CommitDetail, error) {
	out, err := s.git(ctx, worktree, "log", "-1", "--format="+logFormat, hash)
	if err != nil {
		return core.CommitDetail{}, core.WrapError(core.CodeInternal, err, "git log -1 failed")
	}
	commits := parseCommits(out)
	if len(commits) == 0 {
		return core.CommitDetail{}, core.Errorf(core.CodeInternal, "commit %s not found", hash)
	}

	detail := core.CommitDetail{Commit: commits[0], Files: []core.DiffFileEntry{}}
	nameStatus, err := s.git(ctx, worktree, "show", "--name-status", "--format=", "-z", hash)
	if err == nil {
		detail.Files = parseNameStatus(nameStatus)
	}
	return detail, nil
}

// CommitFile scrapes the patch of one path within one commit.
func (s *Scraper) CommitFile(ctx context.Context, worktree, hash, path string) (core.DiffFilePatch, error) {
	out, err := s.git(ctx, worktree, "show", "--format=", hash, "--", path)
	if err != nil {
		return core.DiffFilePatch{}, core.WrapError(core.CodeInternal, err, "git show failed")
	}
	patch, truncated := capPatch(out)
	return core.DiffFilePatch{Path: path, Patch: patch, Truncated: truncated}, nil
}

// repoContext resolves the repo root and short HEAD rev. A non-empty
// reason means the worktree is not usable as a repository.
func (s *Scraper) repoContext(ctx context.Context, worktree string) (root, rev, reason string) {
	out, err := s.git(ctx, worktree, "rev-parse", "--show-toplevel")
	if err != nil {
		return "", "", classifyRepoError(err)
	}
	root = strings.TrimSpace(out)
	if out, err := s.git(ctx, worktree, "rev-parse", "--short", "HEAD"); err == nil {
		rev = strings.TrimSpace(out)
	}
	return root, rev, ""
}

func classifyRepoError(err error) string {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "not a git repository"):
		return "not a repository"
	case strings.Contains(msg, "executable file not found"), strings.Contains(msg, "no such file"):
		return "git unavailable"
	default:
		return "git error"
	}
}

// parseStatus parses `status --porcelain=v1 -z`. Rename entries consume
// two NUL-separated tokens (new path, then original path).
func parseStatus(out string) []core.DiffFileEntry {
	tokens := strings.Split(out, "\x00")
	files := make([]core.DiffFileEntry, 0, len(tokens))
	for i := 0; i < len(tokens); i++ {
		token := tokens[i]
		if len(token) < 4 {
			continue
		}
		x, y := token[0], token[1]
		path := token[3:]
		entry := core.DiffFileEntry{Path: path}

		switch {
		case x == 'R' || y == 'R', x == 'C' || y == 'C':
			if x == 'C' || y == 'C' {
				entry.Status = core.FileCopied
			} else {
				entry.Status = core.FileRenamed
			}
			entry.Staged = x == 'R' || x == 'C'
			if i+1 < len(tokens) {
				i++
				entry.RenamedFrom = tokens[i]
			}
		case x == '?' && y == '?':
			entry.Status = core.FileUntracked
		case x == 'U' || y == 'U':
			entry.Status = core.FileUnmerged
			entry.Staged = false
		default:
			// Worktree change wins for display; index-only changes fall
			// back to the staged letter.
			letter := y
			if letter == ' ' {
				letter = x
				entry.Staged = true
			} else if x != ' ' && x != '?' {
				entry.Staged = true
			}
			entry.Status = statusLetter(letter)
		}
		files = append(files, entry)
	}
	return files
}

func statusLetter(b byte) core.FileStatus {
	switch b {
	case 'A':
		return core.FileAdded
	case 'M':
		return core.FileModified
	case 'D':
		return core.FileDeleted
	case 'R':
		return core.FileRenamed
	case 'C':
		return core.FileCopied
	case 'U':
		return core.FileUnmerged
	case '?':
		return core.FileUntracked
	default:
		return core.FileModified
	}
}

// mergeNumstat folds `diff --numstat -z` output into counts by path.
// Binary files report "-" and are skipped.
func mergeNumstat(counts map[string][2]int, out string) {
	for _, record := range strings.Split(out, "\x00") {
		fields := strings.SplitN(record, "\t", 3)
		if len(fields) != 3 {
			continue
		}
		additions, errA := strconv.Atoi(fields[0])
		deletions, errD := strconv.Atoi(fields[1])
		if errA != nil || errD != nil {
			continue
		}
		path := fields[2]
		existing := counts[path]
		counts[path] = [2]int{existing[0] + additions, existing[1] + deletions}
	}
}

func parseCommits(out string) []core.Commit {
	records := strings.Split(out, recordSep)
	commits := make([]core.Commit, 0, len(records))
	for _, record := range records {
		record = strings.TrimLeft(record, "\n")
		fields := strings.SplitN(record, fieldSep, 7)
		if len(fields) < 6 {
			continue
		}
		authoredAt, _ := time.Parse(time.RFC3339, fields[5])
		commit := core.Commit{
			Hash:        fields[0],
			ShortHash:   fields[1],
			Subject:     fields[2],
			AuthorName:  fields[3],
			AuthorEmail: fields[4],
			AuthoredAt:  authoredAt,
		}
		if len(fields) == 7 {
			commit.Body = strings.TrimSpace(fields[6])
		}
		commits = append(commits, commit)
	}
	return commits
}

// parseNameStatus parses `show --name-status -z` records.
func parseNameStatus(out string) []core.DiffFileEntry {
	tokens := strings.Split(out, "\x00")
	files := make([]core.DiffFileEntry, 0, len(tokens))
	for i := 0; i < len(tokens); i++ {
		status := strings.TrimSpace(tokens[i])
		if status == "" || i+1 >= len(tokens) {
			continue
		}
		letter := statusLetter(status[0])
		i++
		entry := core.DiffFileEntry{Status: letter, Path: tokens[i]}
		if (letter == core.FileRenamed || letter == core.FileCopied) && i+1 < len(tokens) {
			entry.RenamedFrom = tokens[i]
			i++
			entry.Path = tokens[i]
		}
		files = append(files, entry)
	}
	return files
}

func capPatch(out string) (string, bool) {
	if len(out) <= patchByteCap {
		return out, false
	}
	return out[:patchByteCap], true
}
