// Package core defines domain types for the Palantir session intelligence
// core. This package has no project imports -- it is the dependency root.
package core

import (
	"time"
)

// --- Token accounting ---

// TokenCounters is an additive set of token counts. All fields are
// non-negative. TotalTokens is authoritative when present; Normalize
// reconstructs it from input+output otherwise.
type TokenCounters struct {
	InputTokens              int64 `json:"inputTokens"`
	OutputTokens             int64 `json:"outputTokens"`
	CacheReadInputTokens     int64 `json:"cacheReadInputTokens"`
	CacheCreationInputTokens int64 `json:"cacheCreationInputTokens"`
	TotalTokens              int64 `json:"totalTokens"`
}

// Add returns the componentwise sum of c and other.
func (c TokenCounters) Add(other TokenCounters) TokenCounters {
	return TokenCounters{
		InputTokens:              c.InputTokens + other.InputTokens,
		OutputTokens:             c.OutputTokens + other.OutputTokens,
		CacheReadInputTokens:     c.CacheReadInputTokens + other.CacheReadInputTokens,
		CacheCreationInputTokens: c.CacheCreationInputTokens + other.CacheCreationInputTokens,
		TotalTokens:              c.TotalTokens + other.TotalTokens,
	}
}

// Normalize fills TotalTokens from InputTokens+OutputTokens when absent.
func (c TokenCounters) Normalize() TokenCounters {
	if c.TotalTokens == 0 {
		c.TotalTokens = c.InputTokens + c.OutputTokens
	}
	return c
}

// IsZero reports whether every counter is zero.
func (c TokenCounters) IsZero() bool {
	return c == TokenCounters{}
}

// DailyTokens is one per-day bucket of token counts.
type DailyTokens struct {
	Date     string        `json:"date"` // YYYY-MM-DD, UTC
	Counters TokenCounters `json:"counters"`
}

// ModelUsage aggregates token counts for one model. Daily entries are
// sorted ascending by date; today is a componentwise subset of last30days.
type ModelUsage struct {
	ModelID    string        `json:"modelId"`
	Today      TokenCounters `json:"today"`
	Last30Days TokenCounters `json:"last30days"`
	Daily      []DailyTokens `json:"daily"`
}

// TokenUsageResult is the aggregated output of a transcript scan.
type TokenUsageResult struct {
	Models    []ModelUsage `json:"models"`
	FetchedAt time.Time    `json:"fetchedAt"`
}

// --- Pricing ---

// ResolveStrategy identifies how a model ID was matched in the catalog,
// in decreasing confidence order.
type ResolveStrategy string

const (
	ResolveExact    ResolveStrategy = "exact"
	ResolvePrefix   ResolveStrategy = "prefix"
	ResolveAlias    ResolveStrategy = "alias"
	ResolveFallback ResolveStrategy = "fallback"
)

// ModelPriceQuote is a resolved catalog row for one model.
type ModelPriceQuote struct {
	ModelID                      string          `json:"modelId"`
	ResolvedModelID              string          `json:"resolvedModelId"`
	Strategy                     ResolveStrategy `json:"strategy"`
	InputCostPerToken            *float64        `json:"inputCostPerToken,omitempty"`
	OutputCostPerToken           *float64        `json:"outputCostPerToken,omitempty"`
	CacheReadInputCostPerToken   *float64        `json:"cacheReadInputCostPerToken,omitempty"`
	CacheCreationInputCostPerToken *float64      `json:"cacheCreationInputCostPerToken,omitempty"`
	HasPrice    bool      `json:"hasPrice"`
	SourceLabel string    `json:"sourceLabel"`
	UpdatedAt   time.Time `json:"updatedAt"`
	Stale       bool      `json:"stale"`
}

// CostSource labels how trustworthy a cost figure is.
type CostSource string

const (
	CostActual      CostSource = "actual"
	CostEstimated   CostSource = "estimated"
	CostUnavailable CostSource = "unavailable"
)

// CostConfidence is the confidence tier attached to a cost result.
type CostConfidence string

const (
	ConfidenceHigh   CostConfidence = "high"
	ConfidenceMedium CostConfidence = "medium"
	ConfidenceLow    CostConfidence = "low"
)

// CostWindow is a cost/token pair for one aggregation window. Nil fields
// mean the figure is unavailable.
type CostWindow struct {
	USD    *float64 `json:"usd,omitempty"`
	Tokens *int64   `json:"tokens,omitempty"`
}

// ModelCostBreakdown is the per-model slice of a cost result. USD is
// rounded to six decimals.
type ModelCostBreakdown struct {
	ModelID         string          `json:"modelId"`
	ResolvedModelID string          `json:"resolvedModelId"`
	Strategy        ResolveStrategy `json:"strategy"`
	USD             float64         `json:"usd"`
	Tokens          int64           `json:"tokens"`
}

// DailyCostBreakdown is the per-day slice of a cost result. ModelIDs are
// sorted ascending; rows are output sorted by date.
type DailyCostBreakdown struct {
	Date        string   `json:"date"`
	ModelIDs    []string `json:"modelIds"`
	USD         float64  `json:"usd"`
	TotalTokens int64    `json:"totalTokens"`
}

// ProviderCostResult is the cost engine output for one provider.
type ProviderCostResult struct {
	Today          CostWindow           `json:"today"`
	Last30Days     CostWindow           `json:"last30days"`
	Source         CostSource           `json:"source"`
	Confidence     CostConfidence       `json:"confidence,omitempty"`
	SourceLabel    string               `json:"sourceLabel,omitempty"`
	UpdatedAt      *time.Time           `json:"updatedAt,omitempty"`
	ReasonCode     ErrorCode            `json:"reasonCode,omitempty"`
	ReasonMessage  string               `json:"reasonMessage,omitempty"`
	ModelBreakdown []ModelCostBreakdown `json:"modelBreakdown"`
	DailyBreakdown []DailyCostBreakdown `json:"dailyBreakdown"`
}

// --- Usage windows and snapshots ---

// WindowID identifies a rate-limit window slot.
type WindowID string

const (
	WindowSession WindowID = "session"
	WindowWeekly  WindowID = "weekly"
	WindowModel   WindowID = "model"
)

// PaceStatus compares elapsed window time against observed utilization.
type PaceStatus string

const (
	PaceMargin   PaceStatus = "margin"
	PaceBalanced PaceStatus = "balanced"
	PaceOver     PaceStatus = "over"
	PaceUnknown  PaceStatus = "unknown"
)

// Pace projects end-of-window utilization from the elapsed fraction.
type Pace struct {
	ElapsedPercent                *float64   `json:"elapsedPercent,omitempty"`
	ProjectedEndUtilizationPercent *float64  `json:"projectedEndUtilizationPercent,omitempty"`
	PaceMarginPercent             *float64   `json:"paceMarginPercent,omitempty"`
	Status                        PaceStatus `json:"status"`
}

// UsageMetricWindow is one normalized rate-limit window.
type UsageMetricWindow struct {
	ID                 WindowID   `json:"id"`
	Title              string     `json:"title"`
	UtilizationPercent *float64   `json:"utilizationPercent,omitempty"`
	WindowDurationMs   *int64     `json:"windowDurationMs,omitempty"`
	ResetsAt           *time.Time `json:"resetsAt,omitempty"`
	Pace               Pace       `json:"pace"`
}

// SnapshotStatus is the health of a provider snapshot.
type SnapshotStatus string

const (
	StatusOK       SnapshotStatus = "ok"
	StatusDegraded SnapshotStatus = "degraded"
	StatusError    SnapshotStatus = "error"
)

// ProviderBilling carries optional cost enrichment attached to a snapshot.
type ProviderBilling struct {
	Cost *ProviderCostResult `json:"cost,omitempty"`
}

// ProviderCapabilities describes what a provider snapshot can carry.
type ProviderCapabilities struct {
	Windows bool `json:"windows"`
	Cost    bool `json:"cost"`
}

// ProviderSnapshot is the immutable value served by the usage dashboard.
// Snapshots are replaced, never mutated; a snapshot past StaleAt triggers
// a refetch on next access.
type ProviderSnapshot struct {
	ProviderID    string               `json:"providerId"`
	ProviderLabel string               `json:"providerLabel"`
	AccountLabel  string               `json:"accountLabel,omitempty"`
	PlanLabel     string               `json:"planLabel,omitempty"`
	Windows       []UsageMetricWindow  `json:"windows"`
	Billing       ProviderBilling      `json:"billing"`
	Capabilities  ProviderCapabilities `json:"capabilities"`
	Status        SnapshotStatus       `json:"status"`
	Issues        []Issue              `json:"issues"`
	FetchedAt     time.Time            `json:"fetchedAt"`
	StaleAt       time.Time            `json:"staleAt"`
}

// WithIssue returns a copy of the snapshot with the issue appended,
// de-duplicated by (code, message).
func (s ProviderSnapshot) WithIssue(issue Issue) ProviderSnapshot {
	for _, existing := range s.Issues {
		if existing.Code == issue.Code && existing.Message == issue.Message {
			return s
		}
	}
	issues := make([]Issue, 0, len(s.Issues)+1)
	issues = append(issues, s.Issues...)
	issues = append(issues, issue)
	s.Issues = issues
	return s
}

// Dashboard is the aggregate of all provider snapshots.
type Dashboard struct {
	Providers []ProviderSnapshot `json:"providers"`
	FetchedAt time.Time          `json:"fetchedAt"`
}

// --- Git state ---

// FileStatus is a single-letter git status code. "?" (untracked) is
// normalized to "A" where a concrete label is needed.
type FileStatus string

const (
	FileAdded     FileStatus = "A"
	FileModified  FileStatus = "M"
	FileDeleted   FileStatus = "D"
	FileRenamed   FileStatus = "R"
	FileCopied    FileStatus = "C"
	FileUnmerged  FileStatus = "U"
	FileUntracked FileStatus = "?"
)

// DiffFileEntry is one changed file in a diff summary.
type DiffFileEntry struct {
	Path        string     `json:"path"`
	Status      FileStatus `json:"status"`
	Staged      bool       `json:"staged"`
	RenamedFrom string     `json:"renamedFrom,omitempty"`
	Additions   *int       `json:"additions,omitempty"`
	Deletions   *int       `json:"deletions,omitempty"`
}

// DiffSummary is the working-tree state of one pane's repository.
type DiffSummary struct {
	RepoRoot  string          `json:"repoRoot,omitempty"`
	Rev       string          `json:"rev,omitempty"`
	Truncated bool            `json:"truncated"`
	Reason    string          `json:"reason,omitempty"`
	Files     []DiffFileEntry `json:"files"`
}

// DiffFilePatch is a unified diff for one path.
type DiffFilePatch struct {
	Path      string `json:"path"`
	Patch     string `json:"patch"`
	Truncated bool   `json:"truncated"`
}

// Commit is one entry in a commit log.
type Commit struct {
	Hash        string    `json:"hash"`
	ShortHash   string    `json:"shortHash"`
	Subject     string    `json:"subject"`
	Body        string    `json:"body,omitempty"`
	AuthorName  string    `json:"authorName"`
	AuthorEmail string    `json:"authorEmail,omitempty"`
	AuthoredAt  time.Time `json:"authoredAt"`
}

// CommitLog is a paged commit listing.
type CommitLog struct {
	RepoRoot   string   `json:"repoRoot,omitempty"`
	Rev        string   `json:"rev,omitempty"`
	Reason     string   `json:"reason,omitempty"`
	TotalCount int      `json:"totalCount"`
	Commits    []Commit `json:"commits"`
	HasMore    bool     `json:"hasMore"`
}

// CommitDetail is one commit plus its changed files.
type CommitDetail struct {
	Commit Commit          `json:"commit"`
	Files  []DiffFileEntry `json:"files"`
}

// --- Screen ---

// ScreenMode selects the capture encoding.
type ScreenMode string

const (
	ScreenText  ScreenMode = "text"
	ScreenImage ScreenMode = "image"
)

// ScreenDelta is one splice operation against a client's line array:
// delete DeleteCount lines at Start, then insert InsertLines there.
type ScreenDelta struct {
	Start       int      `json:"start"`
	DeleteCount int      `json:"deleteCount"`
	InsertLines []string `json:"insertLines"`
}

// ScreenResponse is either a full snapshot (Full true, Screen set) or a
// delta response (Deltas set). Cursor lets the client request the next
// delta; an unapplicable delta invalidates it and forces a full fetch.
type ScreenResponse struct {
	Full    bool          `json:"full"`
	Screen  []string      `json:"screen,omitempty"`
	Deltas  []ScreenDelta `json:"deltas,omitempty"`
	Cursor  string        `json:"cursor"`
	Cols    int           `json:"cols,omitempty"`
	Rows    int           `json:"rows,omitempty"`
	Image   []byte        `json:"image,omitempty"`
	FetchedAt time.Time   `json:"fetchedAt"`
}

// --- Credentials ---

// Credential is one (access token, optional refresh token) candidate.
type Credential struct {
	AccessToken  string `json:"-"`
	RefreshToken string `json:"-"`
	Source       string `json:"source"` // "env", "keychain", "file"
}
