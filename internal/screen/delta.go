// Package screen captures pane contents, encodes screen updates as
// splice deltas against a client cursor, and guards keystroke injection
// behind the dangerous-command text check.
package screen

import (
	"fmt"

	core "github.com/eugener/palantir/internal"
)

const (
	// fullChangeRatio sends a full snapshot when more than this share of
	// lines changed.
	fullChangeRatio = 0.5
	// fullChangeLines sends a full snapshot past this many changed lines.
	fullChangeLines = 200
	// maxHunks sends a full snapshot when the delta fragments too much.
	maxHunks = 64
	// maxDiffLines bounds the quadratic diff; larger screens always get
	// full snapshots.
	maxDiffLines = 2000
)

// BuildDeltas computes splice operations transforming before into after.
// Deltas are ordered and position-adjusted so that applying them in
// sequence to before yields after.
func BuildDeltas(before, after []string) []core.ScreenDelta {
	if len(before) > maxDiffLines || len(after) > maxDiffLines {
		return []core.ScreenDelta{{Start: 0, DeleteCount: len(before), InsertLines: after}}
	}

	// Trim the common prefix and suffix; only the middle needs the DP.
	prefix := 0
	for prefix < len(before) && prefix < len(after) && before[prefix] == after[prefix] {
		prefix++
	}
	suffix := 0
	for suffix < len(before)-prefix && suffix < len(after)-prefix &&
		before[len(before)-1-suffix] == after[len(after)-1-suffix] {
		suffix++
	}
	midBefore := before[prefix : len(before)-suffix]
	midAfter := after[prefix : len(after)-suffix]
	if len(midBefore) == 0 && len(midAfter) == 0 {
		return nil
	}

	hunks := diffHunks(midBefore, midAfter)

	// Convert hunks (indexed into midBefore/midAfter) into sequential
	// splices. Applying earlier splices shifts later positions by the
	// running insert-delete balance.
	deltas := make([]core.ScreenDelta, 0, len(hunks))
	shift := 0
	for _, h := range hunks {
		insert := append([]string(nil), midAfter[h.afterStart:h.afterEnd]...)
		deltas = append(deltas, core.ScreenDelta{
			Start:       prefix + h.beforeStart + shift,
			DeleteCount: h.beforeEnd - h.beforeStart,
			InsertLines: insert,
		})
		shift += len(insert) - (h.beforeEnd - h.beforeStart)
	}
	return deltas
}

// hunk is one contiguous run of change in original index space.
type hunk struct {
	beforeStart, beforeEnd int
	afterStart, afterEnd   int
}

// diffHunks runs an LCS table over the middle sections and walks it back
// into change hunks.
func diffHunks(before, after []string) []hunk {
	n, m := len(before), len(after)
	// lcs[i][j] = LCS length of before[i:], after[j:].
	lcs := make([][]int, n+1)
	for i := range lcs {
		lcs[i] = make([]int, m+1)
	}
	for i := n - 1; i >= 0; i-- {
		for j := m - 1; j >= 0; j-- {
			if before[i] == after[j] {
				lcs[i][j] = lcs[i+1][j+1] + 1
			} else if lcs[i+1][j] >= lcs[i][j+1] {
				lcs[i][j] = lcs[i+1][j]
			} else {
				lcs[i][j] = lcs[i][j+1]
			}
		}
	}

	var hunks []hunk
	i, j := 0, 0
	for i < n || j < m {
		if i < n && j < m && before[i] == after[j] {
			i++
			j++
			continue
		}
		h := hunk{beforeStart: i, afterStart: j}
		for i < n || j < m {
			if i < n && j < m && before[i] == after[j] {
				break
			}
			if i < n && (j >= m || lcs[i+1][j] >= lcs[i][j+1]) {
				i++
			} else {
				j++
			}
		}
		h.beforeEnd, h.afterEnd = i, j
		hunks = append(hunks, h)
	}
	return hunks
}

// ApplyDeltas applies splices in sequence. Any out-of-range splice
// returns an error; the caller invalidates its cursor and refetches.
func ApplyDeltas(lines []string, deltas []core.ScreenDelta) ([]string, error) {
	out := append([]string(nil), lines...)
	for _, d := range deltas {
		if d.Start < 0 || d.DeleteCount < 0 || d.Start+d.DeleteCount > len(out) {
			return nil, fmt.Errorf("delta out of range: start=%d delete=%d len=%d", d.Start, d.DeleteCount, len(out))
		}
		next := make([]string, 0, len(out)-d.DeleteCount+len(d.InsertLines))
		next = append(next, out[:d.Start]...)
		next = append(next, d.InsertLines...)
		next = append(next, out[d.Start+d.DeleteCount:]...)
		out = next
	}
	return out, nil
}

// ShouldSendFull decides between a full snapshot and deltas: full when
// the change touches more than half the screen, more than 200 lines, or
// fragments into too many hunks.
func ShouldSendFull(before []string, deltas []core.ScreenDelta) bool {
	if len(deltas) > maxHunks {
		return true
	}
	changed := 0
	for _, d := range deltas {
		lines := d.DeleteCount
		if len(d.InsertLines) > lines {
			lines = len(d.InsertLines)
		}
		changed += lines
	}
	if changed > fullChangeLines {
		return true
	}
	if len(before) > 0 && float64(changed) > float64(len(before))*fullChangeRatio {
		return true
	}
	return false
}
