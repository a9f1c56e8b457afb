package tokensource

import (
	"encoding/json"
	"time"

	core "github.com/eugener/palantir/internal"
)

// sessionLine is the envelope of one session-transcript event.
type sessionLine struct {
	Timestamp string          `json:"timestamp"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
}

// sessionUsage mirrors the cumulative token_count usage object.
type sessionUsage struct {
	InputTokens       int64 `json:"input_tokens"`
	CachedInputTokens int64 `json:"cached_input_tokens"`
	OutputTokens      int64 `json:"output_tokens"`
	TotalTokens       int64 `json:"total_tokens"`
}

// sessionState tracks the per-file model context and the last cumulative
// total, for computing deltas when an event omits last_token_usage.
type sessionState struct {
	model     string
	lastTotal *sessionUsage
}

func newSessionState() *sessionState {
	return &sessionState{}
}

// parseSessionLine folds one session event into the aggregate. A
// turn_context event switches the active model; token_count events carry
// either an explicit per-turn usage or a cumulative total to diff.
func parseSessionLine(line []byte, st *sessionState, agg *aggregator) {
	var env sessionLine
	if err := json.Unmarshal(line, &env); err != nil {
		return
	}

	switch env.Type {
	case "turn_context":
		var tc struct {
			Model string `json:"model"`
		}
		if json.Unmarshal(env.Payload, &tc) == nil && tc.Model != "" {
			st.model = tc.Model
		}

	case "event_msg":
		var event struct {
			Type string `json:"type"`
			Info *struct {
				LastTokenUsage  *sessionUsage `json:"last_token_usage"`
				TotalTokenUsage *sessionUsage `json:"total_token_usage"`
			} `json:"info"`
		}
		if json.Unmarshal(env.Payload, &event) != nil {
			return
		}
		if event.Type != "token_count" || event.Info == nil {
			return
		}
		at, err := time.Parse(time.RFC3339Nano, env.Timestamp)
		if err != nil {
			return
		}

		delta, ok := usageDelta(event.Info.LastTokenUsage, event.Info.TotalTokenUsage, st)
		if !ok {
			return
		}
		agg.add(st.model, at, delta)
	}
}

// usageDelta picks the per-event usage: the explicit last_token_usage
// when present, otherwise the difference against the previous cumulative
// total. The cache-read counter is bounded by the event's input counter,
// which already includes cache reads in this shape.
func usageDelta(last, total *sessionUsage, st *sessionState) (core.TokenCounters, bool) {
	var u sessionUsage
	switch {
	case last != nil:
		u = *last
		if total != nil {
			st.lastTotal = total
		}
	case total != nil:
		if st.lastTotal != nil {
			u = sessionUsage{
				InputTokens:       total.InputTokens - st.lastTotal.InputTokens,
				CachedInputTokens: total.CachedInputTokens - st.lastTotal.CachedInputTokens,
				OutputTokens:      total.OutputTokens - st.lastTotal.OutputTokens,
				TotalTokens:       total.TotalTokens - st.lastTotal.TotalTokens,
			}
		} else {
			u = *total
		}
		st.lastTotal = total
	default:
		return core.TokenCounters{}, false
	}

	if u.InputTokens < 0 || u.OutputTokens < 0 || u.TotalTokens < 0 {
		// Cumulative counter reset (new session id reusing the file);
		// skip rather than emit negative deltas.
		return core.TokenCounters{}, false
	}

	cacheRead := u.CachedInputTokens
	if cacheRead > u.InputTokens {
		cacheRead = u.InputTokens
	}
	if cacheRead < 0 {
		cacheRead = 0
	}
	return core.TokenCounters{
		InputTokens:          u.InputTokens,
		OutputTokens:         u.OutputTokens,
		CacheReadInputTokens: cacheRead,
		TotalTokens:          u.TotalTokens,
	}, true
}
