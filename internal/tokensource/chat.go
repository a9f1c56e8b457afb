package tokensource

import (
	"encoding/json"
	"time"

	core "github.com/eugener/palantir/internal"
)

// chatRecord is the chat-transcript line shape. Only the fields the
// aggregation reads are declared; everything else in the record is
// ignored.
type chatRecord struct {
	Timestamp string `json:"timestamp"`
	RequestID string `json:"requestId"`
	Message   struct {
		ID    string `json:"id"`
		Model string `json:"model"`
		Usage *struct {
			InputTokens              int64 `json:"input_tokens"`
			OutputTokens             int64 `json:"output_tokens"`
			CacheReadInputTokens     int64 `json:"cache_read_input_tokens"`
			CacheCreationInputTokens int64 `json:"cache_creation_input_tokens"`
		} `json:"usage"`
	} `json:"message"`
}

// parseChatLine folds one chat-transcript line into the aggregate.
// Records are de-duplicated by (message.id, requestId) when both are
// present; retried streams re-log the same message under the same pair.
func parseChatLine(line []byte, agg *aggregator) {
	var rec chatRecord
	if err := json.Unmarshal(line, &rec); err != nil {
		return
	}
	if rec.Message.Usage == nil || rec.Message.Model == "" {
		return
	}
	at, err := time.Parse(time.RFC3339Nano, rec.Timestamp)
	if err != nil {
		return
	}

	if rec.Message.ID != "" && rec.RequestID != "" {
		if agg.seen(rec.Message.ID + "\x00" + rec.RequestID) {
			return
		}
	}

	usage := rec.Message.Usage
	agg.add(rec.Message.Model, at, core.TokenCounters{
		InputTokens:              usage.InputTokens,
		OutputTokens:             usage.OutputTokens,
		CacheReadInputTokens:     usage.CacheReadInputTokens,
		CacheCreationInputTokens: usage.CacheCreationInputTokens,
	})
}
