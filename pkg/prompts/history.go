package prompts

import (
	"fmt"
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
	tiktoken_loader "github.com/pkoukk/tiktoken-go-loader"

	"github.com/jwebster45206/adventure95/pkg/story"
)

// HistoryMode selects how much segment history goes into a continuation prompt.
type HistoryMode string

const (
	HistoryFull        HistoryMode = "full"
	HistoryLastN       HistoryMode = "last_n"
	HistoryTokenBudget HistoryMode = "token_budget"
)

// ParseHistoryMode validates a mode name. An empty string means full history.
func ParseHistoryMode(s string) (HistoryMode, error) {
	switch m := HistoryMode(strings.ToLower(strings.TrimSpace(s))); m {
	case "":
		return HistoryFull, nil
	case HistoryFull, HistoryLastN, HistoryTokenBudget:
		return m, nil
	default:
		return "", fmt.Errorf("unknown history mode %q", s)
	}
}

// HistoryPolicy is the context-window policy for continuation prompts.
// The zero value keeps the full history.
type HistoryPolicy struct {
	Mode        HistoryMode
	LastN       int
	TokenBudget int
}

// FullHistory keeps every segment.
var FullHistory = HistoryPolicy{Mode: HistoryFull}

// Select returns the segments to include, oldest first, and how many older
// segments were left out. The input slice is never modified.
func (p HistoryPolicy) Select(segments []story.Segment) ([]story.Segment, int) {
	switch p.Mode {
	case HistoryLastN:
		if p.LastN <= 0 || len(segments) <= p.LastN {
			return segments, 0
		}
		start := len(segments) - p.LastN
		return segments[start:], start
	case HistoryTokenBudget:
		if p.TokenBudget <= 0 {
			return segments, 0
		}
		used := 0
		start := len(segments)
		for start > 0 {
			cost := CountTokens(historyEntry(segments[start-1]))
			// The newest segment is always kept so the model knows where the story stands.
			if used+cost > p.TokenBudget && start < len(segments) {
				break
			}
			used += cost
			start--
		}
		return segments[start:], start
	default:
		return segments, 0
	}
}

var (
	encOnce sync.Once
	enc     *tiktoken.Tiktoken
)

// The default loader downloads the BPE ranks over HTTP on first use; the
// offline loader reads copies embedded in the binary.
func init() {
	tiktoken.SetBpeLoader(tiktoken_loader.NewOfflineLoader())
}

// CountTokens counts s in cl100k_base tokens. When the encoding cannot be
// loaded it falls back to an estimate of four characters per token.
func CountTokens(s string) int {
	encOnce.Do(func() {
		e, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			enc = e
		}
	})
	if enc != nil {
		return len(enc.Encode(s, nil, nil))
	}
	return (len(s) + 3) / 4
}

// historyEntry renders one segment the way it appears in the story-so-far block.
func historyEntry(seg story.Segment) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "[Scene %d", seg.SequenceNumber+1)
	if seg.LocationContext != "" {
		fmt.Fprintf(&sb, " - %s", seg.LocationContext)
	}
	sb.WriteString("]\n")
	if seg.UserChoice != nil && *seg.UserChoice != "" {
		fmt.Fprintf(&sb, "Player chose: %s\n", *seg.UserChoice)
	}
	sb.WriteString(seg.Content)
	sb.WriteString("\n")
	return sb.String()
}
