package client

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

// Event is one Server-Sent Event from a game's stream.
type Event struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data"`
}

// Listen streams a game's events into ch until ctx is done or the server
// closes the stream.
func (c *Client) Listen(ctx context.Context, gameID uuid.UUID, ch chan<- Event) error {
	url := fmt.Sprintf("%s/games/%s/events", c.baseURL, gameID.String())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	// the shared client's timeout would cut the stream
	stream := &http.Client{Transport: c.httpClient.Transport}
	resp, err := stream.Do(req)
	if err != nil {
		return fmt.Errorf("failed to connect to SSE: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(body))}
	}

	scanner := bufio.NewScanner(resp.Body)
	var current Event
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if current.Type == "" {
				continue
			}
			select {
			case ch <- current:
			case <-ctx.Done():
				return ctx.Err()
			}
			current = Event{}
		case strings.HasPrefix(line, "event: "):
			current.Type = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			var data map[string]any
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &data); err == nil {
				current.Data = data
			}
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("error reading SSE stream: %w", err)
	}
	return ctx.Err()
}
