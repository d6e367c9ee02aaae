package runnerclient

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/vyvo/compute/fleet/pkg/notify"
)

// ErrStreamClosed is returned when the server ends the notification stream.
var ErrStreamClosed = errors.New("notification stream closed by server")

// Event is one server-sent event.
type Event struct {
	ID   string
	Name string
	Data json.RawMessage
}

// Subscribe opens the live notification stream for runnerID and invokes fn for
// every notification until ctx is cancelled, the server closes the stream, or
// fn returns an error.
func (c *Client) Subscribe(ctx context.Context, runnerID string, fn func(notify.Message) error) error {
	req, err := c.newRequest(ctx, http.MethodGet, "/api/runner/subscribe/"+url.PathEscape(runnerID), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.stream.Do(req)
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decodeError(resp)
	}

	err = ReadEvents(resp.Body, func(ev Event) error {
		if ev.Name == "close" {
			return ErrStreamClosed
		}
		var msg notify.Message
		if err := json.Unmarshal(ev.Data, &msg); err != nil {
			return fmt.Errorf("decode event payload: %w", err)
		}
		return fn(msg)
	})
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// ReadEvents streams SSE events, invoking eventFn for each completed event
// that carries data. Comment lines are ignored.
func ReadEvents(body io.Reader, eventFn func(Event) error) error {
	reader := bufio.NewReader(body)
	var lines []string
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				return dispatchEvent(lines, eventFn)
			}
			return err
		}
		trimmed := strings.TrimRight(line, "\r\n")
		if trimmed == "" {
			if err := dispatchEvent(lines, eventFn); err != nil {
				return err
			}
			lines = lines[:0]
			continue
		}
		lines = append(lines, trimmed)
	}
}

// ParseEvent assembles an event from its field lines.
func ParseEvent(lines []string) (Event, bool) {
	var (
		ev   Event
		data []string
	)
	for _, line := range lines {
		if strings.HasPrefix(line, ":") {
			continue
		}
		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "id":
			ev.ID = value
		case "event":
			ev.Name = value
		case "data":
			data = append(data, value)
		}
	}
	if len(data) == 0 {
		return Event{}, false
	}
	ev.Data = json.RawMessage(strings.Join(data, "\n"))
	return ev, true
}

func dispatchEvent(lines []string, eventFn func(Event) error) error {
	if len(lines) == 0 {
		return nil
	}
	ev, ok := ParseEvent(lines)
	if !ok {
		return nil
	}
	return eventFn(ev)
}
