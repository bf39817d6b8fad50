package adapters

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/spf13/cast"

	"github.com/speedwagon-io/qcflow/internal/source"
)

// HTTPSource polls a JSON endpoint. The body is either one event object or
// an array of them; the type field names the event type and the time field,
// when present, its timestamp.
type HTTPSource struct {
	log       *slog.Logger
	url       string
	typeField string
	timeField string
	client    *http.Client
	now       func() time.Time
}

func NewHTTPSource(log *slog.Logger, url string, timeout time.Duration, options map[string]string) *HTTPSource {
	typeField := options["type_field"]
	if typeField == "" {
		typeField = "type"
	}
	timeField := options["time_field"]
	if timeField == "" {
		timeField = "timestamp"
	}
	return &HTTPSource{
		log:       log,
		url:       url,
		typeField: typeField,
		timeField: timeField,
		client: &http.Client{
			Timeout: timeout,
		},
		now: time.Now,
	}
}

func (a *HTTPSource) Name() string {
	return "http"
}

func (a *HTTPSource) Close() error {
	a.client.CloseIdleConnections()
	return nil
}

func (a *HTTPSource) Fetch(ctx context.Context) ([]source.Event, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	body = bytes.TrimSpace(body)
	if len(body) == 0 || bytes.Equal(body, []byte("null")) {
		a.log.Debug("endpoint returned no events", slog.String("url", a.url))
		return nil, nil
	}

	var raw []map[string]any
	if body[0] == '[' {
		if err := json.Unmarshal(body, &raw); err != nil {
			return nil, fmt.Errorf("failed to unmarshal response: %w", err)
		}
	} else {
		var one map[string]any
		if err := json.Unmarshal(body, &one); err != nil {
			return nil, fmt.Errorf("failed to unmarshal response: %w", err)
		}
		raw = []map[string]any{one}
	}

	events := make([]source.Event, 0, len(raw))
	for _, fields := range raw {
		events = append(events, a.toEvent(fields))
	}
	return events, nil
}

func (a *HTTPSource) toEvent(fields map[string]any) source.Event {
	ev := source.Event{
		Type:      cast.ToString(fields[a.typeField]),
		Timestamp: a.now().UTC(),
		Fields:    fields,
	}
	if raw, ok := fields[a.timeField]; ok {
		ts, err := cast.ToTimeE(raw)
		if err != nil {
			a.log.Debug("failed to parse event time", slog.Any("value", raw))
		} else {
			ev.Timestamp = ts.UTC()
		}
	}
	return ev
}
