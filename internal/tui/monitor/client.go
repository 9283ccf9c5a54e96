package monitor

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/mattjoyce/hotpatch/internal/events"
)

// --- Message types ---

type eventMsg events.Event

// healthMsg mirrors the /healthz response.
type healthMsg struct {
	Status        string        `json:"status"`
	UptimeSeconds int64         `json:"uptime_seconds"`
	Units         int           `json:"units"`
	Instances     int           `json:"instances"`
	Bindings      int           `json:"bindings"`
	Pending       int           `json:"pending"`
	Running       int           `json:"running"`
	BindingErrors int           `json:"binding_errors"`
	Events        *events.Stats `json:"events,omitempty"`
}

type tickMsg time.Time

type errMsg error

type sseDisconnectedMsg struct{}
type reconnectMsg struct{}

// Client talks to the admin API.
type Client struct {
	BaseURL string
	APIKey  string
	HTTP    *http.Client
}

func (c *Client) do(ctx context.Context, path string, headers map[string]string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(c.BaseURL, "/")+path, nil)
	if err != nil {
		return nil, err
	}
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	hc := c.HTTP
	if hc == nil {
		hc = http.DefaultClient
	}
	resp, err := hc.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		return nil, fmt.Errorf("GET %s: %s: %s", path, resp.Status, strings.TrimSpace(string(body)))
	}
	return resp, nil
}

// Health fetches /healthz.
func (c *Client) Health(ctx context.Context) (healthMsg, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	var h healthMsg
	resp, err := c.do(ctx, "/healthz", nil)
	if err != nil {
		return h, err
	}
	defer resp.Body.Close()
	err = json.NewDecoder(resp.Body).Decode(&h)
	return h, err
}

// Stream reads SSE frames from /events into ch until the connection ends.
// lastID resumes the stream after that event.
func (c *Client) Stream(ctx context.Context, lastID int64, ch chan<- events.Event) error {
	headers := map[string]string{"Accept": "text/event-stream"}
	if lastID > 0 {
		headers["Last-Event-ID"] = strconv.FormatInt(lastID, 10)
	}
	resp, err := c.do(ctx, "/events", headers)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return readSSE(resp.Body, ch)
}

func readSSE(r io.Reader, ch chan<- events.Event) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	var current events.Event
	var data strings.Builder

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if data.Len() > 0 {
				current.Data = []byte(data.String())
				if current.At.IsZero() {
					current.At = time.Now()
				}
				ch <- current
			}
			current = events.Event{}
			data.Reset()
		case strings.HasPrefix(line, ":"):
			// comment / keep-alive
		case strings.HasPrefix(line, "id: "):
			if id, err := strconv.ParseInt(line[4:], 10, 64); err == nil {
				current.ID = id
			}
		case strings.HasPrefix(line, "event: "):
			current.Type = line[7:]
		case strings.HasPrefix(line, "data: "):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(line[6:])
		}
	}
	return scanner.Err()
}

// --- Commands ---

// subscribe streams events into ch and reports the disconnect.
func (m Model) subscribe() tea.Cmd {
	client, ch, lastID := m.client, m.hubEvents, m.lastEventID
	return func() tea.Msg {
		_ = client.Stream(context.Background(), lastID, ch)
		return sseDisconnectedMsg{}
	}
}

// receiveNextEvent waits for the next event from the channel.
func receiveNextEvent(ch <-chan events.Event) tea.Cmd {
	return func() tea.Msg {
		return eventMsg(<-ch)
	}
}

func fetchHealth(client *Client) tea.Cmd {
	return func() tea.Msg {
		h, err := client.Health(context.Background())
		if err != nil {
			return errMsg(err)
		}
		return h
	}
}
