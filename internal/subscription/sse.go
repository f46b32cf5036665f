package subscription

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
	"github.com/hashicorp/go-cleanhttp"
)

// StreamPath is the per-message event stream endpoint, relative to the API base.
func StreamPath(sessionID string, messageID string) string {
	return "/api/sessions/" + url.PathEscape(sessionID) + "/messages/" + url.PathEscape(messageID) + "/stream"
}

func streamURL(baseURL string, t Target, suffix string) (*url.URL, error) {
	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if base == "" {
		return nil, errors.New("missing base url")
	}
	u, err := url.Parse(base + StreamPath(t.SessionID, t.MessageID) + suffix)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("last_id", t.Cursor())
	u.RawQuery = q.Encode()
	return u, nil
}

// SSEDialer opens the stream as server-sent events. Each SSE data field holds
// one JSON event frame.
type SSEDialer struct {
	BaseURL string
	Token   string
	// HTTPClient must not set an overall timeout; streams are long-lived.
	HTTPClient *http.Client
}

func (d *SSEDialer) Dial(ctx context.Context, t Target) (Conn, error) {
	if d == nil {
		return nil, errors.New("nil sse dialer")
	}
	u, err := streamURL(d.BaseURL, t, "")
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("Last-Event-ID", t.Cursor())
	if tok := strings.TrimSpace(d.Token); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	client := d.HTTPClient
	if client == nil {
		client = cleanhttp.DefaultPooledClient()
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		_ = resp.Body.Close()
		return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	dec := ssestream.NewDecoder(resp)
	if dec == nil {
		_ = resp.Body.Close()
		return nil, errors.New("empty sse response")
	}
	return &sseConn{dec: dec}, nil
}

type sseConn struct {
	dec ssestream.Decoder
}

func (c *sseConn) Recv() ([]byte, error) {
	for c.dec.Next() {
		data := bytes.TrimSpace(c.dec.Event().Data)
		if len(data) == 0 {
			// Comment lines and bare keep-alives.
			continue
		}
		return data, nil
	}
	if err := c.dec.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

func (c *sseConn) Close() error {
	return c.dec.Close()
}
