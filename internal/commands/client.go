package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"alatele/internal/auth"
	"alatele/internal/models"

	"github.com/go-resty/resty/v2"
)

const DefaultTailInterval = 2 * time.Second

// Client drives a running daemon through its local UI bridge.
type Client struct {
	http *resty.Client
}

type errorBody struct {
	Error string `json:"error"`
}

// New returns a client for the bridge listening on addr.
func New(addr string) *Client {
	base := addr
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	return &Client{
		http: resty.New().
			SetBaseURL(strings.TrimRight(base, "/")).
			SetHeader("Accept", "application/json").
			SetTimeout(time.Minute).
			SetError(&errorBody{}),
	}
}

func check(resp *resty.Response, err error) error {
	if err != nil {
		return fmt.Errorf("failed to call the daemon: %w. Is it running?", err)
	}
	if !resp.IsError() {
		return nil
	}
	if e, ok := resp.Error().(*errorBody); ok && e.Error != "" {
		return fmt.Errorf("%s: %s", resp.Status(), e.Error)
	}
	return fmt.Errorf("request failed: %s", resp.Status())
}

// Scope maps the --to flag onto a scope key.
func Scope(to string) string {
	if to == "" {
		return models.PublicScope.String()
	}
	return models.PrivateScope(models.Identity(to)).String()
}

func (c *Client) Whoami(ctx context.Context, w io.Writer) error {
	var p auth.Principal
	resp, err := c.http.R().SetContext(ctx).SetResult(&p).Get("/api/me")
	if err := check(resp, err); err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "%s\t%s\t%s\n", p.Identity, p.DisplayName, p.Role)
	return err
}

// Send posts text and the given files to the scope of to.
func (c *Client) Send(ctx context.Context, w io.Writer, to string, files []string, text string) error {
	var result struct {
		ID int64 `json:"id"`
	}
	req := c.http.R().
		SetContext(ctx).
		SetPathParam("scope", Scope(to)).
		SetResult(&result)

	if len(files) == 0 {
		req.SetBody(map[string]string{"content": text})
	} else {
		req.SetFormData(map[string]string{"content": text})
		for _, path := range files {
			f, err := os.Open(path)
			if err != nil {
				return fmt.Errorf("failed to open attachment: %w", err)
			}
			defer f.Close()
			req.SetFileReader("files", filepath.Base(path), f)
		}
	}

	resp, err := req.Post("/api/scopes/{scope}/messages")
	if err := check(resp, err); err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "sent %d\n", result.ID)
	return err
}

func (c *Client) Conversations(ctx context.Context, w io.Writer) error {
	var summaries []models.ConversationSummary
	resp, err := c.http.R().SetContext(ctx).SetResult(&summaries).Get("/api/conversations")
	if err := check(resp, err); err != nil {
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, s := range summaries {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n",
			s.Name,
			s.Counterparty,
			time.Unix(0, s.LastMessage.Timestamp).Format(time.DateTime),
			oneLine(s.LastMessage.Content),
		)
	}
	return tw.Flush()
}

func (c *Client) messages(ctx context.Context, scope string) ([]models.MessageView, error) {
	var views []models.MessageView
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("scope", scope).
		SetResult(&views).
		Get("/api/scopes/{scope}/messages")
	if err := check(resp, err); err != nil {
		return nil, err
	}
	return views, nil
}

// Tail prints the confirmed messages of a scope and then every new one
// until ctx is done.
func (c *Client) Tail(ctx context.Context, w io.Writer, to string, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultTailInterval
	}
	scope := Scope(to)
	seen := make(map[int64]bool)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		views, err := c.messages(ctx, scope)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		for _, v := range views {
			if v.Pending || seen[v.ID] {
				continue
			}
			seen[v.ID] = true
			if _, err := fmt.Fprintln(w, formatMessage(v.Message)); err != nil {
				return err
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func formatMessage(m models.Message) string {
	line := fmt.Sprintf("[%s] %s: %s",
		time.Unix(0, m.Timestamp).Format(time.TimeOnly),
		m.Sender.Short(),
		oneLine(m.Content),
	)
	for _, a := range m.Attachments {
		line += fmt.Sprintf(" [%s %s]", a.Kind, a.Name)
	}
	return line
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
