// Package discord delivers posts to Discord channels over the REST API and
// keeps a gateway session alive so the bot shows up as online.
package discord

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pagebridge/pagebridge/internal/facebook"
	"github.com/pagebridge/pagebridge/internal/format"
)

const defaultBaseURL = "https://discord.com/api/v10"

// HTTPError is a non-2xx Discord response after retries are exhausted.
type HTTPError struct {
	StatusCode int
	Code       int
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("discord api %d (code %d): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("discord api %d", e.StatusCode)
}

// PublishError wraps a failed delivery so the pipeline can skip the item
// and retry it on the next cycle.
type PublishError struct {
	ChannelID string
	PostID    string
	Err       error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publish post %s to channel %s: %v", e.PostID, e.ChannelID, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }

type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	settings   *format.Source
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func NewClient(botToken string, settings *format.Source, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{
		baseURL:    defaultBaseURL,
		token:      strings.TrimSpace(botToken),
		httpClient: httpClient,
		settings:   settings,
		maxRetries: 3,
		baseDelay:  100 * time.Millisecond,
		maxDelay:   2 * time.Second,
	}
}

type embed struct {
	Title       string       `json:"title,omitempty"`
	Description string       `json:"description,omitempty"`
	URL         string       `json:"url,omitempty"`
	Color       int          `json:"color,omitempty"`
	Image       *embedImage  `json:"image,omitempty"`
	Footer      *embedFooter `json:"footer,omitempty"`
	Fields      []embedField `json:"fields,omitempty"`
}

type embedImage struct {
	URL string `json:"url"`
}

type embedFooter struct {
	Text string `json:"text"`
}

type embedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline,omitempty"`
}

type messageRequest struct {
	Content string  `json:"content,omitempty"`
	Embeds  []embed `json:"embeds,omitempty"`
}

type messageResponse struct {
	ID string `json:"id"`
}

// PublishPost renders a post (and its event detail, when present) and
// creates one message in the channel, returning the message id.
func (c *Client) PublishPost(ctx context.Context, channelID string, post facebook.Post, event *facebook.Event) (string, error) {
	body := c.renderMessage(post, event)
	var msg messageResponse
	err := c.doJSON(ctx, http.MethodPost, fmt.Sprintf("/channels/%s/messages", url.PathEscape(channelID)), body, &msg)
	if err != nil {
		return "", &PublishError{ChannelID: channelID, PostID: post.ID, Err: err}
	}
	if msg.ID == "" {
		return "", &PublishError{ChannelID: channelID, PostID: post.ID, Err: fmt.Errorf("response carries no message id")}
	}
	return msg.ID, nil
}

func (c *Client) renderMessage(post facebook.Post, event *facebook.Event) messageRequest {
	settings := format.DefaultSettings()
	if c.settings != nil {
		settings = c.settings.Current()
	}

	postEmbed := embed{
		Title:       post.Author,
		Description: truncate(post.Description, 4096),
		Color:       settings.EmbedColor,
	}
	if len(post.Links) > 0 {
		postEmbed.URL = post.Links[0]
	}
	images := post.Images
	if settings.MaxImages >= 0 && len(images) > settings.MaxImages {
		images = images[:settings.MaxImages]
	}
	if len(images) > 0 {
		postEmbed.Image = &embedImage{URL: images[0]}
	}
	if settings.Footer != "" {
		postEmbed.Footer = &embedFooter{Text: settings.Footer}
	}
	if post.References != nil && post.References.ID != "" {
		postEmbed.Fields = append(postEmbed.Fields, embedField{
			Name:  "Shared post",
			Value: "https://www.facebook.com/" + post.References.ID,
		})
	}

	embeds := []embed{postEmbed}
	for _, img := range images[min(len(images), 1):] {
		embeds = append(embeds, embed{Color: settings.EmbedColor, Image: &embedImage{URL: img}})
	}

	if event != nil {
		eventEmbed := embed{
			Title:       event.Title,
			Description: truncate(event.Description, 4096),
			Color:       settings.EmbedColor,
		}
		if event.Location != "" {
			eventEmbed.Fields = append(eventEmbed.Fields, embedField{Name: "Where", Value: event.Location, Inline: true})
		}
		if !event.StartsAt.IsZero() {
			eventEmbed.Fields = append(eventEmbed.Fields, embedField{Name: "When", Value: event.StartsAt.Format(settings.TimestampLayout), Inline: true})
		}
		if event.Image != "" {
			eventEmbed.Image = &embedImage{URL: event.Image}
		}
		embeds = append(embeds, eventEmbed)
	}

	return messageRequest{Embeds: embeds}
}

type channelResponse struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// ChannelName resolves a channel id to its human-readable name.
func (c *Client) ChannelName(ctx context.Context, channelID string) (string, error) {
	var channel channelResponse
	if err := c.doJSON(ctx, http.MethodGet, fmt.Sprintf("/channels/%s", url.PathEscape(channelID)), nil, &channel); err != nil {
		return "", fmt.Errorf("resolve channel %s: %w", channelID, err)
	}
	return channel.Name, nil
}

func (c *Client) doJSON(ctx context.Context, method, requestPath string, body, out any) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bot "+c.token)
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries {
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return err
		}
		payload, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payload) == 0 {
				return nil
			}
			return json.Unmarshal(payload, out)
		}

		if (resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500) && attempt < c.maxRetries {
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}

		var errPayload struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(payload, &errPayload)
		return &HTTPError{
			StatusCode: resp.StatusCode,
			Code:       errPayload.Code,
			Message:    errPayload.Message,
		}
	}
}

func (c *Client) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	maxDelay := c.maxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		if retryAfter > maxDelay {
			return maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	if delay > maxDelay {
		return maxDelay
	}
	return delay
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	// Discord sends fractional seconds.
	if seconds, err := strconv.ParseFloat(header, 64); err == nil && seconds > 0 {
		return time.Duration(seconds * float64(time.Second))
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit-1]) + "…"
}
