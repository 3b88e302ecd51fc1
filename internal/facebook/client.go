// Package facebook talks to the Graph API: it is both the content source
// (page feeds, event details) and the OAuth code-exchange side of the
// authorization handshake.
package facebook

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	// APIVersion pins the Graph API version for every call.
	APIVersion = "v20.0"

	defaultBaseURL = "https://graph.facebook.com"
)

// HTTPError is a non-2xx Graph API response after retries are exhausted.
type HTTPError struct {
	StatusCode int
	Code       int
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("graph api %d (code %d): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("graph api %d", e.StatusCode)
}

// FetchError wraps any upstream content-retrieval failure so the pipeline
// can isolate it per page or per item.
type FetchError struct {
	Subject string
	Err     error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s: %v", e.Subject, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

type Client struct {
	baseURL    string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func NewClient(httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{
		baseURL:    defaultBaseURL,
		httpClient: httpClient,
		maxRetries: 3,
		baseDelay:  100 * time.Millisecond,
		maxDelay:   2 * time.Second,
	}
}

// feed wire format

type feedResponse struct {
	Data []feedPost `json:"data"`
}

type feedPost struct {
	ID           string          `json:"id"`
	CreatedTime  string          `json:"created_time"`
	Message      string          `json:"message"`
	From         *feedAuthor     `json:"from"`
	PermalinkURL string          `json:"permalink_url"`
	ParentID     string          `json:"parent_id"`
	Attachments  *attachmentList `json:"attachments"`
}

type feedAuthor struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type attachmentList struct {
	Data []attachment `json:"data"`
}

type attachment struct {
	Type           string            `json:"type"`
	URL            string            `json:"url"`
	Media          *attachmentMedia  `json:"media"`
	Target         *attachmentTarget `json:"target"`
	Subattachments *attachmentList   `json:"subattachments"`
}

type attachmentMedia struct {
	Image *attachmentImage `json:"image"`
}

type attachmentImage struct {
	Src string `json:"src"`
}

type attachmentTarget struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// FetchRecentPosts loads the recent feed of a page using its page access
// token.
func (c *Client) FetchRecentPosts(ctx context.Context, pageID, accessToken string) ([]Post, error) {
	q := url.Values{}
	q.Set("fields", "id,created_time,message,from,permalink_url,parent_id,attachments{type,url,media,target,subattachments}")
	q.Set("access_token", accessToken)

	var feed feedResponse
	if err := c.getJSON(ctx, fmt.Sprintf("/%s/%s/feed", APIVersion, url.PathEscape(pageID)), q, &feed); err != nil {
		return nil, &FetchError{Subject: "posts for page " + pageID, Err: err}
	}

	posts := make([]Post, 0, len(feed.Data))
	for _, raw := range feed.Data {
		post, err := mapFeedPost(raw, pageID)
		if err != nil {
			return nil, &FetchError{Subject: "posts for page " + pageID, Err: err}
		}
		posts = append(posts, post)
	}
	return posts, nil
}

func mapFeedPost(raw feedPost, pageID string) (Post, error) {
	publishedAt, err := parseGraphTime(raw.CreatedTime)
	if err != nil {
		return Post{}, fmt.Errorf("post %s: bad created_time %q: %w", raw.ID, raw.CreatedTime, err)
	}
	post := Post{
		ID:          raw.ID,
		PageID:      pageID,
		PublishedAt: publishedAt,
		Description: raw.Message,
	}
	if raw.From != nil {
		post.Author = raw.From.Name
	}
	if raw.PermalinkURL != "" {
		post.Links = append(post.Links, raw.PermalinkURL)
	}
	// A shared post carries the original as parent_id; keep the back-link.
	if raw.ParentID != "" && raw.ParentID != raw.ID {
		post.References = &Post{ID: raw.ParentID, PageID: pageID}
	}
	if raw.Attachments != nil {
		collectAttachments(&post, raw.Attachments.Data)
	}
	return post, nil
}

func collectAttachments(post *Post, attachments []attachment) {
	for _, att := range attachments {
		if att.Media != nil && att.Media.Image != nil && att.Media.Image.Src != "" {
			post.Images = append(post.Images, att.Media.Image.Src)
		}
		if att.Type == "event" && att.Target != nil && att.Target.ID != "" && post.EventID == "" {
			post.EventID = att.Target.ID
		}
		if att.URL != "" && !isRedirectLink(att.URL) {
			post.Links = append(post.Links, att.URL)
		}
		if att.Subattachments != nil {
			collectAttachments(post, att.Subattachments.Data)
		}
	}
}

func isRedirectLink(link string) bool {
	return strings.HasPrefix(link, "https://l.facebook.com") ||
		strings.HasPrefix(link, "https://lm.facebook.com")
}

// event wire format

type eventResponse struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	Description string      `json:"description"`
	StartTime   string      `json:"start_time"`
	Place       *eventPlace `json:"place"`
	Cover       *eventCover `json:"cover"`
}

type eventPlace struct {
	Name string `json:"name"`
}

type eventCover struct {
	Source string `json:"source"`
}

// FetchEventDetail loads one event using the same page access token that
// produced the referencing post.
func (c *Client) FetchEventDetail(ctx context.Context, eventID, accessToken string) (Event, error) {
	q := url.Values{}
	q.Set("fields", "id,name,description,start_time,place,cover")
	q.Set("access_token", accessToken)

	var raw eventResponse
	if err := c.getJSON(ctx, fmt.Sprintf("/%s/%s", APIVersion, url.PathEscape(eventID)), q, &raw); err != nil {
		return Event{}, &FetchError{Subject: "event " + eventID, Err: err}
	}

	event := Event{
		ID:          raw.ID,
		Title:       raw.Name,
		Description: raw.Description,
	}
	if raw.StartTime != "" {
		startsAt, err := parseGraphTime(raw.StartTime)
		if err != nil {
			return Event{}, &FetchError{Subject: "event " + eventID, Err: fmt.Errorf("bad start_time %q: %w", raw.StartTime, err)}
		}
		event.StartsAt = startsAt
	}
	if raw.Place != nil {
		event.Location = raw.Place.Name
	}
	if raw.Cover != nil {
		event.Image = raw.Cover.Source
	}
	return event, nil
}

func (c *Client) getJSON(ctx context.Context, requestPath string, query url.Values, out any) error {
	target := c.baseURL + requestPath
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	for attempt := 0; ; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return err
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
			Error struct {
				Message string `json:"message"`
				Code    int    `json:"code"`
			} `json:"error"`
		}
		_ = json.Unmarshal(payload, &errPayload)
		return &HTTPError{
			StatusCode: resp.StatusCode,
			Code:       errPayload.Error.Code,
			Message:    errPayload.Error.Message,
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
	if seconds, err := strconv.Atoi(header); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
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
