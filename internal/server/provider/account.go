package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/dmitrijs2005/expanse/internal/common"
	"github.com/dmitrijs2005/expanse/internal/server/models"
)

const (
	pageLimit = 100
	// the provider stops paginating listings after this many entries
	listingCap = 1000
)

var (
	errMissingRefreshToken = errors.New("missing refresh token")
	errUnknownCategory     = errors.New("unknown category")
)

func upstreamError(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", common.ErrUpstreamFailure, op, err)
}

// categoryPath maps an item category to its user listing.
var categoryPath = map[string]string{
	common.CategorySaved:     "saved",
	common.CategoryCreated:   "overview",
	common.CategoryUpvoted:   "upvoted",
	common.CategoryDownvoted: "downvoted",
	common.CategoryHidden:    "hidden",
}

// RedditAccount implements Account with an auto-refreshing OAuth2 client.
type RedditAccount struct {
	client     *http.Client
	apiBaseURL string
	webBaseURL string
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

type listing struct {
	Data struct {
		After    string `json:"after"`
		Children []struct {
			Kind string    `json:"kind"`
			Data thingData `json:"data"`
		} `json:"children"`
	} `json:"data"`
}

type thingData struct {
	Name       string  `json:"name"`
	Title      string  `json:"title"`
	Body       string  `json:"body"`
	Author     string  `json:"author"`
	Subreddit  string  `json:"subreddit"`
	Permalink  string  `json:"permalink"`
	CreatedUTC float64 `json:"created_utc"`
}

func (a *RedditAccount) toItem(kind string, d thingData) (*models.Item, bool) {
	item := &models.Item{
		ID:           d.Name,
		Author:       d.Author,
		Sub:          d.Subreddit,
		CreatedEpoch: int64(d.CreatedUTC),
	}
	if d.Permalink != "" {
		item.URL = a.webBaseURL + d.Permalink
	}
	switch kind {
	case "t3":
		item.Type = common.TypePost
		item.Content = d.Title
	case "t1":
		item.Type = common.TypeComment
		item.Content = d.Body
	default:
		return nil, false
	}
	return item, true
}

func (a *RedditAccount) me(ctx context.Context) (string, error) {
	var resp struct {
		Name string `json:"name"`
	}
	if err := a.do(ctx, http.MethodGet, "/api/v1/me", nil, &resp); err != nil {
		return "", err
	}
	if resp.Name == "" {
		return "", upstreamError("me", errors.New("empty account name"))
	}
	return resp.Name, nil
}

// FetchCategory walks the whole listing of category for username.
func (a *RedditAccount) FetchCategory(ctx context.Context, username, category string) ([]*models.Item, error) {
	path, ok := categoryPath[category]
	if !ok {
		return nil, fmt.Errorf("%w: %s", errUnknownCategory, category)
	}

	result := []*models.Item{}
	after := ""
	for len(result) < listingCap {
		q := url.Values{}
		q.Set("limit", strconv.Itoa(pageLimit))
		q.Set("raw_json", "1")
		if after != "" {
			q.Set("after", after)
		}

		var page listing
		p := fmt.Sprintf("/user/%s/%s?%s", url.PathEscape(username), path, q.Encode())
		if err := a.do(ctx, http.MethodGet, p, nil, &page); err != nil {
			return nil, err
		}
		for _, child := range page.Data.Children {
			if item, ok := a.toItem(child.Kind, child.Data); ok {
				item.Username = username
				item.Category = category
				result = append(result, item)
			}
		}
		if page.Data.After == "" || len(page.Data.Children) == 0 {
			break
		}
		after = page.Data.After
	}
	return result, nil
}

// FetchComment returns the current body of a comment.
func (a *RedditAccount) FetchComment(ctx context.Context, id string) (string, error) {
	items, err := a.FetchInfo(ctx, []string{common.Fullname(id, common.TypeComment)})
	if err != nil {
		return "", err
	}
	if len(items) == 0 {
		return "", common.ErrorNotFound
	}
	return items[0].Content, nil
}

// FetchInfo looks up items by fullname in batches of pageLimit.
func (a *RedditAccount) FetchInfo(ctx context.Context, fullnames []string) ([]*models.Item, error) {
	result := []*models.Item{}
	for start := 0; start < len(fullnames); start += pageLimit {
		end := min(start+pageLimit, len(fullnames))

		q := url.Values{}
		q.Set("id", strings.Join(fullnames[start:end], ","))
		q.Set("raw_json", "1")

		var page listing
		if err := a.do(ctx, http.MethodGet, "/api/info?"+q.Encode(), nil, &page); err != nil {
			return nil, err
		}
		for _, child := range page.Data.Children {
			if item, ok := a.toItem(child.Kind, child.Data); ok {
				result = append(result, item)
			}
		}
	}
	return result, nil
}

// DeleteItem undoes the upstream action that placed the item in category.
func (a *RedditAccount) DeleteItem(ctx context.Context, id, category, itemType string) error {
	form := url.Values{}
	form.Set("id", common.Fullname(id, itemType))

	var path string
	switch category {
	case common.CategorySaved:
		path = "/api/unsave"
	case common.CategoryCreated:
		path = "/api/del"
	case common.CategoryUpvoted, common.CategoryDownvoted:
		path = "/api/vote"
		form.Set("dir", "0")
	case common.CategoryHidden:
		path = "/api/unhide"
	default:
		return fmt.Errorf("%w: %s", errUnknownCategory, category)
	}
	return a.do(ctx, http.MethodPost, path, form, nil)
}

func (a *RedditAccount) do(ctx context.Context, method, path string, form url.Values, out any) error {
	for attempt := 0; ; attempt++ {
		var body io.Reader
		if form != nil {
			body = strings.NewReader(form.Encode())
		}
		req, err := http.NewRequestWithContext(ctx, method, a.apiBaseURL+path, body)
		if err != nil {
			return err
		}
		if form != nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}

		resp, err := a.client.Do(req)
		if err != nil {
			if ctx.Err() == nil && attempt < a.maxRetries {
				if waitErr := sleepContext(ctx, a.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return upstreamError(path, err)
		}

		respBody, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return upstreamError(path, readErr)
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(respBody) == 0 {
				return nil
			}
			if err := json.Unmarshal(respBody, out); err != nil {
				return upstreamError(path, err)
			}
			return nil
		}

		if (resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500) && attempt < a.maxRetries {
			if waitErr := sleepContext(ctx, a.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}

		return upstreamError(path, fmt.Errorf("status=%d message=%s", resp.StatusCode, strings.TrimSpace(string(respBody))))
	}
}

func (a *RedditAccount) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	if retryAfter := parseRetryAfterSeconds(retryAfterHeader); retryAfter > 0 {
		return min(retryAfter, a.maxDelay)
	}
	delay := a.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= a.maxDelay {
			return a.maxDelay
		}
	}
	return min(delay, a.maxDelay)
}

func parseRetryAfterSeconds(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	seconds, err := strconv.Atoi(header)
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

func sleepContext(ctx context.Context, delay time.Duration) error {
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
