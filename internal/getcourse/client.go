package getcourse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrUnavailable wraps any transport or response failure. Callers must treat
// it as "answer unknown", never as "not a member".
var ErrUnavailable = errors.New("getcourse unavailable")

// Export column names as GetCourse labels them.
const (
	fieldEmail   = "Email"
	fieldGroupID = "id групп пользователя"
)

// Paths into the export API's response envelope.
const (
	pathExportID = "info.export_id"
	pathFields   = "info.fields"
	pathItems    = "info.items"
)

// Client talks to the GetCourse export API. Exports are asynchronous: the
// first call returns an export id, the result is fetched after a platform
// processing delay (long for group exports, short for single-user ones).
type Client struct {
	key     string
	baseURL string
	httpc   *http.Client

	waitGroups time.Duration
	waitUsers  time.Duration
	maxRetries int
	retryDelay time.Duration

	// sleep is swappable so tests don't wait out export delays.
	sleep func(ctx context.Context, d time.Duration) error
}

func New(key, baseURL string) *Client {
	return &Client{
		key:        key,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpc:      &http.Client{Timeout: 30 * time.Second},
		waitGroups: 60 * time.Second,
		waitUsers:  10 * time.Second,
		maxRetries: 3,
		retryDelay: 5 * time.Second,
		sleep:      sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (c *Client) getJSON(ctx context.Context, path string) (map[string]any, error) {
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			if err := c.sleep(ctx, c.retryDelay); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
			}
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		resp, err := c.httpc.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable {
			resp.Body.Close()
			lastErr = fmt.Errorf("status %s", resp.Status)
			continue
		}
		if resp.StatusCode >= 300 {
			resp.Body.Close()
			return nil, fmt.Errorf("%w: status %s", ErrUnavailable, resp.Status)
		}
		var data map[string]any
		err = json.NewDecoder(resp.Body).Decode(&data)
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("%w: decode: %v", ErrUnavailable, err)
		}
		return data, nil
	}
	return nil, fmt.Errorf("%w: %v", ErrUnavailable, lastErr)
}

// extract walks a dotted key path through nested JSON objects.
func extract(path string, data map[string]any) (any, error) {
	keys := strings.Split(path, ".")
	var cur any = data
	for _, k := range keys {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: %q is not an object at %q", ErrUnavailable, path, k)
		}
		cur, ok = m[k]
		if !ok {
			return nil, fmt.Errorf("%w: key %q missing at path %q", ErrUnavailable, k, path)
		}
	}
	return cur, nil
}

// exportData starts from a response that carries an export id, waits out the
// processing delay, then fetches and unpacks the export table.
func (c *Client) exportData(ctx context.Context, first map[string]any, wait time.Duration) (fields []string, items [][]any, err error) {
	rawID, err := extract(pathExportID, first)
	if err != nil {
		return nil, nil, err
	}
	exportID := fmt.Sprint(rawID)

	if err := c.sleep(ctx, wait); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	data, err := c.getJSON(ctx, "/exports/"+url.PathEscape(exportID)+"?key="+url.QueryEscape(c.key))
	if err != nil {
		return nil, nil, err
	}

	rawFields, err := extract(pathFields, data)
	if err != nil {
		return nil, nil, err
	}
	fieldList, ok := rawFields.([]any)
	if !ok {
		return nil, nil, fmt.Errorf("%w: export fields is not an array", ErrUnavailable)
	}
	for _, f := range fieldList {
		fields = append(fields, fmt.Sprint(f))
	}
	rawItems, err := extract(pathItems, data)
	if err != nil {
		return nil, nil, err
	}
	itemList, ok := rawItems.([]any)
	if !ok {
		return nil, nil, fmt.Errorf("%w: export items is not an array", ErrUnavailable)
	}
	for _, it := range itemList {
		row, ok := it.([]any)
		if !ok {
			return nil, nil, fmt.Errorf("%w: export row is not an array", ErrUnavailable)
		}
		items = append(items, row)
	}
	return fields, items, nil
}

func columnIndex(fields []string, name string) (int, error) {
	for i, f := range fields {
		if f == name {
			return i, nil
		}
	}
	return 0, fmt.Errorf("%w: field %q not in export", ErrUnavailable, name)
}

// MemberEmails returns the normalized email of every current member of a
// GetCourse group. One call per group per sweep pass.
func (c *Client) MemberEmails(ctx context.Context, groupID string) ([]string, error) {
	first, err := c.getJSON(ctx, "/groups/"+url.PathEscape(groupID)+"/users?key="+url.QueryEscape(c.key))
	if err != nil {
		return nil, err
	}
	fields, items, err := c.exportData(ctx, first, c.waitGroups)
	if err != nil {
		return nil, err
	}
	idx, err := columnIndex(fields, fieldEmail)
	if err != nil {
		return nil, err
	}
	var emails []string
	for _, row := range items {
		if len(row) <= idx || row[idx] == nil {
			continue
		}
		e := strings.ToLower(strings.TrimSpace(fmt.Sprint(row[idx])))
		if e != "" {
			emails = append(emails, e)
		}
	}
	return emails, nil
}

// GroupIDs returns the GetCourse group ids a user belongs to, or an empty
// slice when the platform doesn't know the email.
func (c *Client) GroupIDs(ctx context.Context, email string) ([]string, error) {
	first, err := c.getJSON(ctx, "/users?key="+url.QueryEscape(c.key)+"&email="+url.QueryEscape(email)+"&idgrouplist=id")
	if err != nil {
		return nil, err
	}
	fields, items, err := c.exportData(ctx, first, c.waitUsers)
	if err != nil {
		return nil, err
	}
	idx, err := columnIndex(fields, fieldGroupID)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 || len(items[0]) <= idx || items[0][idx] == nil {
		return nil, nil
	}
	var ids []string
	switch v := items[0][idx].(type) {
	case []any:
		for _, id := range v {
			ids = append(ids, fmt.Sprint(id))
		}
	default:
		ids = append(ids, fmt.Sprint(v))
	}
	return ids, nil
}

// IsMember reports whether the email holds any of the given GetCourse group
// ids. The per-email export is used here because it completes in seconds;
// whole-group exports are reserved for the daily sweep.
func (c *Client) IsMember(ctx context.Context, gcGroupIDs []string, email string) (bool, error) {
	ids, err := c.GroupIDs(ctx, email)
	if err != nil {
		return false, err
	}
	have := make(map[string]bool, len(ids))
	for _, id := range ids {
		have[id] = true
	}
	for _, want := range gcGroupIDs {
		if have[want] {
			return true, nil
		}
	}
	return false, nil
}
