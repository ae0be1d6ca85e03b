package restapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/tmorrell/go-chatfeed/internal/auth"
	"github.com/tmorrell/go-chatfeed/internal/types"
)

const defaultTimeout = 30 * time.Second

// Client consumes the REST API that serves conversation and notification
// snapshots. Responses are treated as opaque request/response pairs; all
// reconciliation happens in the stores.
type Client struct {
	log        *log.Logger
	baseURL    string
	creds      auth.CredentialSource
	httpClient *http.Client
}

func NewClient(logger *log.Logger, baseURL string, creds auth.CredentialSource) *Client {
	return &Client{
		log:     logger,
		baseURL: baseURL,
		creds:   creds,
		httpClient: &http.Client{
			Timeout: defaultTimeout,
		},
	}
}

// ListConversations returns the user's conversations ordered oldest-first,
// as served by the API.
func (c *Client) ListConversations(ctx context.Context) ([]types.Conversation, error) {
	var conversations []types.Conversation
	if err := c.doRequest(ctx, http.MethodGet, "/api/conversations", nil, &conversations); err != nil {
		return nil, err
	}

	return conversations, nil
}

// ListNotifications returns one page of the user's notification feed,
// newest-first.
func (c *Client) ListNotifications(ctx context.Context, page, pageSize int) ([]types.NotificationEvent, error) {
	query := url.Values{}
	query.Set("page", strconv.Itoa(page))
	query.Set("page_size", strconv.Itoa(pageSize))

	var notifications []types.NotificationEvent
	if err := c.doRequest(ctx, http.MethodGet, "/api/notifications", query, &notifications); err != nil {
		return nil, err
	}

	return notifications, nil
}

func (c *Client) MarkConversationRead(ctx context.Context, conversationId string) error {
	path := "/api/conversations/" + url.PathEscape(conversationId) + "/read"
	return c.doRequest(ctx, http.MethodPost, path, nil, nil)
}

func (c *Client) MarkNotificationRead(ctx context.Context, notificationId string) error {
	path := "/api/notifications/" + url.PathEscape(notificationId) + "/read"
	return c.doRequest(ctx, http.MethodPost, path, nil, nil)
}

func (c *Client) MarkAllNotificationsRead(ctx context.Context) error {
	return c.doRequest(ctx, http.MethodPost, "/api/notifications/read-all", nil, nil)
}

func (c *Client) doRequest(ctx context.Context, method, path string, query url.Values, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.creds.Token())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return NewRequestError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return NewStatusError(resp.StatusCode)
	}

	if out == nil {
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}

	return nil
}
