package client

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

	apperrors "github.com/louisbranch/marketchat/internal/platform/errors"
	"github.com/louisbranch/marketchat/internal/services/chat/wire"
)

const maxResponseBytes = 4 << 20

var _ Directory = (*APIClient)(nil)

// APIClient calls the chat HTTP API with a bearer token.
type APIClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewAPIClient returns a client for baseURL. A nil httpClient uses
// http.DefaultClient.
func NewAPIClient(baseURL string, token string, httpClient *http.Client) *APIClient {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &APIClient{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		token:      token,
		httpClient: httpClient,
	}
}

// ResolveRoom opens or reuses the conversation about listingID.
func (c *APIClient) ResolveRoom(ctx context.Context, listingID string) (wire.ResolveRoomResponse, error) {
	var out wire.ResolveRoomResponse
	err := c.do(ctx, http.MethodPost, "/api/rooms", nil, wire.ResolveRoomRequest{ListingID: listingID}, &out)
	return out, err
}

// ListRooms returns one page of the caller's active rooms.
func (c *APIClient) ListRooms(ctx context.Context, page int, limit int) ([]wire.Room, error) {
	var out wire.RoomListResponse
	if err := c.do(ctx, http.MethodGet, "/api/rooms", pageQuery(page, limit), nil, &out); err != nil {
		return nil, err
	}
	return out.Rooms, nil
}

// GetRoom returns one hydrated room.
func (c *APIClient) GetRoom(ctx context.Context, roomID string) (wire.Room, error) {
	var out wire.RoomEnvelope
	if err := c.do(ctx, http.MethodGet, "/api/rooms/"+url.PathEscape(roomID), nil, nil, &out); err != nil {
		return wire.Room{}, err
	}
	return out.Room, nil
}

// ListMessages returns one offset page of messages, newest-first.
func (c *APIClient) ListMessages(ctx context.Context, roomID string, page int, limit int) (wire.MessagePageResponse, error) {
	var out wire.MessagePageResponse
	err := c.do(ctx, http.MethodGet, "/api/rooms/"+url.PathEscape(roomID)+"/messages", pageQuery(page, limit), nil, &out)
	return out, err
}

// HistoryBefore returns up to limit messages older than beforeSeq,
// newest-first.
func (c *APIClient) HistoryBefore(ctx context.Context, roomID string, beforeSeq int64, limit int) (wire.MessagePageResponse, error) {
	query := url.Values{}
	query.Set("before_seq", strconv.FormatInt(beforeSeq, 10))
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	var out wire.MessagePageResponse
	err := c.do(ctx, http.MethodGet, "/api/rooms/"+url.PathEscape(roomID)+"/messages", query, nil, &out)
	return out, err
}

// MarkRead marks roomID read and returns how many receipts were written.
func (c *APIClient) MarkRead(ctx context.Context, roomID string) (int, error) {
	var out wire.StatusResponse
	if err := c.do(ctx, http.MethodPost, "/api/rooms/"+url.PathEscape(roomID)+"/read", nil, nil, &out); err != nil {
		return 0, err
	}
	return out.Count, nil
}

// Leave leaves roomID.
func (c *APIClient) Leave(ctx context.Context, roomID string) error {
	var out wire.StatusResponse
	return c.do(ctx, http.MethodPost, "/api/rooms/"+url.PathEscape(roomID)+"/leave", nil, nil, &out)
}

func (c *APIClient) do(ctx context.Context, method string, path string, query url.Values, body any, out any) error {
	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		var envelope wire.HTTPErrorResponse
		if err := json.Unmarshal(data, &envelope); err != nil || envelope.Error.Code == "" {
			return apperrors.New(apperrors.CodeInternal, fmt.Sprintf("%s %s: status %d", method, path, resp.StatusCode))
		}
		return apperrors.New(apperrors.Code(envelope.Error.Code), envelope.Error.Message)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func pageQuery(page int, limit int) url.Values {
	query := url.Values{}
	if page > 0 {
		query.Set("page", strconv.Itoa(page))
	}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	return query
}
