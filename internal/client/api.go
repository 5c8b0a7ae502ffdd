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
	"time"

	"github.com/pixalio/dm-service/internal/domain"
)

const headerNextCursor = "X-Next-Cursor"

// HTTPError: не-2xx ответ REST API.
type HTTPError struct {
	Status  int
	Message string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, e.Message)
}

type SendRequest struct {
	Text     string `json:"text,omitempty"`
	MediaURL string `json:"mediaUrl,omitempty"`
	PostID   string `json:"postId,omitempty"`
	ClientID string `json:"clientId,omitempty"`
}

// API: REST-клиент /api/messages.
type API struct {
	base  string
	token string
	http  *http.Client
}

func NewAPI(baseURL, token string, hc *http.Client) *API {
	if hc == nil {
		hc = &http.Client{Timeout: 15 * time.Second}
	}
	return &API{base: strings.TrimRight(baseURL, "/"), token: token, http: hc}
}

func (a *API) Conversations(ctx context.Context) ([]domain.Conversation, error) {
	var out []domain.Conversation
	if _, err := a.do(ctx, http.MethodGet, "/api/messages/conversations", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Thread: самая свежая страница треда (размер по умолчанию на сервере).
func (a *API) Thread(ctx context.Context, other string) ([]domain.Message, error) {
	msgs, _, err := a.ThreadPage(ctx, other, "", 0)
	return msgs, err
}

// ThreadPage: страница старше before; next пуст, если дальше ничего нет.
func (a *API) ThreadPage(ctx context.Context, other, before string, limit int) ([]domain.Message, string, error) {
	q := url.Values{}
	if before != "" {
		q.Set("before", before)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/api/messages/" + url.PathEscape(other)
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var out []domain.Message
	h, err := a.do(ctx, http.MethodGet, path, nil, &out)
	if err != nil {
		return nil, "", err
	}
	return out, h.Get(headerNextCursor), nil
}

func (a *API) Send(ctx context.Context, other string, req SendRequest) (*domain.Message, error) {
	var m domain.Message
	if _, err := a.do(ctx, http.MethodPost, "/api/messages/"+url.PathEscape(other), req, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

func (a *API) MarkRead(ctx context.Context, other string) (int64, error) {
	var resp struct {
		Modified int64 `json:"modified"`
	}
	if _, err := a.do(ctx, http.MethodPost, "/api/messages/"+url.PathEscape(other)+"/read", nil, &resp); err != nil {
		return 0, err
	}
	return resp.Modified, nil
}

func (a *API) do(ctx context.Context, method, path string, body, dst any) (http.Header, error) {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, a.base+path, rd)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+a.token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := a.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		var e struct {
			Error string `json:"error"`
		}
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		if json.Unmarshal(data, &e) != nil || e.Error == "" {
			e.Error = strings.TrimSpace(string(data))
		}
		return nil, &HTTPError{Status: resp.StatusCode, Message: e.Error}
	}
	if dst != nil {
		if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
			return nil, fmt.Errorf("decode %s %s: %w", method, path, err)
		}
	}
	return resp.Header, nil
}
