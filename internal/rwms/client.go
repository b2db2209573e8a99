package rwms

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"usernotify/internal/config"
	"usernotify/internal/model"
	"usernotify/pkg/metrics"
)

const (
	defaultPageSize = 1000
	serviceName     = "user-notify"
	tokenTTL        = 5 * time.Minute
)

// Client talks to the remote provisioning service over HTTP. Every request
// carries a short-lived HS256 service token.
type Client struct {
	baseURL     string
	tokenSecret string
	pageSize    int
	httpClient  *http.Client
	logger      *zap.Logger
}

func NewClient(cfg config.RWMSConfig, logger *zap.Logger) *Client {
	return &Client{
		baseURL:     cfg.BaseURL,
		tokenSecret: cfg.TokenSecret,
		pageSize:    defaultPageSize,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		logger: logger,
	}
}

type usersPage struct {
	Users []model.DirectoryUser `json:"users"`
	Total int                   `json:"total"`
}

// FetchAllUsers pages through the full active-account population. Any page
// error yields an empty slice, never a partial result: callers must treat
// empty as "unknown, try again", not "truly zero".
func (c *Client) FetchAllUsers(ctx context.Context) ([]model.DirectoryUser, error) {
	offset := 0

	page, err := c.fetchUsersPage(ctx, offset, c.pageSize)
	if err != nil {
		return nil, err
	}

	result := make([]model.DirectoryUser, 0, page.Total)
	result = append(result, page.Users...)

	for len(result) < page.Total {
		offset += c.pageSize
		page, err = c.fetchUsersPage(ctx, offset, c.pageSize)
		if err != nil {
			return nil, err
		}
		if len(page.Users) == 0 {
			// The reported total shrank mid-iteration; stop instead of spinning.
			break
		}
		result = append(result, page.Users...)
	}

	c.logger.Debug("Fetched user directory",
		zap.Int("users", len(result)),
		zap.Int("reported_total", page.Total),
	)
	return result, nil
}

func (c *Client) fetchUsersPage(ctx context.Context, offset, count int) (*usersPage, error) {
	query := url.Values{}
	query.Set("offset", strconv.Itoa(offset))
	query.Set("count", strconv.Itoa(count))

	var page usersPage
	if err := c.doJSON(ctx, http.MethodGet, "/api/users?"+query.Encode(), "users", nil, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// GetUserByUsername returns nil without error when the account is unknown
// to the provisioning service.
func (c *Client) GetUserByUsername(ctx context.Context, username string) (*model.DirectoryUser, error) {
	path := "/api/users/by-username/" + url.PathEscape(username)

	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		metrics.RecordRWMSRequest("user_by_username", "error", time.Since(start))
		return nil, fmt.Errorf("rwms get user by username: %w", err)
	}
	defer resp.Body.Close()
	metrics.RecordRWMSRequest("user_by_username", strconv.Itoa(resp.StatusCode), time.Since(start))

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("rwms get user by username: unexpected status %d", resp.StatusCode)
	}

	var user model.DirectoryUser
	if err := json.NewDecoder(resp.Body).Decode(&user); err != nil {
		return nil, fmt.Errorf("rwms decode user: %w", err)
	}
	return &user, nil
}

// UpdateUser pushes a recomputed subscription state.
func (c *Client) UpdateUser(ctx context.Context, req model.UpdateUserRequest) error {
	return c.doJSON(ctx, http.MethodPatch, "/api/users/"+url.PathEscape(req.UUID), "update_user", req, nil)
}

func (c *Client) doJSON(ctx context.Context, method, path, endpoint string, body, out any) error {
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := c.newRequest(ctx, method, path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		metrics.RecordRWMSRequest(endpoint, "error", time.Since(start))
		return fmt.Errorf("rwms %s: %w", endpoint, err)
	}
	defer resp.Body.Close()
	metrics.RecordRWMSRequest(endpoint, strconv.Itoa(resp.StatusCode), time.Since(start))

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("rwms %s: unexpected status %d", endpoint, resp.StatusCode)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("rwms %s: decode response: %w", endpoint, err)
		}
	}
	return nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body *bytes.Reader) (*http.Request, error) {
	var req *http.Request
	var err error
	if body != nil {
		req, err = http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	} else {
		req, err = http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	}
	if err != nil {
		return nil, err
	}

	token, err := c.serviceToken()
	if err != nil {
		return nil, fmt.Errorf("sign service token: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return req, nil
}

func (c *Client) serviceToken() (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"service": serviceName,
		"iat":     now.Unix(),
		"exp":     now.Add(tokenTTL).Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(c.tokenSecret))
}
