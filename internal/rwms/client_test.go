package rwms

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"usernotify/internal/config"
	"usernotify/internal/model"
)

const testSecret = "test-secret"

func newTestClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client := NewClient(config.RWMSConfig{
		BaseURL:     server.URL,
		TokenSecret: testSecret,
	}, zap.NewNop())
	return client, server
}

func TestFetchAllUsersPaginates(t *testing.T) {
	t.Parallel()

	all := make([]model.DirectoryUser, 5)
	for i := range all {
		all[i] = model.DirectoryUser{Username: strconv.Itoa(100 + i)}
	}

	var offsets []int
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/users", r.URL.Path)

		offset, err := strconv.Atoi(r.URL.Query().Get("offset"))
		require.NoError(t, err)
		count, err := strconv.Atoi(r.URL.Query().Get("count"))
		require.NoError(t, err)
		offsets = append(offsets, offset)

		end := offset + count
		if end > len(all) {
			end = len(all)
		}
		var users []model.DirectoryUser
		if offset < len(all) {
			users = all[offset:end]
		}
		json.NewEncoder(w).Encode(map[string]any{
			"users": users,
			"total": len(all),
		})
	}))
	client.pageSize = 2

	users, err := client.FetchAllUsers(context.Background())
	require.NoError(t, err)

	require.Len(t, users, 5)
	assert.Equal(t, []int{0, 2, 4}, offsets)
	assert.Equal(t, "104", users[4].Username)
}

func TestFetchAllUsersStopsOnShrunkenTotal(t *testing.T) {
	t.Parallel()

	calls := 0
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		var users []model.DirectoryUser
		if calls == 1 {
			users = []model.DirectoryUser{{Username: "100"}}
		}
		// Total promises more users than later pages deliver.
		json.NewEncoder(w).Encode(map[string]any{
			"users": users,
			"total": 10,
		})
	}))
	client.pageSize = 1

	users, err := client.FetchAllUsers(context.Background())
	require.NoError(t, err)
	assert.Len(t, users, 1)
	assert.Equal(t, 2, calls)
}

func TestFetchAllUsersServerError(t *testing.T) {
	t.Parallel()

	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))

	users, err := client.FetchAllUsers(context.Background())
	require.Error(t, err)
	assert.Nil(t, users)
}

func TestRequestsCarrySignedServiceToken(t *testing.T) {
	t.Parallel()

	var authHeader string
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader = r.Header.Get("Authorization")
		json.NewEncoder(w).Encode(map[string]any{"users": nil, "total": 0})
	}))

	_, err := client.FetchAllUsers(context.Background())
	require.NoError(t, err)

	require.True(t, strings.HasPrefix(authHeader, "Bearer "))
	raw := strings.TrimPrefix(authHeader, "Bearer ")

	token, err := jwt.Parse(raw, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return []byte(testSecret), nil
	})
	require.NoError(t, err)
	require.True(t, token.Valid)

	claims, ok := token.Claims.(jwt.MapClaims)
	require.True(t, ok)
	assert.Equal(t, "user-notify", claims["service"])
}

func TestGetUserByUsernameNotFound(t *testing.T) {
	t.Parallel()

	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))

	user, err := client.GetUserByUsername(context.Background(), "100")
	require.NoError(t, err)
	assert.Nil(t, user)
}

func TestGetUserByUsernameFound(t *testing.T) {
	t.Parallel()

	expire := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/users/by-username/100", r.URL.Path)
		json.NewEncoder(w).Encode(model.DirectoryUser{
			UUID:     "uuid-100",
			Username: "100",
			ExpireAt: &expire,
		})
	}))

	user, err := client.GetUserByUsername(context.Background(), "100")
	require.NoError(t, err)
	require.NotNil(t, user)
	assert.Equal(t, "uuid-100", user.UUID)
	require.NotNil(t, user.ExpireAt)
	assert.True(t, user.ExpireAt.Equal(expire))
}

func TestUpdateUserSendsPatch(t *testing.T) {
	t.Parallel()

	var (
		method string
		path   string
		body   model.UpdateUserRequest
	)
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method = r.Method
		path = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.WriteHeader(http.StatusOK)
	}))

	req := model.UpdateUserRequest{
		UUID:                 "uuid-100",
		ExpireAt:             time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC),
		Status:               model.UserStatusActive,
		TrafficLimitStrategy: model.TrafficLimitStrategyNoReset,
		ActiveInternalSquads: []string{"squad-1"},
	}
	require.NoError(t, client.UpdateUser(context.Background(), req))

	assert.Equal(t, http.MethodPatch, method)
	assert.Equal(t, "/api/users/uuid-100", path)
	assert.Equal(t, req.UUID, body.UUID)
	assert.Equal(t, req.Status, body.Status)
	assert.True(t, body.ExpireAt.Equal(req.ExpireAt))
}

func TestUpdateUserUnexpectedStatus(t *testing.T) {
	t.Parallel()

	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))

	err := client.UpdateUser(context.Background(), model.UpdateUserRequest{UUID: "uuid-100"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected status 400")
}
