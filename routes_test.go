package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"prismachat/internal/store"
)

func TestHealth(t *testing.T) {
	app := newTestApp(t)
	status, body := app.do(t, http.MethodGet, "/api/health", "", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(body), `"status":"ok"`)
}

func TestAuthFlow(t *testing.T) {
	app := newTestApp(t)
	token := app.register(t, "alice")

	status, _ := app.do(t, http.MethodPost, "/api/auth/register", "", credentials{Username: "alice", Password: "other"})
	assert.Equal(t, http.StatusConflict, status)

	status, _ = app.do(t, http.MethodPost, "/api/auth/register", "", credentials{Username: "al", Password: "secret"})
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = app.do(t, http.MethodPost, "/api/auth/register", "", credentials{Username: "bobby", Password: "abc"})
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = app.do(t, http.MethodPost, "/api/auth/login", "", credentials{Username: "alice", Password: "wrong"})
	assert.Equal(t, http.StatusUnauthorized, status)

	status, _ = app.do(t, http.MethodPost, "/api/auth/login", "", credentials{Username: "nobody", Password: "secret"})
	assert.Equal(t, http.StatusUnauthorized, status)

	status, body := app.do(t, http.MethodPost, "/api/auth/login", "", credentials{Username: " alice ", Password: "secret"})
	require.Equal(t, http.StatusOK, status)
	var login authResponse
	require.NoError(t, json.Unmarshal(body, &login))
	assert.Equal(t, "alice", login.Username)
	assert.NotEmpty(t, login.Token)

	status, body = app.do(t, http.MethodGet, "/api/auth/verify", token, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(body), `"username":"alice"`)

	status, _ = app.do(t, http.MethodGet, "/api/auth/verify", "", nil)
	assert.Equal(t, http.StatusUnauthorized, status)

	status, _ = app.do(t, http.MethodGet, "/api/auth/verify", "not-a-token", nil)
	assert.Equal(t, http.StatusForbidden, status)
}

func TestLegacyAccountCannotLogIn(t *testing.T) {
	app := newTestApp(t)
	_, err := app.store.CreateUser(context.Background(), "oldtimer", "")
	require.NoError(t, err)

	status, _ := app.do(t, http.MethodPost, "/api/auth/login", "", credentials{Username: "oldtimer", Password: "anything"})
	assert.Equal(t, http.StatusUnauthorized, status)
}

func TestMutationsRequireToken(t *testing.T) {
	app := newTestApp(t)
	status, _ := app.do(t, http.MethodPost, "/api/categories", "", categoryRequest{Name: "Ops"})
	assert.Equal(t, http.StatusUnauthorized, status)
	status, _ = app.do(t, http.MethodDelete, fmt.Sprintf("/api/channels/%d", app.channelID(t, "general")), "", nil)
	assert.Equal(t, http.StatusUnauthorized, status)
}

func TestCategoryAndChannelLifecycle(t *testing.T) {
	app := newTestApp(t)
	token := app.register(t, "alice")

	status, body := app.do(t, http.MethodPost, "/api/categories", token, categoryRequest{Name: "Ops"})
	require.Equal(t, http.StatusCreated, status, string(body))
	var cat store.Category
	require.NoError(t, json.Unmarshal(body, &cat))
	assert.Equal(t, "Ops", cat.Name)

	status, _ = app.do(t, http.MethodPost, "/api/categories", token, categoryRequest{Name: "Ops"})
	assert.Equal(t, http.StatusConflict, status)
	status, _ = app.do(t, http.MethodPost, "/api/categories", token, categoryRequest{Name: "  "})
	assert.Equal(t, http.StatusBadRequest, status)

	status, body = app.do(t, http.MethodPost, "/api/channels", token, map[string]any{
		"name": "deploys", "description": "ship it", "categoryId": cat.ID,
	})
	require.Equal(t, http.StatusCreated, status, string(body))
	var ch store.Channel
	require.NoError(t, json.Unmarshal(body, &ch))
	require.NotNil(t, ch.CategoryID)
	assert.Equal(t, cat.ID, *ch.CategoryID)

	status, body = app.do(t, http.MethodPut, fmt.Sprintf("/api/channels/%d", ch.ID), token, map[string]any{
		"name": "releases", "description": "",
	})
	require.Equal(t, http.StatusOK, status, string(body))
	assert.Contains(t, string(body), `"name":"releases"`)

	status, _ = app.do(t, http.MethodPut, fmt.Sprintf("/api/categories/%d", cat.ID), token, categoryRequest{Name: "Operations"})
	assert.Equal(t, http.StatusOK, status)

	status, _ = app.do(t, http.MethodDelete, fmt.Sprintf("/api/categories/%d", cat.ID), token, nil)
	require.Equal(t, http.StatusOK, status)

	got, err := app.store.GetChannel(context.Background(), ch.ID)
	require.NoError(t, err, "channels survive their category")
	assert.Nil(t, got.CategoryID)

	status, body = app.do(t, http.MethodPut, fmt.Sprintf("/api/channels/%d/category", ch.ID), token, map[string]any{
		"categoryId": "9999",
	})
	assert.Equal(t, http.StatusNotFound, status, string(body))

	status, _ = app.do(t, http.MethodDelete, fmt.Sprintf("/api/channels/%d", ch.ID), token, nil)
	assert.Equal(t, http.StatusOK, status)
	status, _ = app.do(t, http.MethodDelete, fmt.Sprintf("/api/channels/%d", ch.ID), token, nil)
	assert.Equal(t, http.StatusNotFound, status)

	status, body = app.do(t, http.MethodGet, "/api/categories", "", nil)
	require.Equal(t, http.StatusOK, status)
	var cats []store.Category
	require.NoError(t, json.Unmarshal(body, &cats))
	require.NotEmpty(t, cats)
	assert.Equal(t, "Text", cats[0].Name)
	assert.Len(t, cats[0].Channels, 3)
}

func TestMessageHistory(t *testing.T) {
	app := newTestApp(t, func(c *Config) { c.HistoryLimit = 10 })
	ctx := context.Background()
	general := app.channelID(t, "general")
	for i := 0; i < 15; i++ {
		_, err := app.store.CreateMessage(ctx, general, "alice", fmt.Sprintf("m%02d", i))
		require.NoError(t, err)
	}

	status, body := app.do(t, http.MethodGet, fmt.Sprintf("/api/messages/%d", general), "", nil)
	require.Equal(t, http.StatusOK, status)
	var msgs []store.Message
	require.NoError(t, json.Unmarshal(body, &msgs))
	require.Len(t, msgs, 10)
	assert.Equal(t, "m05", msgs[0].Content)
	assert.Equal(t, "m14", msgs[9].Content)

	status, body = app.do(t, http.MethodGet, fmt.Sprintf("/api/messages/%d?limit=3", general), "", nil)
	require.Equal(t, http.StatusOK, status)
	require.NoError(t, json.Unmarshal(body, &msgs))
	assert.Len(t, msgs, 3)

	status, _ = app.do(t, http.MethodGet, "/api/messages/9999", "", nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestDeletedChannelHistoryIsGone(t *testing.T) {
	app := newTestApp(t)
	ctx := context.Background()
	token := app.register(t, "alice")
	help := app.channelID(t, "help")
	_, err := app.store.CreateMessage(ctx, help, "alice", "anyone?")
	require.NoError(t, err)

	status, _ := app.do(t, http.MethodDelete, fmt.Sprintf("/api/channels/%d", help), token, nil)
	require.Equal(t, http.StatusOK, status)

	status, _ = app.do(t, http.MethodGet, fmt.Sprintf("/api/messages/%d", help), "", nil)
	assert.Equal(t, http.StatusNotFound, status)
	n, err := app.store.CountMessages(ctx, help)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestProfileImage(t *testing.T) {
	app := newTestApp(t, func(c *Config) { c.ProfileImageMax = 64 })
	alice := app.register(t, "alice")
	bob := app.register(t, "bob1")
	image := "data:image/png;base64,AAAA"

	status, _ := app.do(t, http.MethodPost, "/api/users/alice/profile-image", bob, profileImageRequest{ImageData: image})
	assert.Equal(t, http.StatusForbidden, status)

	status, _ = app.do(t, http.MethodPost, "/api/users/alice/profile-image", alice, profileImageRequest{
		ImageData: "data:image/png;base64," + strings.Repeat("A", 64),
	})
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = app.do(t, http.MethodPost, "/api/users/alice/profile-image", alice, profileImageRequest{})
	assert.Equal(t, http.StatusBadRequest, status)

	status, body := app.do(t, http.MethodPost, "/api/users/alice/profile-image", alice, profileImageRequest{ImageData: image})
	require.Equal(t, http.StatusOK, status, string(body))

	status, body = app.do(t, http.MethodGet, "/api/users/alice", "", nil)
	require.Equal(t, http.StatusOK, status)
	var u store.User
	require.NoError(t, json.Unmarshal(body, &u))
	assert.Equal(t, image, u.ProfileImage)
	assert.NotContains(t, string(body), "password")

	status, _ = app.do(t, http.MethodGet, "/api/users/ghost", "", nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestStaticFallback(t *testing.T) {
	app := newTestApp(t)

	status, body := app.do(t, http.MethodGet, "/channels/general", "", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(body), "prismachat")

	status, _ = app.do(t, http.MethodGet, "/api/does-not-exist", "", nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestMetricsEndpoint(t *testing.T) {
	app := newTestApp(t)
	status, body := app.do(t, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(body), "prismachat_connections")
	assert.Contains(t, string(body), "go_goroutines")
}
