package params

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestStore_SetAndGet(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, &Parameter{Key: "welcome_message", Value: "hello", Description: "greeting"}))

	p, err := store.Get(ctx, "welcome_message")
	require.NoError(t, err)
	assert.Equal(t, "hello", p.Value)
	assert.Equal(t, "greeting", p.Description)
	assert.False(t, p.CreatedAt.IsZero())
}

func TestStore_SetOverwrites(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, &Parameter{Key: "k", Value: "one"}))
	require.NoError(t, store.Set(ctx, &Parameter{Key: "k", Value: "two", Description: "d"}))

	p, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "two", p.Value)
	assert.Equal(t, "d", p.Description)

	list, err := store.List(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestStore_InvalidKey(t *testing.T) {
	store := setupTestStore(t)
	assert.ErrorIs(t, store.Set(context.Background(), &Parameter{Key: "  "}), ErrInvalidKey)
}

func TestStore_NotFound(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	_, err := store.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, store.Delete(ctx, "missing"), ErrNotFound)
}

func TestStore_Delete(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, &Parameter{Key: "k", Value: "v"}))
	require.NoError(t, store.Delete(ctx, "k"))

	_, err := store.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_ListOrdered(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	for _, k := range []string{"charlie", "alpha", "bravo"} {
		require.NoError(t, store.Set(ctx, &Parameter{Key: k, Value: k}))
	}

	list, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, "alpha", list[0].Key)
	assert.Equal(t, "bravo", list[1].Key)
	assert.Equal(t, "charlie", list[2].Key)
}

func TestStore_Value(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	assert.Equal(t, "Connected", store.Value(ctx, "welcome_message", "Connected"))

	require.NoError(t, store.Set(ctx, &Parameter{Key: "welcome_message", Value: "Hi there"}))
	assert.Equal(t, "Hi there", store.Value(ctx, "welcome_message", "Connected"))
}

func newTestAPI(t *testing.T) (*httptest.Server, *Store) {
	t.Helper()
	store := setupTestStore(t)
	mux := http.NewServeMux()
	NewHandler(store).Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, store
}

func doRequest(t *testing.T, method, url, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestHandler_CRUD(t *testing.T) {
	srv, store := newTestAPI(t)

	resp := doRequest(t, http.MethodPut, srv.URL+"/api/params/welcome_message", `{"value":"Hello","description":"greeting"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var saved Parameter
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&saved))
	assert.Equal(t, "welcome_message", saved.Key)
	assert.Equal(t, "Hello", saved.Value)
	assert.Equal(t, "Hello", store.Value(context.Background(), "welcome_message", ""))

	resp = doRequest(t, http.MethodGet, srv.URL+"/api/params/welcome_message", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = doRequest(t, http.MethodGet, srv.URL+"/api/params", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list []Parameter
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	assert.Len(t, list, 1)

	resp = doRequest(t, http.MethodDelete, srv.URL+"/api/params/welcome_message", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = doRequest(t, http.MethodGet, srv.URL+"/api/params/welcome_message", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHandler_BadRequests(t *testing.T) {
	srv, _ := newTestAPI(t)

	resp := doRequest(t, http.MethodPut, srv.URL+"/api/params/k", `{not json`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = doRequest(t, http.MethodDelete, srv.URL+"/api/params/missing", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = doRequest(t, http.MethodPost, srv.URL+"/api/params", `{}`)
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}
