package identity

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DEVector-it/Mythai/internal/store"
)

func newTestStore(t *testing.T) store.Store {
	t.Helper()

	st, err := store.OpenFile(filepath.Join(t.TempDir(), "state.json"), 2)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestAPIKeys_IssueAndVerify(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	keys := NewAPIKeys(st)

	full, err := keys.Issue(ctx, "user-1")
	require.NoError(t, err)

	parts := strings.Split(full, "_")
	require.Len(t, parts, 3)
	assert.Equal(t, "myth", parts[0])
	assert.Len(t, parts[1], 8)
	assert.Len(t, parts[2], 48)

	t.Run("valid key resolves to owner", func(t *testing.T) {
		k, err := keys.Verify(ctx, full)
		require.NoError(t, err)
		assert.Equal(t, "user-1", k.UserID)
	})

	t.Run("verifying records last use", func(t *testing.T) {
		stored, err := st.GetAPIKey(ctx, parts[1])
		require.NoError(t, err)
		require.NotNil(t, stored)
		assert.False(t, stored.LastUsed.IsZero())
	})

	t.Run("wrong secret is rejected", func(t *testing.T) {
		_, err := keys.Verify(ctx, "myth_"+parts[1]+"_"+strings.Repeat("0", 48))
		assert.ErrorIs(t, err, ErrAPIKeyInvalid)
	})

	t.Run("unknown prefix is rejected", func(t *testing.T) {
		_, err := keys.Verify(ctx, "myth_deadbeef_"+parts[2])
		assert.ErrorIs(t, err, ErrAPIKeyInvalid)
	})

	t.Run("malformed keys are rejected", func(t *testing.T) {
		for _, bad := range []string{"", "myth", "myth_only", "other_aa_bb", "myth__secret", "myth_prefix_"} {
			_, err := keys.Verify(ctx, bad)
			assert.ErrorIs(t, err, ErrAPIKeyInvalid, "key %q", bad)
		}
	})

	t.Run("inactive key is rejected", func(t *testing.T) {
		stored, err := st.GetAPIKey(ctx, parts[1])
		require.NoError(t, err)
		stored.Active = false
		require.NoError(t, st.PutAPIKey(ctx, stored))

		_, err = keys.Verify(ctx, full)
		assert.ErrorIs(t, err, ErrAPIKeyInvalid)
	})
}

func TestMiddleware_Authentication(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	keys := NewAPIKeys(st)
	mgr := NewManager("token-secret-32-chars-long!!!!!!", time.Hour)

	var gotClaims *Claims
	handler := Middleware(mgr, keys)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotClaims = GetClaims(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	do := func(t *testing.T, mutate func(*http.Request)) *httptest.ResponseRecorder {
		t.Helper()
		gotClaims = nil
		req := httptest.NewRequest(http.MethodGet, "/api/v1/chats", nil)
		mutate(req)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	t.Run("valid bearer token passes", func(t *testing.T) {
		token, err := mgr.Generate("user-9", "user")
		require.NoError(t, err)

		rec := do(t, func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+token) })
		assert.Equal(t, http.StatusOK, rec.Code)
		require.NotNil(t, gotClaims)
		assert.Equal(t, "user-9", gotClaims.UserID)
	})

	t.Run("missing credentials rejected", func(t *testing.T) {
		rec := do(t, func(*http.Request) {})
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Nil(t, gotClaims)
	})

	t.Run("malformed authorization header rejected", func(t *testing.T) {
		rec := do(t, func(r *http.Request) { r.Header.Set("Authorization", "Token abc") })
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("invalid bearer token rejected", func(t *testing.T) {
		rec := do(t, func(r *http.Request) { r.Header.Set("Authorization", "Bearer garbage") })
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("valid API key passes", func(t *testing.T) {
		full, err := keys.Issue(ctx, "machine-1")
		require.NoError(t, err)

		rec := do(t, func(r *http.Request) { r.Header.Set("X-API-Key", full) })
		assert.Equal(t, http.StatusOK, rec.Code)
		require.NotNil(t, gotClaims)
		assert.Equal(t, "machine-1", gotClaims.UserID)
	})

	t.Run("invalid API key rejected", func(t *testing.T) {
		rec := do(t, func(r *http.Request) { r.Header.Set("X-API-Key", "myth_bad_key") })
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})
}
