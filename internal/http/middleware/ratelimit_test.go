package middleware_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/example/taxidispatch/internal/auth"
	"github.com/example/taxidispatch/internal/http/middleware"
)

func TestRateLimiterPerCaller(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	limiter := middleware.NewRateLimiter(client,
		middleware.RateConfig{Rate: 100, Burst: 100},
		middleware.RateConfig{Rate: 0.001, Burst: 2},
		nil)
	h := limiter.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	post := func(client string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/v1/bookings", nil)
		req.Header.Set("X-Client-ID", client)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	require.Equal(t, http.StatusNoContent, post("a").Code)
	require.Equal(t, http.StatusNoContent, post("a").Code)
	limited := post("a")
	require.Equal(t, http.StatusTooManyRequests, limited.Code)
	require.NotEmpty(t, limited.Header().Get("Retry-After"))

	require.Equal(t, http.StatusNoContent, post("b").Code)

	get := httptest.NewRequest(http.MethodGet, "/v1/bookings/x", nil)
	get.Header.Set("X-Client-ID", "a")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, get)
	require.Equal(t, http.StatusNoContent, rec.Code)
}

func TestRateLimiterKeysByAccount(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	limiter := middleware.NewRateLimiter(client, middleware.RateConfig{}, middleware.RateConfig{Rate: 0.001, Burst: 1}, nil)
	h := limiter.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	serve := func(account uuid.UUID) int {
		req := httptest.NewRequest(http.MethodPost, "/", nil)
		req = req.WithContext(auth.WithClaims(req.Context(), &auth.Claims{}))
		claims, _ := auth.ClaimsFromContext(req.Context())
		claims.Subject = account.String()
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}
	first, second := uuid.New(), uuid.New()
	require.Equal(t, http.StatusNoContent, serve(first))
	require.Equal(t, http.StatusTooManyRequests, serve(first))
	require.Equal(t, http.StatusNoContent, serve(second))
}

func TestRateLimiterFailsOpen(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	limiter := middleware.NewRateLimiter(client, middleware.RateConfig{Rate: 1, Burst: 1}, middleware.RateConfig{Rate: 1, Burst: 1}, nil)
	h := limiter.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	mr.Close()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", nil))
	require.Equal(t, http.StatusNoContent, rec.Code)
	_ = client.Close()
}
