package http

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/gosubscription/pkg/subscription"
)

type fakeStatus struct {
	subs map[string]*subscription.Subscription
	err  error
}

func (f *fakeStatus) Status(_ context.Context, userID string) (*subscription.Subscription, error) {
	if f.err != nil {
		return nil, f.err
	}
	if sub, ok := f.subs[userID]; ok {
		return sub, nil
	}
	return nil, &subscription.Error{Kind: subscription.KindNotFound, Op: "subscription.status", Err: subscription.ErrNoSubscription}
}

func newFake() *fakeStatus {
	return &fakeStatus{subs: map[string]*subscription.Subscription{
		"active":   {ID: "s1", UserID: "active", Status: subscription.StatusActive},
		"trial":    {ID: "s2", UserID: "trial", Status: subscription.StatusTrial},
		"past_due": {ID: "s3", UserID: "past_due", Status: subscription.StatusPastDue},
	}}
}

func okHandler(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sub, ok := SubscriptionFromContext(r.Context())
		require.True(t, ok)
		w.Header().Set("X-Subscription-ID", sub.ID)
		w.WriteHeader(http.StatusOK)
	})
}

func serve(h http.Handler, userID string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/journal", http.NoBody)
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestMiddleware_Statuses(t *testing.T) {
	handler := Middleware(Config{Manager: newFake(), GetUserID: FromHeader("X-User-ID")})(okHandler(t))

	tests := []struct {
		user string
		code int
	}{
		{"active", http.StatusOK},
		{"trial", http.StatusOK},
		{"past_due", http.StatusPaymentRequired},
		{"nobody", http.StatusPaymentRequired},
		{"", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run("user_"+tt.user, func(t *testing.T) {
			w := serve(handler, tt.user)
			assert.Equal(t, tt.code, w.Code)
			if tt.code != http.StatusOK {
				assert.Contains(t, w.Body.String(), `"success":false`)
			}
		})
	}

	w := serve(handler, "active")
	assert.Equal(t, "s1", w.Header().Get("X-Subscription-ID"))
}

func TestMiddleware_AllowStatuses(t *testing.T) {
	handler := Middleware(Config{
		Manager:       newFake(),
		GetUserID:     FromHeader("X-User-ID"),
		AllowStatuses: []subscription.Status{subscription.StatusActive, subscription.StatusPastDue},
	})(okHandler(t))

	assert.Equal(t, http.StatusOK, serve(handler, "past_due").Code)
	assert.Equal(t, http.StatusPaymentRequired, serve(handler, "trial").Code)
}

func TestMiddleware_Callbacks(t *testing.T) {
	var (
		gotSub *subscription.Subscription
		gotErr error
	)
	fake := newFake()
	cfg := Config{
		Manager:   fake,
		GetUserID: FromHeader("X-User-ID"),
		OnUnauthorized: func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusForbidden)
		},
		OnPaymentRequired: func(w http.ResponseWriter, _ *http.Request, sub *subscription.Subscription) {
			gotSub = sub
			w.WriteHeader(http.StatusTeapot)
		},
		OnError: func(w http.ResponseWriter, _ *http.Request, err error) {
			gotErr = err
			w.WriteHeader(http.StatusServiceUnavailable)
		},
	}
	handler := Middleware(cfg)(okHandler(t))

	assert.Equal(t, http.StatusForbidden, serve(handler, "").Code)

	assert.Equal(t, http.StatusTeapot, serve(handler, "past_due").Code)
	require.NotNil(t, gotSub)
	assert.Equal(t, subscription.StatusPastDue, gotSub.Status)

	assert.Equal(t, http.StatusTeapot, serve(handler, "nobody").Code)
	assert.Nil(t, gotSub)

	fake.err = errors.New("store down")
	assert.Equal(t, http.StatusServiceUnavailable, serve(handler, "active").Code)
	assert.EqualError(t, gotErr, "store down")
}

func TestMiddleware_StoreError(t *testing.T) {
	fake := newFake()
	fake.err = errors.New("store down")
	handler := Middleware(Config{Manager: fake, GetUserID: FromHeader("X-User-ID")})(okHandler(t))
	assert.Equal(t, http.StatusInternalServerError, serve(handler, "active").Code)
}

func TestMiddleware_RequiresConfig(t *testing.T) {
	assert.Panics(t, func() { Middleware(Config{GetUserID: FromHeader("X-User-ID")}) })
	assert.Panics(t, func() { Middleware(Config{Manager: newFake()}) })
}

func TestHandlerFunc(t *testing.T) {
	mw := HandlerFunc(Config{Manager: newFake(), GetUserID: FromContext(UserIDKey)})
	handler := mw(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) })

	req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
	req = req.WithContext(WithUserID(req.Context(), "trial"))
	w := httptest.NewRecorder()
	handler(w, req)
	assert.Equal(t, http.StatusNoContent, w.Code)
}
