package webhook_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/coachbilling/pkg/webhook"
)

func TestSender_Send(t *testing.T) {
	t.Parallel()
	fast := webhook.WithBackoff(webhook.FixedBackoff{Interval: time.Millisecond})

	t.Run("delivers signed json", func(t *testing.T) {
		t.Parallel()
		var got map[string]string
		var headers http.Header
		var body []byte
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			headers = r.Header.Clone()
			body, _ = io.ReadAll(r.Body)
			_ = json.Unmarshal(body, &got)
			w.WriteHeader(http.StatusNoContent)
		}))
		t.Cleanup(srv.Close)

		err := webhook.NewSender().Send(context.Background(), srv.URL, map[string]string{"email": "a@b.c"},
			webhook.WithSignature("secret"), webhook.WithHeader("X-Source", "billing"))
		require.NoError(t, err)

		assert.Equal(t, "a@b.c", got["email"])
		assert.Equal(t, "application/json", headers.Get("Content-Type"))
		assert.Equal(t, "billing", headers.Get("X-Source"))

		ts, err := strconv.ParseInt(headers.Get(webhook.HeaderTimestamp), 10, 64)
		require.NoError(t, err)
		assert.NoError(t, webhook.VerifySignature("secret", body, webhook.SignatureHeaders{
			Signature: headers.Get(webhook.HeaderSignature),
			Timestamp: ts,
		}, time.Minute))
	})

	t.Run("retries server errors", func(t *testing.T) {
		t.Parallel()
		var calls atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if calls.Add(1) < 3 {
				w.WriteHeader(http.StatusBadGateway)
				return
			}
			w.WriteHeader(http.StatusOK)
		}))
		t.Cleanup(srv.Close)

		err := webhook.NewSender().Send(context.Background(), srv.URL, "ping", webhook.WithMaxRetries(3), fast)
		require.NoError(t, err)
		assert.Equal(t, int32(3), calls.Load())
	})

	t.Run("gives up after max retries", func(t *testing.T) {
		t.Parallel()
		var calls atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			w.WriteHeader(http.StatusServiceUnavailable)
		}))
		t.Cleanup(srv.Close)

		err := webhook.NewSender().Send(context.Background(), srv.URL, "ping", webhook.WithMaxRetries(1), fast)
		assert.ErrorIs(t, err, webhook.ErrWebhookDeliveryFailed)
		assert.Equal(t, int32(2), calls.Load())
	})

	t.Run("client errors are permanent", func(t *testing.T) {
		t.Parallel()
		var calls atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			http.Error(w, "bad", http.StatusBadRequest)
		}))
		t.Cleanup(srv.Close)

		err := webhook.NewSender().Send(context.Background(), srv.URL, "ping", fast)
		assert.ErrorIs(t, err, webhook.ErrPermanentFailure)
		assert.Equal(t, int32(1), calls.Load())
	})

	t.Run("rejects invalid url", func(t *testing.T) {
		t.Parallel()
		err := webhook.NewSender().Send(context.Background(), "ftp://example.com", "ping")
		assert.ErrorIs(t, err, webhook.ErrInvalidURL)
		err = webhook.NewSender().Send(context.Background(), "", "ping")
		assert.ErrorIs(t, err, webhook.ErrInvalidURL)
	})
}

func TestVerifySignature(t *testing.T) {
	t.Parallel()
	payload := []byte(`{"a":1}`)
	sig, err := webhook.SignPayload("secret", payload)
	require.NoError(t, err)

	assert.NoError(t, webhook.VerifySignature("secret", payload, sig, 0))
	assert.ErrorIs(t, webhook.VerifySignature("other", payload, sig, 0), webhook.ErrSignatureMismatch)

	sig.Timestamp = time.Now().Add(-time.Hour).Unix()
	assert.ErrorIs(t, webhook.VerifySignature("secret", payload, sig, time.Minute), webhook.ErrSignatureExpired)

	_, err = webhook.SignPayload("", payload)
	assert.ErrorIs(t, err, webhook.ErrInvalidConfiguration)
}

func TestBackoff(t *testing.T) {
	t.Parallel()
	exp := webhook.ExponentialBackoff{InitialInterval: 100 * time.Millisecond, MaxInterval: time.Second, Multiplier: 2}
	assert.Equal(t, time.Duration(0), exp.NextInterval(0))
	assert.Equal(t, 100*time.Millisecond, exp.NextInterval(1))
	assert.Equal(t, 400*time.Millisecond, exp.NextInterval(3))
	assert.Equal(t, time.Second, exp.NextInterval(10))

	fixed := webhook.FixedBackoff{Interval: time.Second}
	assert.Equal(t, time.Second, fixed.NextInterval(5))
}
