package assist

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"icebreaker/backend/pkg/resilience"
)

func newServer(t *testing.T, handler func(w http.ResponseWriter, req Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/assist", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var req Request
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		handler(w, req)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestRequest_QASuccess(t *testing.T) {
	srv := newServer(t, func(w http.ResponseWriter, req Request) {
		assert.Equal(t, Request{RoomID: "r1", Mode: ModeQA, Question: "when does the store close"}, req)
		writeJSON(w, http.StatusOK, map[string]string{"text": "At 9pm."})
	})
	c := NewClient(Config{BaseURL: srv.URL + "/"}, nil)

	text, err := c.Request(context.Background(), Request{RoomID: "r1", Mode: ModeQA, Question: "when does the store close"})
	require.NoError(t, err)
	assert.Equal(t, "At 9pm.", text)
}

func TestRequest_SendsAPIKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		writeJSON(w, http.StatusOK, map[string]string{"text": "ok"})
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL, APIKey: "secret"}, nil)
	_, err := c.Request(context.Background(), Request{RoomID: "r1", Mode: ModeSummary})
	assert.NoError(t, err)
}

func TestRequest_SummaryDropsQuestion(t *testing.T) {
	srv := newServer(t, func(w http.ResponseWriter, req Request) {
		assert.Empty(t, req.Question)
		writeJSON(w, http.StatusOK, map[string]string{"text": "People discussed deals."})
	})
	c := NewClient(Config{BaseURL: srv.URL}, nil)

	text, err := c.Request(context.Background(), Request{RoomID: "r1", Mode: ModeSummary, Question: "ignored"})
	require.NoError(t, err)
	assert.Equal(t, "People discussed deals.", text)
}

func TestRequest_EmptyAnswerFallback(t *testing.T) {
	srv := newServer(t, func(w http.ResponseWriter, _ Request) {
		writeJSON(w, http.StatusOK, map[string]string{"text": ""})
	})
	c := NewClient(Config{BaseURL: srv.URL}, nil)

	text, err := c.Request(context.Background(), Request{RoomID: "r1", Mode: ModeQA, Question: "hi"})
	require.NoError(t, err)
	assert.Equal(t, EmptyAnswer, text)

	text, err = c.Request(context.Background(), Request{RoomID: "r1", Mode: ModeSummary})
	require.NoError(t, err)
	assert.Equal(t, "", text)
}

func TestRequest_ErrorDetail(t *testing.T) {
	cases := []struct {
		name string
		mode Mode
		body any
		want string
	}{
		{"details wins", ModeQA, map[string]string{"error": "bad", "details": "quota exceeded"}, "quota exceeded"},
		{"error used", ModeQA, map[string]string{"error": "model offline"}, "model offline"},
		{"qa default", ModeQA, map[string]string{}, DefaultQAError},
		{"summary default", ModeSummary, "not json", DefaultSummaryError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := newServer(t, func(w http.ResponseWriter, _ Request) {
				if s, ok := tc.body.(string); ok {
					w.WriteHeader(http.StatusBadGateway)
					_, _ = w.Write([]byte(s))
					return
				}
				writeJSON(w, http.StatusInternalServerError, tc.body)
			})
			c := NewClient(Config{BaseURL: srv.URL}, nil)

			_, err := c.Request(context.Background(), Request{RoomID: "r1", Mode: tc.mode, Question: "q"})
			var ae *Error
			require.ErrorAs(t, err, &ae)
			assert.Equal(t, tc.want, ae.Detail)
			assert.Equal(t, tc.want, err.Error())
			assert.Equal(t, tc.mode, ae.Mode)
		})
	}
}

func TestRequest_TransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := NewClient(Config{BaseURL: url, Timeout: time.Second}, nil)
	_, err := c.Request(context.Background(), Request{RoomID: "r1", Mode: ModeSummary})
	var ae *Error
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, DefaultSummaryError, ae.Detail)
	assert.NotNil(t, ae.Cause)
}

func TestRequest_MalformedSuccessBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("{"))
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL}, nil)
	_, err := c.Request(context.Background(), Request{RoomID: "r1", Mode: ModeQA, Question: "q"})
	var ae *Error
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, DefaultQAError, ae.Detail)
}

func TestRequest_ValidationSkipsNetwork(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()
	c := NewClient(Config{BaseURL: srv.URL}, nil)

	_, err := c.Request(context.Background(), Request{RoomID: "r1", Mode: ModeQA})
	assert.ErrorIs(t, err, ErrMissingQuestion)
	_, err = c.Request(context.Background(), Request{RoomID: "r1", Mode: "poem"})
	assert.ErrorIs(t, err, ErrUnknownMode)
	assert.Zero(t, hits.Load())
}

func TestRequest_BreakerOpensWithoutRetry(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "overloaded"})
	}))
	defer srv.Close()

	breaker := resilience.NewCircuitBreaker(resilience.Config{
		Name:             "assist",
		FailureThreshold: 2,
		SuccessThreshold: 1,
		RetryTimeout:     time.Hour,
	}, nil)
	c := NewClient(Config{BaseURL: srv.URL, Breaker: breaker}, nil)
	req := Request{RoomID: "r1", Mode: ModeSummary}

	for i := 0; i < 2; i++ {
		_, err := c.Request(context.Background(), req)
		assert.EqualError(t, err, "overloaded")
	}
	assert.EqualValues(t, 2, hits.Load())

	_, err := c.Request(context.Background(), req)
	assert.EqualError(t, err, UnavailableError)
	assert.ErrorIs(t, err, resilience.ErrCircuitOpen)
	assert.EqualValues(t, 2, hits.Load())
}

func TestRequest_ClientErrorsDoNotTripBreaker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "room is empty"})
	}))
	defer srv.Close()

	breaker := resilience.NewCircuitBreaker(resilience.Config{Name: "assist", FailureThreshold: 1, RetryTimeout: time.Hour}, nil)
	c := NewClient(Config{BaseURL: srv.URL, Breaker: breaker}, nil)

	for i := 0; i < 3; i++ {
		_, err := c.Request(context.Background(), Request{RoomID: "r1", Mode: ModeSummary})
		assert.EqualError(t, err, "room is empty")
	}
	assert.Equal(t, resilience.StateClosed, breaker.State())
}
