package notification

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"billing-service/internal/pkg/httpclient"
	xerrors "billing-service/internal/pkg/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newGateway(t *testing.T, url string) *GatewaySink {
	t.Helper()
	logger := zaptest.NewLogger(t)
	client := httpclient.New(httpclient.Config{Timeout: time.Second}, logger)
	return NewGatewaySink(GatewayConfig{
		BaseURL:         url + "/",
		Token:           "secret",
		Timeout:         time.Second,
		MaxAttempts:     3,
		InitialInterval: time.Millisecond,
	}, client, logger)
}

func TestGatewaySink_PostsMessage(t *testing.T) {
	var got gatewayMessage
	var auth, path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		path = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	est := "e-1"
	err := newGateway(t, srv.URL).Send(context.Background(), &est, "+5511999990000", "hello")
	require.NoError(t, err)

	assert.Equal(t, "Bearer secret", auth)
	assert.Equal(t, "/messages", path)
	assert.Equal(t, "+5511999990000", got.Phone)
	assert.Equal(t, "hello", got.Message)
	require.NotNil(t, got.EstablishmentID)
	assert.Equal(t, "e-1", *got.EstablishmentID)
}

func TestGatewaySink_RetriesServerErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	require.NoError(t, newGateway(t, srv.URL).Send(context.Background(), nil, "+5511999990000", "hi"))
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestGatewaySink_ClientErrorIsPermanent(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	err := newGateway(t, srv.URL).Send(context.Background(), nil, "+5511999990000", "hi")
	require.Error(t, err)
	assert.True(t, xerrors.Is(err, xerrors.ErrPermanentProvider))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestGatewaySink_EmptyPhoneIsNoop(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
	}))
	defer srv.Close()

	require.NoError(t, newGateway(t, srv.URL).Send(context.Background(), nil, "  ", "hi"))
	assert.Zero(t, atomic.LoadInt32(&calls))
}

type recordingSink struct {
	mu     sync.Mutex
	phones []string
}

func (r *recordingSink) Send(ctx context.Context, establishmentID *string, phone, body string) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.phones = append(r.phones, phone)
	return nil
}

func TestDispatcher_DeliversDetachedFromCaller(t *testing.T) {
	sink := &recordingSink{}
	d := NewDispatcher(sink, 2, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	for _, p := range []string{"1111", "2222", "", "3333"} {
		require.NoError(t, d.Send(ctx, nil, p, "body"))
	}
	cancel()
	d.Close()

	assert.ElementsMatch(t, []string{"1111", "2222", "3333"}, sink.phones)

	// closed dispatcher drops silently
	require.NoError(t, d.Send(context.Background(), nil, "4444", "body"))
	assert.Len(t, sink.phones, 3)
}

func TestMaskPhone(t *testing.T) {
	assert.Equal(t, "*********0000", maskPhone("+551199990000"))
	assert.Equal(t, "****", maskPhone("123"))
}
