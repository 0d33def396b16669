package devicelink

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/rt21bridge/internal/rt21"
)

// localHostRequest creates an httptest request that appears to come from localhost.
// This bypasses tsweb.AllowDebugAccess which checks for loopback IPs.
func localHostRequest(method, path string, body io.Reader) *http.Request {
	req := httptest.NewRequest(method, path, body)
	req.RemoteAddr = "127.0.0.1:12345"
	return req
}

func newAdminMux(t *testing.T, l *Link) *http.ServeMux {
	t.Helper()
	mux := http.NewServeMux()
	l.AttachAdminRoutes(mux, func(_ context.Context, input []byte) []byte {
		if string(input) == "C" {
			return []byte("AZ=042\r\n")
		}
		return []byte("ERROR\r\n")
	})
	return mux
}

func TestAttachAdminRoutes_SendCommandAPI(t *testing.T) {
	l := newTestLink(t, NewMockDialer(NewTestablePort()))
	mux := newAdminMux(t, l)

	tests := []struct {
		name           string
		method         string
		formData       url.Values
		expectedStatus int
		expectedBody   string
	}{
		{"valid command", http.MethodPost, url.Values{"command": {"C"}}, http.StatusOK, `"C" -> "AZ=042\r\n"`},
		{"unknown command", http.MethodPost, url.Values{"command": {"X"}}, http.StatusOK, `"X" -> "ERROR\r\n"`},
		{"empty command", http.MethodPost, url.Values{"command": {"  "}}, http.StatusBadRequest, "Missing command"},
		{"missing command", http.MethodPost, url.Values{}, http.StatusBadRequest, "Missing command"},
		{"GET not allowed", http.MethodGet, nil, http.StatusMethodNotAllowed, "Method not allowed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := localHostRequest(tt.method, "/debug/send-command-api", strings.NewReader(tt.formData.Encode()))
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
			rec := httptest.NewRecorder()
			mux.ServeHTTP(rec, req)

			assert.Equal(t, tt.expectedStatus, rec.Code)
			assert.Contains(t, rec.Body.String(), tt.expectedBody)
		})
	}
}

func TestAttachAdminRoutes_SendCommandPage(t *testing.T) {
	l := newTestLink(t, NewMockDialer(NewTestablePort()))
	mux := newAdminMux(t, l)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, localHostRequest(http.MethodGet, "/debug/send-command", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Device rt21:6555")
	assert.Contains(t, rec.Body.String(), "send-command-api")
}

func TestAttachAdminRoutes_LinkState(t *testing.T) {
	l := newTestLink(t, NewMockDialer(NewRespondingPort(answerAzimuth(5))))
	mux := newAdminMux(t, l)

	_, err := l.Exchange(context.Background(), rt21.Query(), time.Second)
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, localHostRequest(http.MethodGet, "/debug/link", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var stats Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, "rt21:6555", stats.Address)
	assert.True(t, stats.Connected)
	assert.Equal(t, uint64(1), stats.Exchanges)
}

func TestAttachAdminRoutes_RemoteDenied(t *testing.T) {
	l := newTestLink(t, NewMockDialer(NewTestablePort()))
	mux := newAdminMux(t, l)

	req := httptest.NewRequest(http.MethodGet, "/debug/link", nil)
	req.RemoteAddr = "203.0.113.7:4000"
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func subscriberCount(l *Link) int {
	l.subscriberMu.Lock()
	defer l.subscriberMu.Unlock()
	return len(l.subscribers)
}

func TestAttachAdminRoutes_Tail(t *testing.T) {
	l := newTestLink(t, NewMockDialer(NewRespondingPort(answerAzimuth(77))))
	mux := newAdminMux(t, l)

	ctx, cancel := context.WithCancel(context.Background())
	req := localHostRequest(http.MethodGet, "/debug/tail", nil).WithContext(ctx)
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		defer close(done)
		mux.ServeHTTP(rec, req)
	}()

	require.Eventually(t, func() bool { return subscriberCount(l) == 1 }, time.Second, 5*time.Millisecond)

	_, err := l.Exchange(context.Background(), rt21.Query(), time.Second)
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)

	cancel()
	<-done

	body := rec.Body.String()
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Contains(t, body, ": ping")
	assert.Contains(t, body, `data: "TX AI1\r;"`)
	assert.Contains(t, body, `data: "RX 077;"`)
	assert.Equal(t, 0, subscriberCount(l), "tail unsubscribes on disconnect")
}

func TestAttachAdminRoutes_TailMethodNotAllowed(t *testing.T) {
	l := newTestLink(t, NewMockDialer(NewTestablePort()))
	mux := newAdminMux(t, l)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, localHostRequest(http.MethodPost, "/debug/tail", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestAttachAdminRoutes_IndexShowsVersionAndDevice(t *testing.T) {
	l := newTestLink(t, NewMockDialer(NewTestablePort()))
	mux := newAdminMux(t, l)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, localHostRequest(http.MethodGet, "/debug/", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "rt21bridge dev")
	assert.Contains(t, rec.Body.String(), "disconnected")
}
