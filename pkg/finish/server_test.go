package finish

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mpapenbr/racetimer-go/pkg/ledger"
	"github.com/mpapenbr/racetimer-go/pkg/model"
)

var testTime = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

type finishCall struct {
	at          time.Time
	lane        int
	participant string
}

type recorder struct {
	mu    sync.Mutex
	calls []finishCall
	err   error
}

func (r *recorder) callback(at time.Time, lane int, participant string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.calls = append(r.calls, finishCall{at, lane, participant})
	return nil
}

func post(t *testing.T, h http.Handler, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	ret := map[string]any{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ret))
	return ret
}

func TestFinishAccepted(t *testing.T) {
	cb := &recorder{}
	s := New(cb.callback,
		WithAPIKey("K"),
		WithClock(clockwork.NewFakeClockAt(testTime)))

	rec := post(t, s.Handler(), "/finish",
		`{"lane":1,"participant_id":"r1","api_key":"K"}`)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	body := decode(t, rec)
	assert.Equal(t, "success", body["status"])
	assert.Equal(t, "Finish signal received", body["message"])
	assert.Equal(t, "2024-05-01T10:00:00.000Z", body["timestamp"])
	assert.InDelta(t, 1, body["lane"], 0)
	assert.Equal(t, "r1", body["participant_id"])

	require.Len(t, cb.calls, 1)
	assert.Equal(t, finishCall{testTime, 1, "r1"}, cb.calls[0])
}

func TestFinishDefaults(t *testing.T) {
	cb := &recorder{}
	s := New(cb.callback, WithClock(clockwork.NewFakeClockAt(testTime)))

	rec := post(t, s.Handler(), "/finish", `{}`)

	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.InDelta(t, 1, body["lane"], 0)
	assert.Nil(t, body["participant_id"])
	require.Len(t, cb.calls, 1)
	assert.Equal(t, 1, cb.calls[0].lane)
	assert.Empty(t, cb.calls[0].participant)
}

//nolint:funlen // table
func TestFinishRejected(t *testing.T) {
	tests := []struct {
		name    string
		apiKey  string
		path    string
		body    string
		cbErr   error
		want    int
		wantMsg string
	}{
		{
			name: "malformed json", path: "/finish", body: `{"lane":`,
			want: http.StatusBadRequest, wantMsg: "Invalid JSON data",
		},
		{
			name: "lane not a number", path: "/finish", body: `{"lane":"one"}`,
			want: http.StatusBadRequest,
		},
		{
			name: "lane below one", path: "/finish", body: `{"lane":0}`,
			want: http.StatusBadRequest,
		},
		{
			name: "body too large", path: "/finish",
			body: fmt.Sprintf(`{"participant_id":%q}`, strings.Repeat("x", 8<<10)),
			want: http.StatusBadRequest,
		},
		{
			name: "missing key", apiKey: "K", path: "/finish", body: `{"lane":1}`,
			want: http.StatusUnauthorized, wantMsg: "Invalid API key",
		},
		{
			name: "wrong key", apiKey: "K", path: "/finish",
			body: `{"lane":1,"api_key":"X"}`,
			want: http.StatusUnauthorized, wantMsg: "Invalid API key",
		},
		{
			name: "empty key", apiKey: "K", path: "/finish",
			body: `{"lane":1,"api_key":""}`,
			want: http.StatusUnauthorized,
		},
		{
			name: "unknown path", path: "/start", body: `{"lane":1}`,
			want: http.StatusNotFound, wantMsg: "Endpoint not found",
		},
		{
			name: "start not set", path: "/finish", body: `{"lane":1}`,
			cbErr: ledger.ErrStartNotSet,
			want:  http.StatusConflict,
		},
		{
			name: "callback fault", path: "/finish", body: `{"lane":1}`,
			cbErr: errors.New("boom"),
			want:  http.StatusInternalServerError,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cb := &recorder{err: tt.cbErr}
			s := New(cb.callback, WithAPIKey(tt.apiKey))

			rec := post(t, s.Handler(), tt.path, tt.body)

			assert.Equal(t, tt.want, rec.Code)
			body := decode(t, rec)
			assert.Equal(t, "error", body["status"])
			if tt.wantMsg != "" {
				assert.Equal(t, tt.wantMsg, body["message"])
			}
			assert.Empty(t, cb.calls)
		})
	}
}

func TestFinishPanicRecovered(t *testing.T) {
	s := New(func(time.Time, int, string) error {
		panic("unexpected")
	})

	rec := post(t, s.Handler(), "/finish", `{"lane":1}`)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestFinishThrottled(t *testing.T) {
	cb := &recorder{}
	s := New(cb.callback, WithRateLimit(0.001, 1))

	first := post(t, s.Handler(), "/finish", `{"lane":1}`)
	second := post(t, s.Handler(), "/finish", `{"lane":2}`)

	assert.Equal(t, http.StatusOK, first.Code)
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
	assert.Len(t, cb.calls, 1)
}

func TestFinishConcurrentSignals(t *testing.T) {
	l := ledger.New()
	require.NoError(t, l.SetStart(testTime))
	s := New(func(at time.Time, lane int, pid string) error {
		_, err := l.AddFinish(at, lane, pid)
		return err
	}, WithRateLimit(1000, 1000))

	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func(lane int) {
			defer wg.Done()
			rec := post(t, s.Handler(), "/finish", fmt.Sprintf(`{"lane":%d}`, lane))
			assert.Equal(t, http.StatusOK, rec.Code)
		}(i%4 + 1)
	}
	wg.Wait()

	assert.Len(t, l.Snapshot().Entries, 50)
}

func TestStatus(t *testing.T) {
	s := New(nil, WithPort(9123), WithAPIKey("secret"))
	req := httptest.NewRequest(http.MethodGet, "/status", http.NoBody)
	rec := httptest.NewRecorder()

	s.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var info Info
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
	assert.Equal(t, Info{
		IsRunning:      false,
		Port:           9123,
		Endpoint:       "http://localhost:9123/finish",
		APIKeyRequired: true,
	}, info)
}

func TestCORSPreflight(t *testing.T) {
	s := New(nil)
	req := httptest.NewRequest(http.MethodOptions, "/finish", http.NoBody)
	req.Header.Set("Origin", "http://buttons.local")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()

	s.Handler().ServeHTTP(rec, req)

	assert.Less(t, rec.Code, 300)
	assert.Equal(t, "http://buttons.local", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestStartShutdown(t *testing.T) {
	cb := &recorder{}
	s := New(cb.callback, WithPort(0))
	require.NoError(t, s.Start())
	assert.ErrorIs(t, s.Start(), ErrAlreadyRunning)

	info := s.Info()
	assert.True(t, info.IsRunning)
	assert.NotZero(t, info.Port)

	url := fmt.Sprintf("http://127.0.0.1:%d/finish", info.Port)
	req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, url,
		strings.NewReader(`{"lane":3,"participant_id":"p3"}`))
	require.NoError(t, err)
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	client.CloseIdleConnections()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))
	assert.False(t, s.Running())
	require.Len(t, cb.calls, 1)
	assert.Equal(t, 3, cb.calls[0].lane)
}

type staticSource struct {
	frame model.Frame
	ok    bool
}

func (s staticSource) Latest() (model.Frame, bool) {
	return s.frame, s.ok
}

func TestPreview(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 16, 8))
	for i := range img.Pix {
		img.Pix[i] = 0xff
	}
	img.Set(0, 0, color.RGBA{R: 0xff, A: 0xff})
	frame := model.FrameFromImage(img, 42, testTime)

	tests := []struct {
		name string
		src  staticSource
		want int
	}{
		{"frame available", staticSource{frame, true}, http.StatusOK},
		{"no frame yet", staticSource{}, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := New(nil, WithRoutes(PreviewRoute(tt.src, 80)))
			req := httptest.NewRequest(http.MethodGet, "/preview.jpg", http.NoBody)
			rec := httptest.NewRecorder()

			s.Handler().ServeHTTP(rec, req)

			require.Equal(t, tt.want, rec.Code)
			if tt.want != http.StatusOK {
				return
			}
			assert.Equal(t, "image/jpeg", rec.Header().Get("Content-Type"))
			assert.Equal(t, "42", rec.Header().Get("X-Frame-Seq"))
			decoded, err := jpeg.Decode(rec.Body)
			require.NoError(t, err)
			assert.Equal(t, image.Rect(0, 0, 16, 8), decoded.Bounds())
		})
	}
}
