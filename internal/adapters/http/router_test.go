package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dkeye/voiceroom/internal/adapters/signal"
	"github.com/dkeye/voiceroom/internal/app"
	"github.com/dkeye/voiceroom/internal/app/session"
	"github.com/dkeye/voiceroom/internal/config"
	"github.com/dkeye/voiceroom/internal/media"
	"github.com/dkeye/voiceroom/internal/media/mediatest"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var opus = media.RTPCodecCapability{Kind: media.KindAudio, MimeType: "audio/opus", PreferredPayloadType: 100, ClockRate: 48000, Channels: 2}

func newTestRouter(t *testing.T) (*gin.Engine, *app.Registry) {
	t.Helper()
	reg := app.NewRegistry(mediatest.NewEngine(), app.RegistryOptions{
		MediaCodecs: []media.RTPCodecCapability{opus},
		Room:        session.DefaultOptions(),
	})
	t.Cleanup(func() { _ = reg.Close(context.Background()) })

	opts := signal.DefaultOptions()
	opts.PingPeriod = 0
	cfg := &config.Config{Mode: "test", Secret: "test-secret"}
	return SetupRouter(context.Background(), cfg, reg, signal.NewServer(reg, app.SimplePolicy{}, opts)), reg
}

func do(t *testing.T, r http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decodeID(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var v struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v))
	require.NotEmpty(t, v.ID)
	return v.ID
}

func TestBroadcasterIngest(t *testing.T) {
	r, reg := newTestRouter(t)
	broadcaster := map[string]any{"id": "b1", "displayName": "Stream", "device": map[string]string{"name": "ffmpeg"}}

	w := do(t, r, http.MethodPost, "/api/rooms/lobby/broadcasters", broadcaster)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.JSONEq(t, `{"peers":[]}`, w.Body.String())

	w = do(t, r, http.MethodPost, "/api/rooms/lobby/broadcasters", broadcaster)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = do(t, r, http.MethodPost, "/api/rooms/lobby/broadcasters/b1/transports", map[string]any{"type": "plain", "comedia": true})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	transportID := decodeID(t, w)
	base := "/api/rooms/lobby/broadcasters/b1/transports/" + transportID

	w = do(t, r, http.MethodPost, base+"/producers", map[string]any{
		"kind": "audio",
		"rtpParameters": map[string]any{
			"codecs":    []map[string]any{{"mimeType": "audio/opus", "payloadType": 100, "clockRate": 48000, "channels": 2}},
			"encodings": []map[string]any{{"ssrc": 1111}},
		},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	producerID := decodeID(t, w)

	w = do(t, r, http.MethodPost, base+"/connect", map[string]any{"ip": "127.0.0.1", "port": 5004})
	assert.Equal(t, http.StatusBadRequest, w.Code, "plain transports are not connected over ingest")

	w = do(t, r, http.MethodPost, base+"/consume", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = do(t, r, http.MethodPost, base+"/consume?producerId="+producerID, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code, "no rtpCapabilities were declared")

	w = do(t, r, http.MethodGet, "/api/rooms/lobby", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var room struct {
		ID              string            `json:"id"`
		Broadcasters    []json.RawMessage `json:"broadcasters"`
		RTPCapabilities struct {
			Codecs []json.RawMessage `json:"codecs"`
		} `json:"rtpCapabilities"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &room))
	assert.Equal(t, "lobby", room.ID)
	assert.Len(t, room.Broadcasters, 1)
	assert.NotEmpty(t, room.RTPCapabilities.Codecs)

	w = do(t, r, http.MethodDelete, "/api/rooms/lobby/broadcasters/b1", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	w = do(t, r, http.MethodDelete, "/api/rooms/lobby/broadcasters/b1", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, r, http.MethodGet, "/api/rooms", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"id":"lobby"`)

	w = do(t, r, http.MethodDelete, "/api/rooms/lobby", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Zero(t, reg.Len())
	w = do(t, r, http.MethodGet, "/api/rooms/lobby", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestIngestErrors(t *testing.T) {
	r, _ := newTestRouter(t)

	w := do(t, r, http.MethodPost, "/api/rooms/none/broadcasters/b1/transports", map[string]any{"type": "plain"})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, r, http.MethodPost, "/api/rooms/lobby/broadcasters", map[string]any{"id": "b1"})
	assert.Equal(t, http.StatusBadRequest, w.Code, "displayName and device.name are required")

	req := httptest.NewRequest(http.MethodPost, "/api/rooms/lobby/broadcasters", strings.NewReader("{"))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	w = do(t, r, http.MethodPost, "/api/rooms/lobby/broadcasters", map[string]any{"id": "b1", "displayName": "B", "device": map[string]string{"name": "x"}})
	require.Equal(t, http.StatusOK, w.Code)
	w = do(t, r, http.MethodPost, "/api/rooms/lobby/broadcasters/b1/transports", map[string]any{"type": "webrtc", "comedia": true})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = do(t, r, http.MethodPost, "/api/rooms/lobby/broadcasters/b2/transports", map[string]any{"type": "plain"})
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = do(t, r, http.MethodPost, "/api/rooms/lobby/broadcasters/b1/transports/nope/producers", map[string]any{"kind": "audio"})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, r, http.MethodGet, "/api/ws/signal", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code, "roomId is required")
}

func TestClientTokenCookie(t *testing.T) {
	r, _ := newTestRouter(t)

	w := do(t, r, http.MethodGet, "/api/rooms", nil)
	require.Equal(t, http.StatusOK, w.Code)
	cookies := w.Result().Cookies()
	require.NotEmpty(t, cookies)
	assert.Equal(t, sessionName, cookies[0].Name)

	// A returning browser keeps its session without a new cookie.
	req := httptest.NewRequest(http.MethodGet, "/api/rooms", nil)
	req.AddCookie(cookies[0])
	again := httptest.NewRecorder()
	r.ServeHTTP(again, req)
	assert.Empty(t, again.Result().Cookies())
}

func TestSignalWebSocket(t *testing.T) {
	r, reg := newTestRouter(t)
	srv := httptest.NewServer(r)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/ws/signal?roomId=lobby&peerId=alice"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)

	require.NoError(t, conn.WriteJSON(map[string]any{"request": true, "id": 1, "method": "getRouterRtpCapabilities", "data": map[string]any{}}))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var res struct {
		Response bool            `json:"response"`
		ID       int             `json:"id"`
		OK       bool            `json:"ok"`
		Data     json.RawMessage `json:"data"`
	}
	require.NoError(t, conn.ReadJSON(&res))
	assert.True(t, res.Response)
	assert.Equal(t, 1, res.ID)
	assert.True(t, res.OK)
	assert.Contains(t, string(res.Data), "audio/opus")
	assert.Equal(t, 1, reg.Len())

	require.NoError(t, conn.Close())
	assert.Eventually(t, func() bool { return reg.Len() == 0 }, 2*time.Second, 10*time.Millisecond)
}
