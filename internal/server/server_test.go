package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/nexus-im/courier/internal/auth"
	"github.com/nexus-im/courier/internal/delivery"
	"github.com/nexus-im/courier/internal/media"
	"github.com/nexus-im/courier/internal/messaging"
	"github.com/nexus-im/courier/mocks"
	"github.com/nexus-im/courier/store/message"
	"github.com/nexus-im/courier/store/user"
)

var pngBytes = []byte{
	0x89, 0x50, 0x4e, 0x47, 0x0d, 0x0a, 0x1a, 0x0a,
	0x00, 0x00, 0x00, 0x0d, 0x49, 0x48, 0x44, 0x52,
	0x00, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x01,
	0x08, 0x06, 0x00, 0x00, 0x00, 0x1f, 0x15, 0xc4, 0x89,
}

type harness struct {
	srv      *httptest.Server
	auth     *auth.Authenticator
	users    *user.BadgerStore
	messages *message.BadgerStore
	hub      *delivery.Hub
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newHarness boots the full handler tree on badger in-memory stores with
// users alice and bob. uploader nil means images go to a temp directory.
func newHarness(t *testing.T, uploader media.Uploader) *harness {
	t.Helper()
	req := require.New(t)
	ctx := context.Background()

	db, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil))
	req.NoError(err)
	t.Cleanup(func() { _ = db.Close() })

	h := &harness{
		auth:     auth.NewAuthenticator("test-secret", "courier", time.Hour),
		users:    user.NewBadgerStore(db),
		messages: message.NewBadgerStore(db, nil),
	}
	for _, id := range []string{"alice", "bob"} {
		req.NoError(h.users.Create(ctx, &user.User{ID: id, Email: id + "@example.com", DisplayName: strings.ToUpper(id[:1]) + id[1:]}))
	}

	log := discardLogger()
	h.hub = delivery.NewHub(log, delivery.WithOfflineHook(LastSeenHook(log, h.users)))

	mediaDir := t.TempDir()
	if uploader == nil {
		uploader = &media.DiskUploader{Dir: mediaDir, BaseURL: "http://media.test/media", Policy: media.Policy{MaxBytes: 1 << 20}}
	}
	svc := messaging.NewService(log, h.messages, h.users, uploader, h.hub, h.hub, time.Second)
	server := New(Options{
		Log:               log,
		Service:           svc,
		Users:             h.users,
		Hub:               h.hub,
		Auth:              h.auth,
		ClientURL:         "http://localhost:5173",
		ChannelBufferSize: 16,
		MaxImageBytes:     1 << 20,
		MediaDir:          mediaDir,
	})
	h.srv = httptest.NewServer(server.Routes())
	t.Cleanup(func() {
		server.CloseChannels()
		h.srv.Close()
	})
	return h
}

func (h *harness) token(t *testing.T, userID string) string {
	t.Helper()
	token, err := h.auth.GenerateToken(userID, userID)
	require.NoError(t, err)
	return token
}

func (h *harness) do(t *testing.T, method, path, userID string, body io.Reader, contentType string) *http.Response {
	t.Helper()
	r, err := http.NewRequest(method, h.srv.URL+path, body)
	require.NoError(t, err)
	if userID != "" {
		r.AddCookie(&http.Cookie{Name: auth.CookieName, Value: h.token(t, userID)})
	}
	if contentType != "" {
		r.Header.Set("Content-Type", contentType)
	}
	resp, err := http.DefaultClient.Do(r)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func (h *harness) sendJSON(t *testing.T, from, to string, payload any) *http.Response {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	return h.do(t, http.MethodPost, "/api/messages/send/"+to, from, bytes.NewReader(body), "application/json")
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestServer_Health(t *testing.T) {
	h := newHarness(t, nil)

	resp := h.do(t, http.MethodGet, "/health", "", nil, "")

	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	require.Equal(t, "OK", string(body))
}

func TestServer_Requires_Auth(t *testing.T) {
	req := require.New(t)
	h := newHarness(t, nil)

	resp := h.do(t, http.MethodGet, "/api/messages/users", "", nil, "")
	req.Equal(http.StatusUnauthorized, resp.StatusCode)

	// A valid token for an account that no longer exists is rejected too.
	resp = h.do(t, http.MethodGet, "/api/messages/users", "ghost", nil, "")
	req.Equal(http.StatusUnauthorized, resp.StatusCode)
	req.Equal("Unauthorized - User not found", decode[map[string]string](t, resp)["error"])
}

func TestServer_Bearer_Header(t *testing.T) {
	h := newHarness(t, nil)
	r, err := http.NewRequest(http.MethodGet, h.srv.URL+"/api/messages/users", nil)
	require.NoError(t, err)
	r.Header.Set("Authorization", "Bearer "+h.token(t, "alice"))

	resp, err := http.DefaultClient.Do(r)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServer_List_Users_Excludes_Caller(t *testing.T) {
	req := require.New(t)
	h := newHarness(t, nil)

	resp := h.do(t, http.MethodGet, "/api/messages/users", "alice", nil, "")

	req.Equal(http.StatusOK, resp.StatusCode)
	roster := decode[[]map[string]any](t, resp)
	req.Len(roster, 1)
	req.Equal("bob", roster[0]["_id"])
	req.Equal("Bob", roster[0]["displayName"])
	req.Equal(false, roster[0]["online"])
}

func TestServer_Send_Text(t *testing.T) {
	req := require.New(t)
	h := newHarness(t, nil)

	// When alice sends "hi" to bob
	resp := h.sendJSON(t, "alice", "bob", map[string]string{"content": "hi"})

	// Then the stored message comes back with server fields
	req.Equal(http.StatusCreated, resp.StatusCode)
	body := decode[map[string]any](t, resp)
	req.NotEmpty(body["_id"])
	req.Equal("hi", body["content"])
	req.Contains(body, "imageUrl")
	req.Nil(body["imageUrl"])
	req.Equal("alice", body["senderId"])
	req.Equal("bob", body["receiverId"])
	req.NotEmpty(body["createdAt"])

	// And bob reads it back
	resp = h.do(t, http.MethodGet, "/api/messages/alice", "bob", nil, "")
	req.Equal(http.StatusOK, resp.StatusCode)
	history := decode[[]map[string]any](t, resp)
	req.Len(history, 1)
	req.Equal(body["_id"], history[0]["_id"])
}

func TestServer_Send_Empty_Is_Rejected(t *testing.T) {
	req := require.New(t)
	h := newHarness(t, nil)

	resp := h.sendJSON(t, "alice", "bob", map[string]string{"content": ""})

	req.Equal(http.StatusBadRequest, resp.StatusCode)
	req.Equal("Message content or image is required", decode[map[string]string](t, resp)["error"])

	// No message was stored
	resp = h.do(t, http.MethodGet, "/api/messages/bob", "alice", nil, "")
	req.Empty(decode[[]map[string]any](t, resp))
}

func TestServer_Send_Unknown_Receiver(t *testing.T) {
	req := require.New(t)
	h := newHarness(t, nil)

	resp := h.sendJSON(t, "alice", "ghost", map[string]string{"content": "hi"})

	req.Equal(http.StatusNotFound, resp.StatusCode)
	req.Equal("Receiver not found", decode[map[string]string](t, resp)["error"])
}

func TestServer_Conversation_Unknown_User(t *testing.T) {
	req := require.New(t)
	h := newHarness(t, nil)

	resp := h.do(t, http.MethodGet, "/api/messages/ghost", "alice", nil, "")

	req.Equal(http.StatusNotFound, resp.StatusCode)
	req.Equal("User not found", decode[map[string]string](t, resp)["error"])
}

func TestServer_Send_Multipart_Image(t *testing.T) {
	req := require.New(t)
	h := newHarness(t, nil)

	var buf bytes.Buffer
	form := multipart.NewWriter(&buf)
	req.NoError(form.WriteField("content", "look"))
	part, err := form.CreateFormFile("image", "dot.png")
	req.NoError(err)
	_, err = part.Write(pngBytes)
	req.NoError(err)
	req.NoError(form.Close())

	resp := h.do(t, http.MethodPost, "/api/messages/send/bob", "alice", &buf, form.FormDataContentType())

	req.Equal(http.StatusCreated, resp.StatusCode)
	body := decode[map[string]any](t, resp)
	req.Equal("look", body["content"])
	imageURL, _ := body["imageUrl"].(string)
	req.True(strings.HasPrefix(imageURL, "http://media.test/media/"))

	// The disk uploader's file is served under /media/
	name := imageURL[strings.LastIndex(imageURL, "/")+1:]
	media := h.do(t, http.MethodGet, "/media/"+name, "", nil, "")
	req.Equal(http.StatusOK, media.StatusCode)
	served, _ := io.ReadAll(media.Body)
	req.Equal(pngBytes, served)
}

func TestServer_Send_JSON_Data_URL_Image(t *testing.T) {
	req := require.New(t)
	h := newHarness(t, nil)

	dataURL := "data:image/png;base64,iVBORw0KGgoAAAANSUhEUgAAAAEAAAABCAYAAAAfFcSJ"
	resp := h.sendJSON(t, "alice", "bob", map[string]string{"image": dataURL})

	req.Equal(http.StatusCreated, resp.StatusCode)
	body := decode[map[string]any](t, resp)
	req.Nil(body["content"])
	req.NotEmpty(body["imageUrl"])
}

func TestServer_Send_Upload_Failure(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	uploader := mocks.NewMockUploader(ctrl)
	uploader.EXPECT().Upload(gomock.Any(), gomock.Any()).Return("", errors.New("media host down"))
	h := newHarness(t, uploader)

	resp := h.sendJSON(t, "alice", "bob", map[string]string{"content": "hi", "image": "aGVsbG8="})

	req.Equal(http.StatusBadGateway, resp.StatusCode)
	req.Equal("Image upload failed", decode[map[string]string](t, resp)["error"])
}

func TestServer_Send_Invalid_Body(t *testing.T) {
	h := newHarness(t, nil)

	resp := h.do(t, http.MethodPost, "/api/messages/send/bob", "alice", strings.NewReader("{"), "application/json")

	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServer_CORS_Preflight(t *testing.T) {
	req := require.New(t)
	h := newHarness(t, nil)
	r, err := http.NewRequest(http.MethodOptions, h.srv.URL+"/api/messages/users", nil)
	req.NoError(err)
	r.Header.Set("Origin", "http://localhost:5173")

	resp, err := http.DefaultClient.Do(r)
	req.NoError(err)
	defer func() { _ = resp.Body.Close() }()

	req.Equal(http.StatusNoContent, resp.StatusCode)
	req.Equal("http://localhost:5173", resp.Header.Get("Access-Control-Allow-Origin"))
	req.Equal("true", resp.Header.Get("Access-Control-Allow-Credentials"))
}

func (h *harness) dialWS(t *testing.T, userID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/ws?token=" + h.token(t, userID)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	require.Eventually(t, func() bool { return h.hub.Online(userID) }, 2*time.Second, 10*time.Millisecond)
	return conn
}

func readNewMessage(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		var evt struct {
			Type string         `json:"type"`
			Data map[string]any `json:"data"`
		}
		if err := conn.ReadJSON(&evt); err != nil {
			// presence frames carry an array; skip anything that is not a message
			var typeErr *json.UnmarshalTypeError
			if errors.As(err, &typeErr) {
				continue
			}
			require.NoError(t, err)
		}
		if evt.Type == delivery.EventNewMessage {
			return evt.Data
		}
	}
}

func TestServer_Websocket_Push_To_Receiver(t *testing.T) {
	req := require.New(t)
	h := newHarness(t, nil)

	// Given bob is connected
	conn := h.dialWS(t, "bob")

	// When alice sends him a message over HTTP
	resp := h.sendJSON(t, "alice", "bob", map[string]string{"content": "ping"})
	req.Equal(http.StatusCreated, resp.StatusCode)
	sent := decode[map[string]any](t, resp)

	// Then bob's channel receives the same record
	pushed := readNewMessage(t, conn)
	req.Equal(sent["_id"], pushed["_id"])
	req.Equal("ping", pushed["content"])

	// And the roster shows bob online
	roster := decode[[]map[string]any](t, h.do(t, http.MethodGet, "/api/messages/users", "alice", nil, ""))
	req.Equal(true, roster[0]["online"])
}

func TestServer_Websocket_Rejects_Missing_Token(t *testing.T) {
	h := newHarness(t, nil)
	url := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/ws"

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)

	require.Error(t, err)
	require.NotNil(t, resp)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestServer_Websocket_Disconnect_Records_Last_Seen(t *testing.T) {
	req := require.New(t)
	h := newHarness(t, nil)

	conn := h.dialWS(t, "bob")
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	_ = conn.Close()

	req.Eventually(func() bool {
		u, err := h.users.GetByID(context.Background(), "bob")
		return err == nil && u.LastSeen != nil
	}, 2*time.Second, 10*time.Millisecond)
	req.False(h.hub.Online("bob"))
}
