package internal

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"chatrelay/internal/auth"
	"chatrelay/internal/presence"
	"chatrelay/internal/storage"
)

type testEnv struct {
	t      *testing.T
	server *Server
	http   *httptest.Server
	store  *storage.Store
}

type testUser struct {
	ID    string
	Name  string
	Token string
}

func newTestEnv(t *testing.T, mutate ...func(*ServerOptions)) *testEnv {
	t.Helper()
	store, err := storage.NewStore("sqlite://file:" + t.Name() + "?mode=memory&cache=shared")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, store.Migrate(context.Background()))

	issuer, err := auth.NewIssuer("test-secret", time.Hour, "chatrelay")
	require.NoError(t, err)
	opts := ServerOptions{
		Store:      store,
		Issuer:     issuer,
		Logger:     zap.NewNop(),
		WSPath:     "/ws",
		EditWindow: 10 * time.Minute,
		SendBuffer: 64,
		AuthRate:   1000,
		AuthBurst:  1000,
	}
	for _, m := range mutate {
		m(&opts)
	}
	server := NewServer(opts)
	ts := httptest.NewServer(server.Handler())
	t.Cleanup(func() {
		server.CloseConnections()
		ts.Close()
	})
	return &testEnv{t: t, server: server, http: ts, store: store}
}

func (e *testEnv) do(method, path, token string, body any) (int, []byte) {
	e.t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(e.t, err)
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, e.http.URL+path, reader)
	require.NoError(e.t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := e.http.Client().Do(req)
	require.NoError(e.t, err)
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	require.NoError(e.t, err)
	return resp.StatusCode, out
}

func (e *testEnv) signup(name string) testUser {
	e.t.Helper()
	status, body := e.do(http.MethodPost, "/api/auth/register", "", map[string]string{
		"username": name, "email": name + "@example.com", "password": "password123",
	})
	require.Equal(e.t, http.StatusCreated, status, string(body))
	var user userDTO
	require.NoError(e.t, json.Unmarshal(body, &user))
	return testUser{ID: user.ID, Name: name, Token: e.login(name)}
}

func (e *testEnv) login(name string) string {
	e.t.Helper()
	status, body := e.do(http.MethodPost, "/api/auth/login", "", map[string]string{
		"email": name + "@example.com", "password": "password123",
	})
	require.Equal(e.t, http.StatusOK, status, string(body))
	var resp loginResponse
	require.NoError(e.t, json.Unmarshal(body, &resp))
	return resp.Token
}

func (e *testEnv) dial(token string) *websocket.Conn {
	e.t.Helper()
	conn, resp, err := e.tryDial(token)
	require.NoError(e.t, err)
	require.Equal(e.t, http.StatusSwitchingProtocols, resp.StatusCode)
	e.t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func (e *testEnv) tryDial(token string) (*websocket.Conn, *http.Response, error) {
	url := "ws" + strings.TrimPrefix(e.http.URL, "http") + "/ws"
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	return websocket.DefaultDialer.Dial(url, header)
}

type wireEvent struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

func send(t *testing.T, conn *websocket.Conn, event string, data any) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(map[string]any{"event": event, "data": data}))
}

// await reads until an event of the wanted type arrives.
func await(t *testing.T, conn *websocket.Conn, event string) wireEvent {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		require.NoError(t, conn.SetReadDeadline(deadline))
		var evt wireEvent
		require.NoError(t, conn.ReadJSON(&evt), "waiting for %s", event)
		if evt.Event == event {
			return evt
		}
	}
}

// awaitClosed reads until the server closes the connection.
func awaitClosed(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			var netErr net.Error
			require.False(t, errors.As(err, &netErr) && netErr.Timeout(), "connection was not closed")
			return
		}
	}
}

// announce blocks until the server has processed the announce frame.
func announce(t *testing.T, conn *websocket.Conn, userID string) []string {
	t.Helper()
	send(t, conn, "announce", map[string]string{"userId": userID})
	send(t, conn, "query-online", nil)
	var ids []string
	require.NoError(t, json.Unmarshal(await(t, conn, "online-users").Data, &ids))
	return ids
}

func TestPingAndMetrics(t *testing.T) {
	env := newTestEnv(t)
	status, body := env.do(http.MethodGet, "/ping", "", nil)
	require.Equal(t, http.StatusOK, status)
	require.JSONEq(t, `{"msg":"pong"}`, string(body))

	env.signup("alice")
	status, body = env.do(http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, status)
	require.Contains(t, string(body), "chatrelay_signups_total 1")
	require.Contains(t, string(body), `route="/api/auth/register"`)
}

func TestRegisterAndLogin(t *testing.T) {
	env := newTestEnv(t)
	env.signup("alice")

	status, _ := env.do(http.MethodPost, "/api/auth/register", "", map[string]string{
		"username": "alice", "email": "other@example.com", "password": "password123",
	})
	require.Equal(t, http.StatusConflict, status)

	status, _ = env.do(http.MethodPost, "/api/auth/register", "", map[string]string{
		"username": "al", "email": "al@example.com", "password": "password123",
	})
	require.Equal(t, http.StatusBadRequest, status)

	status, _ = env.do(http.MethodPost, "/api/auth/login", "", map[string]string{
		"email": "alice@example.com", "password": "wrong-password",
	})
	require.Equal(t, http.StatusUnauthorized, status)

	status, _ = env.do(http.MethodGet, "/api/auth/users", "", nil)
	require.Equal(t, http.StatusUnauthorized, status)
}

func TestAuthRateLimit(t *testing.T) {
	env := newTestEnv(t, func(o *ServerOptions) {
		o.AuthRate = 0.001
		o.AuthBurst = 2
	})
	creds := map[string]string{"email": "x@example.com", "password": "password123"}
	for i := 0; i < 2; i++ {
		status, _ := env.do(http.MethodPost, "/api/auth/login", "", creds)
		require.Equal(t, http.StatusUnauthorized, status)
	}
	status, _ := env.do(http.MethodPost, "/api/auth/login", "", creds)
	require.Equal(t, http.StatusTooManyRequests, status)
}

func TestAuthRateLimitIgnoresForwardedHeaders(t *testing.T) {
	login := func(env *testEnv, forwardedFor string) int {
		raw, err := json.Marshal(map[string]string{"email": "x@example.com", "password": "password123"})
		require.NoError(t, err)
		req, err := http.NewRequest(http.MethodPost, env.http.URL+"/api/auth/login", bytes.NewReader(raw))
		require.NoError(t, err)
		req.Header.Set("X-Forwarded-For", forwardedFor)
		req.Header.Set("X-Real-IP", forwardedFor)
		resp, err := env.http.Client().Do(req)
		require.NoError(t, err)
		_ = resp.Body.Close()
		return resp.StatusCode
	}
	limited := func(o *ServerOptions) {
		o.AuthRate = 0.001
		o.AuthBurst = 2
	}

	env := newTestEnv(t, limited)
	var throttled int
	for i := 0; i < 10; i++ {
		if login(env, fmt.Sprintf("203.0.113.%d", i+1)) == http.StatusTooManyRequests {
			throttled++
		}
	}
	require.Equal(t, 8, throttled)

	proxied := newTestEnv(t, limited, func(o *ServerOptions) { o.TrustProxyHeaders = true })
	for i := 0; i < 10; i++ {
		require.Equal(t, http.StatusUnauthorized, login(proxied, fmt.Sprintf("203.0.113.%d", i+1)))
	}
}

func TestPresenceOverWebsocket(t *testing.T) {
	env := newTestEnv(t)
	alice, bob := env.signup("alice"), env.signup("bob")

	bobConn := env.dial(bob.Token)
	require.Equal(t, []string{bob.ID}, announce(t, bobConn, ""))

	aliceConn := env.dial(alice.Token)
	online := announce(t, aliceConn, alice.ID)
	require.ElementsMatch(t, []string{alice.ID, bob.ID}, online)

	var payload map[string]string
	require.NoError(t, json.Unmarshal(await(t, bobConn, "user-online").Data, &payload))
	require.Equal(t, alice.ID, payload["userId"])

	send(t, aliceConn, "typing-start", map[string]string{"to": bob.ID})
	require.NoError(t, json.Unmarshal(await(t, bobConn, "typing-start").Data, &payload))
	require.Equal(t, alice.ID, payload["from"])

	status, body := env.do(http.MethodGet, "/api/presence/online", alice.Token, nil)
	require.Equal(t, http.StatusOK, status)
	require.Contains(t, string(body), bob.ID)

	require.NoError(t, aliceConn.Close())
	require.NoError(t, json.Unmarshal(await(t, bobConn, "user-offline").Data, &payload))
	require.Equal(t, alice.ID, payload["userId"])
}

func TestWebsocketRequiresToken(t *testing.T) {
	env := newTestEnv(t)
	_, resp, err := env.tryDial("")
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	_, resp, err = env.tryDial("garbage")
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestAnonymousPresenceAcceptsAnyID(t *testing.T) {
	env := newTestEnv(t, func(o *ServerOptions) { o.AnonymousPresence = true })
	conn := env.dial("")
	require.Equal(t, []string{"guest-1"}, announce(t, conn, "guest-1"))
}

func TestAnnounceForeignIDIsRefused(t *testing.T) {
	env := newTestEnv(t)
	alice := env.signup("alice")
	conn := env.dial(alice.Token)

	send(t, conn, "announce", map[string]string{"userId": "someone-else"})
	var payload map[string]string
	require.NoError(t, json.Unmarshal(await(t, conn, "error").Data, &payload))
	require.Equal(t, "forbidden", payload["code"])
	require.Empty(t, env.server.Registry().Snapshot())
}

func TestMessagingRelaysToRecipient(t *testing.T) {
	env := newTestEnv(t)
	alice, bob := env.signup("alice"), env.signup("bob")
	bobConn := env.dial(bob.Token)
	announce(t, bobConn, bob.ID)

	status, body := env.do(http.MethodPost, "/api/messages", alice.Token, map[string]string{"to": bob.ID, "text": "hi bob"})
	require.Equal(t, http.StatusCreated, status, string(body))
	var msg struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(body, &msg))

	var received map[string]any
	require.NoError(t, json.Unmarshal(await(t, bobConn, "message-received").Data, &received))
	require.Equal(t, msg.ID, received["id"])
	require.Equal(t, "hi bob", received["text"])
	require.Equal(t, alice.ID, received["from"])

	status, _ = env.do(http.MethodPut, "/api/messages/"+msg.ID, bob.Token, map[string]string{"text": "hijack"})
	require.Equal(t, http.StatusForbidden, status)

	status, _ = env.do(http.MethodPut, "/api/messages/"+msg.ID, alice.Token, map[string]string{"text": "hi bob!"})
	require.Equal(t, http.StatusOK, status)
	var edited map[string]string
	require.NoError(t, json.Unmarshal(await(t, bobConn, "message-edited").Data, &edited))
	require.Equal(t, map[string]string{"messageId": msg.ID, "newText": "hi bob!"}, edited)

	status, body = env.do(http.MethodGet, "/api/messages/"+alice.ID, bob.Token, nil)
	require.Equal(t, http.StatusOK, status)
	var history []struct {
		Text     string `json:"text"`
		FromSelf bool   `json:"fromSelf"`
	}
	require.NoError(t, json.Unmarshal(body, &history))
	require.Len(t, history, 1)
	require.Equal(t, "hi bob!", history[0].Text)
	require.False(t, history[0].FromSelf)

	status, _ = env.do(http.MethodDelete, "/api/messages/"+msg.ID, alice.Token, nil)
	require.Equal(t, http.StatusOK, status)
	await(t, bobConn, "message-deleted")

	status, _ = env.do(http.MethodDelete, "/api/messages/"+msg.ID, alice.Token, nil)
	require.Equal(t, http.StatusNotFound, status)

	status, _ = env.do(http.MethodPost, "/api/messages", alice.Token, map[string]string{"to": "nobody", "text": "?"})
	require.Equal(t, http.StatusNotFound, status)
}

func TestLogoutRevokesTokenAndDropsConnection(t *testing.T) {
	env := newTestEnv(t)
	alice, bob := env.signup("alice"), env.signup("bob")
	bobConn := env.dial(bob.Token)
	announce(t, bobConn, bob.ID)
	aliceConn := env.dial(alice.Token)
	announce(t, aliceConn, alice.ID)

	status, _ := env.do(http.MethodPost, "/api/auth/logout", alice.Token, nil)
	require.Equal(t, http.StatusNoContent, status)

	var payload map[string]string
	require.NoError(t, json.Unmarshal(await(t, bobConn, "user-offline").Data, &payload))
	require.Equal(t, alice.ID, payload["userId"])

	status, _ = env.do(http.MethodGet, "/api/auth/users", alice.Token, nil)
	require.Equal(t, http.StatusUnauthorized, status)
}

func TestLogoutKeepsOtherDevicesConnected(t *testing.T) {
	env := newTestEnv(t)
	alice, bob := env.signup("alice"), env.signup("bob")
	laptopToken, phoneToken := alice.Token, env.login("alice")
	bobConn := env.dial(bob.Token)
	announce(t, bobConn, bob.ID)

	laptop := env.dial(laptopToken)
	announce(t, laptop, alice.ID)
	phone := env.dial(phoneToken)
	announce(t, phone, alice.ID)

	status, _ := env.do(http.MethodPost, "/api/auth/logout", laptopToken, nil)
	require.Equal(t, http.StatusNoContent, status)
	awaitClosed(t, laptop)

	require.Contains(t, announce(t, phone, alice.ID), alice.ID)
	require.True(t, env.server.Registry().Online(alice.ID))
	status, _ = env.do(http.MethodGet, "/api/auth/users", phoneToken, nil)
	require.Equal(t, http.StatusOK, status)
	status, _ = env.do(http.MethodGet, "/api/auth/users", laptopToken, nil)
	require.Equal(t, http.StatusUnauthorized, status)
}

func TestFullSendQueueClosesSession(t *testing.T) {
	env := newTestEnv(t)
	alice, bob := env.signup("alice"), env.signup("bob")
	bobConn := env.dial(bob.Token)
	announce(t, bobConn, bob.ID)

	accepted := make(chan *websocket.Conn, 1)
	upgrades := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := env.server.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		accepted <- conn
	}))
	defer upgrades.Close()
	peer, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(upgrades.URL, "http"), nil)
	require.NoError(t, err)
	defer peer.Close()

	var conn *websocket.Conn
	select {
	case conn = <-accepted:
	case <-time.After(3 * time.Second):
		t.Fatal("upgrade never completed")
	}
	client := newClient(conn, 1, zap.NewNop())
	client.userID = alice.ID
	session := presence.NewSession(client, env.server.relay, zap.NewNop(), presence.WithIdentity(alice.ID))
	env.server.trackClient(client)
	require.NoError(t, session.Announce(alice.ID))
	await(t, bobConn, "user-online")

	require.True(t, client.Send(presence.TypingStart(bob.ID)))
	require.False(t, client.Send(presence.TypingStop(bob.ID)))
	select {
	case <-client.done:
	default:
		t.Fatal("full queue did not close the client")
	}

	pumped := make(chan struct{})
	go client.writePump()
	go func() {
		client.readPump(session, env.server)
		close(pumped)
	}()
	select {
	case <-pumped:
	case <-time.After(3 * time.Second):
		t.Fatal("read pump kept running after the queue overflowed")
	}
	require.Equal(t, presence.StateClosed, session.State())
	require.False(t, env.server.Registry().Online(alice.ID))

	var payload map[string]string
	require.NoError(t, json.Unmarshal(await(t, bobConn, "user-offline").Data, &payload))
	require.Equal(t, alice.ID, payload["userId"])

	session.Close()
	send(t, bobConn, "query-online", nil)
	offline := 0
	for {
		require.NoError(t, bobConn.SetReadDeadline(time.Now().Add(3*time.Second)))
		var evt wireEvent
		require.NoError(t, bobConn.ReadJSON(&evt))
		if evt.Event == "online-users" {
			break
		}
		if evt.Event == "user-offline" {
			offline++
		}
	}
	require.Zero(t, offline, "offline must be broadcast once")
}

func TestDeletedUserTokenStopsWorking(t *testing.T) {
	env := newTestEnv(t)
	admin, bob, victim := env.signup("admin"), env.signup("bob"), env.signup("victim")
	_, err := env.store.UpdateRole(context.Background(), admin.ID, storage.RoleAdmin)
	require.NoError(t, err)
	adminToken := env.login("admin")

	bobConn := env.dial(bob.Token)
	announce(t, bobConn, bob.ID)
	victimConn := env.dial(victim.Token)
	announce(t, victimConn, victim.ID)
	await(t, bobConn, "user-online")

	status, _ := env.do(http.MethodDelete, "/api/admin/users/"+victim.ID, adminToken, nil)
	require.Equal(t, http.StatusNoContent, status)
	awaitClosed(t, victimConn)
	var payload map[string]string
	require.NoError(t, json.Unmarshal(await(t, bobConn, "user-offline").Data, &payload))
	require.Equal(t, victim.ID, payload["userId"])

	_, resp, err := env.tryDial(victim.Token)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.NotContains(t, env.server.Registry().Snapshot(), victim.ID)

	status, _ = env.do(http.MethodPost, "/api/messages", victim.Token, map[string]string{"to": bob.ID, "text": "still here?"})
	require.Equal(t, http.StatusUnauthorized, status)
}

func TestFriendRequestFlow(t *testing.T) {
	env := newTestEnv(t)
	alice, bob := env.signup("alice"), env.signup("bob")

	status, _ := env.do(http.MethodPost, "/api/users/friend-requests/alice", alice.Token, nil)
	require.Equal(t, http.StatusBadRequest, status)
	status, _ = env.do(http.MethodPost, "/api/users/friend-requests/ghost", alice.Token, nil)
	require.Equal(t, http.StatusNotFound, status)
	status, _ = env.do(http.MethodPost, "/api/users/friend-requests/bob", alice.Token, nil)
	require.Equal(t, http.StatusAccepted, status)
	status, _ = env.do(http.MethodPost, "/api/users/friend-requests/bob", alice.Token, nil)
	require.Equal(t, http.StatusConflict, status)

	status, body := env.do(http.MethodGet, "/api/users/friend-requests", bob.Token, nil)
	require.Equal(t, http.StatusOK, status)
	require.JSONEq(t, `{"incoming":["alice"],"outgoing":[]}`, string(body))

	status, _ = env.do(http.MethodPost, "/api/users/friend-requests/alice/wave", bob.Token, nil)
	require.Equal(t, http.StatusBadRequest, status)
	status, _ = env.do(http.MethodPost, "/api/users/friend-requests/alice/accept", bob.Token, nil)
	require.Equal(t, http.StatusNoContent, status)
	status, _ = env.do(http.MethodPost, "/api/users/friend-requests/alice/accept", bob.Token, nil)
	require.Equal(t, http.StatusNotFound, status)

	aliceConn := env.dial(alice.Token)
	announce(t, aliceConn, alice.ID)
	status, body = env.do(http.MethodGet, "/api/users/friends", bob.Token, nil)
	require.Equal(t, http.StatusOK, status)
	var friends friendsResponse
	require.NoError(t, json.Unmarshal(body, &friends))
	require.Equal(t, []friendDTO{{ID: alice.ID, Username: "alice", Online: true}}, friends.Friends)
}

func TestAccountEndpoints(t *testing.T) {
	env := newTestEnv(t)
	alice, bob := env.signup("alice"), env.signup("bob")

	status, body := env.do(http.MethodGet, "/api/auth/users", alice.Token, nil)
	require.Equal(t, http.StatusOK, status)
	var users []userDTO
	require.NoError(t, json.Unmarshal(body, &users))
	require.Len(t, users, 1)
	require.Equal(t, bob.ID, users[0].ID)
	require.NotNil(t, users[0].Online)
	require.False(t, *users[0].Online)

	status, body = env.do(http.MethodPut, "/api/auth/avatar", alice.Token, map[string]string{"image": "svg"})
	require.Equal(t, http.StatusOK, status)
	require.JSONEq(t, `{"isSet":true,"image":"svg"}`, string(body))

	status, _ = env.do(http.MethodPost, "/api/auth/password", alice.Token, map[string]string{
		"current_password": "wrong-one", "new_password": "another-password",
	})
	require.Equal(t, http.StatusUnauthorized, status)
	status, _ = env.do(http.MethodPost, "/api/auth/password", alice.Token, map[string]string{
		"current_password": "password123", "new_password": "another-password",
	})
	require.Equal(t, http.StatusNoContent, status)
	status, _ = env.do(http.MethodPost, "/api/auth/login", "", map[string]string{
		"email": "alice@example.com", "password": "another-password",
	})
	require.Equal(t, http.StatusOK, status)
}

func TestAdminRoutesRequireAdminRole(t *testing.T) {
	env := newTestEnv(t)
	alice, bob := env.signup("alice"), env.signup("bob")

	status, _ := env.do(http.MethodGet, "/api/admin/users", alice.Token, nil)
	require.Equal(t, http.StatusForbidden, status)

	_, err := env.store.UpdateRole(context.Background(), alice.ID, storage.RoleAdmin)
	require.NoError(t, err)
	adminToken := env.login("alice")

	status, body := env.do(http.MethodGet, "/api/admin/users", adminToken, nil)
	require.Equal(t, http.StatusOK, status)
	var users []userDTO
	require.NoError(t, json.Unmarshal(body, &users))
	require.Len(t, users, 2)

	status, _ = env.do(http.MethodPut, "/api/admin/users/"+bob.ID+"/role", adminToken, map[string]string{"role": "root"})
	require.Equal(t, http.StatusBadRequest, status)
	status, _ = env.do(http.MethodPut, "/api/admin/users/"+bob.ID+"/role", adminToken, map[string]string{"role": "admin"})
	require.Equal(t, http.StatusOK, status)
	status, _ = env.do(http.MethodPut, "/api/admin/users/ghost/role", adminToken, map[string]string{"role": "user"})
	require.Equal(t, http.StatusNotFound, status)

	status, _ = env.do(http.MethodPut, "/api/admin/user/"+bob.ID+"/role", adminToken, map[string]string{"role": "user"})
	require.Equal(t, http.StatusOK, status)

	status, _ = env.do(http.MethodDelete, "/api/admin/user/"+bob.ID, adminToken, nil)
	require.Equal(t, http.StatusNoContent, status)
	status, _ = env.do(http.MethodDelete, "/api/admin/users/"+bob.ID, adminToken, nil)
	require.Equal(t, http.StatusNotFound, status)
}
