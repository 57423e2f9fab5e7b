package api

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"portal-realtime/internal/domain"
	"portal-realtime/internal/infrastructure/auth"
	"portal-realtime/internal/infrastructure/device"
	"portal-realtime/internal/infrastructure/httpapi"
	"portal-realtime/internal/infrastructure/memory"
	"portal-realtime/internal/infrastructure/websocket"
	"portal-realtime/internal/services"
	"portal-realtime/pkg/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const eventually = 3 * time.Second

type testServer struct {
	*httptest.Server
	hub      *websocket.Hub
	roster   *memory.RosterStore
	subs     *memory.PushSubscriptionRepository
	verifier *auth.JWTVerifier
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	roster := memory.NewRosterStore()
	subs := memory.NewPushSubscriptionRepository()
	verifier := auth.NewJWTVerifier("test-secret")
	hub := websocket.NewHub(roster, websocket.HubOptions{InstanceID: "test", StaleAfter: time.Minute}, logger.NewNop())

	server := httptest.NewServer(NewRouter(Dependencies{
		Hub:           hub,
		Verifier:      verifier,
		Roster:        roster,
		Subscriptions: subs,
		InstanceID:    "test",
		Log:           logger.NewNop(),
	}))
	t.Cleanup(func() {
		hub.CloseAll()
		server.Close()
	})

	return &testServer{Server: server, hub: hub, roster: roster, subs: subs, verifier: verifier}
}

func (s *testServer) token(t *testing.T, userID string) string {
	t.Helper()
	token, err := s.verifier.Sign(userID, time.Hour)
	require.NoError(t, err)
	return token
}

func (s *testServer) socketURL() string {
	return "ws" + strings.TrimPrefix(s.URL, "http") + "/socket"
}

type portalClient struct {
	manager  *services.ConnectionManager
	mux      *services.Multiplexer
	presence *services.Presence
}

func (s *testServer) connect(t *testing.T, userID string) *portalClient {
	t.Helper()
	manager := services.NewConnectionManager(websocket.NewDialer(s.socketURL(), logger.NewNop()), services.ManagerOptions{
		Policy: services.ReconnectPolicy{MaxAttempts: 2, Delay: 10 * time.Millisecond},
	}, logger.NewNop())
	mux := services.NewMultiplexer(manager, logger.NewNop())
	presence := services.NewPresence(mux, logger.NewNop())
	t.Cleanup(func() { manager.Close() })

	require.NoError(t, presence.Join(context.Background(), userID, services.Metadata{DisplayName: "User " + userID}))
	_, err := manager.Acquire(s.token(t, userID))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), eventually)
	defer cancel()
	require.NoError(t, manager.WaitConnected(ctx))

	return &portalClient{manager: manager, mux: mux, presence: presence}
}

func online(p *services.Presence) []string {
	ids := []string{}
	for _, entry := range p.Roster() {
		ids = append(ids, entry.UserID)
	}
	sort.Strings(ids)
	return ids
}

func TestSocket_RejectsInvalidToken(t *testing.T) {
	server := newTestServer(t)

	dialer := websocket.NewDialer(server.socketURL(), logger.NewNop())
	_, err := dialer.Dial(context.Background(), "not-a-jwt")
	assert.ErrorIs(t, err, domain.ErrUnauthorized)

	manager := services.NewConnectionManager(dialer, services.ManagerOptions{
		Policy: services.ReconnectPolicy{MaxAttempts: 5, Delay: 10 * time.Millisecond},
	}, logger.NewNop())
	defer manager.Close()

	_, err = manager.Acquire("not-a-jwt")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), eventually)
	defer cancel()
	assert.ErrorIs(t, manager.WaitConnected(ctx), domain.ErrUnauthorized)
	assert.Equal(t, domain.ConnectivityLost, manager.Status().Connectivity)
}

func TestPresence_RosterDedupedByUser(t *testing.T) {
	server := newTestServer(t)

	alice := server.connect(t, "alice")
	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]string{"alice"}, online(alice.presence))
	}, eventually, 10*time.Millisecond)

	bob := server.connect(t, "bob")
	aliceTab := server.connect(t, "alice")

	require.Eventually(t, func() bool {
		return server.roster.Connections("alice") == 2
	}, eventually, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		want := []string{"alice", "bob"}
		return assert.ObjectsAreEqual(want, online(alice.presence)) &&
			assert.ObjectsAreEqual(want, online(bob.presence)) &&
			assert.ObjectsAreEqual(want, online(aliceTab.presence))
	}, eventually, 10*time.Millisecond)

	// Closing one of alice's tabs keeps her listed.
	require.NoError(t, aliceTab.manager.Close())
	require.Eventually(t, func() bool {
		return server.roster.Connections("alice") == 1
	}, eventually, 10*time.Millisecond)
	assert.Equal(t, []string{"alice", "bob"}, online(bob.presence))

	require.NoError(t, bob.manager.Close())
	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]string{"alice"}, online(alice.presence))
	}, eventually, 10*time.Millisecond)
}

func TestPresence_ExplicitLeave(t *testing.T) {
	server := newTestServer(t)

	alice := server.connect(t, "alice")
	bob := server.connect(t, "bob")
	require.Eventually(t, func() bool {
		return len(online(alice.presence)) == 2
	}, eventually, 10*time.Millisecond)

	require.NoError(t, bob.presence.Leave(context.Background()))
	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]string{"alice"}, online(alice.presence))
	}, eventually, 10*time.Millisecond)
	assert.Empty(t, bob.presence.Roster())
}

func TestRoomEvents_DeliveredInOrder(t *testing.T) {
	server := newTestServer(t)
	client := server.connect(t, "alice")

	var mu sync.Mutex
	var got []string
	record := func(event domain.Event) {
		mu.Lock()
		got = append(got, event.Name)
		mu.Unlock()
	}
	sub := client.mux.JoinRoom(domain.Room{Kind: "election", ID: "42"}, map[string]domain.EventHandler{
		"election:vote":   record,
		"election:result": record,
	})
	defer sub.Leave(context.Background())

	require.Eventually(t, func() bool {
		return server.hub.RoomSize("election:42") == 1
	}, eventually, 10*time.Millisecond)

	token := server.token(t, "admin")
	for _, event := range []string{"election:vote", "election:result"} {
		req, err := http.NewRequest(http.MethodPost, server.URL+"/api/v1/rooms/election/42/events/"+event,
			bytes.NewBufferString(`{"electionId":"42"}`))
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Content-Type", "application/json")

		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		require.Equal(t, http.StatusAccepted, resp.StatusCode)
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	}, eventually, 10*time.Millisecond)
	assert.Equal(t, []string{"election:vote", "election:result"}, got)
}

func TestRoomEvents_RejectsForeignEvent(t *testing.T) {
	server := newTestServer(t)

	req, err := http.NewRequest(http.MethodPost, server.URL+"/api/v1/rooms/election/42/events/study:xp", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+server.token(t, "admin"))

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHeartbeat_Endpoint(t *testing.T) {
	server := newTestServer(t)
	client := httpapi.NewClient(server.URL, time.Second, logger.NewNop())

	require.NoError(t, client.SendHeartbeat(context.Background(), server.token(t, "alice")))

	err := client.SendHeartbeat(context.Background(), "forged")
	assert.ErrorIs(t, err, domain.ErrServerRejected)
	assert.False(t, domain.IsRetryable(err))
}

func TestPushSync_AnonymousThenLinked(t *testing.T) {
	server := newTestServer(t)
	ctx := context.Background()

	registry := device.NewRegistry(domain.PermissionGranted, "https://push.example", "")
	client := httpapi.NewClient(server.URL, time.Second, logger.NewNop())
	synchronizer := services.NewPushSynchronizer(registry, registry, client, time.Hour, logger.NewNop())

	result, err := synchronizer.SyncWithServer(ctx, "")
	require.NoError(t, err)
	anonID := result.OwnerRef
	require.True(t, strings.HasPrefix(anonID, "anon-"))

	sub, err := registry.Current(ctx)
	require.NoError(t, err)
	stored, err := server.subs.GetByEndpoint(ctx, sub.Endpoint)
	require.NoError(t, err)
	assert.Equal(t, anonID, stored.OwnerRef)

	result, err = synchronizer.SyncWithServer(ctx, server.token(t, "user-123"))
	require.NoError(t, err)
	assert.Equal(t, domain.SyncLinked, result.Outcome)
	assert.Equal(t, "user-123", result.OwnerRef)

	stored, err = server.subs.GetByEndpoint(ctx, sub.Endpoint)
	require.NoError(t, err)
	assert.Equal(t, "user-123", stored.OwnerRef)

	result, err = synchronizer.SyncWithServer(ctx, server.token(t, "user-123"))
	require.NoError(t, err)
	assert.Equal(t, domain.SyncThrottled, result.Outcome)

	result, err = synchronizer.SyncWithServer(ctx, server.token(t, "user-456"))
	require.NoError(t, err)
	assert.Equal(t, domain.SyncPerformed, result.Outcome)
	stored, err = server.subs.GetByEndpoint(ctx, sub.Endpoint)
	require.NoError(t, err)
	assert.Equal(t, "user-456", stored.OwnerRef)
}

func TestPushSync_AnonymousRequiresCorrelationID(t *testing.T) {
	server := newTestServer(t)
	client := httpapi.NewClient(server.URL, time.Second, logger.NewNop())

	_, err := client.SyncSubscription(context.Background(), "", domain.PushSyncRequest{
		Endpoint:   "https://push.example/x",
		PublicKey:  "pk",
		AuthSecret: "as",
	})
	assert.ErrorIs(t, err, domain.ErrServerRejected)
}

func TestHealth(t *testing.T) {
	server := newTestServer(t)

	resp, err := http.Get(server.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
