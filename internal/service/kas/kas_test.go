package kas

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"sealed_chat/internal/protocol/nanotdf"
	"sealed_chat/internal/service/router"
	"sealed_chat/internal/service/session"
	"sealed_chat/internal/utils/log"
)

func TestMain(m *testing.M) {
	log.Init("fatal", "", false)
	goleak.VerifyTestMain(m)
}

func startServer(t *testing.T, cfg Config) (*Server, string, string) {
	t.Helper()

	s, err := NewServer(cfg, nil, nil)
	require.NoError(t, err)

	hs := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		s.Close()
		hs.Close()
	})
	wsURL := "ws" + strings.TrimPrefix(hs.URL, "http") + "/kas"
	return s, wsURL, hs.URL
}

func newAgent(t *testing.T, url, handle string, h router.Handlers, mod func(*session.Config)) (*session.Client, chan session.State) {
	t.Helper()

	cfg := session.Config{
		URL:            url,
		Agent:          handle,
		Heartbeat:      time.Second,
		ReconnectDelay: 50 * time.Millisecond,
		RewrapTimeout:  2 * time.Second,
	}
	if mod != nil {
		mod(&cfg)
	}

	c, err := session.New(cfg, nil, nil, router.New(h))
	require.NoError(t, err)

	states := make(chan session.State, 32)
	c.Notify(states)
	return c, states
}

func waitConnected(t *testing.T, states <-chan session.State) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case s := <-states:
			if s == session.StateConnected {
				return
			}
		case <-deadline:
			t.Fatal("agent never connected")
		}
	}
}

// waitRegistered blocks until the daemon side has finished the handshake and
// entered the handle into its connection table. A client reports Connected as
// soon as it holds the KAS key, which can be a moment earlier.
func waitRegistered(t *testing.T, s *Server, handle string) {
	t.Helper()
	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		_, ok := s.conns[handle]
		return ok
	}, 5*time.Second, 10*time.Millisecond, "agent %q never registered", handle)
}

func thoughtPolicy() nanotdf.Policy {
	return nanotdf.Policy{
		Type:   nanotdf.PolicyRemote,
		Remote: nanotdf.Locator{Protocol: nanotdf.ProtocolHTTPS, Body: "kas.test/policy/thought/7"},
	}
}

func TestAgentRewrap(t *testing.T) {
	_, wsURL, _ := startServer(t, Config{})

	c, states := newAgent(t, wsURL, "ivy", router.Handlers{}, nil)
	defer c.Shutdown()
	c.Start()
	waitConnected(t, states)

	kasPub := c.KASKey()
	require.NotNil(t, kasPub)

	plaintext := []byte("between us only")
	env, err := nanotdf.Seal(plaintext, thoughtPolicy(), "wss://kas.test/kas", kasPub, nil)
	require.NoError(t, err)

	key, err := c.RequestKey(context.Background(), env)
	require.NoError(t, err)
	require.NotNil(t, key)

	pt, err := env.Decrypt(key)
	require.NoError(t, err)
	require.Equal(t, plaintext, pt)
}

func TestRelayBetweenAgents(t *testing.T) {
	srv, wsURL, _ := startServer(t, Config{})

	alice, aliceStates := newAgent(t, wsURL, "alice", router.Handlers{}, nil)
	defer alice.Shutdown()
	alice.Start()
	waitConnected(t, aliceStates)

	got := make(chan []byte, 1)
	bob, bobStates := newAgent(t, wsURL, "bob", router.Handlers{
		Message: router.ContentHandlerFunc(func(pt []byte, _ *nanotdf.Policy, _ *nanotdf.Envelope) error {
			got <- pt
			return nil
		}),
	}, nil)
	defer bob.Shutdown()
	bob.Start()
	waitConnected(t, bobStates)
	waitRegistered(t, srv, "alice")
	waitRegistered(t, srv, "bob")

	plaintext := []byte("meet me at the greenhouse")
	env, err := nanotdf.Seal(plaintext, thoughtPolicy(), "wss://kas.test/kas", alice.KASKey(), nil)
	require.NoError(t, err)
	require.NoError(t, alice.Send(env, false))

	select {
	case pt := <-got:
		require.Equal(t, plaintext, pt)
	case <-time.After(5 * time.Second):
		t.Fatal("relayed envelope never reached the peer")
	}
}

func TestDenyPolicy(t *testing.T) {
	_, wsURL, _ := startServer(t, Config{DenyPolicies: []string{"thought"}})

	c, states := newAgent(t, wsURL, "ivy", router.Handlers{}, nil)
	defer c.Shutdown()
	c.Start()
	waitConnected(t, states)

	env, err := nanotdf.Seal([]byte("blocked"), thoughtPolicy(), "wss://kas.test/kas", c.KASKey(), nil)
	require.NoError(t, err)

	key, err := c.RequestKey(context.Background(), env)
	require.NoError(t, err)
	require.Nil(t, key)
}

func TestBearerGate(t *testing.T) {
	_, wsURL, _ := startServer(t, Config{Bearer: "hunter2"})

	anon, _ := newAgent(t, wsURL, "anon", router.Handlers{}, nil)
	defer anon.Shutdown()
	anon.Start()
	require.Never(t, func() bool { return anon.State() == session.StateConnected },
		600*time.Millisecond, 50*time.Millisecond, "agent without credentials must not connect")

	c, states := newAgent(t, wsURL, "ivy", router.Handlers{}, func(cfg *session.Config) {
		cfg.Bearer = "hunter2"
	})
	defer c.Shutdown()
	c.Start()
	waitConnected(t, states)
}

func TestDuplicateHandleRejected(t *testing.T) {
	srv, wsURL, _ := startServer(t, Config{})

	c, states := newAgent(t, wsURL, "ivy", router.Handlers{}, nil)
	defer c.Shutdown()
	c.Start()
	waitConnected(t, states)
	waitRegistered(t, srv, "ivy")

	conn, _, err := websocket.DefaultDialer.Dial(wsURL+"?agent=ivy", nil)
	if conn != nil {
		conn.Close()
	}
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
}

func TestAgentLookupWithoutRegistry(t *testing.T) {
	_, _, httpURL := startServer(t, Config{})

	resp, err := http.Get(httpURL + "/agents/ivy")
	require.NoError(t, err)
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	require.Equal(t, http.StatusNotImplemented, resp.StatusCode)
}
