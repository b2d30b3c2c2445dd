// Package kas is the development key access service: the server half of the
// sealed-envelope protocol. It answers handshakes, grants or denies rewrap
// requests, relays sealed frames between connected agents, and spools frames
// for agents that are offline.
package kas

import (
	"context"
	"crypto/ecdh"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"sealed_chat/internal/cryptographic/dh"
	"sealed_chat/internal/repository/agent"
	"sealed_chat/internal/service/redis"
	"sealed_chat/internal/utils/log"
)

// kasKeyName is the redis key holding the service's long-lived private key,
// so the key survives restarts and clients keep trusting it. Development
// grade on purpose; a production service would keep this in an HSM.
const kasKeyName = "kas:private_key"

const storeTimeout = 5 * time.Second

type (
	Config struct {
		// Addr is the listen address.
		Addr string
		// Bearer, when set, is required from every connecting agent.
		Bearer string
		// DenyPolicies lists substrings; a rewrap request whose policy
		// matches one is denied.
		DenyPolicies []string
	}

	Server struct {
		cfg    Config
		agents *agent.AgentRepo
		spool  *redis.Service
		priv   *ecdh.PrivateKey

		mu    sync.Mutex
		conns map[string]*agentConn

		httpSrv *http.Server
		wg      sync.WaitGroup
	}
)

// NewServer builds the service. agents and spool may each be nil, which
// disables the registry endpoint and offline spooling respectively.
func NewServer(cfg Config, agents *agent.AgentRepo, spool *redis.Service) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		agents: agents,
		spool:  spool,
		conns:  make(map[string]*agentConn),
	}
	if err := s.loadOrCreateKey(); err != nil {
		return nil, err
	}
	return s, nil
}

// loadOrCreateKey restores the long-lived service key from the store, or
// generates and persists a fresh one.
func (s *Server) loadOrCreateKey() error {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	if s.spool != nil {
		val, err := s.spool.GetValue(ctx, kasKeyName)
		if err != nil {
			return fmt.Errorf("kas: load service key: %w", err)
		}
		if val != "" {
			raw, err := base64.StdEncoding.DecodeString(val)
			if err != nil {
				return fmt.Errorf("kas: stored service key is not base64: %w", err)
			}
			priv, err := ecdh.P256().NewPrivateKey(raw)
			if err != nil {
				return fmt.Errorf("kas: stored service key invalid: %w", err)
			}
			s.priv = priv
			return nil
		}
	}

	priv, err := dh.NewP256KeyPair()
	if err != nil {
		return err
	}
	s.priv = priv

	if s.spool != nil {
		encoded := base64.StdEncoding.EncodeToString(priv.Bytes())
		if err := s.spool.SetValue(ctx, kasKeyName, encoded); err != nil {
			return fmt.Errorf("kas: persist service key: %w", err)
		}
	}
	return nil
}

// Handler builds the HTTP routes.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/kas", s.HandleAgentWS()).Methods(http.MethodGet)
	r.HandleFunc("/agents/{handle}", s.GetAgent()).Methods(http.MethodGet)
	return r
}

// Run serves until Close is called.
func (s *Server) Run() error {
	s.httpSrv = &http.Server{Addr: s.cfg.Addr, Handler: s.Handler()}
	log.Info("key access service listening", zap.String("addr", s.cfg.Addr))

	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Close stops accepting connections, closes every agent socket, and waits
// for their workers.
func (s *Server) Close() error {
	var err error
	if s.httpSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		defer cancel()
		err = s.httpSrv.Shutdown(ctx)
	}

	s.mu.Lock()
	conns := make([]*agentConn, 0, len(s.conns))
	for _, ac := range s.conns {
		conns = append(conns, ac)
	}
	s.mu.Unlock()
	for _, ac := range conns {
		ac.conn.Close()
	}

	s.wg.Wait()
	return err
}

func (s *Server) HandleAgentWS() http.HandlerFunc {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return true // Allow all origins
		},
	}

	return func(w http.ResponseWriter, r *http.Request) {
		if !s.authorized(r) {
			http.Error(w, "bad credentials", http.StatusUnauthorized)
			return
		}

		handle := r.URL.Query().Get("agent")
		if handle == "" {
			http.Error(w, "agent cannot be empty", http.StatusBadRequest)
			return
		}

		s.mu.Lock()
		_, taken := s.conns[handle]
		s.mu.Unlock()
		if taken {
			http.Error(w, "duplicated agent handle", http.StatusBadRequest)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Warn("upgrade failed", zap.String("agent", handle), zap.Error(err))
			return
		}

		s.wg.Add(1)
		go s.serveAgent(handle, conn)
	}
}

func (s *Server) authorized(r *http.Request) bool {
	if s.cfg.Bearer == "" {
		return true
	}
	return r.Header.Get("Authorization") == "Bearer "+s.cfg.Bearer
}

func (s *Server) GetAgent() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		vars := mux.Vars(r)
		handle := vars["handle"]

		if s.agents == nil {
			http.Error(w, "registry disabled", http.StatusNotImplemented)
			return
		}

		a, err := s.agents.GetByHandle(ctx, handle)
		if err != nil {
			log.Error("agent lookup failed", zap.String("handle", handle), zap.Error(err))
			http.Error(w, "agent lookup failed", http.StatusInternalServerError)
			return
		}
		if a == nil {
			http.Error(w, "agent does not exist", http.StatusNotFound)
			return
		}

		data, err := json.Marshal(a)
		if err != nil {
			log.Error("agent lookup failed", zap.String("handle", handle), zap.Error(err))
			http.Error(w, "agent lookup failed", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write(data)
	}
}

func (s *Server) register(ac *agentConn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conns[ac.handle]; ok {
		return false
	}
	s.conns[ac.handle] = ac
	return true
}

func (s *Server) unregister(ac *agentConn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conns[ac.handle] == ac {
		delete(s.conns, ac.handle)
	}
}

// peers returns every live connection except the given handle.
func (s *Server) peers(except string) []*agentConn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*agentConn, 0, len(s.conns))
	for handle, ac := range s.conns {
		if handle != except {
			out = append(out, ac)
		}
	}
	return out
}

func (s *Server) touchRegistry(handle string, sessionKey []byte) {
	if s.agents == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := s.agents.Touch(ctx, handle, sessionKey); err != nil {
		log.Error("registry update failed", zap.String("agent", handle), zap.Error(err))
	}
}
