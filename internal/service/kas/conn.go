package kas

import (
	"bytes"
	"crypto/rand"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"sealed_chat/internal/cryptographic/dh"
	"sealed_chat/internal/protocol/frame"
	"sealed_chat/internal/protocol/nanotdf"
	"sealed_chat/internal/protocol/rewrap"
	"sealed_chat/internal/utils/log"
)

const (
	handshakeWait = 10 * time.Second
	// readWait must outlast several client heartbeats.
	readWait  = 90 * time.Second
	writeWait = 5 * time.Second
)

// agentConn is one connected agent. The unwrap key is derived during the
// handshake and protects every rewrap response on this connection.
type agentConn struct {
	handle    string
	conn      *websocket.Conn
	unwrapKey []byte

	writeMu sync.Mutex
}

func (ac *agentConn) write(f frame.Frame) error {
	return ac.writeRaw(f.ToBytes())
}

func (ac *agentConn) writeRaw(data []byte) error {
	ac.writeMu.Lock()
	defer ac.writeMu.Unlock()
	return ac.conn.WriteMessage(websocket.BinaryMessage, data)
}

func (ac *agentConn) read() (frame.Frame, error) {
	_, data, err := ac.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	return frame.Decode(data)
}

// serveAgent owns one connection from handshake to teardown.
func (s *Server) serveAgent(handle string, conn *websocket.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	ac := &agentConn{handle: handle, conn: conn}
	clientKey, err := s.handshake(ac)
	if err != nil {
		log.Warn("agent handshake failed", zap.String("agent", handle), zap.Error(err))
		return
	}

	if !s.register(ac) {
		log.Warn("duplicated agent handle", zap.String("agent", handle))
		return
	}
	defer s.unregister(ac)
	log.Info("agent connected", zap.String("agent", handle))

	s.touchRegistry(handle, clientKey)
	s.drainSpool(ac)

	conn.SetReadDeadline(time.Now().Add(readWait))
	conn.SetPingHandler(func(appData string) error {
		conn.SetReadDeadline(time.Now().Add(readWait))
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			log.Debug("agent socket closed", zap.String("agent", handle), zap.Error(err))
			return
		}
		conn.SetReadDeadline(time.Now().Add(readWait))

		f, err := frame.Decode(data)
		if err != nil {
			log.Warn("dropping malformed frame", zap.String("agent", handle), zap.Error(err))
			continue
		}

		switch f := f.(type) {
		case *frame.Rewrap:
			s.handleRewrap(ac, f)
		case *frame.Sealed, *frame.SealedEvent:
			s.relay(ac, data)
		case *frame.KASKeyRequest:
			resp := &frame.KASKeyResponse{PublicKey: dh.Compress(s.priv.PublicKey())}
			if err := ac.write(resp); err != nil {
				return
			}
		default:
			log.Debug("ignoring frame", zap.String("agent", handle), zap.Uint8("type", byte(f.Type())))
		}
	}
}

// handshake runs the service half of the key exchange and returns the
// agent's compressed public key:
//
//	-> service session public key + salt
//	<- agent public key
//	<- service key request
//	-> service long-lived public key
func (s *Server) handshake(ac *agentConn) ([]byte, error) {
	sess, err := dh.NewP256KeyPair()
	if err != nil {
		return nil, err
	}
	salt := make([]byte, frame.SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}

	ac.conn.SetReadDeadline(time.Now().Add(handshakeWait))

	hello := &frame.SessionKey{PublicKey: dh.Compress(sess.PublicKey()), Salt: salt}
	if err := ac.write(hello); err != nil {
		return nil, fmt.Errorf("send session key: %v", err)
	}

	f, err := ac.read()
	if err != nil {
		return nil, fmt.Errorf("await agent key: %v", err)
	}
	agentKey, ok := f.(*frame.SessionKey)
	if !ok || agentKey.Salt != nil {
		return nil, fmt.Errorf("expected bare agent key, got %T", f)
	}
	peer, err := dh.ParseCompressed(agentKey.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("agent public key: %v", err)
	}
	secret, err := dh.SharedSecret(sess, peer)
	if err != nil {
		return nil, err
	}
	ac.unwrapKey, err = rewrap.SessionUnwrapKey(secret, salt)
	if err != nil {
		return nil, err
	}

	if f, err = ac.read(); err != nil {
		return nil, fmt.Errorf("await service key request: %v", err)
	}
	if _, ok := f.(*frame.KASKeyRequest); !ok {
		return nil, fmt.Errorf("expected service key request, got %T", f)
	}
	resp := &frame.KASKeyResponse{PublicKey: dh.Compress(s.priv.PublicKey())}
	if err := ac.write(resp); err != nil {
		return nil, fmt.Errorf("send service key: %v", err)
	}

	return agentKey.PublicKey, nil
}

// handleRewrap grants or denies one key request. A grant wraps the message
// secret toward the requesting connection's unwrap key; a denial is the bare
// identifier.
func (s *Server) handleRewrap(ac *agentConn, f *frame.Rewrap) {
	env, err := nanotdf.ParseHeader(f.Header)
	if err != nil {
		log.Warn("rewrap request with bad header", zap.String("agent", ac.handle), zap.Error(err))
		return
	}

	eph, err := dh.ParseCompressed(env.EphemeralKey)
	if err != nil {
		log.Warn("rewrap request with bad ephemeral key", zap.String("agent", ac.handle), zap.Error(err))
		return
	}
	messageSecret, err := dh.SharedSecret(s.priv, eph)
	if err != nil {
		s.deny(ac, env, "shared secret failed", err)
		return
	}

	contentKey, err := nanotdf.ContentKey(messageSecret)
	if err != nil {
		s.deny(ac, env, "content key derivation failed", err)
		return
	}
	if err := env.VerifyBinding(contentKey); err != nil {
		log.Error("rewrap denied, policy binding mismatch",
			zap.String("agent", ac.handle), zap.String("security", "binding_mismatch"))
		s.deny(ac, env, "", nil)
		return
	}
	if s.policyDenied(&env.Policy) {
		log.Info("rewrap denied by policy", zap.String("agent", ac.handle))
		s.deny(ac, env, "", nil)
		return
	}

	wrapped, err := rewrap.WrapMessageSecret(ac.unwrapKey, messageSecret)
	if err != nil {
		s.deny(ac, env, "wrap failed", err)
		return
	}

	resp := &frame.Rewrapped{Identifier: env.Identifier(), Wrapped: wrapped}
	if err := ac.write(resp); err != nil {
		log.Warn("rewrap response write failed", zap.String("agent", ac.handle), zap.Error(err))
	}
}

func (s *Server) deny(ac *agentConn, env *nanotdf.Envelope, reason string, err error) {
	if reason != "" {
		log.Warn("rewrap denied: "+reason, zap.String("agent", ac.handle), zap.Error(err))
	}
	resp := &frame.Rewrapped{Identifier: env.Identifier()}
	if werr := ac.write(resp); werr != nil {
		log.Warn("rewrap denial write failed", zap.String("agent", ac.handle), zap.Error(werr))
	}
}

// policyDenied reports whether the envelope's policy matches a configured
// deny entry.
func (s *Server) policyDenied(p *nanotdf.Policy) bool {
	for _, needle := range s.cfg.DenyPolicies {
		switch p.Type {
		case nanotdf.PolicyRemote:
			if strings.Contains(p.Remote.URL(), needle) {
				return true
			}
		default:
			if bytes.Contains(p.Body, []byte(needle)) {
				return true
			}
		}
	}
	return false
}

// relay forwards a sealed frame to every other live agent and spools it for
// registered agents that are offline.
func (s *Server) relay(from *agentConn, raw []byte) {
	delivered := map[string]bool{from.handle: true}
	for _, peer := range s.peers(from.handle) {
		if err := peer.writeRaw(raw); err != nil {
			log.Warn("relay failed", zap.String("to", peer.handle), zap.Error(err))
			continue
		}
		delivered[peer.handle] = true
	}
	s.spoolOffline(delivered, raw)
}
