package kas

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"sealed_chat/internal/utils/log"
)

func spoolKey(handle string) string {
	return fmt.Sprintf("spool:%s", handle)
}

// spoolOffline stores a sealed frame for every registered agent that did not
// receive it live.
func (s *Server) spoolOffline(delivered map[string]bool, raw []byte) {
	if s.spool == nil || s.agents == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	handles, err := s.agents.Handles(ctx)
	if err != nil {
		log.Error("cannot list agents for spooling", zap.Error(err))
		return
	}

	for _, handle := range handles {
		if delivered[handle] {
			continue
		}
		if err := s.spool.AppendList(ctx, spoolKey(handle), raw); err != nil {
			log.Error("spool append failed", zap.String("agent", handle), zap.Error(err))
		}
	}
}

// drainSpool forwards every frame spooled for the agent while it was away.
// Frames that cannot be written go back to the spool.
func (s *Server) drainSpool(ac *agentConn) {
	if s.spool == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	vals, err := s.spool.TakeList(ctx, spoolKey(ac.handle))
	if err != nil {
		log.Error("spool drain failed", zap.String("agent", ac.handle), zap.Error(err))
		return
	}
	if len(vals) == 0 {
		return
	}

	for i, val := range vals {
		if err := ac.writeRaw([]byte(val)); err != nil {
			log.Warn("spool forward interrupted", zap.String("agent", ac.handle), zap.Error(err))
			rest := make([]any, 0, len(vals)-i)
			for _, v := range vals[i:] {
				rest = append(rest, []byte(v))
			}
			if err := s.spool.AppendList(ctx, spoolKey(ac.handle), rest...); err != nil {
				log.Error("respooling failed, frames lost",
					zap.String("agent", ac.handle), zap.Int("count", len(rest)), zap.Error(err))
			}
			return
		}
	}
	log.Info("forwarded spooled frames", zap.String("agent", ac.handle), zap.Int("count", len(vals)))
}
