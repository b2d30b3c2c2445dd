package session

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"sealed_chat/internal/protocol/frame"
	"sealed_chat/internal/protocol/nanotdf"
	"sealed_chat/internal/utils/log"
)

// pendingRewrap is one outstanding key request. Every caller waiting on the
// same envelope shares one entry; closing done releases them all.
type pendingRewrap struct {
	done  chan struct{}
	timer *time.Timer

	// Valid once done is closed. Both nil means access was denied.
	key []byte
	err error
}

// RequestKey obtains the content key for an envelope from the service. A
// request for an envelope that is already in flight joins it instead of
// sending a second wire request; all joined callers see the same outcome.
//
// A denied request returns (nil, nil): no key, but not a failure. Losing the
// connection fails every outstanding request with ErrNotConnected, and a
// request unanswered past the configured timeout fails with ErrRewrapTimeout.
func (c *Client) RequestKey(ctx context.Context, env *nanotdf.Envelope) ([]byte, error) {
	id := string(env.Identifier())

	entry, registered := c.register(id)
	if registered {
		if err := c.writeFrame(&frame.Rewrap{Header: env.HeaderBytes()}); err != nil {
			// A failed write means the connection is gone or going.
			if !errors.Is(err, ErrNotConnected) {
				log.Warn("rewrap request write failed", zap.Error(err))
				err = ErrNotConnected
			}
			c.resolve(id, nil, err)
		}
	}

	select {
	case <-entry.done:
		return entry.key, entry.err
	case <-ctx.Done():
		// The entry stays registered; the shared timer or a response
		// will clean it up for any remaining callers.
		return nil, ctx.Err()
	}
}

// register returns the entry for id, creating and arming it if this caller
// is the first. The second return reports whether the caller registered the
// entry, and therefore owns sending the wire request.
func (c *Client) register(id string) (*pendingRewrap, bool) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()

	if entry, ok := c.pending[id]; ok {
		return entry, false
	}
	entry := &pendingRewrap{done: make(chan struct{})}
	entry.timer = time.AfterFunc(c.cfg.RewrapTimeout, func() {
		c.resolve(id, nil, ErrRewrapTimeout)
	})
	c.pending[id] = entry
	return entry, true
}

// resolve completes the entry for id exactly once and reports whether an
// entry existed. Late or duplicate resolutions are no-ops.
func (c *Client) resolve(id string, key []byte, err error) bool {
	c.pendingMu.Lock()
	entry, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.pendingMu.Unlock()
	if !ok {
		return false
	}

	entry.timer.Stop()
	entry.key, entry.err = key, err
	close(entry.done)
	return true
}

// failAllPending resolves every outstanding request with err.
func (c *Client) failAllPending(err error) {
	c.pendingMu.Lock()
	pending := c.pending
	c.pending = make(map[string]*pendingRewrap)
	c.pendingMu.Unlock()

	for _, entry := range pending {
		entry.timer.Stop()
		entry.err = err
		close(entry.done)
	}
}
