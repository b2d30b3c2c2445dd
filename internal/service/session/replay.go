package session

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	"sealed_chat/internal/protocol/nanotdf"
	"sealed_chat/internal/utils/log"
)

// replayWorker drains the durable queue whenever a connection comes up and
// again on a fixed cadence, so envelopes parked during an outage eventually
// reach their handlers.
func (c *Client) replayWorker() {
	defer c.wg.Done()
	if c.queue == nil {
		return
	}

	ticker := time.NewTicker(c.cfg.ReplayInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
		case <-c.replayCh:
		}
		if c.State() != StateConnected {
			continue
		}
		c.replayQueue()
	}
}

// replayQueue runs every parked envelope back through the inbound pipeline.
// Entries that process cleanly are removed; entries that fail again stay in
// place for the next pass.
func (c *Client) replayQueue() {
	msgs, err := c.queue.Pending(0)
	if err != nil {
		log.Error("cannot read parked envelopes", zap.Error(err))
		return
	}

	replayed := 0
	for _, msg := range msgs {
		err := c.handleSealed(msg.Raw, msg.Kind)
		if errors.Is(err, ErrNotConnected) || errors.Is(err, context.Canceled) {
			break
		}
		if err != nil {
			continue
		}
		if err := c.queue.Remove(msg.ID); err != nil {
			log.Error("cannot remove replayed envelope", zap.String("id", msg.ID), zap.Error(err))
			continue
		}
		replayed++
	}
	if replayed > 0 {
		log.Info("replayed parked envelopes", zap.Int("count", replayed), zap.Int("parked", len(msgs)))
	}
}

// streamID extracts the stream an envelope belongs to, for queue bucketing.
// Only plain embedded policies can name one; everything else shares the
// default bucket.
func streamID(raw []byte) string {
	env, err := nanotdf.Parse(raw)
	if err != nil || env.Policy.Type != nanotdf.PolicyEmbeddedPlain {
		return ""
	}
	var meta struct {
		Stream string `json:"stream"`
	}
	if err := json.Unmarshal(env.Policy.Body, &meta); err != nil {
		return ""
	}
	return meta.Stream
}
