// Package router classifies decrypted envelopes by their policy descriptor
// and dispatches the plaintext to the matching content handler.
package router

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"sealed_chat/internal/protocol/nanotdf"
)

// Category is the closed set of content categories. Adding one means
// touching Classify, Route, and every Handlers literal, which is the point.
type Category int

const (
	CategoryMessage Category = iota
	CategoryAccountProfile
	CategoryStreamProfile
	CategoryMediaFrame
)

func (c Category) String() string {
	switch c {
	case CategoryMessage:
		return "message"
	case CategoryAccountProfile:
		return "account_profile"
	case CategoryStreamProfile:
		return "stream_profile"
	case CategoryMediaFrame:
		return "media_frame"
	default:
		return fmt.Sprintf("category(%d)", int(c))
	}
}

// ErrNoHandler is returned when the category's handler slot is empty. The
// caller logs and drops; retrying would not change the outcome until a
// handler is registered.
var ErrNoHandler = errors.New("router: no handler registered")

type (
	// ContentHandler consumes plaintext that still needs its policy and
	// envelope downstream.
	ContentHandler interface {
		Handle(plaintext []byte, policy *nanotdf.Policy, env *nanotdf.Envelope) error
	}

	// MediaFrameHandler consumes raw media frames; nothing downstream needs
	// the policy or envelope.
	MediaFrameHandler interface {
		HandleFrame(plaintext []byte) error
	}

	// CustomFrameHandler consumes wire frames with unknown type bytes.
	CustomFrameHandler interface {
		HandleCustom(code byte, body []byte) error
	}

	// Handlers is the set of registered content handlers. Nil slots are
	// legal; routing to one is ErrNoHandler.
	Handlers struct {
		AccountProfile ContentHandler
		StreamProfile  ContentHandler
		Message        ContentHandler
		MediaFrame     MediaFrameHandler
		Custom         CustomFrameHandler
	}

	// Router dispatches classified plaintext.
	Router struct {
		handlers Handlers
	}
)

// ContentHandlerFunc adapts a function to ContentHandler.
type ContentHandlerFunc func(plaintext []byte, policy *nanotdf.Policy, env *nanotdf.Envelope) error

func (f ContentHandlerFunc) Handle(plaintext []byte, policy *nanotdf.Policy, env *nanotdf.Envelope) error {
	return f(plaintext, policy, env)
}

// MediaFrameHandlerFunc adapts a function to MediaFrameHandler.
type MediaFrameHandlerFunc func(plaintext []byte) error

func (f MediaFrameHandlerFunc) HandleFrame(plaintext []byte) error { return f(plaintext) }

// CustomFrameHandlerFunc adapts a function to CustomFrameHandler.
type CustomFrameHandlerFunc func(code byte, body []byte) error

func (f CustomFrameHandlerFunc) HandleCustom(code byte, body []byte) error { return f(code, body) }

func New(h Handlers) *Router {
	return &Router{handlers: h}
}

// remoteMatches is the classification priority order for remote policy
// pointers. The first entry whose token appears anywhere in the URL wins,
// regardless of position in the string.
var remoteMatches = []struct {
	token string
	cat   Category
}{
	{"accountprofile", CategoryAccountProfile},
	{"streamprofile", CategoryStreamProfile},
	{"thought", CategoryMessage},
	{"videoframe", CategoryMediaFrame},
}

// inlineMetadata is the embedded policy body shape Classify understands.
type inlineMetadata struct {
	ContentType string `json:"content_type"`
}

// Classify maps a policy descriptor to its content category. It is total:
// anything unrecognizable is a message.
func Classify(p *nanotdf.Policy) Category {
	switch p.Type {
	case nanotdf.PolicyRemote:
		url := p.Remote.URL()
		for _, m := range remoteMatches {
			if strings.Contains(url, m.token) {
				return m.cat
			}
		}
		return CategoryMessage
	case nanotdf.PolicyEmbeddedPlain:
		var meta inlineMetadata
		if err := json.Unmarshal(p.Body, &meta); err != nil {
			return CategoryMessage
		}
		if isMediaType(meta.ContentType) {
			return CategoryMediaFrame
		}
		return CategoryMessage
	default:
		// Encrypted embedded policies are opaque until a later stage.
		return CategoryMessage
	}
}

func isMediaType(contentType string) bool {
	for _, prefix := range []string{"video/", "image/", "audio/"} {
		if strings.HasPrefix(contentType, prefix) {
			return true
		}
	}
	return false
}

// Route dispatches plaintext to the handler for its category.
func (r *Router) Route(cat Category, plaintext []byte, env *nanotdf.Envelope) error {
	switch cat {
	case CategoryAccountProfile:
		if r.handlers.AccountProfile == nil {
			return fmt.Errorf("%w for %v", ErrNoHandler, cat)
		}
		return r.handlers.AccountProfile.Handle(plaintext, &env.Policy, env)
	case CategoryStreamProfile:
		if r.handlers.StreamProfile == nil {
			return fmt.Errorf("%w for %v", ErrNoHandler, cat)
		}
		return r.handlers.StreamProfile.Handle(plaintext, &env.Policy, env)
	case CategoryMessage:
		if r.handlers.Message == nil {
			return fmt.Errorf("%w for %v", ErrNoHandler, cat)
		}
		return r.handlers.Message.Handle(plaintext, &env.Policy, env)
	case CategoryMediaFrame:
		if r.handlers.MediaFrame == nil {
			return fmt.Errorf("%w for %v", ErrNoHandler, cat)
		}
		return r.handlers.MediaFrame.HandleFrame(plaintext)
	default:
		return fmt.Errorf("router: unknown category %v", cat)
	}
}

// RouteCustom hands an unknown wire frame to the custom handler.
func (r *Router) RouteCustom(code byte, body []byte) error {
	if r.handlers.Custom == nil {
		return fmt.Errorf("%w for custom frame 0x%02x", ErrNoHandler, code)
	}
	return r.handlers.Custom.HandleCustom(code, body)
}
