package router

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sealed_chat/internal/protocol/nanotdf"
)

func remotePolicy(t *testing.T, rawURL string) *nanotdf.Policy {
	t.Helper()
	loc, err := nanotdf.NewLocator(rawURL)
	require.NoError(t, err)
	return &nanotdf.Policy{Type: nanotdf.PolicyRemote, Remote: loc}
}

func embeddedPolicy(body string) *nanotdf.Policy {
	return &nanotdf.Policy{Type: nanotdf.PolicyEmbeddedPlain, Body: []byte(body)}
}

func TestClassifyRemote(t *testing.T) {
	cases := []struct {
		url  string
		want Category
	}{
		{"https://p.example.com/accountprofile/42", CategoryAccountProfile},
		{"https://p.example.com/streamprofile/7", CategoryStreamProfile},
		{"https://p.example.com/thought/99", CategoryMessage},
		{"https://p.example.com/videoframe/3", CategoryMediaFrame},
		{"https://p.example.com/unrelated", CategoryMessage},
	}
	for _, tc := range cases {
		p := remotePolicy(t, tc.url)
		assert.Equal(t, tc.want, Classify(p), tc.url)
	}
}

func TestClassifyRemotePriority(t *testing.T) {
	// Priority order decides, not position in the string, and repeated
	// calls agree.
	cases := []struct {
		url  string
		want Category
	}{
		{"https://p.example.com/videoframe/accountprofile", CategoryAccountProfile},
		{"https://p.example.com/thought/streamprofile", CategoryStreamProfile},
		{"https://p.example.com/videoframe/thought", CategoryMessage},
		{"https://p.example.com/streamprofile/accountprofile/thought/videoframe", CategoryAccountProfile},
	}
	for _, tc := range cases {
		p := remotePolicy(t, tc.url)
		for i := 0; i < 50; i++ {
			require.Equal(t, tc.want, Classify(p), tc.url)
		}
	}
}

func TestClassifyEmbedded(t *testing.T) {
	cases := []struct {
		body string
		want Category
	}{
		{`{"content_type":"video/mp4"}`, CategoryMediaFrame},
		{`{"content_type":"image/png"}`, CategoryMediaFrame},
		{`{"content_type":"audio/ogg"}`, CategoryMediaFrame},
		{`{"content_type":"text/plain"}`, CategoryMessage},
		{`{"stream":"s-1"}`, CategoryMessage},
		{`not json at all`, CategoryMessage},
		{``, CategoryMessage},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Classify(embeddedPolicy(tc.body)), tc.body)
	}
}

func TestClassifyEncryptedEmbedded(t *testing.T) {
	p := &nanotdf.Policy{Type: nanotdf.PolicyEmbeddedEncrypted, Body: []byte{0xde, 0xad}}
	assert.Equal(t, CategoryMessage, Classify(p))
}

func TestRouteDispatch(t *testing.T) {
	env := &nanotdf.Envelope{Policy: nanotdf.Policy{Type: nanotdf.PolicyEmbeddedPlain, Body: []byte(`{}`)}}

	var got map[Category][]byte
	record := func(cat Category) ContentHandlerFunc {
		return func(plaintext []byte, policy *nanotdf.Policy, e *nanotdf.Envelope) error {
			require.Same(t, env, e)
			require.Same(t, &env.Policy, policy)
			got[cat] = plaintext
			return nil
		}
	}

	var frames [][]byte
	r := New(Handlers{
		AccountProfile: record(CategoryAccountProfile),
		StreamProfile:  record(CategoryStreamProfile),
		Message:        record(CategoryMessage),
		MediaFrame: MediaFrameHandlerFunc(func(plaintext []byte) error {
			frames = append(frames, plaintext)
			return nil
		}),
	})

	got = make(map[Category][]byte)
	for _, cat := range []Category{CategoryAccountProfile, CategoryStreamProfile, CategoryMessage} {
		require.NoError(t, r.Route(cat, []byte(cat.String()), env))
		assert.Equal(t, []byte(cat.String()), got[cat])
	}

	require.NoError(t, r.Route(CategoryMediaFrame, []byte("frame"), env))
	assert.Equal(t, [][]byte{[]byte("frame")}, frames)
}

func TestRouteMissingHandler(t *testing.T) {
	r := New(Handlers{
		Message: ContentHandlerFunc(func([]byte, *nanotdf.Policy, *nanotdf.Envelope) error {
			return nil
		}),
	})
	env := &nanotdf.Envelope{}

	require.NoError(t, r.Route(CategoryMessage, []byte("ok"), env))
	for _, cat := range []Category{CategoryAccountProfile, CategoryStreamProfile, CategoryMediaFrame} {
		err := r.Route(cat, []byte("x"), env)
		require.ErrorIs(t, err, ErrNoHandler, cat.String())
	}
}

func TestRouteHandlerError(t *testing.T) {
	boom := errors.New("handler exploded")
	r := New(Handlers{
		Message: ContentHandlerFunc(func([]byte, *nanotdf.Policy, *nanotdf.Envelope) error {
			return boom
		}),
	})
	err := r.Route(CategoryMessage, []byte("x"), &nanotdf.Envelope{})
	require.ErrorIs(t, err, boom)
}

func TestRouteCustom(t *testing.T) {
	var gotCode byte
	var gotBody []byte
	r := New(Handlers{
		Custom: CustomFrameHandlerFunc(func(code byte, body []byte) error {
			gotCode, gotBody = code, body
			return nil
		}),
	})

	require.NoError(t, r.RouteCustom(0x7f, []byte("custom body")))
	assert.Equal(t, byte(0x7f), gotCode)
	assert.Equal(t, []byte("custom body"), gotBody)

	bare := New(Handlers{})
	require.ErrorIs(t, bare.RouteCustom(0x7f, nil), ErrNoHandler)
}
