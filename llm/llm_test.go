package llm

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProvider struct {
	name        string
	claimPrefix string
}

func (f *fakeProvider) Name() string { return f.name }
func (f *fakeProvider) Claims(model string) bool {
	return f.claimPrefix == "" || model == f.claimPrefix
}
func (f *fakeProvider) Complete(ctx context.Context, req Request) (Response, error) {
	return Response{Content: "from " + f.name}, nil
}
func (f *fakeProvider) Stream(ctx context.Context, req Request) (<-chan StreamChunk, error) {
	return nil, nil
}

func TestRegistry_ResolveNamedProvider(t *testing.T) {
	r := NewRegistry("anthropic")
	anthropic := &fakeProvider{name: "anthropic", claimPrefix: "claude-3"}
	r.Register(anthropic)

	p, err := r.Resolve("anthropic/claude-3")
	require.NoError(t, err)
	assert.Same(t, anthropic, p)
}

func TestRegistry_ResolveUsesDefaultProviderWhenNoSlash(t *testing.T) {
	r := NewRegistry("anthropic")
	anthropic := &fakeProvider{name: "anthropic", claimPrefix: "claude-3"}
	r.Register(anthropic)

	p, err := r.Resolve("claude-3")
	require.NoError(t, err)
	assert.Same(t, anthropic, p)
}

func TestRegistry_FallsBackWhenNamedProviderDoesNotClaim(t *testing.T) {
	r := NewRegistry("anthropic")
	anthropic := &fakeProvider{name: "anthropic", claimPrefix: "claude-3"}
	fallback := &fakeProvider{name: "fallback"}
	r.Register(anthropic)
	r.SetFallback(fallback)

	p, err := r.Resolve("anthropic/some-other-model")
	require.NoError(t, err)
	assert.Same(t, fallback, p)
}

func TestRegistry_ErrNoProviderWhenUnresolvable(t *testing.T) {
	r := NewRegistry("anthropic")
	_, err := r.Resolve("anthropic/claude-3")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNoProvider))
}

func TestRegistry_UnregisteredProviderNameFallsBack(t *testing.T) {
	r := NewRegistry("anthropic")
	fallback := &fakeProvider{name: "fallback"}
	r.SetFallback(fallback)

	p, err := r.Resolve("openai/gpt-4")
	require.NoError(t, err)
	assert.Same(t, fallback, p)
}
