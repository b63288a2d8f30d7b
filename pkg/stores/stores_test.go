package stores

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/latentfields/openclaw/pkg/boundary"
	"github.com/latentfields/openclaw/pkg/rterr"
	"github.com/latentfields/openclaw/pkg/types"
)

func TestWriteAllowedFromTrustedSource(t *testing.T) {
	router := boundary.NewRouter()
	s := New(types.PayloadPOL, router)

	err := s.Write(types.SourceTrustedInternal, "max_retries", 3)
	require.NoError(t, err)

	v, ok := s.Read("max_retries")
	require.True(t, ok)
	assert.Equal(t, 3, v)
}

func TestWriteDeniedFromUntrustedSource(t *testing.T) {
	router := boundary.NewRouter()
	s := New(types.PayloadCAPS, router)

	err := s.Write(types.SourceModelInternal, "x", "y")
	require.Error(t, err)
	assert.True(t, rterr.Is(err, rterr.CodeTrustedStore))

	_, ok := s.Read("x")
	assert.False(t, ok, "denied write must leave the store unmodified")
}

func TestReadIsUnrestricted(t *testing.T) {
	router := boundary.NewRouter()
	s := New(types.PayloadID, router)
	require.NoError(t, s.Write(types.SourceTrustedInternal, "k", "v"))

	v, ok := s.Read("k")
	assert.True(t, ok)
	assert.Equal(t, "v", v)
}

func TestNewTrustedStoresBundle(t *testing.T) {
	router := boundary.NewRouter()
	bundle := NewTrustedStores(router)
	assert.NotNil(t, bundle.Policy)
	assert.NotNil(t, bundle.Identity)
	assert.NotNil(t, bundle.Capabilities)
}
