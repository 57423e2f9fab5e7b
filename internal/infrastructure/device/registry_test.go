package device

import (
	"encoding/base64"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"portal-realtime/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_SubscribeRequiresPermission(t *testing.T) {
	denied := NewRegistry(domain.PermissionDenied, "https://push.example", "")
	_, err := denied.Subscribe(t.Context())
	assert.ErrorIs(t, err, domain.ErrPermissionDenied)

	undecided := NewRegistry(domain.PermissionDefault, "https://push.example", "")
	_, err = undecided.Subscribe(t.Context())
	assert.ErrorIs(t, err, domain.ErrPermissionNotGranted)
}

func TestRegistry_SubscribeIsStable(t *testing.T) {
	registry := NewRegistry(domain.PermissionGranted, "https://push.example/", "")

	first, err := registry.Subscribe(t.Context())
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(first.Endpoint, "https://push.example/"))

	publicKey, err := base64.RawURLEncoding.DecodeString(first.PublicKey)
	require.NoError(t, err)
	assert.Len(t, publicKey, 65, "uncompressed P-256 point")

	secret, err := base64.RawURLEncoding.DecodeString(first.AuthSecret)
	require.NoError(t, err)
	assert.Len(t, secret, 16)

	second, err := registry.Subscribe(t.Context())
	require.NoError(t, err)
	assert.Equal(t, first.Endpoint, second.Endpoint)

	require.NoError(t, registry.Unsubscribe(t.Context()))
	current, err := registry.Current(t.Context())
	require.NoError(t, err)
	assert.Nil(t, current)

	third, err := registry.Subscribe(t.Context())
	require.NoError(t, err)
	assert.NotEqual(t, first.Endpoint, third.Endpoint)
}

func TestRegistry_PersistsAcrossInstances(t *testing.T) {
	path := filepath.Join(t.TempDir(), "device", "push.json")

	registry := NewRegistry(domain.PermissionGranted, "https://push.example", path)
	sub, err := registry.Subscribe(t.Context())
	require.NoError(t, err)

	state := domain.PushState{
		AnonymousID: "anon-7",
		OwnerRef:    "anon-7",
		Endpoint:    sub.Endpoint,
		LastSyncAt:  time.Now().UTC().Truncate(time.Second),
	}
	require.NoError(t, registry.SaveState(t.Context(), state))

	reopened := NewRegistry(domain.PermissionGranted, "https://push.example", path)
	current, err := reopened.Current(t.Context())
	require.NoError(t, err)
	require.NotNil(t, current)
	assert.Equal(t, sub.Endpoint, current.Endpoint)

	loaded, err := reopened.LoadState(t.Context())
	require.NoError(t, err)
	assert.Equal(t, "anon-7", loaded.AnonymousID)
	assert.True(t, state.LastSyncAt.Equal(loaded.LastSyncAt))
}
