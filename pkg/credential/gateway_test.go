package credential

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/nimbusgate/pkg/provider"
)

func newGatewayBroker(t *testing.T, clock *fakeClock) *Broker {
	t.Helper()
	b, err := NewBroker(Options{
		Now: clock.Now,
		Gateway: GatewaySecrets{
			HMACSecret: "hmac-secret",
			JWTSecret:  "jwt-secret",
			JWESecret:  "jwe-secret",
			JWESalt:    "jwe-salt",
		},
	})
	require.NoError(t, err)
	return b
}

func TestBroker_SealOpenPayload(t *testing.T) {
	clock := newFakeClock()
	b := newGatewayBroker(t, clock)

	token, err := b.SealPayload(map[string]any{"provider": "s3", "path": "/a.txt"}, 5*time.Minute)
	require.NoError(t, err)

	data, err := b.OpenPayload(token)
	require.NoError(t, err)
	assert.Equal(t, "s3", data["provider"])
	assert.Equal(t, "/a.txt", data["path"])
}

func TestBroker_OpenPayloadRejects(t *testing.T) {
	clock := newFakeClock()
	b := newGatewayBroker(t, clock)

	token, err := b.SealPayload(map[string]any{"path": "/a"}, time.Minute)
	require.NoError(t, err)

	t.Run("expired", func(t *testing.T) {
		later := &fakeClock{now: clock.Now().Add(2 * time.Minute)}
		b2 := newGatewayBroker(t, later)
		_, err := b2.OpenPayload(token)
		assert.True(t, provider.IsPermissionDenied(err))
	})

	t.Run("tampered", func(t *testing.T) {
		tampered := token[:len(token)-4] + "AAAA"
		_, err := b.OpenPayload(tampered)
		assert.True(t, provider.IsPermissionDenied(err))
	})

	t.Run("garbage", func(t *testing.T) {
		_, err := b.OpenPayload("not-a-token")
		assert.True(t, provider.IsPermissionDenied(err))
	})

	t.Run("different secrets", func(t *testing.T) {
		other, err := NewBroker(Options{Now: clock.Now, Gateway: GatewaySecrets{
			JWTSecret: "jwt-secret", JWESecret: "other", JWESalt: "jwe-salt",
		}})
		require.NoError(t, err)
		_, err = other.OpenPayload(token)
		assert.True(t, provider.IsPermissionDenied(err))
	})
}

func TestBroker_SealWithoutSecrets(t *testing.T) {
	b, err := NewBroker(Options{})
	require.NoError(t, err)
	_, err = b.SealPayload(map[string]any{}, time.Minute)
	assert.True(t, provider.IsUnsupported(err))
}

func TestBroker_SignMessage(t *testing.T) {
	b := newGatewayBroker(t, newFakeClock())

	sig, err := b.SignMessage([]byte(`{"action":"upload"}`))
	require.NoError(t, err)
	assert.Len(t, sig, 64)
	assert.True(t, b.VerifyMessage([]byte(`{"action":"upload"}`), sig))
	assert.False(t, b.VerifyMessage([]byte(`{"action":"delete"}`), sig))
}

func TestNewBroker_RejectsUnknownHMACAlgorithm(t *testing.T) {
	_, err := NewBroker(Options{Gateway: GatewaySecrets{HMACAlgorithm: "md5"}})
	assert.Error(t, err)
}
