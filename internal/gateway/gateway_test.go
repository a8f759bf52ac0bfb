package gateway

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/nimbusgate/internal/config"
	"github.com/3leaps/nimbusgate/pkg/coordinator"
	"github.com/3leaps/nimbusgate/pkg/credential"
	"github.com/3leaps/nimbusgate/pkg/entity"
	"github.com/3leaps/nimbusgate/pkg/provider"
	"github.com/3leaps/nimbusgate/pkg/provider/file"
	"github.com/3leaps/nimbusgate/pkg/provider/memory"
)

func memorySpec(id string) config.ProviderSpec {
	return config.ProviderSpec{ID: id, Type: "memory", Memory: &memory.Config{ServerSideCopy: true}}
}

func newTestGateway(t *testing.T, cfg *config.Config) *Gateway {
	t.Helper()
	g, err := New(context.Background(), cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = g.Close() })
	return g
}

func TestNew(t *testing.T) {
	dir := t.TempDir()
	cfg := &config.Config{Providers: []config.ProviderSpec{
		memorySpec("mem"),
		{ID: "disk", Type: "file", File: &file.Config{BaseDir: dir}},
		{
			ID:          "static",
			Type:        "memory",
			Credentials: credential.Config{Kind: credential.KindStaticKeyPair, AccessKeyID: "AK", SecretAccessKey: "SK"},
		},
	}}
	g := newTestGateway(t, cfg)

	assert.Equal(t, []string{"disk", "mem", "static"}, g.Registry.IDs())
	require.NoError(t, g.CheckHealth(context.Background()))

	cred, err := g.Broker.Get(context.Background(), "static")
	require.NoError(t, err)
	assert.Equal(t, "SK", cred.Token())

	t.Run("copy across memory and file", func(t *testing.T) {
		ctx := context.Background()
		p, err := g.Registry.Get("mem")
		require.NoError(t, err)
		p.(*memory.Provider).Put("a/b.txt", []byte("bytes"))

		_, err = g.Coordinator.Copy(ctx,
			coordinator.Ref{ProviderID: "mem", Path: entity.NewFilePath("a", "b.txt")},
			coordinator.Ref{ProviderID: "disk", Path: entity.NewFilePath("out", "b.txt")})
		require.NoError(t, err)

		data, err := os.ReadFile(filepath.Join(dir, "out", "b.txt"))
		require.NoError(t, err)
		assert.Equal(t, "bytes", string(data))
	})
}

func TestNew_Errors(t *testing.T) {
	tests := []struct {
		name string
		spec config.ProviderSpec
		want string
	}{
		{"unknown type", config.ProviderSpec{ID: "x", Type: "ftp"}, "unknown type"},
		{"missing block", config.ProviderSpec{ID: "x", Type: "file"}, "missing"},
		{"missing directory", config.ProviderSpec{ID: "x", Type: "file", File: &file.Config{BaseDir: "/nonexistent/nimbusgate-test"}}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(context.Background(), &config.Config{Providers: []config.ProviderSpec{tt.spec}}, nil)
			require.Error(t, err)
			if tt.want != "" {
				assert.Contains(t, err.Error(), tt.want)
			}
		})
	}

	t.Run("no providers is unhealthy", func(t *testing.T) {
		g := newTestGateway(t, &config.Config{})
		assert.Error(t, g.CheckHealth(context.Background()))
	})
}

func TestReload(t *testing.T) {
	g := newTestGateway(t, &config.Config{Providers: []config.ProviderSpec{memorySpec("inline")}})
	ctx := context.Background()

	require.NoError(t, g.Reload(ctx, []config.ProviderSpec{memorySpec("a"), memorySpec("b")}))
	assert.Equal(t, []string{"a", "b", "inline"}, g.Registry.IDs())

	before, err := g.Registry.Get("a")
	require.NoError(t, err)
	require.NoError(t, g.Reload(ctx, []config.ProviderSpec{memorySpec("a")}))
	assert.Equal(t, []string{"a", "inline"}, g.Registry.IDs(), "b dropped from the file")
	after, err := g.Registry.Get("a")
	require.NoError(t, err)
	assert.NotSame(t, before, after, "a rebuilt")

	err = g.Reload(ctx, []config.ProviderSpec{memorySpec("a"), memorySpec("inline")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "main config")

	err = g.Reload(ctx, []config.ProviderSpec{{ID: "a", Type: "file"}})
	require.Error(t, err)
	_, err = g.Registry.Get("a")
	assert.NoError(t, err, "a failed rebuild keeps the running adapter")
}

func TestWatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "providers.yaml")
	write := func(ids ...string) {
		var b strings.Builder
		b.WriteString("providers:\n")
		for _, id := range ids {
			b.WriteString("  - id: " + id + "\n    type: memory\n")
		}
		require.NoError(t, os.WriteFile(path, []byte(b.String()), 0o600))
	}
	write("one")

	specs, err := config.LoadProvidersFile(path)
	require.NoError(t, err)
	g := newTestGateway(t, &config.Config{Providers: specs, ProvidersFile: path})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, g.Watch(ctx))

	write("one", "two")
	require.Eventually(t, func() bool {
		_, err := g.Registry.Get("two")
		return err == nil
	}, 5*time.Second, 50*time.Millisecond)

	write("two")
	require.Eventually(t, func() bool {
		_, err := g.Registry.Get("one")
		return provider.KindOf(err) == provider.KindNotFound
	}, 5*time.Second, 50*time.Millisecond)
}

func TestFiles(t *testing.T) {
	t.Run("sealer only with secrets", func(t *testing.T) {
		g := newTestGateway(t, &config.Config{})
		assert.NotNil(t, g.Files())

		g = newTestGateway(t, &config.Config{Signing: config.SigningConfig{JWTSecret: "j", JWESecret: "e", JWESalt: "s"}})
		token, err := g.Broker.SealPayload(map[string]any{"k": "v"}, time.Minute)
		require.NoError(t, err)
		data, err := g.Broker.OpenPayload(token)
		require.NoError(t, err)
		assert.Equal(t, "v", data["k"])
	})
}

func TestSpool(t *testing.T) {
	g := newTestGateway(t, &config.Config{Transfer: config.TransferConfig{SpoolMemory: 4}})
	sp, err := g.Spool(context.Background(), strings.NewReader("spilled to disk"), -1)
	require.NoError(t, err)
	defer func() { _ = sp.Close() }()

	data, err := io.ReadAll(sp.Reader())
	require.NoError(t, err)
	assert.Equal(t, "spilled to disk", string(data))
}
