package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/nimbusgate/pkg/coordinator"
	"github.com/3leaps/nimbusgate/pkg/credential"
	"github.com/3leaps/nimbusgate/pkg/entity"
)

type fakeConn struct {
	msgs    []*nats.Msg
	err     error
	flushes int
	drained bool
}

func (f *fakeConn) PublishMsg(m *nats.Msg) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, m)
	return nil
}

func (f *fakeConn) FlushTimeout(time.Duration) error {
	f.flushes++
	return nil
}

func (f *fakeConn) Drain() error {
	f.drained = true
	return nil
}

func TestPublisher_Publish(t *testing.T) {
	broker, err := credential.NewBroker(credential.Options{Gateway: credential.GatewaySecrets{HMACSecret: "events-secret"}})
	require.NoError(t, err)

	tests := []struct {
		name        string
		prefix      string
		signer      Signer
		wantSubject string
		wantSigned  bool
	}{
		{"default prefix", "", nil, "nimbusgate.file.upload", false},
		{"custom prefix", "acme.storage.", nil, "acme.storage.file.upload", false},
		{"signed", "", broker, "nimbusgate.file.upload", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fc := &fakeConn{}
			p := newPublisher(fc, Config{SubjectPrefix: tt.prefix, Timeout: time.Second}, tt.signer, nil)

			meta := entity.NewFile(entity.NewFilePath("a.txt"), 3)
			ev := coordinator.Event{Action: coordinator.ActionUpload, ProviderID: "mem", Path: "/a.txt", Metadata: &meta}
			require.NoError(t, p.Publish(context.Background(), ev))

			require.Len(t, fc.msgs, 1)
			msg := fc.msgs[0]
			assert.Equal(t, tt.wantSubject, msg.Subject)
			assert.NotEmpty(t, msg.Header.Get(nats.MsgIdHdr))
			assert.Equal(t, 1, fc.flushes)

			var decoded map[string]any
			require.NoError(t, json.Unmarshal(msg.Data, &decoded))
			assert.Equal(t, "upload", decoded["action"])
			assert.Equal(t, "mem", decoded["provider"])

			sig := msg.Header.Get(SignatureHeader)
			if tt.wantSigned {
				assert.True(t, broker.VerifyMessage(msg.Data, sig))
			} else {
				assert.Empty(t, sig)
			}
		})
	}
}

func TestPublisher_Errors(t *testing.T) {
	fc := &fakeConn{err: errors.New("connection closed")}
	p := newPublisher(fc, Config{}, nil, nil)

	err := p.Publish(context.Background(), coordinator.Event{Action: coordinator.ActionDelete})
	assert.ErrorContains(t, err, "nimbusgate.file.delete")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, p.Publish(ctx, coordinator.Event{Action: coordinator.ActionDelete}), context.Canceled)

	require.NoError(t, p.Close())
	assert.True(t, fc.drained)
}
