package transfer

import (
	"context"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"hash"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/3leaps/nimbusgate/pkg/entity"
	"github.com/3leaps/nimbusgate/pkg/provider"
)

// Direction is the way bytes flow through a session.
type Direction string

const (
	Upload   Direction = "upload"
	Download Direction = "download"
)

// State is a session lifecycle state.
type State int32

const (
	StatePending State = iota
	StateStreaming
	StateVerifying
	StateCompleted
	StateFailed
	StateCancelled
)

var stateNames = [...]string{"pending", "streaming", "verifying", "completed", "failed", "cancelled"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// Session is the state of one streaming upload or download.
//
// A session is owned by the pipeline call that runs it. Other goroutines may
// observe it (State, BytesTransferred, Done, Err) and Cancel it.
type Session struct {
	ID           string
	Direction    Direction
	ExpectedSize int64

	bytes atomic.Int64
	state atomic.Int32

	md5    hash.Hash
	sha256 hash.Hash

	mu        sync.Mutex
	cancel    context.CancelFunc
	cancelled bool
	err       error
	done      chan struct{}
}

// NewSession creates a pending session. expectedSize < 0 means unknown.
func NewSession(dir Direction, expectedSize int64) *Session {
	if expectedSize < 0 {
		expectedSize = -1
	}
	return &Session{
		ID:           uuid.NewString(),
		Direction:    dir,
		ExpectedSize: expectedSize,
		md5:          md5.New(),
		sha256:       sha256.New(),
		done:         make(chan struct{}),
	}
}

// State returns the current state.
func (s *Session) State() State { return State(s.state.Load()) }

// BytesTransferred returns the bytes moved so far.
func (s *Session) BytesTransferred() int64 { return s.bytes.Load() }

// Done is closed when the session reaches a terminal state.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err returns the terminal error, or nil while running or after success.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Cancel aborts the session. It is a no-op once the session is terminal.
func (s *Session) Cancel() {
	s.mu.Lock()
	if s.State().Terminal() {
		s.mu.Unlock()
		return
	}
	s.cancelled = true
	cancel := s.cancel
	pending := s.State() == StatePending
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if pending {
		s.finish(StateCancelled, provider.ErrCancelled)
	}
}

// begin moves a pending session to Streaming and derives the context the
// transfer runs under.
func (s *Session) begin(ctx context.Context) (context.Context, error) {
	ctx, cancel := context.WithCancel(ctx)

	s.mu.Lock()
	if s.cancelled || s.State() != StatePending {
		s.mu.Unlock()
		cancel()
		return nil, provider.Errorf(provider.ErrCancelled, "session %s already %s", s.ID, s.State())
	}
	s.cancel = cancel
	s.state.Store(int32(StateStreaming))
	s.mu.Unlock()
	return ctx, nil
}

func (s *Session) verifying() {
	s.state.CompareAndSwap(int32(StateStreaming), int32(StateVerifying))
}

// finish records the terminal state once. Later calls are ignored.
func (s *Session) finish(state State, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.State().Terminal() {
		return
	}
	s.err = err
	s.state.Store(int32(state))
	if s.cancel != nil {
		s.cancel()
	}
	close(s.done)
}

// fail classifies err into Cancelled or Failed and finishes the session.
// It returns the error the caller should surface.
func (s *Session) fail(ctx context.Context, err error) error {
	s.mu.Lock()
	cancelled := s.cancelled
	s.mu.Unlock()

	switch {
	case cancelled:
		err = provider.Errorf(provider.ErrCancelled, "session %s cancelled", s.ID)
		s.finish(StateCancelled, err)
	case ctx.Err() != nil && !errors.Is(err, provider.ErrIntegrityMismatch):
		if cerr := provider.FromContext(ctx); cerr != nil && provider.KindOf(err) == provider.KindInternal {
			err = cerr
		}
		state := StateFailed
		if errors.Is(err, provider.ErrCancelled) {
			state = StateCancelled
		}
		s.finish(state, err)
	default:
		s.finish(StateFailed, err)
	}
	return err
}

func (s *Session) observe(b []byte) {
	s.md5.Write(b)
	s.sha256.Write(b)
	s.bytes.Add(int64(len(b)))
}

// Digest returns the running digest for algorithm (entity.HashMD5 or
// entity.HashSHA256) as lowercase hex.
func (s *Session) Digest(algorithm string) string {
	switch algorithm {
	case entity.HashMD5:
		return hex.EncodeToString(s.md5.Sum(nil))
	case entity.HashSHA256:
		return hex.EncodeToString(s.sha256.Sum(nil))
	}
	return ""
}
