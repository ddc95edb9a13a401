package lifecycle

import (
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEncoder struct {
	healthy bool
	closed  atomic.Bool
}

func (f *fakeEncoder) Healthy() bool { return f.healthy }
func (f *fakeEncoder) Close()        { f.closed.Store(true) }

func TestEncoder_LazyLoadsOnce(t *testing.T) {
	var loads int32
	m := New(Config{MaxLoadRetries: 3, LoadRetryDelay: time.Millisecond}, func() (EncoderHandle, error) {
		atomic.AddInt32(&loads, 1)
		return &fakeEncoder{healthy: true}, nil
	}, nil)

	_, err := m.Encoder()
	require.NoError(t, err)
	_, err = m.Encoder()
	require.NoError(t, err)

	assert.EqualValues(t, 1, loads, "lazy, loaded once")
	assert.Equal(t, StateHealthy, m.State())
}

func TestEncoder_RetriesThenFails(t *testing.T) {
	m := New(Config{MaxLoadRetries: 3, LoadRetryDelay: time.Millisecond}, func() (EncoderHandle, error) {
		return nil, errors.New("boom")
	}, nil)

	_, err := m.Encoder()
	require.Error(t, err)
	assert.Equal(t, StateUnloaded, m.State())
}

func TestUnload_ClosesEncoder(t *testing.T) {
	fe := &fakeEncoder{healthy: true}
	m := New(Config{MaxLoadRetries: 1}, func() (EncoderHandle, error) {
		return fe, nil
	}, nil)
	m.Encoder()
	m.Unload()

	assert.True(t, fe.closed.Load())
	assert.Equal(t, StateUnloaded, m.State())
}

func TestPIDFile_WriteAndRemove(t *testing.T) {
	path := filepath.Join(t.TempDir(), "embeddings.pid")
	m := New(Config{PIDPath: path}, nil, nil)

	require.NoError(t, m.WritePID())
	_, err := os.Stat(path)
	require.NoError(t, err)

	require.NoError(t, m.RemovePID())
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestParentAlive_FalseForNonexistentPID(t *testing.T) {
	m := New(Config{ParentPID: 999999999}, nil, nil)
	assert.False(t, m.parentAlive())
}

func TestParentAlive_FalseWithoutConfiguredPID(t *testing.T) {
	m := New(Config{}, nil, nil)
	assert.False(t, m.parentAlive())
}

func TestParentAlive_RejectsRecycledPID(t *testing.T) {
	// Our own PID is certainly alive, but under a recorded command name
	// that no longer matches it must not count as the parent.
	pid := os.Getpid()
	m := New(Config{ParentPID: pid, ParentCmd: "definitely-not-this-test"}, nil, nil)
	assert.False(t, m.parentAlive())

	if comm := ReadParentCmd(pid); comm != "" {
		m2 := New(Config{ParentPID: pid, ParentCmd: comm}, nil, nil)
		assert.True(t, m2.parentAlive())
	}
}
