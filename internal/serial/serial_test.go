package serial

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

type readStep struct {
	data []byte
	err  error
}

// scriptedSource replays steps, then returns a hard error.
type scriptedSource struct {
	mu    sync.Mutex
	steps []readStep
	final error
}

func (s *scriptedSource) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.steps) == 0 {
		return 0, s.final
	}
	step := s.steps[0]
	s.steps = s.steps[1:]
	n := copy(p, step.data)
	return n, step.err
}

// pendingSource reports ErrPending forever.
type pendingSource struct{}

func (pendingSource) Read([]byte) (int, error) {
	return 0, ErrPending
}

type recordingPublisher struct {
	mu     sync.Mutex
	chunks [][]byte
}

func (p *recordingPublisher) Publish(chunk []byte) uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.chunks = append(p.chunks, append([]byte(nil), chunk...))
	return uint64(len(p.chunks))
}

func (p *recordingPublisher) snapshot() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([][]byte(nil), p.chunks...)
}

// fakePort is an in-memory Port. Writes accept at most maxWrite bytes per
// call and are appended to out.
type fakePort struct {
	mu        sync.Mutex
	out       bytes.Buffer
	maxWrite  int
	writeErrs []error
	readErr   error
	closed    bool
}

func (f *fakePort) Read([]byte) (int, error) {
	return 0, f.readErr
}

func (f *fakePort) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.writeErrs) > 0 {
		err := f.writeErrs[0]
		f.writeErrs = f.writeErrs[1:]
		if err != nil {
			return 0, err
		}
	}

	n := len(p)
	if f.maxWrite > 0 && n > f.maxWrite {
		n = f.maxWrite
	}
	f.out.Write(p[:n])
	return n, nil
}

func (f *fakePort) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakePort) written() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]byte(nil), f.out.Bytes()...)
}

// slowPort writes one byte per call and yields in between, which gives
// concurrent writers every chance to interleave if the lock were missing.
type slowPort struct {
	fakePort
}

func (s *slowPort) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	n, err := s.fakePort.Write(p[:1])
	time.Sleep(50 * time.Microsecond)
	return n, err
}

// ---------------------------------------------------------------------------
// Reader
// ---------------------------------------------------------------------------

func TestReader_PublishesChunksInOrder(t *testing.T) {
	hardErr := errors.New("device unplugged")
	src := &scriptedSource{
		steps: []readStep{
			{data: []byte{0x41, 0x42}},
			// transient empty read
			{data: nil},
			// would block
			{err: ErrPending},
			{data: []byte{0x43}},
		},
		final: hardErr,
	}
	pub := &recordingPublisher{}

	r := NewReader(src, pub, ReaderConfig{PendingBackoff: time.Millisecond})
	err := r.Run(context.Background())

	require.ErrorIs(t, err, ErrReaderStopped)
	require.ErrorIs(t, err, hardErr)
	assert.Equal(t, [][]byte{{0x41, 0x42}, {0x43}}, pub.snapshot())

	stats := r.Stats()
	assert.Equal(t, uint64(3), stats.BytesRead)
	assert.Equal(t, uint64(2), stats.Published)
	assert.Equal(t, uint64(1), stats.PendingWaits)
	assert.Equal(t, uint64(1), stats.EmptyReads)
	assert.True(t, stats.Stopped)
	assert.False(t, stats.Running)
	assert.Contains(t, stats.LastError, "device unplugged")
}

func TestReader_PerByteGranularity(t *testing.T) {
	src := &scriptedSource{
		steps: []readStep{{data: []byte("abc")}},
		final: io.EOF,
	}
	pub := &recordingPublisher{}

	r := NewReader(src, pub, ReaderConfig{PerByte: true})
	_ = r.Run(context.Background())

	assert.Equal(t, [][]byte{{'a'}, {'b'}, {'c'}}, pub.snapshot())
	assert.Equal(t, uint64(3), r.Stats().Published)
}

func TestReader_DataBeforeHardErrorIsPublished(t *testing.T) {
	src := &scriptedSource{
		steps: []readStep{{data: []byte("tail"), err: io.ErrUnexpectedEOF}},
	}
	pub := &recordingPublisher{}

	err := NewReader(src, pub, ReaderConfig{}).Run(context.Background())

	require.ErrorIs(t, err, io.ErrUnexpectedEOF)
	assert.Equal(t, [][]byte{[]byte("tail")}, pub.snapshot())
}

func TestReader_StopsPermanently(t *testing.T) {
	src := &scriptedSource{final: io.EOF}
	r := NewReader(src, &recordingPublisher{}, ReaderConfig{})

	err := r.Run(context.Background())
	require.ErrorIs(t, err, ErrReaderStopped)

	select {
	case <-r.Done():
	default:
		t.Fatal("Done() not closed after hard error")
	}
	require.ErrorIs(t, r.Err(), io.EOF)

	// A stopped reader is never restarted.
	require.ErrorIs(t, r.Run(context.Background()), ErrAlreadyRunning)
}

func TestReader_CancelWhilePending(t *testing.T) {
	r := NewReader(pendingSource{}, &recordingPublisher{}, ReaderConfig{PendingBackoff: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- r.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-errc:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run() did not return after cancel")
	}
	assert.NoError(t, r.Err())
	assert.GreaterOrEqual(t, r.Stats().PendingWaits, uint64(1))
}

func TestReader_ErrorDuringShutdownIsClean(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	src := &cancellingSource{cancel: cancel}

	err := NewReader(src, &recordingPublisher{}, ReaderConfig{}).Run(ctx)
	require.NoError(t, err)
}

// cancellingSource simulates the device being closed during shutdown: the
// context is cancelled and the blocked read fails.
type cancellingSource struct {
	cancel context.CancelFunc
}

func (c *cancellingSource) Read([]byte) (int, error) {
	c.cancel()
	return 0, os.ErrClosed
}

func TestNewReader_Defaults(t *testing.T) {
	r := NewReader(pendingSource{}, &recordingPublisher{}, ReaderConfig{})
	assert.Equal(t, DefaultBufferSize, r.cfg.BufferSize)
	assert.Equal(t, DefaultPendingBackoff, r.cfg.PendingBackoff)
}

// ---------------------------------------------------------------------------
// Device
// ---------------------------------------------------------------------------

func TestDevice_ReaderClaimedOnce(t *testing.T) {
	dev := New(&fakePort{}, "/dev/fake")

	src, err := dev.Reader()
	require.NoError(t, err)
	require.NotNil(t, src)

	_, err = dev.Reader()
	require.ErrorIs(t, err, ErrReaderClaimed)
}

func TestDevice_ReadErrorMapping(t *testing.T) {
	tests := []struct {
		name    string
		readErr error
		want    error
	}{
		{name: "deadline", readErr: os.ErrDeadlineExceeded, want: ErrPending},
		{name: "eagain", readErr: syscall.EAGAIN, want: ErrPending},
		{name: "eintr", readErr: syscall.EINTR, want: ErrPending},
		{name: "eof", readErr: io.EOF, want: ErrDeviceRead},
		{name: "closed", readErr: os.ErrClosed, want: ErrDeviceRead},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dev := New(&fakePort{readErr: tt.readErr}, "/dev/fake")
			src, err := dev.Reader()
			require.NoError(t, err)

			_, err = src.Read(make([]byte, 8))
			require.ErrorIs(t, err, tt.want)
			require.ErrorIs(t, err, tt.readErr)
		})
	}
}

func TestDevice_WriteLoopsUntilComplete(t *testing.T) {
	port := &fakePort{maxWrite: 2}
	dev := New(port, "/dev/fake")

	n, err := dev.Write([]byte{1, 2, 3, 4, 5})
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, []byte{1, 2, 3, 4, 5}, port.written())

	stats := dev.Stats()
	assert.Equal(t, uint64(5), stats.BytesWritten)
	assert.Equal(t, uint64(1), stats.Writes)
}

func TestDevice_WriteRetriesPending(t *testing.T) {
	port := &fakePort{writeErrs: []error{syscall.EAGAIN, nil}}
	dev := New(port, "/dev/fake")

	n, err := dev.Write([]byte{1, 2, 3})
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, []byte{1, 2, 3}, port.written())
}

func TestDevice_WriteFailure(t *testing.T) {
	boom := errors.New("i/o error")
	dev := New(&fakePort{writeErrs: []error{boom}}, "/dev/fake")

	_, err := dev.Writer().Write([]byte{1})
	require.ErrorIs(t, err, ErrDeviceWrite)
	require.ErrorIs(t, err, boom)
	assert.Equal(t, uint64(1), dev.Stats().WriteErrors)
}

// stallPort accepts limit bytes, then reports zero-length writes with no
// error.
type stallPort struct {
	fakePort
	limit int
}

func (s *stallPort) Write(p []byte) (int, error) {
	room := s.limit - len(s.written())
	if room <= 0 {
		return 0, nil
	}
	if len(p) > room {
		p = p[:room]
	}
	return s.fakePort.Write(p)
}

func TestDevice_ShortWriteCountsPartialBytes(t *testing.T) {
	port := &stallPort{limit: 2}
	dev := New(port, "/dev/fake")

	n, err := dev.Write([]byte{1, 2, 3, 4})
	require.ErrorIs(t, err, ErrDeviceWrite)
	require.ErrorIs(t, err, io.ErrShortWrite)
	assert.Equal(t, 2, n)

	stats := dev.Stats()
	assert.Equal(t, uint64(2), stats.BytesWritten)
	assert.Equal(t, uint64(1), stats.WriteErrors)
	assert.Equal(t, uint64(0), stats.Writes)
}

func TestDevice_ConcurrentWritesDoNotInterleave(t *testing.T) {
	port := &slowPort{}
	dev := New(port, "/dev/fake")

	payloads := [][]byte{
		bytes.Repeat([]byte{'a'}, 32),
		bytes.Repeat([]byte{'b'}, 32),
		bytes.Repeat([]byte{'c'}, 32),
		bytes.Repeat([]byte{'d'}, 32),
	}

	var wg sync.WaitGroup
	for _, p := range payloads {
		wg.Add(1)
		go func(p []byte) {
			defer wg.Done()
			_, err := dev.Write(p)
			assert.NoError(t, err)
		}(p)
	}
	wg.Wait()

	out := port.written()
	require.Len(t, out, 4*32)
	for i := 0; i < len(out); i += 32 {
		block := out[i : i+32]
		assert.Equal(t, bytes.Repeat(block[:1], 32), block, "payload at offset %d was interleaved", i)
	}
}

func TestDevice_Close(t *testing.T) {
	port := &fakePort{}
	dev := New(port, "/dev/fake")

	require.NoError(t, dev.Close())
	require.NoError(t, dev.Close())
	assert.True(t, port.closed)
	assert.True(t, dev.Stats().Closed)

	_, err := dev.Write([]byte{1})
	require.ErrorIs(t, err, ErrClosed)
}
