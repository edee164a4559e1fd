package carver

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"testing/iotest"
	"time"

	"filippo.io/age"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"espctl/pkg/espapi"
)

type statusReply struct {
	session espapi.CarveSession
	err     error
}

type fakeAPI struct {
	mu        sync.Mutex
	replies   []statusReply
	checks    int
	downloads int
	archive   []byte
	cut       error
}

func (f *fakeAPI) CarveStatus(_ context.Context, _, queryID string) (espapi.CarveSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := f.checks
	if idx >= len(f.replies) {
		idx = len(f.replies) - 1
	}
	f.checks++
	r := f.replies[idx]
	r.session.QueryID = queryID
	return r.session, r.err
}

func (f *fakeAPI) DownloadCarve(_ context.Context, _ string) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.downloads++
	if f.cut != nil {
		return io.NopCloser(io.MultiReader(bytes.NewReader(f.archive), iotest.ErrReader(f.cut))), nil
	}
	return io.NopCloser(bytes.NewReader(f.archive)), nil
}

type sleepRecorder struct {
	mu     sync.Mutex
	sleeps []time.Duration
}

func (s *sleepRecorder) Sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.sleeps = append(s.sleeps, d)
	s.mu.Unlock()
	return ctx.Err()
}

type recordingAnalyzer struct {
	dirs []string
	err  error
}

func (a *recordingAnalyzer) Analyze(_ context.Context, dir string) error {
	a.dirs = append(a.dirs, dir)
	return a.err
}

func notReady(n int) []statusReply {
	out := make([]statusReply, n)
	for i := range out {
		out[i] = statusReply{session: espapi.CarveSession{Ready: false}}
	}
	return out
}

func ready(session string) statusReply {
	return statusReply{session: espapi.CarveSession{SessionID: session, Ready: true}}
}

func buildTar(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for name, body := range files {
		require.NoError(t, tw.WriteHeader(&tar.Header{Name: name, Mode: 0o644, Size: int64(len(body)), Typeflag: tar.TypeReg}))
		_, err := tw.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	return buf.Bytes()
}

var fixedNow = func() time.Time { return time.Unix(1700000000, 0) }

func newPoller(t *testing.T, api API, sleeper *sleepRecorder, mutate func(*Config)) *Poller {
	t.Helper()
	cfg := Config{
		API:        api,
		OutputRoot: t.TempDir(),
		Now:        fixedNow,
		Sleep:      sleeper.Sleep,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	p, err := New(cfg)
	require.NoError(t, err)
	return p
}

func TestFetchChecksNPlusOneTimesAndDownloadsOnce(t *testing.T) {
	api := &fakeAPI{
		replies: append(notReady(3), ready("S1")),
		archive: buildTar(t, map[string]string{`C:\Windows\Prefetch\CMD.EXE-4A81B364.pf`: "pf"}),
	}
	sleeper := &sleepRecorder{}
	analyzer := &recordingAnalyzer{}
	p := newPoller(t, api, sleeper, func(c *Config) { c.Analyzer = analyzer })

	m, err := p.Fetch(context.Background(), "H1", "42")
	require.NoError(t, err)

	assert.Equal(t, 4, api.checks)
	assert.Equal(t, 1, api.downloads)
	assert.Equal(t, []time.Duration{DefaultInterval, DefaultInterval, DefaultInterval, DefaultInterval}, sleeper.sleeps)

	wantDir := filepath.Join(p.cfg.OutputRoot, "prefetch", "H1", "1700000000")
	assert.Equal(t, filepath.Join(wantDir, "S1.tar"), m.Archive)
	assert.Equal(t, filepath.Join(wantDir, "S1"), m.ExtractDir)
	assert.Equal(t, "42", m.QueryID)
	assert.Equal(t, []string{"Windows/Prefetch/CMD.EXE-4A81B364.pf"}, m.Files)
	assert.Equal(t, []string{m.ExtractDir}, analyzer.dirs)

	data, err := os.ReadFile(filepath.Join(m.ExtractDir, "Windows", "Prefetch", "CMD.EXE-4A81B364.pf"))
	require.NoError(t, err)
	assert.Equal(t, "pf", string(data))

	written, err := ReadManifest(filepath.Join(wantDir, "S1.manifest.yaml"))
	require.NoError(t, err)
	assert.Equal(t, m.SHA256, written.SHA256)
	assert.Equal(t, int64(len(api.archive)), written.Size)
}

func TestPollTreatsTransientErrorsAsNotReady(t *testing.T) {
	api := &fakeAPI{replies: []statusReply{
		{err: &espapi.TransportError{Op: "POST /carves/query", Err: errors.New("connection reset")}},
		{err: espapi.ErrMalformedResponse},
		ready("S2"),
	}}
	p := newPoller(t, api, &sleepRecorder{}, nil)

	session, err := p.Poll(context.Background(), "H1", "7")
	require.NoError(t, err)
	assert.Equal(t, "S2", session.SessionID)
	assert.Equal(t, 3, api.checks)
}

func TestPollStopsOnRejectedStatusCheck(t *testing.T) {
	for name, reply := range map[string]error{
		"unauthorized": espapi.ErrUnauthorized,
		"not found":    espapi.ErrNotFound,
		"bad request":  &espapi.StatusError{Code: 400, Body: "bad query id"},
	} {
		t.Run(name, func(t *testing.T) {
			api := &fakeAPI{replies: []statusReply{{err: reply}}}
			p := newPoller(t, api, &sleepRecorder{}, nil)

			_, err := p.Poll(context.Background(), "H1", "7")
			require.ErrorIs(t, err, reply)
			assert.Equal(t, 1, api.checks)
		})
	}

	t.Run("server error keeps polling", func(t *testing.T) {
		api := &fakeAPI{replies: []statusReply{{err: &espapi.StatusError{Code: 502}}, ready("S4")}}
		p := newPoller(t, api, &sleepRecorder{}, nil)

		session, err := p.Poll(context.Background(), "H1", "7")
		require.NoError(t, err)
		assert.Equal(t, "S4", session.SessionID)
		assert.Equal(t, 2, api.checks)
	})
}

func TestPollBounds(t *testing.T) {
	t.Run("max attempts", func(t *testing.T) {
		api := &fakeAPI{replies: notReady(1)}
		p := newPoller(t, api, &sleepRecorder{}, func(c *Config) { c.MaxAttempts = 3 })

		_, err := p.Poll(context.Background(), "H1", "7")
		require.ErrorIs(t, err, ErrPollExhausted)
		assert.Equal(t, 3, api.checks)
	})

	t.Run("circuit breaker", func(t *testing.T) {
		api := &fakeAPI{replies: []statusReply{{err: &espapi.TransportError{Op: "x", Err: errors.New("refused")}}}}
		p := newPoller(t, api, &sleepRecorder{}, func(c *Config) { c.MaxConsecutiveErrors = 2 })

		_, err := p.Poll(context.Background(), "H1", "7")
		require.ErrorIs(t, err, ErrCircuitOpen)
		assert.Equal(t, 2, api.checks)
	})

	t.Run("cancelled", func(t *testing.T) {
		api := &fakeAPI{replies: notReady(1)}
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		p := newPoller(t, api, &sleepRecorder{}, nil)

		_, err := p.Poll(ctx, "H1", "7")
		require.ErrorIs(t, err, context.Canceled)
		assert.Zero(t, api.checks)
	})

	t.Run("backoff is capped", func(t *testing.T) {
		api := &fakeAPI{replies: append(notReady(4), ready("S3"))}
		sleeper := &sleepRecorder{}
		p := newPoller(t, api, sleeper, func(c *Config) {
			c.Interval = time.Second
			c.MaxInterval = 4 * time.Second
		})

		_, err := p.Poll(context.Background(), "H1", "7")
		require.NoError(t, err)
		assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 4 * time.Second, 4 * time.Second}, sleeper.sleeps)
	})
}

func TestFetchReturnsAnalyzerError(t *testing.T) {
	api := &fakeAPI{replies: []statusReply{ready("S4")}, archive: buildTar(t, map[string]string{"a.pf": "x"})}
	analyzer := &recordingAnalyzer{err: errors.New("corrupt")}
	p := newPoller(t, api, &sleepRecorder{}, func(c *Config) { c.Analyzer = analyzer })

	_, err := p.Fetch(context.Background(), "H1", "7")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "corrupt")
	assert.Equal(t, 1, api.downloads)
}

func TestDownloadReusesEpochDirectory(t *testing.T) {
	api := &fakeAPI{archive: []byte("tar")}
	p := newPoller(t, api, &sleepRecorder{}, nil)

	first, err := p.Download(context.Background(), "H1", espapi.CarveSession{SessionID: "S1", Ready: true})
	require.NoError(t, err)
	second, err := p.Download(context.Background(), "H1", espapi.CarveSession{SessionID: "S2", Ready: true})
	require.NoError(t, err)
	assert.Equal(t, filepath.Dir(first.Archive), filepath.Dir(second.Archive))
	assert.FileExists(t, first.Archive)
	assert.FileExists(t, second.Archive)
}

func TestDownloadDirectoryBlockedByFile(t *testing.T) {
	api := &fakeAPI{archive: []byte("tar")}
	p := newPoller(t, api, &sleepRecorder{}, nil)
	dir := TargetDir(p.cfg.OutputRoot, p.cfg.Subdir, "H1", fixedNow())
	require.NoError(t, os.MkdirAll(filepath.Dir(dir), 0o755))
	require.NoError(t, os.WriteFile(dir, []byte("x"), 0o600))

	_, err := p.Download(context.Background(), "H1", espapi.CarveSession{SessionID: "S1", Ready: true})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mkdir")
	assert.Zero(t, api.downloads)
}

func TestDownloadRemovesPartialArchive(t *testing.T) {
	cut := errors.New("connection reset")
	api := &fakeAPI{archive: []byte("partial"), cut: cut}
	p := newPoller(t, api, &sleepRecorder{}, nil)

	_, err := p.Download(context.Background(), "H1", espapi.CarveSession{SessionID: "S1", Ready: true})
	require.ErrorIs(t, err, cut)

	dir := TargetDir(p.cfg.OutputRoot, p.cfg.Subdir, "H1", fixedNow())
	assert.NoFileExists(t, filepath.Join(dir, "S1.tar"))
}

func TestTargetDir(t *testing.T) {
	got := TargetDir("out", DefaultSubdir, "H1", time.Unix(1700000000, 0))
	assert.Equal(t, filepath.Join("out", "prefetch", "H1", "1700000000"), got)
}

func TestRejectsUnsafeIdentifiers(t *testing.T) {
	api := &fakeAPI{replies: []statusReply{ready("../escape")}, archive: buildTar(t, nil)}
	p := newPoller(t, api, &sleepRecorder{}, nil)

	_, err := p.Fetch(context.Background(), "H1", "7")
	require.Error(t, err)
	assert.Zero(t, api.downloads)

	_, err = p.Poll(context.Background(), `..\H1`, "7")
	require.Error(t, err)
}

type fakeMirror struct {
	bucket, key, sha string
	body          []byte
}

func (m *fakeMirror) PutObject(_ context.Context, bucket, key string, r io.Reader, _ int64, sha string) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	m.bucket, m.key, m.sha, m.body = bucket, key, sha, data
	return nil
}

func (m *fakeMirror) PresignGet(_ context.Context, bucket, key string, _ time.Duration) (string, error) {
	return "https://s3.local/" + bucket + "/" + key + "?sig", nil
}

type fakePublisher struct{ subjects []string }

func (p *fakePublisher) Publish(_ context.Context, subj string, _ any) error {
	p.subjects = append(p.subjects, subj)
	return nil
}

type fakeRecorder struct {
	runID     uuid.UUID
	manifests []Manifest
}

func (r *fakeRecorder) RecordCarve(_ context.Context, runID uuid.UUID, m Manifest) error {
	r.runID = runID
	r.manifests = append(r.manifests, m)
	return nil
}

func TestFetchSealsMirrorsPublishesAndRecords(t *testing.T) {
	identity, err := age.GenerateX25519Identity()
	require.NoError(t, err)
	sealer, err := NewSealer(identity.Recipient().String())
	require.NoError(t, err)

	archive := buildTar(t, map[string]string{"Prefetch/A.pf": "payload"})
	api := &fakeAPI{replies: []statusReply{ready("S5")}, archive: archive}
	mirror := &fakeMirror{}
	publisher := &fakePublisher{}
	recorder := &fakeRecorder{}
	runID := uuid.New()

	p := newPoller(t, api, &sleepRecorder{}, func(c *Config) {
		c.Sealer = sealer
		c.Mirror = mirror
		c.Bucket = "evidence"
		c.Publisher = publisher
		c.Recorder = recorder
		c.RunID = runID
	})

	m, err := p.Fetch(context.Background(), "H1", "9")
	require.NoError(t, err)

	require.True(t, m.Encrypted())
	_, err = os.Stat(m.Archive)
	assert.True(t, os.IsNotExist(err), "plaintext archive should be removed")

	assert.Equal(t, "evidence", mirror.bucket)
	assert.Equal(t, "carves/H1/1700000000/S5.tar.age", mirror.key)
	assert.Equal(t, m.Sealed.SHA256, mirror.sha)
	assert.Equal(t, "s3://evidence/carves/H1/1700000000/S5.tar.age", m.MirrorURL)

	plain, err := age.Decrypt(bytes.NewReader(mirror.body), identity)
	require.NoError(t, err)
	got, err := io.ReadAll(plain)
	require.NoError(t, err)
	assert.Equal(t, archive, got)

	assert.Equal(t, []string{"esp.carves.downloaded"}, publisher.subjects)
	require.Len(t, recorder.manifests, 1)
	assert.Equal(t, runID, recorder.runID)
	assert.Equal(t, m.MirrorURL, recorder.manifests[0].MirrorURL)
}

func TestNewValidatesConfig(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)

	_, err = New(Config{API: &fakeAPI{}, Mirror: &fakeMirror{}})
	require.Error(t, err)

	_, err = New(Config{API: &fakeAPI{}, MaxAttempts: -1})
	require.Error(t, err)
}
