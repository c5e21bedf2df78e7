package records

import (
	"bytes"
	"context"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/clinica/clinica/internal/platform/blobstore"
	"github.com/clinica/clinica/internal/platform/sqlite"
)

// syncBuffer collects log output written from the service.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type testEnv struct {
	svc   *Service
	repos Repositories
	db    *sqlite.DB
	fs    afero.Fs
	store *blobstore.FileStore
	logs  *syncBuffer
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return newTestEnvWithFs(t, afero.NewMemMapFs())
}

func newTestEnvWithFs(t *testing.T, fsys afero.Fs) *testEnv {
	t.Helper()
	d, err := sqlite.Open(filepath.Join(t.TempDir(), "clinica.db"))
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })

	logs := &syncBuffer{}
	logger := zerolog.New(logs)
	store := blobstore.NewFileStore(fsys, blobstore.Options{}, logger)
	repos := NewSQLiteRepositories(d)

	svc := NewService(repos, store, logger)
	svc.now = func() time.Time { return time.Date(2024, 3, 15, 10, 30, 0, 0, time.UTC) }

	return &testEnv{svc: svc, repos: repos, db: d, fs: fsys, store: store, logs: logs}
}

func upload(name, content string) *Upload {
	return &Upload{FileName: name, Content: strings.NewReader(content)}
}

func (e *testEnv) patient(t *testing.T, prontuario, nome string) *Patient {
	t.Helper()
	p, err := e.svc.CreatePatient(context.Background(), CreatePatientInput{Prontuario: prontuario, Nome: nome})
	require.NoError(t, err)
	return p
}

func (e *testEnv) therapy(t *testing.T, prontuario, tipo string, freq int) *Therapy {
	t.Helper()
	th, err := e.svc.CreateTherapy(context.Background(), CreateTherapyInput{Prontuario: prontuario, TipoTerapia: tipo, Frequencia: freq})
	require.NoError(t, err)
	return th
}

func (e *testEnv) session(t *testing.T, therapyID int64, data string, file *Upload) *Session {
	t.Helper()
	s, err := e.svc.CreateSession(context.Background(), CreateSessionInput{TherapyID: therapyID, Data: data, File: file})
	require.NoError(t, err)
	return s
}

func (e *testEnv) read(t *testing.T, ref blobstore.Ref) (string, error) {
	t.Helper()
	rc, _, err := e.svc.OpenAttachment(context.Background(), ref)
	if err != nil {
		return "", err
	}
	defer rc.Close()
	b, err := io.ReadAll(rc)
	require.NoError(t, err)
	return string(b), nil
}

func (e *testEnv) count(t *testing.T, table string) int {
	t.Helper()
	var n int
	require.NoError(t, e.db.SQL().QueryRow("SELECT COUNT(*) FROM "+table).Scan(&n))
	return n
}

// stickyStore fails Remove for the listed names and delegates the rest.
type stickyStore struct {
	blobstore.Store
	sticky map[string]bool
}

func (s *stickyStore) Remove(ctx context.Context, ref blobstore.Ref) bool {
	if s.sticky[ref.Name] {
		return false
	}
	return s.Store.Remove(ctx, ref)
}

// failingSessionRepo rejects every insert.
type failingSessionRepo struct {
	SessionRepository
	err error
}

func (r *failingSessionRepo) Create(context.Context, *Session) error {
	return r.err
}
