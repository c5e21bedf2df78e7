package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"
)

// Options configures a FileStore.
type Options struct {
	Layout            Layout
	MaxFileSize       int64
	AllowedExtensions []string
}

// FileStore keeps attachments on an afero filesystem. Production wires an
// afero.BasePathFs rooted at the upload directory; tests use MemMapFs.
type FileStore struct {
	fs      afero.Fs
	layout  Layout
	maxSize int64
	allowed map[string]bool
	logger  zerolog.Logger
}

// NewFileStore returns a FileStore over fsys. Zero options fall back to the
// patient layout, DefaultMaxFileSize and DefaultAllowedExtensions.
func NewFileStore(fsys afero.Fs, opts Options, logger zerolog.Logger) *FileStore {
	if opts.Layout == "" {
		opts.Layout = LayoutPatient
	}
	if opts.MaxFileSize <= 0 {
		opts.MaxFileSize = DefaultMaxFileSize
	}
	exts := opts.AllowedExtensions
	if len(exts) == 0 {
		exts = DefaultAllowedExtensions
	}
	allowed := make(map[string]bool, len(exts))
	for _, e := range exts {
		allowed[Extension("x."+e)] = true
	}
	return &FileStore{
		fs:      fsys,
		layout:  opts.Layout,
		maxSize: opts.MaxFileSize,
		allowed: allowed,
		logger:  logger.With().Str("component", "blobstore").Logger(),
	}
}

// NewOSFileStore roots a FileStore at dir on the local disk, creating it if needed.
func NewOSFileStore(dir string, opts Options, logger zerolog.Logger) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create upload dir %s: %w", dir, err)
	}
	return NewFileStore(afero.NewBasePathFs(afero.NewOsFs(), dir), opts, logger), nil
}

// Allowed reports whether fileName carries an accepted extension.
func (s *FileStore) Allowed(fileName string) bool {
	return s.allowed[Extension(SanitizeFilename(fileName))]
}

func (s *FileStore) path(ref Ref) string {
	if s.layout == LayoutFlat {
		return ref.Name
	}
	return filepath.Join(ref.Owner, ref.Name)
}

// Put writes the content under a fresh stored name. If the deterministic
// name is already taken the next free "_N" suffix is used, so an upload
// never overwrites an existing file. A partially written file is removed
// before an error is returned.
func (s *FileStore) Put(_ context.Context, req PutRequest) (Ref, error) {
	if !ownerPattern.MatchString(req.Owner) {
		return Ref{}, ErrInvalidOwner
	}
	if req.Content == nil {
		return Ref{}, ErrInvalidName
	}
	if !s.Allowed(req.FileName) {
		if SanitizeFilename(req.FileName) == "" {
			return Ref{}, ErrInvalidName
		}
		return Ref{}, fmt.Errorf("%w: %q", ErrExtensionNotAllowed, Extension(SanitizeFilename(req.FileName)))
	}
	base, err := StoredName(req.Record, req.Date, req.FileName)
	if err != nil {
		return Ref{}, err
	}

	ref := Ref{Owner: req.Owner}
	if s.layout == LayoutPatient {
		if err := s.fs.MkdirAll(req.Owner, 0o750); err != nil {
			return Ref{}, fmt.Errorf("%w: create shard %s: %v", ErrWriteFailed, req.Owner, err)
		}
	}

	var f afero.File
	for n := 0; n < maxProbe; n++ {
		ref.Name = withSuffix(base, n)
		f, err = s.fs.OpenFile(s.path(ref), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o640)
		if err == nil {
			break
		}
		if !errors.Is(err, fs.ErrExist) {
			return Ref{}, fmt.Errorf("%w: create %s: %v", ErrWriteFailed, ref, err)
		}
	}
	if f == nil {
		return Ref{}, fmt.Errorf("%w: no free name for %s", ErrWriteFailed, base)
	}

	written, err := io.Copy(f, io.LimitReader(req.Content, s.maxSize+1))
	switch {
	case err != nil:
		err = fmt.Errorf("%w: write %s: %v", ErrWriteFailed, ref, err)
	case written > s.maxSize:
		err = ErrFileTooLarge
	default:
		if serr := f.Sync(); serr != nil {
			err = fmt.Errorf("%w: sync %s: %v", ErrWriteFailed, ref, serr)
		}
	}
	if cerr := f.Close(); cerr != nil && err == nil {
		err = fmt.Errorf("%w: close %s: %v", ErrWriteFailed, ref, cerr)
	}
	if err != nil {
		if rerr := s.fs.Remove(s.path(ref)); rerr != nil && !errors.Is(rerr, fs.ErrNotExist) {
			s.logger.Warn().Err(rerr).Str("ref", ref.String()).Msg("failed to discard partial upload")
		}
		return Ref{}, err
	}

	s.logger.Debug().Str("ref", ref.String()).Int64("size", written).Msg("attachment stored")
	return ref, nil
}

// Get opens the stored file for reading.
func (s *FileStore) Get(_ context.Context, ref Ref) (io.ReadCloser, *Info, error) {
	if !ref.Valid() {
		return nil, nil, ErrBlobNotFound
	}
	p := s.path(ref)
	st, err := s.fs.Stat(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil, ErrBlobNotFound
		}
		return nil, nil, fmt.Errorf("%w: stat %s: %v", ErrReadFailed, ref, err)
	}
	if st.IsDir() {
		return nil, nil, ErrBlobNotFound
	}
	f, err := s.fs.Open(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil, ErrBlobNotFound
		}
		return nil, nil, fmt.Errorf("%w: open %s: %v", ErrReadFailed, ref, err)
	}
	return f, &Info{Ref: ref, Size: st.Size(), ModTime: st.ModTime()}, nil
}

// Remove deletes the stored file. A missing file counts as removed; any
// other failure is logged and reported as false.
func (s *FileStore) Remove(_ context.Context, ref Ref) bool {
	if !ref.Valid() {
		s.logger.Warn().Str("ref", ref.String()).Msg("refusing to remove invalid attachment reference")
		return false
	}
	err := s.fs.Remove(s.path(ref))
	if err == nil || errors.Is(err, fs.ErrNotExist) {
		return true
	}
	s.logger.Warn().Err(err).Str("ref", ref.String()).Msg("attachment removal failed")
	return false
}
