// Package blobstore holds the attachment files referenced by clinic records.
// It defines the Store interface, the reference type records keep for each
// file, the filename sanitisation shared by the write and read paths, and a
// filesystem implementation built on afero.
package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"regexp"
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// ---------------------------------------------------------------------------
// Sentinel errors
// ---------------------------------------------------------------------------

var (
	ErrBlobNotFound        = errors.New("attachment not found")
	ErrFileTooLarge        = errors.New("file exceeds maximum allowed size")
	ErrExtensionNotAllowed = errors.New("file extension is not allowed")
	ErrInvalidName         = errors.New("file name is empty or unsafe")
	ErrInvalidOwner        = errors.New("attachment owner is empty or unsafe")
	ErrWriteFailed         = errors.New("attachment write failed")
	ErrReadFailed          = errors.New("attachment read failed")
)

// ---------------------------------------------------------------------------
// Validation constants
// ---------------------------------------------------------------------------

// DefaultMaxFileSize is the upload limit used when none is configured (20 MB).
const DefaultMaxFileSize = 20 * 1024 * 1024

// maxNameLength keeps names within common filesystem limits; storedNameLength
// leaves room below it for collision suffixes.
const (
	maxNameLength    = 255
	storedNameLength = 200
)

// maxProbe bounds the number of suffixes tried when a stored name is taken.
const maxProbe = 1000

// DefaultAllowedExtensions lists document and image formats accepted for upload.
var DefaultAllowedExtensions = []string{
	"pdf", "doc", "docx", "odt", "rtf", "txt",
	"png", "jpg", "jpeg", "gif", "webp",
}

var (
	ownerPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)
	unsafeChars  = regexp.MustCompile(`[^A-Za-z0-9_.-]`)
)

// Layout selects how stored files are arranged below the upload root.
type Layout string

const (
	// LayoutPatient shards files into one directory per owning patient.
	LayoutPatient Layout = "patient"
	// LayoutFlat keeps every file directly under the upload root.
	LayoutFlat Layout = "flat"
)

// ParseLayout validates a configured layout name.
func ParseLayout(s string) (Layout, error) {
	switch Layout(strings.ToLower(strings.TrimSpace(s))) {
	case LayoutPatient, "":
		return LayoutPatient, nil
	case LayoutFlat:
		return LayoutFlat, nil
	default:
		return "", fmt.Errorf("unknown upload layout %q", s)
	}
}

// ---------------------------------------------------------------------------
// Domain types
// ---------------------------------------------------------------------------

// Ref identifies a stored attachment. Owner is the patient shard the file
// lives under and Name is the sanitised stored name; together they resolve
// to exactly one path in a given layout.
type Ref struct {
	Owner string `json:"owner"`
	Name  string `json:"name"`
}

// Valid reports whether both parts of the reference are safe path elements.
func (r Ref) Valid() bool {
	return ownerPattern.MatchString(r.Owner) && ValidName(r.Name)
}

func (r Ref) String() string {
	return r.Owner + "/" + r.Name
}

// PutRequest describes one upload.
type PutRequest struct {
	// Owner is the patient shard directory.
	Owner string
	// Record identifies the owning record and prefixes the stored name.
	Record string
	// Date is the session or document date in YYYY-MM-DD form.
	Date string
	// FileName is the client-supplied name; only its sanitised form is used.
	FileName string
	Content  io.Reader
}

// Info describes a stored attachment.
type Info struct {
	Ref     Ref       `json:"ref"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mod_time"`
}

// ---------------------------------------------------------------------------
// Store interface
// ---------------------------------------------------------------------------

// Store defines the contract for attachment backends.
//
// Put durably writes the content and returns its reference; callers must not
// link a record to the reference unless Put succeeded. Remove is best effort:
// it reports success instead of failing, and a missing file counts as
// removed. Get returns ErrBlobNotFound for absent files even when a record
// still references them.
type Store interface {
	Put(ctx context.Context, req PutRequest) (Ref, error)
	Get(ctx context.Context, ref Ref) (io.ReadCloser, *Info, error)
	Remove(ctx context.Context, ref Ref) bool
}

// ---------------------------------------------------------------------------
// Naming
// ---------------------------------------------------------------------------

// SanitizeFilename reduces a client-supplied file name to a safe single path
// element: accents are folded to ASCII, path separators and whitespace become
// underscores, anything outside [A-Za-z0-9_.-] is dropped and leading or
// trailing dots and underscores are trimmed. The result may be empty.
func SanitizeFilename(name string) string {
	fold := transform.Chain(
		norm.NFKD,
		runes.Remove(runes.In(unicode.Mn)),
		runes.Remove(runes.Predicate(func(r rune) bool { return r > unicode.MaxASCII })),
	)
	folded, _, err := transform.String(fold, name)
	if err != nil {
		return ""
	}
	folded = strings.NewReplacer("/", " ", `\`, " ").Replace(folded)
	folded = strings.Join(strings.Fields(folded), "_")
	folded = unsafeChars.ReplaceAllString(folded, "")
	return strings.Trim(folded, "._")
}

// ValidName reports whether name is already in sanitised form.
func ValidName(name string) bool {
	return name != "" && len(name) <= maxNameLength && SanitizeFilename(name) == name
}

// StoredName combines the owning record, the date and the sanitised original
// name into the deterministic stored name.
func StoredName(record, date, fileName string) (string, error) {
	clean := SanitizeFilename(fileName)
	if clean == "" {
		return "", ErrInvalidName
	}
	name := SanitizeFilename(fmt.Sprintf("%s_%s_%s", record, date, clean))
	if len(name) > storedNameLength {
		ext := path.Ext(name)
		name = name[:storedNameLength-len(ext)] + ext
	}
	return name, nil
}

// withSuffix returns the n-th collision candidate for name.
func withSuffix(name string, n int) string {
	if n == 0 {
		return name
	}
	ext := path.Ext(name)
	return fmt.Sprintf("%s_%d%s", strings.TrimSuffix(name, ext), n, ext)
}

// Extension returns the lower-cased extension of name without the dot.
func Extension(name string) string {
	return strings.ToLower(strings.TrimPrefix(path.Ext(name), "."))
}
