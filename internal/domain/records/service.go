// Package records owns the clinic record hierarchy (patients, therapies,
// sessions and patient documents) and keeps it consistent with the
// attachment store. Creates store the file before linking a row to it;
// deletes clean attachments up first and remove rows regardless.
package records

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/clinica/clinica/internal/platform/blobstore"
)

type Service struct {
	patients  PatientRepository
	therapies TherapyRepository
	sessions  SessionRepository
	documents DocumentRepository
	tx        TxRunner
	files     blobstore.Store
	logger    zerolog.Logger
	now       func() time.Time
}

func NewService(repos Repositories, files blobstore.Store, logger zerolog.Logger) *Service {
	return &Service{
		patients:  repos.Patients,
		therapies: repos.Therapies,
		sessions:  repos.Sessions,
		documents: repos.Documents,
		tx:        repos.Tx,
		files:     files,
		logger:    logger.With().Str("component", "records").Logger(),
		now:       time.Now,
	}
}

// -- Patient --

func (s *Service) CreatePatient(ctx context.Context, in CreatePatientInput) (*Patient, error) {
	p := &Patient{
		Prontuario: strings.TrimSpace(in.Prontuario),
		Nome:       strings.TrimSpace(in.Nome),
	}
	if p.Prontuario == "" || p.Nome == "" {
		return nil, invalidf("prontuario and nome are required")
	}
	if utf8.RuneCountInString(p.Prontuario) > maxProntuarioLen {
		return nil, invalidf("prontuario exceeds %d characters", maxProntuarioLen)
	}
	if utf8.RuneCountInString(p.Nome) > maxNomeLen {
		return nil, invalidf("nome exceeds %d characters", maxNomeLen)
	}
	var err error
	if p.DataInicio, err = parseOptionalDate(in.DataInicio); err != nil {
		return nil, err
	}
	if p.DataAnamnese, err = parseOptionalDate(in.DataAnamnese); err != nil {
		return nil, err
	}

	// The unique constraint still decides concurrent creates.
	if _, err := s.patients.GetByProntuario(ctx, p.Prontuario); err == nil {
		return nil, fmt.Errorf("%w: prontuario %s already exists", ErrDuplicateKey, p.Prontuario)
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	if err := s.patients.Create(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

func (s *Service) GetPatient(ctx context.Context, prontuario string) (*Patient, error) {
	prontuario = strings.TrimSpace(prontuario)
	if prontuario == "" {
		return nil, invalidf("prontuario is required")
	}
	return s.patients.GetByProntuario(ctx, prontuario)
}

func (s *Service) ListPatients(ctx context.Context, limit, offset int) ([]*Patient, int, error) {
	if limit <= 0 || offset < 0 {
		return nil, 0, invalidf("limit must be positive and offset non-negative")
	}
	return s.patients.List(ctx, limit, offset)
}

// -- Therapy --

// ListTherapies returns an empty list for an unknown patient.
func (s *Service) ListTherapies(ctx context.Context, prontuario string) ([]*Therapy, error) {
	p, err := s.GetPatient(ctx, prontuario)
	if errors.Is(err, ErrNotFound) {
		return []*Therapy{}, nil
	}
	if err != nil {
		return nil, err
	}
	return s.therapies.ListByPatient(ctx, p.ID)
}

func (s *Service) CreateTherapy(ctx context.Context, in CreateTherapyInput) (*Therapy, error) {
	prontuario := strings.TrimSpace(in.Prontuario)
	tipo := strings.TrimSpace(in.TipoTerapia)
	if prontuario == "" || tipo == "" {
		return nil, invalidf("prontuario, tipo_terapia and frequencia are required")
	}
	if utf8.RuneCountInString(tipo) > maxTipoTerapiaLen {
		return nil, invalidf("tipo_terapia exceeds %d characters", maxTipoTerapiaLen)
	}
	if in.Frequencia <= 0 || in.Frequencia > math.MaxInt32 {
		return nil, invalidf("frequencia must be a positive integer")
	}

	p, err := s.patients.GetByProntuario(ctx, prontuario)
	if err != nil {
		return nil, err
	}

	t := &Therapy{PatientID: p.ID, TipoTerapia: tipo, Frequencia: in.Frequencia}
	if err := s.therapies.Create(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

// -- Session --

// ListSessions returns an empty list for an unknown therapy.
func (s *Service) ListSessions(ctx context.Context, therapyID int64) ([]*Session, error) {
	if therapyID <= 0 {
		return nil, invalidf("terapia_id is required")
	}
	return s.sessions.ListByTherapy(ctx, therapyID)
}

// CreateSession stores the optional file before inserting the row that
// references it. A failed store creates nothing; a failed insert leaves an
// orphaned file, which is logged.
func (s *Service) CreateSession(ctx context.Context, in CreateSessionInput) (*Session, error) {
	if in.TherapyID <= 0 {
		return nil, invalidf("terapia_id is required")
	}
	if strings.TrimSpace(in.Data) == "" {
		return nil, invalidf("data is required")
	}
	data, err := ParseDate(in.Data)
	if err != nil {
		return nil, err
	}

	t, err := s.therapies.GetByID(ctx, in.TherapyID)
	if err != nil {
		return nil, err
	}

	sess := &Session{TherapyID: t.ID, Data: data}
	if in.File != nil {
		ref, err := s.storeAttachment(ctx, blobstore.PutRequest{
			Owner:    strconv.FormatInt(t.PatientID, 10),
			Record:   strconv.FormatInt(t.ID, 10),
			Date:     data.String(),
			FileName: in.File.FileName,
			Content:  in.File.Content,
		})
		if err != nil {
			return nil, err
		}
		sess.Attachment = &ref
	}

	if err := s.sessions.Create(ctx, sess); err != nil {
		s.logOrphan(sess.Attachment, "sessao", err)
		return nil, err
	}
	return sess, nil
}

// -- Document --

func (s *Service) UploadDocument(ctx context.Context, in UploadDocumentInput) (*Document, error) {
	prontuario := strings.TrimSpace(in.Prontuario)
	if prontuario == "" {
		return nil, invalidf("prontuario is required")
	}
	tipo, err := ParseDocumentType(in.Tipo)
	if err != nil {
		return nil, err
	}
	data := NewDate(s.now())
	if strings.TrimSpace(in.Data) != "" {
		if data, err = ParseDate(in.Data); err != nil {
			return nil, err
		}
	}
	if in.File == nil {
		return nil, invalidf("file is required")
	}

	p, err := s.patients.GetByProntuario(ctx, prontuario)
	if err != nil {
		return nil, err
	}

	ref, err := s.storeAttachment(ctx, blobstore.PutRequest{
		Owner:    p.Owner(),
		Record:   p.Owner() + "_" + string(tipo),
		Date:     data.String(),
		FileName: in.File.FileName,
		Content:  in.File.Content,
	})
	if err != nil {
		return nil, err
	}

	doc := &Document{PatientID: p.ID, Tipo: tipo, Data: data, Attachment: ref}
	if err := s.documents.Create(ctx, doc); err != nil {
		s.logOrphan(&ref, "documento", err)
		return nil, err
	}
	return doc, nil
}

// ListDocuments returns an empty list for an unknown patient. An empty
// tipo lists every type.
func (s *Service) ListDocuments(ctx context.Context, prontuario, tipo string) ([]*Document, error) {
	var filter DocumentType
	if strings.TrimSpace(tipo) != "" {
		var err error
		if filter, err = ParseDocumentType(tipo); err != nil {
			return nil, err
		}
	}
	p, err := s.GetPatient(ctx, prontuario)
	if errors.Is(err, ErrNotFound) {
		return []*Document{}, nil
	}
	if err != nil {
		return nil, err
	}
	return s.documents.ListByPatient(ctx, p.ID, filter)
}

// -- Attachments --

// OpenAttachment returns the stored bytes. A reference whose file is gone
// yields ErrNotFound.
func (s *Service) OpenAttachment(ctx context.Context, ref blobstore.Ref) (io.ReadCloser, *blobstore.Info, error) {
	rc, info, err := s.files.Get(ctx, ref)
	switch {
	case err == nil:
		return rc, info, nil
	case errors.Is(err, blobstore.ErrBlobNotFound):
		return nil, nil, notFoundf("attachment %s", ref)
	default:
		return nil, nil, fmt.Errorf("%w: %w", ErrIO, err)
	}
}

// OpenAttachmentByName resolves the owner of a bare stored name from the
// session or document that references it.
func (s *Service) OpenAttachmentByName(ctx context.Context, name string) (io.ReadCloser, *blobstore.Info, error) {
	if !blobstore.ValidName(name) {
		return nil, nil, notFoundf("attachment %s", name)
	}
	ref, err := s.resolveAttachment(ctx, name)
	if err != nil {
		return nil, nil, err
	}
	return s.OpenAttachment(ctx, ref)
}

func (s *Service) resolveAttachment(ctx context.Context, name string) (blobstore.Ref, error) {
	sess, err := s.sessions.FindByAttachmentName(ctx, name)
	if err == nil && sess.Attachment != nil {
		return *sess.Attachment, nil
	}
	if err != nil && !errors.Is(err, ErrNotFound) {
		return blobstore.Ref{}, err
	}
	doc, err := s.documents.FindByAttachmentName(ctx, name)
	if err != nil {
		return blobstore.Ref{}, err
	}
	return doc.Attachment, nil
}

// storeAttachment translates store failures into the record taxonomy.
func (s *Service) storeAttachment(ctx context.Context, req blobstore.PutRequest) (blobstore.Ref, error) {
	ref, err := s.files.Put(ctx, req)
	switch {
	case err == nil:
		return ref, nil
	case errors.Is(err, blobstore.ErrFileTooLarge),
		errors.Is(err, blobstore.ErrExtensionNotAllowed),
		errors.Is(err, blobstore.ErrInvalidName),
		errors.Is(err, blobstore.ErrInvalidOwner):
		return blobstore.Ref{}, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	default:
		return blobstore.Ref{}, fmt.Errorf("%w: %w", ErrIO, err)
	}
}

func (s *Service) logOrphan(ref *blobstore.Ref, record string, cause error) {
	if ref == nil {
		return
	}
	s.logger.Error().Err(cause).
		Str("record", record).
		Str("owner", ref.Owner).
		Str("name", ref.Name).
		Msg("row insert failed after attachment was stored; file is orphaned")
}
