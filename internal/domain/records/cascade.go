package records

import (
	"context"
	"strconv"
	"strings"

	"github.com/clinica/clinica/internal/platform/blobstore"
)

// cascadePlan is the set of rows removed by one delete, collected before
// anything is touched. Nil or empty fields are skipped.
type cascadePlan struct {
	patient   *Patient
	therapies []*Therapy
	sessions  []*Session
	documents []*Document
}

func (p *cascadePlan) attachments() []blobstore.Ref {
	var refs []blobstore.Ref
	for _, sess := range p.sessions {
		if sess.Attachment != nil {
			refs = append(refs, *sess.Attachment)
		}
	}
	for _, doc := range p.documents {
		refs = append(refs, doc.Attachment)
	}
	return refs
}

func (s *Service) collectPatient(ctx context.Context, plan *cascadePlan, p *Patient) error {
	plan.patient = p

	docs, err := s.documents.ListByPatient(ctx, p.ID, "")
	if err != nil {
		return err
	}
	plan.documents = append(plan.documents, docs...)

	therapies, err := s.therapies.ListByPatient(ctx, p.ID)
	if err != nil {
		return err
	}
	for _, t := range therapies {
		if err := s.collectTherapy(ctx, plan, t); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) collectTherapy(ctx context.Context, plan *cascadePlan, t *Therapy) error {
	plan.therapies = append(plan.therapies, t)

	sessions, err := s.sessions.ListByTherapy(ctx, t.ID)
	if err != nil {
		return err
	}
	plan.sessions = append(plan.sessions, sessions...)
	return nil
}

// cascade removes every attachment in the plan, then every row bottom-up.
// Attachment failures are reported, never returned. It must run inside
// the transaction that collected the plan.
func (s *Service) cascade(ctx context.Context, plan *cascadePlan) (*CascadeReport, error) {
	report := &CascadeReport{}

	for _, ref := range plan.attachments() {
		if s.files.Remove(ctx, ref) {
			report.FilesRemoved++
			continue
		}
		report.FilesFailed = append(report.FilesFailed, ref)
		s.logger.Warn().Str("owner", ref.Owner).Str("name", ref.Name).
			Msg("attachment cleanup failed; deleting record anyway")
	}

	for _, sess := range plan.sessions {
		if err := s.sessions.Delete(ctx, sess.ID); err != nil {
			return nil, err
		}
		report.Sessions++
	}
	for _, doc := range plan.documents {
		if err := s.documents.Delete(ctx, doc.ID); err != nil {
			return nil, err
		}
		report.Documents++
	}
	for _, t := range plan.therapies {
		if err := s.therapies.Delete(ctx, t.ID); err != nil {
			return nil, err
		}
		report.Therapies++
	}
	if plan.patient != nil {
		if err := s.patients.Delete(ctx, plan.patient.ID); err != nil {
			return nil, err
		}
		report.Patients++
	}
	return report, nil
}

// runCascade collects the plan and applies it in one transaction.
func (s *Service) runCascade(ctx context.Context, root string, collect func(ctx context.Context, plan *cascadePlan) error) (*CascadeReport, error) {
	var report *CascadeReport
	err := s.tx.RunInTx(ctx, func(ctx context.Context) error {
		plan := &cascadePlan{}
		if err := collect(ctx, plan); err != nil {
			return err
		}
		var err error
		report, err = s.cascade(ctx, plan)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().Str("root", root).
		Int("sessoes", report.Sessions).
		Int("documentos", report.Documents).
		Int("terapias", report.Therapies).
		Int("pacientes", report.Patients).
		Int("arquivos_removidos", report.FilesRemoved).
		Int("arquivos_com_falha", len(report.FilesFailed)).
		Msg("cascade delete")
	return report, nil
}

// DeletePatient removes the patient with its documents, therapies and
// sessions, and every attachment they reference.
func (s *Service) DeletePatient(ctx context.Context, prontuario string) (*CascadeReport, error) {
	prontuario = strings.TrimSpace(prontuario)
	if prontuario == "" {
		return nil, invalidf("prontuario is required")
	}
	return s.runCascade(ctx, "paciente "+prontuario, func(ctx context.Context, plan *cascadePlan) error {
		p, err := s.patients.GetByProntuario(ctx, prontuario)
		if err != nil {
			return err
		}
		return s.collectPatient(ctx, plan, p)
	})
}

// DeleteTherapy removes the therapy with its sessions and their attachments.
func (s *Service) DeleteTherapy(ctx context.Context, id int64) (*CascadeReport, error) {
	if id <= 0 {
		return nil, notFoundf("terapia %d", id)
	}
	return s.runCascade(ctx, "terapia "+strconv.FormatInt(id, 10), func(ctx context.Context, plan *cascadePlan) error {
		t, err := s.therapies.GetByID(ctx, id)
		if err != nil {
			return err
		}
		return s.collectTherapy(ctx, plan, t)
	})
}

// DeleteSession removes the session and its attachment, if any.
func (s *Service) DeleteSession(ctx context.Context, id int64) (*CascadeReport, error) {
	if id <= 0 {
		return nil, notFoundf("sessao %d", id)
	}
	return s.runCascade(ctx, "sessao "+strconv.FormatInt(id, 10), func(ctx context.Context, plan *cascadePlan) error {
		sess, err := s.sessions.GetByID(ctx, id)
		if err != nil {
			return err
		}
		plan.sessions = append(plan.sessions, sess)
		return nil
	})
}

// DeleteDocument removes the document and its attachment.
func (s *Service) DeleteDocument(ctx context.Context, id int64) (*CascadeReport, error) {
	if id <= 0 {
		return nil, notFoundf("documento %d", id)
	}
	return s.runCascade(ctx, "documento "+strconv.FormatInt(id, 10), func(ctx context.Context, plan *cascadePlan) error {
		doc, err := s.documents.GetByID(ctx, id)
		if err != nil {
			return err
		}
		plan.documents = append(plan.documents, doc)
		return nil
	})
}
