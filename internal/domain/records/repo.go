package records

import (
	"context"
)

// Repositories return ErrNotFound for absent rows (including Delete of an
// absent id), ErrDuplicateKey for unique violations and ErrNotFound for
// foreign key violations on insert.

type PatientRepository interface {
	Create(ctx context.Context, p *Patient) error
	GetByID(ctx context.Context, id int64) (*Patient, error)
	GetByProntuario(ctx context.Context, prontuario string) (*Patient, error)
	List(ctx context.Context, limit, offset int) ([]*Patient, int, error)
	Delete(ctx context.Context, id int64) error
}

type TherapyRepository interface {
	Create(ctx context.Context, t *Therapy) error
	GetByID(ctx context.Context, id int64) (*Therapy, error)
	// ListByPatient returns therapies in insertion order.
	ListByPatient(ctx context.Context, patientID int64) ([]*Therapy, error)
	Delete(ctx context.Context, id int64) error
}

type SessionRepository interface {
	Create(ctx context.Context, s *Session) error
	GetByID(ctx context.Context, id int64) (*Session, error)
	// ListByTherapy returns sessions by date, then insertion order.
	ListByTherapy(ctx context.Context, therapyID int64) ([]*Session, error)
	FindByAttachmentName(ctx context.Context, name string) (*Session, error)
	Delete(ctx context.Context, id int64) error
}

type DocumentRepository interface {
	Create(ctx context.Context, d *Document) error
	GetByID(ctx context.Context, id int64) (*Document, error)
	// ListByPatient returns documents by date, then insertion order. An
	// empty tipo matches every type.
	ListByPatient(ctx context.Context, patientID int64, tipo DocumentType) ([]*Document, error)
	FindByAttachmentName(ctx context.Context, name string) (*Document, error)
	Delete(ctx context.Context, id int64) error
}

// TxRunner runs fn in a transaction carried by the context passed to it.
// Repositories join that transaction.
type TxRunner interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// Repositories bundles the storage the service needs.
type Repositories struct {
	Patients  PatientRepository
	Therapies TherapyRepository
	Sessions  SessionRepository
	Documents DocumentRepository
	Tx        TxRunner
}
