package records

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clinica/clinica/internal/platform/blobstore"
	"github.com/clinica/clinica/internal/platform/db"
)

// NewPGRepositories wires the PostgreSQL repositories over one pool.
func NewPGRepositories(pool *pgxpool.Pool) Repositories {
	return Repositories{
		Patients:  &patientRepoPG{pool: pool},
		Therapies: &therapyRepoPG{pool: pool},
		Sessions:  &sessionRepoPG{pool: pool},
		Documents: &documentRepoPG{pool: pool},
		Tx:        db.PoolTxRunner{Pool: pool},
	}
}

// classifyPG maps driver errors onto the record taxonomy.
func classifyPG(err error, what string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, pgx.ErrNoRows):
		return notFoundf("%s", what)
	case db.IsUniqueViolation(err):
		return fmt.Errorf("%w: %s: %v", ErrDuplicateKey, what, err)
	case db.IsForeignKeyViolation(err):
		return fmt.Errorf("%w: %s references a missing parent: %v", ErrNotFound, what, err)
	default:
		return fmt.Errorf("%s: %w", what, err)
	}
}

func datePtr(d *Date) *time.Time {
	if d == nil {
		return nil
	}
	return &d.Time
}

func fromTimePtr(t *time.Time) *Date {
	if t == nil {
		return nil
	}
	d := NewDate(*t)
	return &d
}

func refCols(ref *blobstore.Ref) (owner, name *string) {
	if ref == nil {
		return nil, nil
	}
	return &ref.Owner, &ref.Name
}

func toRef(owner, name *string) *blobstore.Ref {
	if owner == nil || name == nil {
		return nil
	}
	return &blobstore.Ref{Owner: *owner, Name: *name}
}

// =========== Patient Repository ===========

type patientRepoPG struct{ pool *pgxpool.Pool }

func (r *patientRepoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

const patientCols = `id, prontuario, nome, data_inicio, data_anamnese`

func (r *patientRepoPG) scanPatient(row pgx.Row) (*Patient, error) {
	var p Patient
	var inicio, anamnese *time.Time
	if err := row.Scan(&p.ID, &p.Prontuario, &p.Nome, &inicio, &anamnese); err != nil {
		return nil, err
	}
	p.DataInicio = fromTimePtr(inicio)
	p.DataAnamnese = fromTimePtr(anamnese)
	return &p, nil
}

func (r *patientRepoPG) Create(ctx context.Context, p *Patient) error {
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO pacientes (prontuario, nome, data_inicio, data_anamnese)
		VALUES ($1, $2, $3, $4)
		RETURNING id`,
		p.Prontuario, p.Nome, datePtr(p.DataInicio), datePtr(p.DataAnamnese),
	).Scan(&p.ID)
	return classifyPG(err, "paciente "+p.Prontuario)
}

func (r *patientRepoPG) GetByID(ctx context.Context, id int64) (*Patient, error) {
	p, err := r.scanPatient(r.conn(ctx).QueryRow(ctx, `SELECT `+patientCols+` FROM pacientes WHERE id = $1`, id))
	return p, classifyPG(err, fmt.Sprintf("paciente %d", id))
}

func (r *patientRepoPG) GetByProntuario(ctx context.Context, prontuario string) (*Patient, error) {
	p, err := r.scanPatient(r.conn(ctx).QueryRow(ctx, `SELECT `+patientCols+` FROM pacientes WHERE prontuario = $1`, prontuario))
	return p, classifyPG(err, "paciente "+prontuario)
}

func (r *patientRepoPG) List(ctx context.Context, limit, offset int) ([]*Patient, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM pacientes`).Scan(&total); err != nil {
		return nil, 0, classifyPG(err, "count pacientes")
	}

	rows, err := r.conn(ctx).Query(ctx, `SELECT `+patientCols+` FROM pacientes ORDER BY id LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, classifyPG(err, "list pacientes")
	}
	defer rows.Close()

	items := []*Patient{}
	for rows.Next() {
		p, err := r.scanPatient(rows)
		if err != nil {
			return nil, 0, classifyPG(err, "scan paciente")
		}
		items = append(items, p)
	}
	return items, total, classifyPG(rows.Err(), "list pacientes")
}

func (r *patientRepoPG) Delete(ctx context.Context, id int64) error {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM pacientes WHERE id = $1`, id)
	if err != nil {
		return classifyPG(err, fmt.Sprintf("delete paciente %d", id))
	}
	if tag.RowsAffected() == 0 {
		return notFoundf("paciente %d", id)
	}
	return nil
}

// =========== Therapy Repository ===========

type therapyRepoPG struct{ pool *pgxpool.Pool }

func (r *therapyRepoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

const therapyCols = `id, paciente_id, tipo_terapia, frequencia`

func (r *therapyRepoPG) scanTherapy(row pgx.Row) (*Therapy, error) {
	var t Therapy
	if err := row.Scan(&t.ID, &t.PatientID, &t.TipoTerapia, &t.Frequencia); err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *therapyRepoPG) Create(ctx context.Context, t *Therapy) error {
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO terapias (paciente_id, tipo_terapia, frequencia)
		VALUES ($1, $2, $3)
		RETURNING id`,
		t.PatientID, t.TipoTerapia, t.Frequencia,
	).Scan(&t.ID)
	return classifyPG(err, "terapia")
}

func (r *therapyRepoPG) GetByID(ctx context.Context, id int64) (*Therapy, error) {
	t, err := r.scanTherapy(r.conn(ctx).QueryRow(ctx, `SELECT `+therapyCols+` FROM terapias WHERE id = $1`, id))
	return t, classifyPG(err, fmt.Sprintf("terapia %d", id))
}

func (r *therapyRepoPG) ListByPatient(ctx context.Context, patientID int64) ([]*Therapy, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+therapyCols+` FROM terapias WHERE paciente_id = $1 ORDER BY id`, patientID)
	if err != nil {
		return nil, classifyPG(err, "list terapias")
	}
	defer rows.Close()

	items := []*Therapy{}
	for rows.Next() {
		t, err := r.scanTherapy(rows)
		if err != nil {
			return nil, classifyPG(err, "scan terapia")
		}
		items = append(items, t)
	}
	return items, classifyPG(rows.Err(), "list terapias")
}

func (r *therapyRepoPG) Delete(ctx context.Context, id int64) error {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM terapias WHERE id = $1`, id)
	if err != nil {
		return classifyPG(err, fmt.Sprintf("delete terapia %d", id))
	}
	if tag.RowsAffected() == 0 {
		return notFoundf("terapia %d", id)
	}
	return nil
}

// =========== Session Repository ===========

type sessionRepoPG struct{ pool *pgxpool.Pool }

func (r *sessionRepoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

const sessionCols = `id, terapia_id, data, documento_owner, documento_nome`

func (r *sessionRepoPG) scanSession(row pgx.Row) (*Session, error) {
	var s Session
	var data time.Time
	var owner, name *string
	if err := row.Scan(&s.ID, &s.TherapyID, &data, &owner, &name); err != nil {
		return nil, err
	}
	s.Data = NewDate(data)
	s.Attachment = toRef(owner, name)
	return &s, nil
}

func (r *sessionRepoPG) Create(ctx context.Context, s *Session) error {
	owner, name := refCols(s.Attachment)
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO sessoes (terapia_id, data, documento_owner, documento_nome)
		VALUES ($1, $2, $3, $4)
		RETURNING id`,
		s.TherapyID, s.Data.Time, owner, name,
	).Scan(&s.ID)
	return classifyPG(err, "sessao")
}

func (r *sessionRepoPG) GetByID(ctx context.Context, id int64) (*Session, error) {
	s, err := r.scanSession(r.conn(ctx).QueryRow(ctx, `SELECT `+sessionCols+` FROM sessoes WHERE id = $1`, id))
	return s, classifyPG(err, fmt.Sprintf("sessao %d", id))
}

func (r *sessionRepoPG) ListByTherapy(ctx context.Context, therapyID int64) ([]*Session, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+sessionCols+` FROM sessoes WHERE terapia_id = $1 ORDER BY data, id`, therapyID)
	if err != nil {
		return nil, classifyPG(err, "list sessoes")
	}
	defer rows.Close()

	items := []*Session{}
	for rows.Next() {
		s, err := r.scanSession(rows)
		if err != nil {
			return nil, classifyPG(err, "scan sessao")
		}
		items = append(items, s)
	}
	return items, classifyPG(rows.Err(), "list sessoes")
}

func (r *sessionRepoPG) FindByAttachmentName(ctx context.Context, name string) (*Session, error) {
	s, err := r.scanSession(r.conn(ctx).QueryRow(ctx,
		`SELECT `+sessionCols+` FROM sessoes WHERE documento_nome = $1 ORDER BY id LIMIT 1`, name))
	return s, classifyPG(err, "sessao com documento "+name)
}

func (r *sessionRepoPG) Delete(ctx context.Context, id int64) error {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM sessoes WHERE id = $1`, id)
	if err != nil {
		return classifyPG(err, fmt.Sprintf("delete sessao %d", id))
	}
	if tag.RowsAffected() == 0 {
		return notFoundf("sessao %d", id)
	}
	return nil
}

// =========== Document Repository ===========

type documentRepoPG struct{ pool *pgxpool.Pool }

func (r *documentRepoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

const documentCols = `id, paciente_id, tipo, data, documento_owner, documento_nome`

func (r *documentRepoPG) scanDocument(row pgx.Row) (*Document, error) {
	var d Document
	var data time.Time
	if err := row.Scan(&d.ID, &d.PatientID, &d.Tipo, &data, &d.Attachment.Owner, &d.Attachment.Name); err != nil {
		return nil, err
	}
	d.Data = NewDate(data)
	return &d, nil
}

func (r *documentRepoPG) Create(ctx context.Context, d *Document) error {
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO documentos (paciente_id, tipo, data, documento_owner, documento_nome)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id`,
		d.PatientID, string(d.Tipo), d.Data.Time, d.Attachment.Owner, d.Attachment.Name,
	).Scan(&d.ID)
	return classifyPG(err, "documento")
}

func (r *documentRepoPG) GetByID(ctx context.Context, id int64) (*Document, error) {
	d, err := r.scanDocument(r.conn(ctx).QueryRow(ctx, `SELECT `+documentCols+` FROM documentos WHERE id = $1`, id))
	return d, classifyPG(err, fmt.Sprintf("documento %d", id))
}

func (r *documentRepoPG) ListByPatient(ctx context.Context, patientID int64, tipo DocumentType) ([]*Document, error) {
	var rows pgx.Rows
	var err error
	if tipo == "" {
		rows, err = r.conn(ctx).Query(ctx,
			`SELECT `+documentCols+` FROM documentos WHERE paciente_id = $1 ORDER BY data, id`, patientID)
	} else {
		rows, err = r.conn(ctx).Query(ctx,
			`SELECT `+documentCols+` FROM documentos WHERE paciente_id = $1 AND tipo = $2 ORDER BY data, id`, patientID, string(tipo))
	}
	if err != nil {
		return nil, classifyPG(err, "list documentos")
	}
	defer rows.Close()

	items := []*Document{}
	for rows.Next() {
		d, err := r.scanDocument(rows)
		if err != nil {
			return nil, classifyPG(err, "scan documento")
		}
		items = append(items, d)
	}
	return items, classifyPG(rows.Err(), "list documentos")
}

func (r *documentRepoPG) FindByAttachmentName(ctx context.Context, name string) (*Document, error) {
	d, err := r.scanDocument(r.conn(ctx).QueryRow(ctx,
		`SELECT `+documentCols+` FROM documentos WHERE documento_nome = $1 ORDER BY id LIMIT 1`, name))
	return d, classifyPG(err, "documento "+name)
}

func (r *documentRepoPG) Delete(ctx context.Context, id int64) error {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM documentos WHERE id = $1`, id)
	if err != nil {
		return classifyPG(err, fmt.Sprintf("delete documento %d", id))
	}
	if tag.RowsAffected() == 0 {
		return notFoundf("documento %d", id)
	}
	return nil
}
