package records

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/clinica/clinica/internal/platform/blobstore"
	"github.com/clinica/clinica/internal/platform/sqlite"
)

// NewSQLiteRepositories wires the embedded-store repositories over one handle.
func NewSQLiteRepositories(d *sqlite.DB) Repositories {
	return Repositories{
		Patients:  &patientRepoSQLite{db: d},
		Therapies: &therapyRepoSQLite{db: d},
		Sessions:  &sessionRepoSQLite{db: d},
		Documents: &documentRepoSQLite{db: d},
		Tx:        d,
	}
}

func classifySQLite(err error, what string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, sql.ErrNoRows):
		return notFoundf("%s", what)
	case sqlite.IsUniqueViolation(err):
		return fmt.Errorf("%w: %s: %v", ErrDuplicateKey, what, err)
	case sqlite.IsForeignKeyViolation(err):
		return fmt.Errorf("%w: %s references a missing parent: %v", ErrNotFound, what, err)
	default:
		return fmt.Errorf("%s: %w", what, err)
	}
}

func dateText(d *Date) sql.NullString {
	if d == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: d.String(), Valid: true}
}

func textDate(s sql.NullString) (*Date, error) {
	if !s.Valid {
		return nil, nil
	}
	d, err := ParseDate(s.String)
	if err != nil {
		return nil, fmt.Errorf("stored date %q: %v", s.String, err)
	}
	return &d, nil
}

func nullRef(ref *blobstore.Ref) (owner, name sql.NullString) {
	if ref == nil {
		return owner, name
	}
	return sql.NullString{String: ref.Owner, Valid: true}, sql.NullString{String: ref.Name, Valid: true}
}

func deleteByID(ctx context.Context, q sqlite.Querier, table string, id int64, what string) error {
	res, err := q.ExecContext(ctx, `DELETE FROM `+table+` WHERE id = ?`, id)
	if err != nil {
		return classifySQLite(err, "delete "+what)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return classifySQLite(err, "delete "+what)
	}
	if n == 0 {
		return notFoundf("%s", what)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

// =========== Patient Repository ===========

type patientRepoSQLite struct{ db *sqlite.DB }

func scanPatientSQLite(row rowScanner) (*Patient, error) {
	var p Patient
	var inicio, anamnese sql.NullString
	if err := row.Scan(&p.ID, &p.Prontuario, &p.Nome, &inicio, &anamnese); err != nil {
		return nil, err
	}
	var err error
	if p.DataInicio, err = textDate(inicio); err != nil {
		return nil, err
	}
	if p.DataAnamnese, err = textDate(anamnese); err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *patientRepoSQLite) Create(ctx context.Context, p *Patient) error {
	res, err := r.db.Conn(ctx).ExecContext(ctx,
		`INSERT INTO pacientes (prontuario, nome, data_inicio, data_anamnese) VALUES (?, ?, ?, ?)`,
		p.Prontuario, p.Nome, dateText(p.DataInicio), dateText(p.DataAnamnese))
	if err != nil {
		return classifySQLite(err, "paciente "+p.Prontuario)
	}
	p.ID, err = res.LastInsertId()
	return err
}

func (r *patientRepoSQLite) GetByID(ctx context.Context, id int64) (*Patient, error) {
	p, err := scanPatientSQLite(r.db.Conn(ctx).QueryRowContext(ctx,
		`SELECT `+patientCols+` FROM pacientes WHERE id = ?`, id))
	return p, classifySQLite(err, fmt.Sprintf("paciente %d", id))
}

func (r *patientRepoSQLite) GetByProntuario(ctx context.Context, prontuario string) (*Patient, error) {
	p, err := scanPatientSQLite(r.db.Conn(ctx).QueryRowContext(ctx,
		`SELECT `+patientCols+` FROM pacientes WHERE prontuario = ?`, prontuario))
	return p, classifySQLite(err, "paciente "+prontuario)
}

func (r *patientRepoSQLite) List(ctx context.Context, limit, offset int) ([]*Patient, int, error) {
	q := r.db.Conn(ctx)
	var total int
	if err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM pacientes`).Scan(&total); err != nil {
		return nil, 0, classifySQLite(err, "count pacientes")
	}

	rows, err := q.QueryContext(ctx, `SELECT `+patientCols+` FROM pacientes ORDER BY id LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, 0, classifySQLite(err, "list pacientes")
	}
	defer rows.Close()

	items := []*Patient{}
	for rows.Next() {
		p, err := scanPatientSQLite(rows)
		if err != nil {
			return nil, 0, classifySQLite(err, "scan paciente")
		}
		items = append(items, p)
	}
	return items, total, classifySQLite(rows.Err(), "list pacientes")
}

func (r *patientRepoSQLite) Delete(ctx context.Context, id int64) error {
	return deleteByID(ctx, r.db.Conn(ctx), "pacientes", id, fmt.Sprintf("paciente %d", id))
}

// =========== Therapy Repository ===========

type therapyRepoSQLite struct{ db *sqlite.DB }

func scanTherapySQLite(row rowScanner) (*Therapy, error) {
	var t Therapy
	if err := row.Scan(&t.ID, &t.PatientID, &t.TipoTerapia, &t.Frequencia); err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *therapyRepoSQLite) Create(ctx context.Context, t *Therapy) error {
	res, err := r.db.Conn(ctx).ExecContext(ctx,
		`INSERT INTO terapias (paciente_id, tipo_terapia, frequencia) VALUES (?, ?, ?)`,
		t.PatientID, t.TipoTerapia, t.Frequencia)
	if err != nil {
		return classifySQLite(err, "terapia")
	}
	t.ID, err = res.LastInsertId()
	return err
}

func (r *therapyRepoSQLite) GetByID(ctx context.Context, id int64) (*Therapy, error) {
	t, err := scanTherapySQLite(r.db.Conn(ctx).QueryRowContext(ctx,
		`SELECT `+therapyCols+` FROM terapias WHERE id = ?`, id))
	return t, classifySQLite(err, fmt.Sprintf("terapia %d", id))
}

func (r *therapyRepoSQLite) ListByPatient(ctx context.Context, patientID int64) ([]*Therapy, error) {
	rows, err := r.db.Conn(ctx).QueryContext(ctx,
		`SELECT `+therapyCols+` FROM terapias WHERE paciente_id = ? ORDER BY id`, patientID)
	if err != nil {
		return nil, classifySQLite(err, "list terapias")
	}
	defer rows.Close()

	items := []*Therapy{}
	for rows.Next() {
		t, err := scanTherapySQLite(rows)
		if err != nil {
			return nil, classifySQLite(err, "scan terapia")
		}
		items = append(items, t)
	}
	return items, classifySQLite(rows.Err(), "list terapias")
}

func (r *therapyRepoSQLite) Delete(ctx context.Context, id int64) error {
	return deleteByID(ctx, r.db.Conn(ctx), "terapias", id, fmt.Sprintf("terapia %d", id))
}

// =========== Session Repository ===========

type sessionRepoSQLite struct{ db *sqlite.DB }

func scanSessionSQLite(row rowScanner) (*Session, error) {
	var s Session
	var data string
	var owner, name sql.NullString
	if err := row.Scan(&s.ID, &s.TherapyID, &data, &owner, &name); err != nil {
		return nil, err
	}
	d, err := ParseDate(data)
	if err != nil {
		return nil, fmt.Errorf("stored date %q: %v", data, err)
	}
	s.Data = d
	if owner.Valid && name.Valid {
		s.Attachment = &blobstore.Ref{Owner: owner.String, Name: name.String}
	}
	return &s, nil
}

func (r *sessionRepoSQLite) Create(ctx context.Context, s *Session) error {
	owner, name := nullRef(s.Attachment)
	res, err := r.db.Conn(ctx).ExecContext(ctx,
		`INSERT INTO sessoes (terapia_id, data, documento_owner, documento_nome) VALUES (?, ?, ?, ?)`,
		s.TherapyID, s.Data.String(), owner, name)
	if err != nil {
		return classifySQLite(err, "sessao")
	}
	s.ID, err = res.LastInsertId()
	return err
}

func (r *sessionRepoSQLite) GetByID(ctx context.Context, id int64) (*Session, error) {
	s, err := scanSessionSQLite(r.db.Conn(ctx).QueryRowContext(ctx,
		`SELECT `+sessionCols+` FROM sessoes WHERE id = ?`, id))
	return s, classifySQLite(err, fmt.Sprintf("sessao %d", id))
}

func (r *sessionRepoSQLite) ListByTherapy(ctx context.Context, therapyID int64) ([]*Session, error) {
	rows, err := r.db.Conn(ctx).QueryContext(ctx,
		`SELECT `+sessionCols+` FROM sessoes WHERE terapia_id = ? ORDER BY data, id`, therapyID)
	if err != nil {
		return nil, classifySQLite(err, "list sessoes")
	}
	defer rows.Close()

	items := []*Session{}
	for rows.Next() {
		s, err := scanSessionSQLite(rows)
		if err != nil {
			return nil, classifySQLite(err, "scan sessao")
		}
		items = append(items, s)
	}
	return items, classifySQLite(rows.Err(), "list sessoes")
}

func (r *sessionRepoSQLite) FindByAttachmentName(ctx context.Context, name string) (*Session, error) {
	s, err := scanSessionSQLite(r.db.Conn(ctx).QueryRowContext(ctx,
		`SELECT `+sessionCols+` FROM sessoes WHERE documento_nome = ? ORDER BY id LIMIT 1`, name))
	return s, classifySQLite(err, "sessao com documento "+name)
}

func (r *sessionRepoSQLite) Delete(ctx context.Context, id int64) error {
	return deleteByID(ctx, r.db.Conn(ctx), "sessoes", id, fmt.Sprintf("sessao %d", id))
}

// =========== Document Repository ===========

type documentRepoSQLite struct{ db *sqlite.DB }

func scanDocumentSQLite(row rowScanner) (*Document, error) {
	var d Document
	var tipo, data string
	if err := row.Scan(&d.ID, &d.PatientID, &tipo, &data, &d.Attachment.Owner, &d.Attachment.Name); err != nil {
		return nil, err
	}
	parsed, err := ParseDate(data)
	if err != nil {
		return nil, fmt.Errorf("stored date %q: %v", data, err)
	}
	d.Tipo = DocumentType(tipo)
	d.Data = parsed
	return &d, nil
}

func (r *documentRepoSQLite) Create(ctx context.Context, d *Document) error {
	res, err := r.db.Conn(ctx).ExecContext(ctx,
		`INSERT INTO documentos (paciente_id, tipo, data, documento_owner, documento_nome) VALUES (?, ?, ?, ?, ?)`,
		d.PatientID, string(d.Tipo), d.Data.String(), d.Attachment.Owner, d.Attachment.Name)
	if err != nil {
		return classifySQLite(err, "documento")
	}
	d.ID, err = res.LastInsertId()
	return err
}

func (r *documentRepoSQLite) GetByID(ctx context.Context, id int64) (*Document, error) {
	d, err := scanDocumentSQLite(r.db.Conn(ctx).QueryRowContext(ctx,
		`SELECT `+documentCols+` FROM documentos WHERE id = ?`, id))
	return d, classifySQLite(err, fmt.Sprintf("documento %d", id))
}

func (r *documentRepoSQLite) ListByPatient(ctx context.Context, patientID int64, tipo DocumentType) ([]*Document, error) {
	query := `SELECT ` + documentCols + ` FROM documentos WHERE paciente_id = ?`
	args := []any{patientID}
	if tipo != "" {
		query += ` AND tipo = ?`
		args = append(args, string(tipo))
	}
	query += ` ORDER BY data, id`

	rows, err := r.db.Conn(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classifySQLite(err, "list documentos")
	}
	defer rows.Close()

	items := []*Document{}
	for rows.Next() {
		d, err := scanDocumentSQLite(rows)
		if err != nil {
			return nil, classifySQLite(err, "scan documento")
		}
		items = append(items, d)
	}
	return items, classifySQLite(rows.Err(), "list documentos")
}

func (r *documentRepoSQLite) FindByAttachmentName(ctx context.Context, name string) (*Document, error) {
	d, err := scanDocumentSQLite(r.db.Conn(ctx).QueryRowContext(ctx,
		`SELECT `+documentCols+` FROM documentos WHERE documento_nome = ? ORDER BY id LIMIT 1`, name))
	return d, classifySQLite(err, "documento "+name)
}

func (r *documentRepoSQLite) Delete(ctx context.Context, id int64) error {
	return deleteByID(ctx, r.db.Conn(ctx), "documentos", id, fmt.Sprintf("documento %d", id))
}
