package records

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/clinica/clinica/internal/platform/blobstore"
)

// DateLayout is the ISO calendar date format used on the wire and in storage.
const DateLayout = "2006-01-02"

// Column widths enforced before any write.
const (
	maxProntuarioLen  = 20
	maxNomeLen        = 100
	maxTipoTerapiaLen = 50
)

// Date is a calendar date without time of day.
type Date struct {
	time.Time
}

// ParseDate parses a strict YYYY-MM-DD date.
func ParseDate(s string) (Date, error) {
	t, err := time.Parse(DateLayout, strings.TrimSpace(s))
	if err != nil {
		return Date{}, invalidf("date %q is not a YYYY-MM-DD calendar date", s)
	}
	return Date{Time: t}, nil
}

// NewDate truncates t to its calendar date.
func NewDate(t time.Time) Date {
	y, m, d := t.Date()
	return Date{Time: time.Date(y, m, d, 0, 0, 0, 0, time.UTC)}
}

func (d Date) String() string {
	return d.Format(DateLayout)
}

func (d Date) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Date) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	parsed, err := ParseDate(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// parseOptionalDate returns nil for an empty string.
func parseOptionalDate(s string) (*Date, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	d, err := ParseDate(s)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// ParseFrequency parses a positive session frequency that fits the INTEGER
// column.
func ParseFrequency(s string) (int, error) {
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 32)
	if err != nil || n <= 0 {
		return 0, invalidf("frequencia %q must be a positive integer", s)
	}
	return int(n), nil
}

// Patient maps to the pacientes table.
type Patient struct {
	ID           int64  `json:"id"`
	Prontuario   string `json:"prontuario"`
	Nome         string `json:"nome"`
	DataInicio   *Date  `json:"data_inicio"`
	DataAnamnese *Date  `json:"data_anamnese"`
}

// Owner is the attachment shard for the patient's files.
func (p *Patient) Owner() string {
	return strconv.FormatInt(p.ID, 10)
}

// Therapy maps to the terapias table.
type Therapy struct {
	ID          int64  `json:"id"`
	PatientID   int64  `json:"paciente_id"`
	TipoTerapia string `json:"tipo_terapia"`
	Frequencia  int    `json:"frequencia"`
}

// Session maps to the sessoes table. Attachment is nil when no document
// was uploaded with the session.
type Session struct {
	ID         int64          `json:"id"`
	TherapyID  int64          `json:"terapia_id"`
	Data       Date           `json:"data"`
	Attachment *blobstore.Ref `json:"attachment,omitempty"`
}

// DocumentType tags a patient document.
type DocumentType string

const (
	DocEvolucao DocumentType = "evolucao"
	DocPEI      DocumentType = "pei"
	DocPTI      DocumentType = "pti"
	DocAnamnese DocumentType = "anamnese"
)

var validDocumentTypes = map[DocumentType]bool{
	DocEvolucao: true, DocPEI: true, DocPTI: true, DocAnamnese: true,
}

// ParseDocumentType validates a document type tag.
func ParseDocumentType(s string) (DocumentType, error) {
	t := DocumentType(strings.ToLower(strings.TrimSpace(s)))
	if !validDocumentTypes[t] {
		return "", invalidf("tipo %q must be one of evolucao, pei, pti, anamnese", s)
	}
	return t, nil
}

// Document maps to the documentos table. Unlike a session, a document
// always carries an attachment.
type Document struct {
	ID         int64         `json:"id"`
	PatientID  int64         `json:"paciente_id"`
	Tipo       DocumentType  `json:"tipo"`
	Data       Date          `json:"data"`
	Attachment blobstore.Ref `json:"attachment"`
}

// Upload is a file supplied with a create operation.
type Upload struct {
	FileName string
	Content  io.Reader
}

type CreatePatientInput struct {
	Prontuario   string
	Nome         string
	DataInicio   string
	DataAnamnese string
}

type CreateTherapyInput struct {
	Prontuario  string
	TipoTerapia string
	Frequencia  int
}

type CreateSessionInput struct {
	TherapyID int64
	Data      string
	File      *Upload
}

type UploadDocumentInput struct {
	Prontuario string
	Tipo       string
	// Data defaults to the current date when empty.
	Data string
	File *Upload
}

// CascadeReport summarises one delete. Attachment removal failures are
// listed, never returned as errors.
type CascadeReport struct {
	Patients     int             `json:"pacientes"`
	Therapies    int             `json:"terapias"`
	Sessions     int             `json:"sessoes"`
	Documents    int             `json:"documentos"`
	FilesRemoved int             `json:"arquivos_removidos"`
	FilesFailed  []blobstore.Ref `json:"arquivos_com_falha,omitempty"`
}

func (r *CascadeReport) String() string {
	return fmt.Sprintf("pacientes=%d terapias=%d sessoes=%d documentos=%d arquivos=%d falhas=%d",
		r.Patients, r.Therapies, r.Sessions, r.Documents, r.FilesRemoved, len(r.FilesFailed))
}
