package records

import (
	"context"
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clinica/clinica/internal/platform/blobstore"
)

// -- Patient --

func TestCreatePatient(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	p, err := env.svc.CreatePatient(ctx, CreatePatientInput{
		Prontuario:   " P1 ",
		Nome:         "Ana",
		DataInicio:   "2024-01-02",
		DataAnamnese: "",
	})
	require.NoError(t, err)
	assert.NotZero(t, p.ID)
	assert.Equal(t, "P1", p.Prontuario)
	require.NotNil(t, p.DataInicio)
	assert.Equal(t, "2024-01-02", p.DataInicio.String())
	assert.Nil(t, p.DataAnamnese)

	got, err := env.svc.GetPatient(ctx, "P1")
	require.NoError(t, err)
	assert.Equal(t, p.ID, got.ID)
	assert.Equal(t, "Ana", got.Nome)
	require.NotNil(t, got.DataInicio)
	assert.Equal(t, "2024-01-02", got.DataInicio.String())
}

func TestCreatePatient_DistinctProntuariosSucceed(t *testing.T) {
	env := newTestEnv(t)
	for _, pr := range []string{"P1", "P2", "P3", "p1"} {
		env.patient(t, pr, "Nome "+pr)
	}
	_, total, err := env.svc.ListPatients(context.Background(), 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 4, total)
}

func TestCreatePatient_Duplicate(t *testing.T) {
	env := newTestEnv(t)
	env.patient(t, "P1", "Ana")

	_, err := env.svc.CreatePatient(context.Background(), CreatePatientInput{Prontuario: "P1", Nome: "Outra"})
	assert.ErrorIs(t, err, ErrDuplicateKey)
	assert.Equal(t, 1, env.count(t, "pacientes"))
}

func TestCreatePatient_DuplicateRaceUsesConstraint(t *testing.T) {
	env := newTestEnv(t)
	env.patient(t, "P1", "Ana")

	// Skip the pre-check: the unique constraint must still classify.
	err := env.repos.Patients.Create(context.Background(), &Patient{Prontuario: "P1", Nome: "Bia"})
	assert.ErrorIs(t, err, ErrDuplicateKey)
}

func TestCreatePatient_InvalidInput(t *testing.T) {
	env := newTestEnv(t)
	tests := []struct {
		name string
		in   CreatePatientInput
	}{
		{"missing prontuario", CreatePatientInput{Nome: "Ana"}},
		{"missing nome", CreatePatientInput{Prontuario: "P1"}},
		{"blank nome", CreatePatientInput{Prontuario: "P1", Nome: "   "}},
		{"bad data_inicio", CreatePatientInput{Prontuario: "P1", Nome: "Ana", DataInicio: "10/01/2024"}},
		{"bad data_anamnese", CreatePatientInput{Prontuario: "P1", Nome: "Ana", DataAnamnese: "2024-02-30"}},
		{"long prontuario", CreatePatientInput{Prontuario: "P123456789012345678901", Nome: "Ana"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.svc.CreatePatient(context.Background(), tt.in)
			assert.ErrorIs(t, err, ErrInvalidInput)
		})
	}
	assert.Equal(t, 0, env.count(t, "pacientes"))
}

func TestCreatePatient_WidthCountsCharacters(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	nome := strings.Repeat("ã", maxNomeLen)
	p, err := env.svc.CreatePatient(ctx, CreatePatientInput{Prontuario: "PRONTUÁRIO-Nº-0001ç", Nome: nome})
	require.NoError(t, err)
	assert.Equal(t, nome, p.Nome)

	_, err = env.svc.CreatePatient(ctx, CreatePatientInput{Prontuario: "P2", Nome: nome + "ã"})
	assert.ErrorIs(t, err, ErrInvalidInput)
	assert.Equal(t, 1, env.count(t, "pacientes"))
}

func TestGetPatient_NotFound(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.svc.GetPatient(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = env.svc.GetPatient(context.Background(), "")
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestListPatients_Paginated(t *testing.T) {
	env := newTestEnv(t)
	for _, pr := range []string{"A", "B", "C"} {
		env.patient(t, pr, pr)
	}

	items, total, err := env.svc.ListPatients(context.Background(), 2, 1)
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	require.Len(t, items, 2)
	assert.Equal(t, "B", items[0].Prontuario)
	assert.Equal(t, "C", items[1].Prontuario)

	_, _, err = env.svc.ListPatients(context.Background(), 0, 0)
	assert.ErrorIs(t, err, ErrInvalidInput)
}

// -- Therapy --

func TestListTherapies_UnknownPatientIsEmpty(t *testing.T) {
	env := newTestEnv(t)
	items, err := env.svc.ListTherapies(context.Background(), "ghost")
	require.NoError(t, err)
	assert.NotNil(t, items)
	assert.Empty(t, items)
}

func TestListTherapies_InsertionOrder(t *testing.T) {
	env := newTestEnv(t)
	env.patient(t, "P1", "Ana")
	env.therapy(t, "P1", "fala", 2)
	env.therapy(t, "P1", "ocupacional", 1)
	env.therapy(t, "P1", "aba", 5)

	items, err := env.svc.ListTherapies(context.Background(), "P1")
	require.NoError(t, err)
	require.Len(t, items, 3)
	assert.Equal(t, "fala", items[0].TipoTerapia)
	assert.Equal(t, "ocupacional", items[1].TipoTerapia)
	assert.Equal(t, "aba", items[2].TipoTerapia)
}

func TestCreateTherapy_UnknownPatient(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.svc.CreateTherapy(context.Background(), CreateTherapyInput{Prontuario: "ghost", TipoTerapia: "fala", Frequencia: 2})
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 0, env.count(t, "terapias"))
}

func TestCreateTherapy_InvalidInput(t *testing.T) {
	env := newTestEnv(t)
	env.patient(t, "P1", "Ana")
	tests := []struct {
		name string
		in   CreateTherapyInput
	}{
		{"zero frequencia", CreateTherapyInput{Prontuario: "P1", TipoTerapia: "fala", Frequencia: 0}},
		{"negative frequencia", CreateTherapyInput{Prontuario: "P1", TipoTerapia: "fala", Frequencia: -1}},
		{"missing tipo", CreateTherapyInput{Prontuario: "P1", Frequencia: 1}},
		{"missing prontuario", CreateTherapyInput{TipoTerapia: "fala", Frequencia: 1}},
		{"invalid before lookup", CreateTherapyInput{Prontuario: "ghost", TipoTerapia: "fala", Frequencia: 0}},
		{"frequencia beyond integer column", CreateTherapyInput{Prontuario: "P1", TipoTerapia: "fala", Frequencia: math.MaxInt32 + 1}},
		{"long tipo", CreateTherapyInput{Prontuario: "P1", TipoTerapia: strings.Repeat("fonoaudiologia", 4), Frequencia: 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.svc.CreateTherapy(context.Background(), tt.in)
			assert.ErrorIs(t, err, ErrInvalidInput)
		})
	}
	assert.Equal(t, 0, env.count(t, "terapias"))
}

func TestCreateTherapy_AccentedTipoAtLimit(t *testing.T) {
	env := newTestEnv(t)
	env.patient(t, "P1", "Ana")

	tipo := strings.Repeat("é", maxTipoTerapiaLen)
	th, err := env.svc.CreateTherapy(context.Background(), CreateTherapyInput{Prontuario: "P1", TipoTerapia: tipo, Frequencia: math.MaxInt32})
	require.NoError(t, err)
	assert.Equal(t, tipo, th.TipoTerapia)
}

// -- Session --

func TestCreateSession_UnknownTherapy(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.svc.CreateSession(context.Background(), CreateSessionInput{TherapyID: 99, Data: "2024-01-10", File: upload("a.pdf", "x")})
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 0, env.count(t, "sessoes"))

	entries, _ := afero.ReadDir(env.fs, "/")
	assert.Empty(t, entries, "no file may be stored for a missing therapy")
}

func TestCreateSession_InvalidInput(t *testing.T) {
	env := newTestEnv(t)
	env.patient(t, "P1", "Ana")
	th := env.therapy(t, "P1", "fala", 2)

	for name, in := range map[string]CreateSessionInput{
		"missing therapy": {Data: "2024-01-10"},
		"missing date":    {TherapyID: th.ID},
		"bad date":        {TherapyID: th.ID, Data: "2024-13-01"},
		"bad extension":   {TherapyID: th.ID, Data: "2024-01-10", File: upload("run.exe", "MZ")},
		"empty file name": {TherapyID: th.ID, Data: "2024-01-10", File: upload("../..", "x")},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := env.svc.CreateSession(context.Background(), in)
			assert.ErrorIs(t, err, ErrInvalidInput)
		})
	}
	assert.Equal(t, 0, env.count(t, "sessoes"))
}

func TestCreateSession_WithoutFile(t *testing.T) {
	env := newTestEnv(t)
	env.patient(t, "P1", "Ana")
	th := env.therapy(t, "P1", "fala", 2)

	s := env.session(t, th.ID, "2024-01-10", nil)
	assert.Nil(t, s.Attachment)

	items, err := env.svc.ListSessions(context.Background(), th.ID)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Nil(t, items[0].Attachment)
}

func TestCreateSession_AttachmentRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	p := env.patient(t, "P1", "Ana")
	th := env.therapy(t, "P1", "fala", 2)

	s := env.session(t, th.ID, "2024-01-10", upload("Relatório Final.pdf", "%PDF-1.4 bytes"))
	require.NotNil(t, s.Attachment)
	assert.Equal(t, p.Owner(), s.Attachment.Owner)
	assert.Equal(t, "1_2024-01-10_Relatorio_Final.pdf", s.Attachment.Name)

	got, err := env.read(t, *s.Attachment)
	require.NoError(t, err)
	assert.Equal(t, "%PDF-1.4 bytes", got)

	items, err := env.svc.ListSessions(context.Background(), th.ID)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, s.Attachment, items[0].Attachment)
}

func TestCreateSession_SameNameDoesNotOverwrite(t *testing.T) {
	env := newTestEnv(t)
	env.patient(t, "P1", "Ana")
	th := env.therapy(t, "P1", "fala", 2)

	first := env.session(t, th.ID, "2024-01-10", upload("nota.txt", "first"))
	second := env.session(t, th.ID, "2024-01-10", upload("nota.txt", "second"))
	assert.NotEqual(t, first.Attachment.Name, second.Attachment.Name)

	a, err := env.read(t, *first.Attachment)
	require.NoError(t, err)
	b, err := env.read(t, *second.Attachment)
	require.NoError(t, err)
	assert.Equal(t, "first", a)
	assert.Equal(t, "second", b)
}

func TestCreateSession_StoreFailureCreatesNoRow(t *testing.T) {
	env := newTestEnvWithFs(t, afero.NewReadOnlyFs(afero.NewMemMapFs()))
	env.patient(t, "P1", "Ana")
	th := env.therapy(t, "P1", "fala", 2)

	_, err := env.svc.CreateSession(context.Background(), CreateSessionInput{TherapyID: th.ID, Data: "2024-01-10", File: upload("a.pdf", "x")})
	assert.ErrorIs(t, err, ErrIO)
	assert.Equal(t, 0, env.count(t, "sessoes"))
}

func TestCreateSession_InsertFailureLogsOrphan(t *testing.T) {
	env := newTestEnv(t)
	env.patient(t, "P1", "Ana")
	th := env.therapy(t, "P1", "fala", 2)
	env.svc.sessions = &failingSessionRepo{SessionRepository: env.repos.Sessions, err: errors.New("disk I/O error")}

	_, err := env.svc.CreateSession(context.Background(), CreateSessionInput{TherapyID: th.ID, Data: "2024-01-10", File: upload("a.pdf", "x")})
	require.Error(t, err)

	assert.Contains(t, env.logs.String(), `"level":"error"`)
	assert.Contains(t, env.logs.String(), "1_2024-01-10_a.pdf")
	exists, _ := afero.Exists(env.fs, "1/1_2024-01-10_a.pdf")
	assert.True(t, exists, "orphaned file stays for an operator sweep")
}

func TestListSessions_DateThenInsertionOrder(t *testing.T) {
	env := newTestEnv(t)
	env.patient(t, "P1", "Ana")
	th := env.therapy(t, "P1", "fala", 2)

	late := env.session(t, th.ID, "2024-03-01", nil)
	sameA := env.session(t, th.ID, "2024-01-10", nil)
	early := env.session(t, th.ID, "2023-12-31", nil)
	sameB := env.session(t, th.ID, "2024-01-10", nil)

	items, err := env.svc.ListSessions(context.Background(), th.ID)
	require.NoError(t, err)
	var ids []int64
	for _, s := range items {
		ids = append(ids, s.ID)
	}
	assert.Equal(t, []int64{early.ID, sameA.ID, sameB.ID, late.ID}, ids)
}

func TestListSessions(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.svc.ListSessions(context.Background(), 0)
	assert.ErrorIs(t, err, ErrInvalidInput)

	items, err := env.svc.ListSessions(context.Background(), 42)
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestDeleteSession_MissingFileStillDeletes(t *testing.T) {
	env := newTestEnv(t)
	env.patient(t, "P1", "Ana")
	th := env.therapy(t, "P1", "fala", 2)
	s := env.session(t, th.ID, "2024-01-10", upload("a.pdf", "x"))

	require.NoError(t, env.fs.Remove("1/"+s.Attachment.Name))

	report, err := env.svc.DeleteSession(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Sessions)
	assert.Equal(t, 0, env.count(t, "sessoes"))

	_, err = env.svc.DeleteSession(context.Background(), s.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteSession_RemovalFailureIsReported(t *testing.T) {
	env := newTestEnv(t)
	env.patient(t, "P1", "Ana")
	th := env.therapy(t, "P1", "fala", 2)
	s := env.session(t, th.ID, "2024-01-10", upload("a.pdf", "x"))
	env.svc.files = &stickyStore{Store: env.store, sticky: map[string]bool{s.Attachment.Name: true}}

	report, err := env.svc.DeleteSession(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Sessions)
	assert.Equal(t, 0, report.FilesRemoved)
	assert.Equal(t, []blobstore.Ref{*s.Attachment}, report.FilesFailed)
	assert.Equal(t, 0, env.count(t, "sessoes"))
	assert.Contains(t, env.logs.String(), `"level":"warn"`)
}

// -- Cascade --

func TestDeleteTherapy_Cascades(t *testing.T) {
	env := newTestEnv(t)
	env.patient(t, "P1", "Ana")
	th := env.therapy(t, "P1", "fala", 2)
	other := env.therapy(t, "P1", "aba", 1)
	a := env.session(t, th.ID, "2024-01-10", upload("a.pdf", "a"))
	env.session(t, th.ID, "2024-01-11", nil)
	kept := env.session(t, other.ID, "2024-01-12", upload("k.pdf", "k"))

	report, err := env.svc.DeleteTherapy(context.Background(), th.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Therapies)
	assert.Equal(t, 2, report.Sessions)
	assert.Equal(t, 1, report.FilesRemoved)
	assert.Empty(t, report.FilesFailed)

	items, err := env.svc.ListSessions(context.Background(), th.ID)
	require.NoError(t, err)
	assert.Empty(t, items)

	_, err = env.read(t, *a.Attachment)
	assert.ErrorIs(t, err, ErrNotFound)

	got, err := env.read(t, *kept.Attachment)
	require.NoError(t, err)
	assert.Equal(t, "k", got)

	_, err = env.svc.DeleteTherapy(context.Background(), th.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeletePatient_Cascades(t *testing.T) {
	env := newTestEnv(t)
	env.patient(t, "P1", "Ana")
	env.patient(t, "P2", "Bia")
	th := env.therapy(t, "P1", "fala", 2)
	s := env.session(t, th.ID, "2024-01-10", upload("a.pdf", "a"))
	doc, err := env.svc.UploadDocument(context.Background(), UploadDocumentInput{Prontuario: "P1", Tipo: "pei", File: upload("plano.docx", "d")})
	require.NoError(t, err)
	env.therapy(t, "P2", "fala", 1)

	report, err := env.svc.DeletePatient(context.Background(), "P1")
	require.NoError(t, err)
	assert.Equal(t, &CascadeReport{Patients: 1, Therapies: 1, Sessions: 1, Documents: 1, FilesRemoved: 2}, report)

	_, err = env.svc.GetPatient(context.Background(), "P1")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = env.read(t, *s.Attachment)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = env.read(t, doc.Attachment)
	assert.ErrorIs(t, err, ErrNotFound)

	assert.Equal(t, 1, env.count(t, "pacientes"))
	assert.Equal(t, 1, env.count(t, "terapias"))
	assert.Equal(t, 0, env.count(t, "sessoes"))
	assert.Equal(t, 0, env.count(t, "documentos"))
}

func TestDeletePatient_RowFailureRollsBack(t *testing.T) {
	env := newTestEnv(t)
	p := env.patient(t, "P1", "Ana")
	th := env.therapy(t, "P1", "fala", 2)
	env.session(t, th.ID, "2024-01-10", nil)
	env.svc.sessions = &deleteFailingSessionRepo{SessionRepository: env.repos.Sessions}

	_, err := env.svc.DeletePatient(context.Background(), "P1")
	require.Error(t, err)

	got, err := env.svc.GetPatient(context.Background(), "P1")
	require.NoError(t, err)
	assert.Equal(t, p.ID, got.ID)
	assert.Equal(t, 1, env.count(t, "sessoes"))
}

type deleteFailingSessionRepo struct {
	SessionRepository
}

func (r *deleteFailingSessionRepo) Delete(context.Context, int64) error {
	return errors.New("database is locked")
}

// -- Documents --

func TestUploadDocument(t *testing.T) {
	env := newTestEnv(t)
	p := env.patient(t, "P1", "Ana")

	doc, err := env.svc.UploadDocument(context.Background(), UploadDocumentInput{
		Prontuario: "P1", Tipo: "Anamnese", File: upload("ficha.pdf", "ficha"),
	})
	require.NoError(t, err)
	assert.Equal(t, DocAnamnese, doc.Tipo)
	assert.Equal(t, "2024-03-15", doc.Data.String(), "date defaults to today")
	assert.Equal(t, p.Owner(), doc.Attachment.Owner)
	assert.Equal(t, "1_anamnese_2024-03-15_ficha.pdf", doc.Attachment.Name)

	got, err := env.read(t, doc.Attachment)
	require.NoError(t, err)
	assert.Equal(t, "ficha", got)
}

func TestUploadDocument_Errors(t *testing.T) {
	env := newTestEnv(t)
	env.patient(t, "P1", "Ana")

	tests := []struct {
		name string
		in   UploadDocumentInput
		want error
	}{
		{"unknown tipo", UploadDocumentInput{Prontuario: "P1", Tipo: "receita", File: upload("a.pdf", "x")}, ErrInvalidInput},
		{"bad date", UploadDocumentInput{Prontuario: "P1", Tipo: "pei", Data: "ontem", File: upload("a.pdf", "x")}, ErrInvalidInput},
		{"missing file", UploadDocumentInput{Prontuario: "P1", Tipo: "pei"}, ErrInvalidInput},
		{"disallowed extension", UploadDocumentInput{Prontuario: "P1", Tipo: "pei", File: upload("a.sh", "x")}, ErrInvalidInput},
		{"unknown patient", UploadDocumentInput{Prontuario: "ghost", Tipo: "pei", File: upload("a.pdf", "x")}, ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.svc.UploadDocument(context.Background(), tt.in)
			assert.ErrorIs(t, err, tt.want)
		})
	}
	assert.Equal(t, 0, env.count(t, "documentos"))
}

func TestUploadDocument_TooLarge(t *testing.T) {
	env := newTestEnv(t)
	env.patient(t, "P1", "Ana")
	env.svc.files = blobstore.NewFileStore(env.fs, blobstore.Options{MaxFileSize: 4}, env.svc.logger)

	_, err := env.svc.UploadDocument(context.Background(), UploadDocumentInput{
		Prontuario: "P1", Tipo: "pei", File: upload("a.pdf", "too large"),
	})
	assert.ErrorIs(t, err, blobstore.ErrFileTooLarge)
	assert.ErrorIs(t, err, ErrInvalidInput)
	assert.Equal(t, 0, env.count(t, "documentos"))
}

func TestListDocuments(t *testing.T) {
	env := newTestEnv(t)
	env.patient(t, "P1", "Ana")
	ctx := context.Background()

	mk := func(tipo, data string) *Document {
		d, err := env.svc.UploadDocument(ctx, UploadDocumentInput{Prontuario: "P1", Tipo: tipo, Data: data, File: upload("f.pdf", tipo)})
		require.NoError(t, err)
		return d
	}
	late := mk("pei", "2024-05-01")
	early := mk("evolucao", "2024-01-01")
	mid := mk("pei", "2024-02-01")

	all, err := env.svc.ListDocuments(ctx, "P1", "")
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []int64{early.ID, mid.ID, late.ID}, []int64{all[0].ID, all[1].ID, all[2].ID})

	pei, err := env.svc.ListDocuments(ctx, "P1", "pei")
	require.NoError(t, err)
	require.Len(t, pei, 2)
	assert.Equal(t, mid.ID, pei[0].ID)

	none, err := env.svc.ListDocuments(ctx, "ghost", "")
	require.NoError(t, err)
	assert.Empty(t, none)

	_, err = env.svc.ListDocuments(ctx, "P1", "receita")
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestDeleteDocument(t *testing.T) {
	env := newTestEnv(t)
	env.patient(t, "P1", "Ana")
	doc, err := env.svc.UploadDocument(context.Background(), UploadDocumentInput{Prontuario: "P1", Tipo: "pti", File: upload("p.pdf", "p")})
	require.NoError(t, err)

	report, err := env.svc.DeleteDocument(context.Background(), doc.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Documents)
	assert.Equal(t, 1, report.FilesRemoved)

	_, err = env.read(t, doc.Attachment)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = env.svc.DeleteDocument(context.Background(), doc.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

// -- Attachments --

func TestOpenAttachmentByName(t *testing.T) {
	env := newTestEnv(t)
	env.patient(t, "P1", "Ana")
	th := env.therapy(t, "P1", "fala", 2)
	s := env.session(t, th.ID, "2024-01-10", upload("a.pdf", "session bytes"))
	doc, err := env.svc.UploadDocument(context.Background(), UploadDocumentInput{Prontuario: "P1", Tipo: "pei", File: upload("d.pdf", "doc bytes")})
	require.NoError(t, err)

	for name, want := range map[string]string{s.Attachment.Name: "session bytes", doc.Attachment.Name: "doc bytes"} {
		rc, info, err := env.svc.OpenAttachmentByName(context.Background(), name)
		require.NoError(t, err)
		b := make([]byte, info.Size)
		_, err = rc.Read(b)
		rc.Close()
		require.NoError(t, err)
		assert.Equal(t, want, string(b))
	}

	for _, name := range []string{"unknown.pdf", "../1/" + s.Attachment.Name, ""} {
		_, _, err := env.svc.OpenAttachmentByName(context.Background(), name)
		assert.ErrorIs(t, err, ErrNotFound, name)
	}
}

func TestOpenAttachment_DanglingReference(t *testing.T) {
	env := newTestEnv(t)
	env.patient(t, "P1", "Ana")
	th := env.therapy(t, "P1", "fala", 2)
	s := env.session(t, th.ID, "2024-01-10", upload("a.pdf", "x"))
	require.NoError(t, env.fs.Remove("1/"+s.Attachment.Name))

	_, _, err := env.svc.OpenAttachmentByName(context.Background(), s.Attachment.Name)
	assert.ErrorIs(t, err, ErrNotFound)
}

// The walkthrough from the clinic's acceptance checklist.
func TestScenario_PatientTherapySessionLifecycle(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.svc.CreatePatient(ctx, CreatePatientInput{Prontuario: "P1", Nome: "Ana"})
	require.NoError(t, err)

	th, err := env.svc.CreateTherapy(ctx, CreateTherapyInput{Prontuario: "P1", TipoTerapia: "fala", Frequencia: 2})
	require.NoError(t, err)

	therapies, err := env.svc.ListTherapies(ctx, "P1")
	require.NoError(t, err)
	require.Len(t, therapies, 1)
	assert.Equal(t, 2, therapies[0].Frequencia)

	s, err := env.svc.CreateSession(ctx, CreateSessionInput{TherapyID: th.ID, Data: "2024-01-10", File: upload("fileA.pdf", "fileA contents")})
	require.NoError(t, err)

	got, err := env.read(t, *s.Attachment)
	require.NoError(t, err)
	assert.Equal(t, "fileA contents", got)

	_, err = env.svc.DeleteTherapy(ctx, th.ID)
	require.NoError(t, err)

	sessions, err := env.svc.ListSessions(ctx, th.ID)
	require.NoError(t, err)
	assert.Empty(t, sessions)

	_, _, err = env.svc.OpenAttachment(ctx, *s.Attachment)
	assert.ErrorIs(t, err, ErrNotFound)
	_, _, err = env.svc.OpenAttachmentByName(ctx, s.Attachment.Name)
	assert.ErrorIs(t, err, ErrNotFound)
}
