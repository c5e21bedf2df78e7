package records

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"path"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/clinica/clinica/internal/platform/blobstore"
	"github.com/clinica/clinica/pkg/pagination"
)

// multipartMemory is the part of a multipart body kept in memory; the rest
// spills to temporary files.
const multipartMemory = 8 << 20

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.POST("/pacientes", h.CreatePatient)
	g.GET("/pacientes", h.ListPatients)
	g.GET("/pacientes/:prontuario", h.GetPatient)
	g.DELETE("/pacientes/:prontuario", h.DeletePatient)

	g.GET("/terapias", h.ListTherapies)
	g.POST("/terapias", h.CreateTherapy)
	g.DELETE("/terapias/:id", h.DeleteTherapy)

	g.GET("/sessoes", h.ListSessions)
	g.POST("/sessoes", h.CreateSession)
	g.DELETE("/sessoes/:id", h.DeleteSession)

	g.POST("/pacientes/:prontuario/documentos", h.UploadDocument)
	g.GET("/pacientes/:prontuario/documentos", h.ListDocuments)
	g.DELETE("/documentos/:id", h.DeleteDocument)

	g.GET("/download/:name", h.Download)
	g.GET("/download/:owner/:name", h.Download)
}

// httpError maps the record taxonomy onto HTTP status codes.
func httpError(err error) error {
	var he *echo.HTTPError
	switch {
	case errors.As(err, &he):
		return he
	case errors.Is(err, blobstore.ErrFileTooLarge):
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, err.Error())
	case errors.Is(err, ErrInvalidInput):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrDuplicateKey):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrIO):
		return echo.NewHTTPError(http.StatusInternalServerError, "attachment storage failure").SetInternal(err)
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error").SetInternal(err)
	}
}

func parseID(c echo.Context, name string) (int64, error) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "invalid "+name)
	}
	return id, nil
}

// -- Views --

type sessionView struct {
	ID          int64   `json:"id"`
	TerapiaID   int64   `json:"terapia_id"`
	Data        Date    `json:"data"`
	Documento   *string `json:"documento"`
	DownloadURL string  `json:"download_url,omitempty"`
}

type documentView struct {
	ID          int64        `json:"id"`
	PacienteID  int64        `json:"paciente_id"`
	Tipo        DocumentType `json:"tipo"`
	Data        Date         `json:"data"`
	Documento   string       `json:"documento"`
	DownloadURL string       `json:"download_url"`
}

type deleteResponse struct {
	Success bool           `json:"success"`
	Report  *CascadeReport `json:"removidos"`
}

func downloadURL(ref blobstore.Ref) string {
	return "/download/" + url.PathEscape(ref.Owner) + "/" + url.PathEscape(ref.Name)
}

func newSessionView(s *Session) sessionView {
	v := sessionView{ID: s.ID, TerapiaID: s.TherapyID, Data: s.Data}
	if s.Attachment != nil {
		name := s.Attachment.Name
		v.Documento = &name
		v.DownloadURL = downloadURL(*s.Attachment)
	}
	return v
}

func newDocumentView(d *Document) documentView {
	return documentView{
		ID:          d.ID,
		PacienteID:  d.PatientID,
		Tipo:        d.Tipo,
		Data:        d.Data,
		Documento:   d.Attachment.Name,
		DownloadURL: downloadURL(d.Attachment),
	}
}

// -- Patient Handlers --

type createPatientRequest struct {
	Prontuario   string `json:"prontuario" form:"prontuario"`
	Nome         string `json:"nome" form:"nome"`
	DataInicio   string `json:"data_inicio" form:"data_inicio"`
	DataAnamnese string `json:"data_anamnese" form:"data_anamnese"`
}

func (h *Handler) CreatePatient(c echo.Context) error {
	var req createPatientRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	p, err := h.svc.CreatePatient(c.Request().Context(), CreatePatientInput{
		Prontuario:   req.Prontuario,
		Nome:         req.Nome,
		DataInicio:   req.DataInicio,
		DataAnamnese: req.DataAnamnese,
	})
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, p)
}

func (h *Handler) GetPatient(c echo.Context) error {
	p, err := h.svc.GetPatient(c.Request().Context(), c.Param("prontuario"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) ListPatients(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListPatients(c.Request().Context(), pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg))
}

func (h *Handler) DeletePatient(c echo.Context) error {
	report, err := h.svc.DeletePatient(c.Request().Context(), c.Param("prontuario"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, deleteResponse{Success: true, Report: report})
}

// -- Therapy Handlers --

type createTherapyRequest struct {
	Prontuario  string      `json:"prontuario" form:"prontuario"`
	TipoTerapia string      `json:"tipo_terapia" form:"tipo_terapia"`
	Frequencia  json.Number `json:"frequencia" form:"frequencia"`
}

func (h *Handler) ListTherapies(c echo.Context) error {
	items, err := h.svc.ListTherapies(c.Request().Context(), c.QueryParam("prontuario"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, items)
}

func (h *Handler) CreateTherapy(c echo.Context) error {
	var req createTherapyRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	freq, err := ParseFrequency(req.Frequencia.String())
	if err != nil {
		return httpError(err)
	}
	t, err := h.svc.CreateTherapy(c.Request().Context(), CreateTherapyInput{
		Prontuario:  req.Prontuario,
		TipoTerapia: req.TipoTerapia,
		Frequencia:  freq,
	})
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, t)
}

func (h *Handler) DeleteTherapy(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	report, err := h.svc.DeleteTherapy(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, deleteResponse{Success: true, Report: report})
}

// -- Session Handlers --

func (h *Handler) ListSessions(c echo.Context) error {
	raw := c.QueryParam("terapia_id")
	if raw == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "terapia_id is required")
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid terapia_id")
	}
	items, err := h.svc.ListSessions(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	views := make([]sessionView, 0, len(items))
	for _, s := range items {
		views = append(views, newSessionView(s))
	}
	return c.JSON(http.StatusOK, views)
}

func (h *Handler) CreateSession(c echo.Context) error {
	if err := parseForm(c); err != nil {
		return err
	}
	var therapyID int64
	if raw := c.FormValue("terapia_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid terapia_id")
		}
		therapyID = id
	}

	upload, closeFile, err := formUpload(c, "file")
	if err != nil {
		return err
	}
	defer closeFile()

	sess, err := h.svc.CreateSession(c.Request().Context(), CreateSessionInput{
		TherapyID: therapyID,
		Data:      c.FormValue("data"),
		File:      upload,
	})
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, newSessionView(sess))
}

func (h *Handler) DeleteSession(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	report, err := h.svc.DeleteSession(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, deleteResponse{Success: true, Report: report})
}

// -- Document Handlers --

func (h *Handler) UploadDocument(c echo.Context) error {
	if err := parseForm(c); err != nil {
		return err
	}
	upload, closeFile, err := formUpload(c, "file")
	if err != nil {
		return err
	}
	defer closeFile()

	doc, err := h.svc.UploadDocument(c.Request().Context(), UploadDocumentInput{
		Prontuario: c.Param("prontuario"),
		Tipo:       c.FormValue("tipo"),
		Data:       c.FormValue("data"),
		File:       upload,
	})
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, newDocumentView(doc))
}

func (h *Handler) ListDocuments(c echo.Context) error {
	items, err := h.svc.ListDocuments(c.Request().Context(), c.Param("prontuario"), c.QueryParam("tipo"))
	if err != nil {
		return httpError(err)
	}
	views := make([]documentView, 0, len(items))
	for _, d := range items {
		views = append(views, newDocumentView(d))
	}
	return c.JSON(http.StatusOK, views)
}

func (h *Handler) DeleteDocument(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	report, err := h.svc.DeleteDocument(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, deleteResponse{Success: true, Report: report})
}

// -- Download --

// Download serves an attachment. The owner segment is optional; without it
// the owner is resolved from the referencing row.
func (h *Handler) Download(c echo.Context) error {
	ctx := c.Request().Context()
	name := c.Param("name")

	var (
		rc   io.ReadCloser
		info *blobstore.Info
		err  error
	)
	if owner := c.Param("owner"); owner != "" {
		rc, info, err = h.svc.OpenAttachment(ctx, blobstore.Ref{Owner: owner, Name: name})
	} else {
		rc, info, err = h.svc.OpenAttachmentByName(ctx, name)
	}
	if err != nil {
		return httpError(err)
	}
	defer rc.Close()

	contentType := mime.TypeByExtension(path.Ext(info.Ref.Name))
	if contentType == "" {
		contentType = echo.MIMEOctetStream
	}
	header := c.Response().Header()
	header.Set(echo.HeaderContentDisposition, fmt.Sprintf("inline; filename=%q", info.Ref.Name))
	header.Set(echo.HeaderContentLength, strconv.FormatInt(info.Size, 10))
	return c.Stream(http.StatusOK, contentType, rc)
}

// -- Form helpers --

// parseForm parses a multipart or urlencoded body, surfacing the body
// limit as 413 instead of silently dropping fields.
func parseForm(c echo.Context) error {
	err := c.Request().ParseMultipartForm(multipartMemory)
	if err == nil || errors.Is(err, http.ErrNotMultipart) {
		return nil
	}
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he
	}
	var mbe *http.MaxBytesError
	if errors.As(err, &mbe) {
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, "request body too large")
	}
	return echo.NewHTTPError(http.StatusBadRequest, "invalid form body")
}

// formUpload returns the named file part, or nil when none was sent. The
// returned func closes the part and is always safe to call.
func formUpload(c echo.Context, field string) (*Upload, func(), error) {
	noop := func() {}
	fh, err := c.FormFile(field)
	if errors.Is(err, http.ErrMissingFile) || errors.Is(err, http.ErrNotMultipart) {
		return nil, noop, nil
	}
	if err != nil {
		return nil, noop, echo.NewHTTPError(http.StatusBadRequest, "invalid file part")
	}
	if fh.Filename == "" {
		return nil, noop, nil
	}
	f, err := fh.Open()
	if err != nil {
		return nil, noop, echo.NewHTTPError(http.StatusInternalServerError, "open uploaded file").SetInternal(err)
	}
	return &Upload{FileName: fh.Filename, Content: f}, func() { f.Close() }, nil
}
