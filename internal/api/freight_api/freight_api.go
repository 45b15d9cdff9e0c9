// Package freight_api exposes the shipment workflows over HTTP.
package freight_api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/BearBump/FreightLink/internal/attachments"
	"github.com/BearBump/FreightLink/internal/broker/messages"
	"github.com/BearBump/FreightLink/internal/integrations/brudam"
	"github.com/BearBump/FreightLink/internal/integrations/vblog"
	"github.com/BearBump/FreightLink/internal/invoices"
	"github.com/BearBump/FreightLink/internal/models"
	"github.com/BearBump/FreightLink/internal/services/documents"
	"github.com/BearBump/FreightLink/internal/services/status"
	"github.com/BearBump/FreightLink/internal/services/subcontract"
	"github.com/BearBump/FreightLink/internal/services/transitsync"
	"github.com/BearBump/FreightLink/internal/storage/pgfreight"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

const (
	maxBodyBytes      = 32 << 20
	maxMultipartBytes = 16 << 20
)

type StatusUpdater interface {
	UpdateShipmentStatus(ctx context.Context, req status.Request) (status.Result, error)
	Resend(ctx context.Context, documentID uuid.UUID, code string) (status.ResendResult, error)
}

type Syncer interface {
	Sync(ctx context.Context, opts transitsync.Options) transitsync.Result
}

type Subcontractor interface {
	Submit(ctx context.Context, shipmentID uuid.UUID, xml string) (subcontract.Outcome, error)
	Retry(ctx context.Context, id uuid.UUID) (subcontract.Outcome, error)
	Get(ctx context.Context, id uuid.UUID) (*models.SubcontractedDocument, error)
}

type DocumentReader interface {
	Get(ctx context.Context, id uuid.UUID) (*models.ClientDocument, error)
	XML(ctx context.Context, id uuid.UUID) (*models.ClientDocument, string, error)
}

type EventLister interface {
	List(ctx context.Context, documentID uuid.UUID, limit, offset int) ([]*models.TrackingEvent, error)
}

type Publisher interface {
	PublishJSON(ctx context.Context, topic, key string, v any) error
}

// CodeValidator checks tracking codes before a request is queued.
// *invoices.Registry satisfies it.
type CodeValidator interface {
	Valid(code string) bool
}

type FreightAPI struct {
	status      StatusUpdater
	sync        Syncer
	subcontract Subcontractor
	events      EventLister
	documents   DocumentReader

	publisher    Publisher
	requestTopic string
	codes        CodeValidator
}

func New(st StatusUpdater, sy Syncer, sc Subcontractor, ev EventLister, docs DocumentReader) *FreightAPI {
	return &FreightAPI{
		status:      st,
		sync:        sy,
		subcontract: sc,
		events:      ev,
		documents:   docs,
		codes:       invoices.DefaultRegistry(),
	}
}

// WithRegistry replaces the code table used to validate queued updates.
func (a *FreightAPI) WithRegistry(v CodeValidator) *FreightAPI {
	if v != nil {
		a.codes = v
	}
	return a
}

// WithAsyncStatus enables ?async=true on status updates: the request is
// queued on topic for the worker instead of being applied inline.
func (a *FreightAPI) WithAsyncStatus(p Publisher, topic string) *FreightAPI {
	if p != nil && topic != "" {
		a.publisher = p
		a.requestTopic = topic
	}
	return a
}

func (a *FreightAPI) Routes(r chi.Router) {
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Post("/shipments/sync", a.handleSync)
	r.Post("/shipments/{id}/status", a.handleStatus)
	r.Post("/shipments/{id}/subcontracted", a.handleSubmitSubcontracted)
	r.Get("/subcontracted/{id}", a.handleGetSubcontracted)
	r.Post("/subcontracted/{id}/retry", a.handleRetrySubcontracted)
	r.Get("/documents/{id}/events", a.handleListEvents)
	r.Get("/cte/{id}", a.handleGetDocument)
	r.Get("/cte/{id}/download", a.handleDownloadDocument)
	r.Post("/tracking/{id}/resend", a.handleResend)
}

// statusBody is the JSON form of a status update. Field names follow the
// tracking provider's vocabulary.
type statusBody struct {
	Status      json.RawMessage `json:"status"`
	InvoiceKey  *string         `json:"nf"`
	Note        *string         `json:"obs"`
	Attachments []attachmentDTO `json:"anexos"`
	Alt         []attachmentDTO `json:"attachments"`
}

type attachmentDTO struct {
	File struct {
		Name string `json:"nome"`
		Data string `json:"dados"`
	} `json:"arquivo"`
}

func (a *FreightAPI) handleStatus(w http.ResponseWriter, r *http.Request) {
	shipmentID, ok := pathUUID(w, r)
	if !ok {
		return
	}

	body, files, err := decodeStatusRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	in, err := invoices.ParseStatusInput(body.Status)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	if r.URL.Query().Get("async") == "true" && a.publisher != nil {
		// Воркер не может вернуть ошибку клиенту, поэтому код проверяем здесь.
		if !a.codes.Valid(in.Code) {
			writeServiceError(w, errors.Wrapf(invoices.ErrInvalidCode, "code %q", in.Code))
			return
		}
		a.enqueueStatus(w, r, shipmentID, body, files)
		return
	}

	res, err := a.status.UpdateShipmentStatus(r.Context(), status.Request{
		ShipmentID:  shipmentID,
		Code:        in.Code,
		InvoiceKey:  body.InvoiceKey,
		Note:        body.Note,
		Attachments: files,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *FreightAPI) enqueueStatus(w http.ResponseWriter, r *http.Request, shipmentID uuid.UUID, body statusBody, files []attachments.Input) {
	msg := messages.StatusUpdateRequested{
		ShipmentID:  shipmentID.String(),
		Status:      body.Status,
		InvoiceKey:  body.InvoiceKey,
		Note:        body.Note,
		RequestedAt: time.Now().UTC(),
	}
	for _, f := range files {
		data := f.Base64
		if len(f.Data) > 0 {
			data = base64.StdEncoding.EncodeToString(f.Data)
		}
		msg.Attachments = append(msg.Attachments, messages.Attachment{Name: f.Name, Data: data})
	}
	if err := a.publisher.PublishJSON(r.Context(), a.requestTopic, msg.ShipmentID, msg); err != nil {
		writeError(w, http.StatusServiceUnavailable, errors.Wrap(err, "queue status update"))
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"queued": true, "shipmentId": msg.ShipmentID})
}

func decodeStatusRequest(r *http.Request) (statusBody, []attachments.Input, error) {
	var body statusBody
	ct := r.Header.Get("Content-Type")

	if strings.HasPrefix(ct, "multipart/form-data") {
		if err := r.ParseMultipartForm(maxMultipartBytes); err != nil {
			return body, nil, errors.Wrap(err, "parse multipart form")
		}
		body.Status = formStatus(r.FormValue("status"))
		body.InvoiceKey = formOptional(r, "nf", "invoice_key")
		body.Note = formOptional(r, "obs", "note")

		var files []attachments.Input
		for _, field := range []string{"anexos", "attachments", "file"} {
			for _, fh := range r.MultipartForm.File[field] {
				f, err := fh.Open()
				if err != nil {
					return body, nil, errors.Wrap(err, "open attachment")
				}
				data, err := io.ReadAll(f)
				_ = f.Close()
				if err != nil {
					return body, nil, errors.Wrap(err, "read attachment")
				}
				files = append(files, attachments.Input{Name: fh.Filename, Data: data})
			}
		}
		return body, files, nil
	}

	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&body); err != nil {
		return body, nil, errors.Wrap(err, "decode body")
	}
	var files []attachments.Input
	for _, att := range append(body.Attachments, body.Alt...) {
		files = append(files, dtoToInput(att))
	}
	return body, files, nil
}

// dtoToInput treats dados that look like a URL as a remote file.
func dtoToInput(att attachmentDTO) attachments.Input {
	data := strings.TrimSpace(att.File.Data)
	if strings.HasPrefix(data, "http://") || strings.HasPrefix(data, "https://") {
		return attachments.Input{Name: data}
	}
	return attachments.Input{Name: att.File.Name, Base64: data}
}

// formStatus keeps form values usable by ParseStatusInput: JSON literals
// pass through, anything else becomes a JSON string.
func formStatus(v string) json.RawMessage {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	if json.Valid([]byte(v)) {
		return json.RawMessage(v)
	}
	b, _ := json.Marshal(v)
	return b
}

func formOptional(r *http.Request, names ...string) *string {
	for _, n := range names {
		if v := strings.TrimSpace(r.FormValue(n)); v != "" {
			return &v
		}
	}
	return nil
}

func (a *FreightAPI) handleSync(w http.ResponseWriter, r *http.Request) {
	dryRun, _ := strconv.ParseBool(r.URL.Query().Get("dry_run"))
	res := a.sync.Sync(r.Context(), transitsync.Options{DryRun: dryRun})
	writeJSON(w, http.StatusOK, res)
}

func (a *FreightAPI) handleSubmitSubcontracted(w http.ResponseWriter, r *http.Request) {
	shipmentID, ok := pathUUID(w, r)
	if !ok {
		return
	}
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, errors.Wrap(err, "read body"))
		return
	}

	xml := string(raw)
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		var in struct {
			XML string `json:"xml"`
		}
		if err := json.Unmarshal(raw, &in); err != nil {
			writeError(w, http.StatusBadRequest, errors.Wrap(err, "decode body"))
			return
		}
		xml = in.XML
	}

	out, err := a.subcontract.Submit(r.Context(), shipmentID, xml)
	if err != nil && out.Document == nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, subcontractedView(out, err))
}

func (a *FreightAPI) handleRetrySubcontracted(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r)
	if !ok {
		return
	}
	out, err := a.subcontract.Retry(r.Context(), id)
	if err != nil && out.Document == nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, subcontractedView(out, err))
}

func (a *FreightAPI) handleGetSubcontracted(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r)
	if !ok {
		return
	}
	doc, err := a.subcontract.Get(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	resp := subcontractedView(subcontract.Outcome{Document: doc}, nil)
	resp.Upload = nil
	writeJSON(w, http.StatusOK, resp)
}

type subcontractedResponse struct {
	ID                uuid.UUID            `json:"id"`
	ShipmentID        uuid.UUID            `json:"shipmentId"`
	AccessKey         string               `json:"accessKey"`
	UploadStatusCode  *string              `json:"uploadStatusCode,omitempty"`
	UploadDescription *string              `json:"uploadStatusDescription,omitempty"`
	UploadAttempts    int                  `json:"uploadAttempts"`
	UploadReceivedAt  *time.Time           `json:"uploadReceivedAt,omitempty"`
	Upload            *models.UploadResult `json:"upload,omitempty"`
	Error             string               `json:"error,omitempty"`
}

func subcontractedView(out subcontract.Outcome, err error) subcontractedResponse {
	d := out.Document
	resp := subcontractedResponse{
		ID:                d.ID,
		ShipmentID:        d.ShipmentID,
		AccessKey:         d.AccessKey,
		UploadStatusCode:  d.UploadStatusCode,
		UploadDescription: d.UploadStatusDescription,
		UploadAttempts:    d.UploadAttempts,
		UploadReceivedAt:  d.UploadReceivedAt,
	}
	if err != nil {
		resp.Error = err.Error()
	} else {
		up := out.Upload
		resp.Upload = &up
	}
	return resp
}

type documentResponse struct {
	ID         uuid.UUID     `json:"id"`
	ShipmentID uuid.UUID     `json:"shipmentId"`
	AccessKey  string        `json:"accessKey"`
	HasXML     bool          `json:"hasXml"`
	Invoices   invoices.List `json:"invoices"`
	CreatedAt  time.Time     `json:"createdAt"`
	UpdatedAt  time.Time     `json:"updatedAt"`
}

func (a *FreightAPI) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r)
	if !ok {
		return
	}
	doc, err := a.documents.Get(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	inv := doc.Invoices
	if inv == nil {
		inv = invoices.List{}
	}
	writeJSON(w, http.StatusOK, documentResponse{
		ID:         doc.ID,
		ShipmentID: doc.ShipmentID,
		AccessKey:  doc.AccessKey,
		HasXML:     len(doc.XMLEncrypted) > 0,
		Invoices:   inv,
		CreatedAt:  doc.CreatedAt,
		UpdatedAt:  doc.UpdatedAt,
	})
}

func (a *FreightAPI) handleDownloadDocument(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r)
	if !ok {
		return
	}
	doc, xml, err := a.documents.XML(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/xml")
	w.Header().Set("Content-Disposition", "attachment; filename=cte-"+doc.ID.String()+".xml")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, xml)
}

func (a *FreightAPI) handleResend(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r)
	if !ok {
		return
	}
	var body struct {
		EventCode json.RawMessage `json:"event_code"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, errors.Wrap(err, "decode body"))
		return
	}
	in, err := invoices.ParseStatusInput(body.EventCode)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	res, err := a.status.Resend(r.Context(), id, in.Code)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *FreightAPI) handleListEvents(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	evs, err := a.events.List(r.Context(), id, limit, offset)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": evs})
}

func pathUUID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, errors.New("invalid id"))
		return uuid.Nil, false
	}
	return id, true
}

// StatusFor maps service errors to HTTP status codes.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, invoices.ErrInvalidCode),
		errors.Is(err, invoices.ErrEmptyStatus),
		errors.Is(err, subcontract.ErrEmptyXML),
		errors.Is(err, subcontract.ErrMissingKey),
		errors.Is(err, subcontract.ErrNoXML),
		errors.Is(err, documents.ErrNoXML):
		return http.StatusBadRequest
	case errors.Is(err, pgfreight.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, pgfreight.ErrDuplicateKey):
		return http.StatusConflict
	case errors.Is(err, brudam.ErrEndpointNotConfigured),
		errors.Is(err, vblog.ErrEndpointNotConfigured):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeServiceError(w http.ResponseWriter, err error) {
	code := StatusFor(err)
	if code == http.StatusInternalServerError {
		slog.Error("request failed", "error", err.Error())
	}
	writeError(w, code, err)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
