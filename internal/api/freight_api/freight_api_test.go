package freight_api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/BearBump/FreightLink/internal/broker/messages"
	"github.com/BearBump/FreightLink/internal/integrations/brudam"
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
	"github.com/stretchr/testify/require"
)

type fakeStatus struct {
	req status.Request
	err error

	resendID   uuid.UUID
	resendCode string
}

func (f *fakeStatus) Resend(ctx context.Context, id uuid.UUID, code string) (status.ResendResult, error) {
	f.resendID, f.resendCode = id, code
	if f.err != nil {
		return status.ResendResult{}, f.err
	}
	return status.ResendResult{Document: id, Code: code, OK: true}, nil
}

func (f *fakeStatus) UpdateShipmentStatus(ctx context.Context, req status.Request) (status.Result, error) {
	f.req = req
	if f.err != nil {
		return status.Result{}, f.err
	}
	return status.Result{Status: invoices.Status{Code: req.Code}, Results: []status.SendResult{}}, nil
}

type fakeSync struct{ opts transitsync.Options }

func (f *fakeSync) Sync(ctx context.Context, opts transitsync.Options) transitsync.Result {
	f.opts = opts
	return transitsync.Result{Found: 3, Details: []transitsync.Detail{}, Errors: []transitsync.KeyError{}, Warnings: []string{}}
}

type fakeSubcontract struct {
	xml string
	out subcontract.Outcome
	err error
}

func (f *fakeSubcontract) Submit(ctx context.Context, shipmentID uuid.UUID, xml string) (subcontract.Outcome, error) {
	f.xml = xml
	return f.out, f.err
}

func (f *fakeSubcontract) Retry(ctx context.Context, id uuid.UUID) (subcontract.Outcome, error) {
	return f.out, f.err
}

func (f *fakeSubcontract) Get(ctx context.Context, id uuid.UUID) (*models.SubcontractedDocument, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.out.Document, nil
}

type fakeDocuments struct {
	doc *models.ClientDocument
	xml string
	err error
}

func (f *fakeDocuments) Get(ctx context.Context, id uuid.UUID) (*models.ClientDocument, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.doc, nil
}

func (f *fakeDocuments) XML(ctx context.Context, id uuid.UUID) (*models.ClientDocument, string, error) {
	if f.err != nil {
		return nil, "", f.err
	}
	return f.doc, f.xml, nil
}

type fakeEvents struct {
	limit, offset int
	err           error
}

func (f *fakeEvents) List(ctx context.Context, id uuid.UUID, limit, offset int) ([]*models.TrackingEvent, error) {
	f.limit, f.offset = limit, offset
	if f.err != nil {
		return nil, f.err
	}
	return []*models.TrackingEvent{{ID: uuid.New(), ClientDocumentID: id, EventCode: "1"}}, nil
}

type fakePublisher struct {
	topic, key string
	v          any
	calls      int
}

func (f *fakePublisher) PublishJSON(ctx context.Context, topic, key string, v any) error {
	f.topic, f.key, f.v = topic, key, v
	f.calls++
	return nil
}

type fixture struct {
	status *fakeStatus
	sync   *fakeSync
	sub    *fakeSubcontract
	events *fakeEvents
	docs   *fakeDocuments
	pub    *fakePublisher
	srv    *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		status: &fakeStatus{},
		sync:   &fakeSync{},
		sub:    &fakeSubcontract{},
		events: &fakeEvents{},
		docs:   &fakeDocuments{},
		pub:    &fakePublisher{},
	}
	api := New(f.status, f.sync, f.sub, f.events, f.docs).
		WithAsyncStatus(f.pub, "freight.status.requested").
		WithRegistry(invoices.DefaultRegistry())
	r := chi.NewRouter()
	api.Routes(r)
	f.srv = httptest.NewServer(r)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fixture) post(t *testing.T, path, contentType string, body []byte) *http.Response {
	t.Helper()
	resp, err := http.Post(f.srv.URL+path, contentType, bytes.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestStatus_JSONBody(t *testing.T) {
	f := newFixture(t)
	id := uuid.New()

	body := `{"status":{"code":83},"nf":"NF1","obs":"saiu","anexos":[{"arquivo":{"nome":"a.pdf","dados":"aGk="}},{"arquivo":{"dados":"https://files/x.jpg"}}]}`
	resp := f.post(t, "/shipments/"+id.String()+"/status", "application/json", []byte(body))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	require.Equal(t, id, f.status.req.ShipmentID)
	require.Equal(t, "83", f.status.req.Code)
	require.Equal(t, "NF1", *f.status.req.InvoiceKey)
	require.Equal(t, "saiu", *f.status.req.Note)
	require.Len(t, f.status.req.Attachments, 2)
	require.Equal(t, "aGk=", f.status.req.Attachments[0].Base64)
	require.Equal(t, "https://files/x.jpg", f.status.req.Attachments[1].Name)

	var out status.Result
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Equal(t, "83", out.Status.Code)
}

func TestStatus_Multipart(t *testing.T) {
	f := newFixture(t)
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("status", "1"))
	require.NoError(t, mw.WriteField("obs", "entregue"))
	fw, err := mw.CreateFormFile("anexos", "pod.jpg")
	require.NoError(t, err)
	_, _ = fw.Write([]byte("jpeg-bytes"))
	require.NoError(t, mw.Close())

	resp := f.post(t, "/shipments/"+uuid.NewString()+"/status", mw.FormDataContentType(), buf.Bytes())
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "1", f.status.req.Code)
	require.Nil(t, f.status.req.InvoiceKey)
	require.Len(t, f.status.req.Attachments, 1)
	require.Equal(t, "pod.jpg", f.status.req.Attachments[0].Name)
	require.Equal(t, []byte("jpeg-bytes"), f.status.req.Attachments[0].Data)
}

func TestStatus_Errors(t *testing.T) {
	f := newFixture(t)
	path := "/shipments/" + uuid.NewString() + "/status"

	resp := f.post(t, "/shipments/not-a-uuid/status", "application/json", []byte(`{"status":1}`))
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = f.post(t, path, "application/json", []byte(`{}`))
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	f.status.err = errors.Wrap(invoices.ErrInvalidCode, `"12"`)
	resp = f.post(t, path, "application/json", []byte(`{"status":"12"}`))
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	f.status.err = pgfreight.ErrNotFound
	resp = f.post(t, path, "application/json", []byte(`{"status":1}`))
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	f.status.err = brudam.ErrEndpointNotConfigured
	resp = f.post(t, path, "application/json", []byte(`{"status":1}`))
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestStatus_AsyncQueues(t *testing.T) {
	f := newFixture(t)
	id := uuid.New()
	resp := f.post(t, "/shipments/"+id.String()+"/status?async=true", "application/json", []byte(`{"status":"{\"code\":\"80\"}"}`))
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	require.Equal(t, "freight.status.requested", f.pub.topic)
	require.Equal(t, id.String(), f.pub.key)
	msg := f.pub.v.(messages.StatusUpdateRequested)
	require.JSONEq(t, `"{\"code\":\"80\"}"`, string(msg.Status))
	require.Zero(t, f.status.req.ShipmentID)
}

func TestStatus_AsyncRejectsUnknownCode(t *testing.T) {
	f := newFixture(t)
	path := "/shipments/" + uuid.NewString() + "/status?async=true"

	resp := f.post(t, path, "application/json", []byte(`{"status":"999"}`))
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	var out map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Contains(t, out["error"], "invalid tracking code")

	resp = f.post(t, path, "application/json", []byte(`{"status":{"code":12}}`))
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	require.Zero(t, f.pub.calls)
	require.Zero(t, f.status.req.ShipmentID)
}

func (f *fixture) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(f.srv.URL + path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestResend(t *testing.T) {
	f := newFixture(t)
	id := uuid.New()

	resp := f.post(t, "/tracking/"+id.String()+"/resend", "application/json", []byte(`{"event_code":"1"}`))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, id, f.status.resendID)
	require.Equal(t, "1", f.status.resendCode)

	var out status.ResendResult
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.True(t, out.OK)

	resp = f.post(t, "/tracking/"+id.String()+"/resend", "application/json", []byte(`{}`))
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	f.status.err = errors.Wrap(invoices.ErrInvalidCode, `code "12"`)
	resp = f.post(t, "/tracking/"+id.String()+"/resend", "application/json", []byte(`{"event_code":12}`))
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	f.status.err = pgfreight.ErrNotFound
	resp = f.post(t, "/tracking/"+id.String()+"/resend", "application/json", []byte(`{"event_code":1}`))
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestGetDocument(t *testing.T) {
	f := newFixture(t)
	doc := &models.ClientDocument{
		ID:           uuid.New(),
		ShipmentID:   uuid.New(),
		AccessKey:    "35240112345678000190570010000012341000012345",
		XMLEncrypted: []byte{1, 2, 3},
		Invoices:     invoices.List{}.Seed(invoices.DefaultRegistry(), []string{"NF1"}),
	}
	f.docs.doc = doc

	resp := f.get(t, "/cte/"+doc.ID.String())
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Equal(t, doc.AccessKey, out["accessKey"])
	require.Equal(t, doc.ShipmentID.String(), out["shipmentId"])
	require.Equal(t, true, out["hasXml"])
	require.Len(t, out["invoices"], 1)
	require.NotContains(t, out, "xml")

	f.docs.err = pgfreight.ErrNotFound
	resp = f.get(t, "/cte/"+uuid.NewString())
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestDownloadDocument(t *testing.T) {
	f := newFixture(t)
	doc := &models.ClientDocument{ID: uuid.New()}
	f.docs.doc, f.docs.xml = doc, `<cteProc versao="4.00"/>`

	resp := f.get(t, "/cte/"+doc.ID.String()+"/download")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "application/xml", resp.Header.Get("Content-Type"))
	require.Equal(t, "attachment; filename=cte-"+doc.ID.String()+".xml", resp.Header.Get("Content-Disposition"))
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, `<cteProc versao="4.00"/>`, string(b))

	f.docs.err = errors.Wrap(documents.ErrNoXML, "cte 1")
	resp = f.get(t, "/cte/"+doc.ID.String()+"/download")
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = f.get(t, "/cte/nope/download")
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGetSubcontracted(t *testing.T) {
	f := newFixture(t)
	code := "001"
	doc := &models.SubcontractedDocument{ID: uuid.New(), ShipmentID: uuid.New(), AccessKey: "K", UploadStatusCode: &code, UploadAttempts: 2}
	f.sub.out = subcontract.Outcome{Document: doc}

	resp := f.get(t, "/subcontracted/"+doc.ID.String())
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Equal(t, doc.ID.String(), out["id"])
	require.Equal(t, "001", out["uploadStatusCode"])
	require.Equal(t, float64(2), out["uploadAttempts"])
	require.NotContains(t, out, "upload")

	f.sub.err = pgfreight.ErrNotFound
	resp = f.get(t, "/subcontracted/"+uuid.NewString())
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSync_DryRunFlag(t *testing.T) {
	f := newFixture(t)
	resp := f.post(t, "/shipments/sync?dry_run=true", "application/json", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.True(t, f.sync.opts.DryRun)

	var out transitsync.Result
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Equal(t, 3, out.Found)
}

func TestSubcontracted(t *testing.T) {
	f := newFixture(t)
	code := "001"
	doc := &models.SubcontractedDocument{ID: uuid.New(), AccessKey: "K", UploadStatusCode: &code, UploadAttempts: 1}
	f.sub.out = subcontract.Outcome{Document: doc, Upload: models.UploadResult{Succeeded: true, Message: "ok"}}

	resp := f.post(t, "/shipments/"+uuid.NewString()+"/subcontracted", "application/xml", []byte("<cte/>"))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.Equal(t, "<cte/>", f.sub.xml)

	resp = f.post(t, "/shipments/"+uuid.NewString()+"/subcontracted", "application/json", []byte(`{"xml":"<cte2/>"}`))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.Equal(t, "<cte2/>", f.sub.xml)

	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Equal(t, float64(1), out["uploadAttempts"])
	require.Equal(t, true, out["upload"].(map[string]any)["succeeded"])

	// stored but upload failed: still reported with the error
	f.sub.err = errors.New("vblog base url not configured")
	resp = f.post(t, "/subcontracted/"+doc.ID.String()+"/retry", "application/json", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	out = map[string]any{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Contains(t, out["error"], "not configured")

	f.sub.out, f.sub.err = subcontract.Outcome{}, pgfreight.ErrDuplicateKey
	resp = f.post(t, "/shipments/"+uuid.NewString()+"/subcontracted", "application/xml", []byte("<cte/>"))
	require.Equal(t, http.StatusConflict, resp.StatusCode)

	f.sub.err = subcontract.ErrMissingKey
	resp = f.post(t, "/shipments/"+uuid.NewString()+"/subcontracted", "application/xml", []byte("<cte/>"))
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestListEvents(t *testing.T) {
	f := newFixture(t)
	resp, err := http.Get(f.srv.URL + "/documents/" + uuid.NewString() + "/events?limit=5&offset=10")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, 5, f.events.limit)
	require.Equal(t, 10, f.events.offset)

	var out struct {
		Events []models.TrackingEvent `json:"events"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Len(t, out.Events, 1)

	f.events.err = pgfreight.ErrNotFound
	resp2, err := http.Get(f.srv.URL + "/documents/" + uuid.NewString() + "/events")
	require.NoError(t, err)
	defer resp2.Body.Close()
	require.Equal(t, http.StatusNotFound, resp2.StatusCode)
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)
	resp, err := http.Get(f.srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestFormStatus(t *testing.T) {
	require.Nil(t, formStatus("  "))
	require.Equal(t, `5`, string(formStatus("5")))
	require.Equal(t, `{"code":1}`, string(formStatus(`{"code":1}`)))
	require.Equal(t, `"abc"`, string(formStatus("abc")))
	require.True(t, strings.HasPrefix(string(formStatus("x y")), `"`))
}
