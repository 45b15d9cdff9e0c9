package pgfreight

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/BearBump/FreightLink/internal/invoices"
	"github.com/BearBump/FreightLink/internal/models"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func startStorage(t *testing.T) *Storage {
	t.Helper()
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:15-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "admin",
			"POSTGRES_PASSWORD": "admin",
			"POSTGRES_DB":       "freightlink_test",
		},
		WaitingFor: wait.ForListeningPort("5432/tcp").WithStartupTimeout(60 * time.Second),
	}
	pgC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = pgC.Terminate(ctx) })

	host, err := pgC.Host(ctx)
	require.NoError(t, err)
	port, err := pgC.MappedPort(ctx, "5432/tcp")
	require.NoError(t, err)

	dsn := "postgres://admin:admin@" + host + ":" + port.Port() + "/freightlink_test?sslmode=disable"
	var st *Storage
	// порт открывается раньше, чем postgres готов принимать соединения
	require.Eventually(t, func() bool {
		st, err = New(dsn, nil)
		return err == nil
	}, 30*time.Second, 500*time.Millisecond)
	t.Cleanup(st.Close)
	return st
}

func TestPGFreight_RepoFlow(t *testing.T) {
	if testing.Short() {
		t.Skip("needs docker")
	}
	st := startStorage(t)
	ctx := context.Background()
	reg := invoices.DefaultRegistry()

	// shipment + first document
	doc := &models.ClientDocument{
		AccessKey:    "35240112345678000190570010000001231000001234",
		XMLEncrypted: []byte{1, 2, 3},
		Invoices:     invoices.List{}.Seed(reg, []string{"NF1", "NF2"}),
	}
	sh, err := st.CreateShipmentWithDocument(ctx, reg.PendingStatus(), doc)
	require.NoError(t, err)
	require.Equal(t, sh.ID, doc.ShipmentID)

	got, err := st.GetClientDocumentByKey(ctx, doc.AccessKey)
	require.NoError(t, err)
	require.Equal(t, doc.ID, got.ID)
	require.Equal(t, []byte{1, 2, 3}, got.XMLEncrypted)
	require.Equal(t, []string{"NF1", "NF2"}, got.Invoices.Keys())

	_, err = st.CreateShipmentWithDocument(ctx, reg.PendingStatus(), &models.ClientDocument{AccessKey: doc.AccessKey})
	require.True(t, errors.Is(err, ErrDuplicateKey))

	second := &models.ClientDocument{ShipmentID: sh.ID, AccessKey: "KEY-2"}
	require.NoError(t, st.AttachClientDocument(ctx, second))
	docs, err := st.ListClientDocuments(ctx, sh.ID)
	require.NoError(t, err)
	require.Len(t, docs, 2)
	require.Empty(t, docs[1].Invoices)

	// shipment status
	delivered, err := reg.Status("1")
	require.NoError(t, err)
	require.NoError(t, st.UpdateShipmentStatus(ctx, sh.ID, delivered))
	gotSh, err := st.GetShipment(ctx, sh.ID)
	require.NoError(t, err)
	require.Equal(t, "1", gotSh.Status.Code)
	require.True(t, errors.Is(st.UpdateShipmentStatus(ctx, uuid.New(), delivered), ErrNotFound))

	_, err = st.GetShipment(ctx, uuid.New())
	require.True(t, errors.Is(err, ErrNotFound))

	// invoices read-modify-write
	updated, err := st.MutateInvoices(ctx, doc.ID, func(l invoices.List) (invoices.List, error) {
		next, _, err := l.Update(reg, []string{"NF2"}, "83")
		return next, err
	})
	require.NoError(t, err)
	inv, ok := updated.Invoices.Find("NF2")
	require.True(t, ok)
	require.Equal(t, "83", inv.Status.Code)

	_, err = st.MutateInvoices(ctx, doc.ID, func(l invoices.List) (invoices.List, error) {
		next, _, err := l.Update(reg, nil, "777")
		return next, err
	})
	require.True(t, errors.Is(err, invoices.ErrInvalidCode))

	// events
	key := "NF2"
	for i := 0; i < 2; i++ {
		_, err := st.CreateTrackingEvent(ctx, models.TrackingEventCreateInput{
			ClientDocumentID: doc.ID,
			InvoiceKey:       &key,
			EventCode:        "83",
			Description:      "Saiu para entrega",
			EventDate:        time.Now().Add(time.Duration(i) * time.Minute),
		})
		require.NoError(t, err)
	}
	evs, err := st.ListTrackingEvents(ctx, doc.ID, 10, 0)
	require.NoError(t, err)
	require.Len(t, evs, 2)
	require.True(t, evs[0].EventDate.After(evs[1].EventDate))
	require.Equal(t, "NF2", *evs[0].InvoiceKey)
}

func TestPGFreight_LegacyInvoices(t *testing.T) {
	if testing.Short() {
		t.Skip("needs docker")
	}
	st := startStorage(t)
	ctx := context.Background()

	doc := &models.ClientDocument{AccessKey: "LEGACY"}
	_, err := st.CreateShipmentWithDocument(ctx, invoices.DefaultRegistry().PendingStatus(), doc)
	require.NoError(t, err)
	_, err = st.db.Exec(ctx, `UPDATE client_documents SET invoices = '["NF9","NF9"]'::jsonb WHERE id = $1`, doc.ID)
	require.NoError(t, err)

	got, err := st.GetClientDocument(ctx, doc.ID)
	require.NoError(t, err)
	require.Len(t, got.Invoices, 1)
	require.Equal(t, invoices.DefaultPendingCode, got.Invoices[0].Status.Code)
}

func TestPGFreight_ConcurrentInvoiceUpdates(t *testing.T) {
	if testing.Short() {
		t.Skip("needs docker")
	}
	st := startStorage(t)
	ctx := context.Background()
	reg := invoices.DefaultRegistry()

	doc := &models.ClientDocument{AccessKey: "CONC", Invoices: invoices.List{}.Seed(reg, []string{"A", "B"})}
	_, err := st.CreateShipmentWithDocument(ctx, reg.PendingStatus(), doc)
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for _, k := range []string{"A", "B"} {
		wg.Add(1)
		go func(k string) {
			defer wg.Done()
			_, err := st.MutateInvoices(ctx, doc.ID, func(l invoices.List) (invoices.List, error) {
				next, _, err := l.Update(reg, []string{k}, "81")
				return next, err
			})
			errs <- err
		}(k)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	got, err := st.GetClientDocument(ctx, doc.ID)
	require.NoError(t, err)
	for _, inv := range got.Invoices {
		require.Equal(t, "81", inv.Status.Code)
	}
}

func TestPGFreight_Subcontracted(t *testing.T) {
	if testing.Short() {
		t.Skip("needs docker")
	}
	st := startStorage(t)
	ctx := context.Background()

	sh, err := st.CreateShipment(ctx, invoices.DefaultRegistry().PendingStatus())
	require.NoError(t, err)

	d := &models.SubcontractedDocument{ShipmentID: sh.ID, AccessKey: "SUB1", XMLEncrypted: []byte("x")}
	require.NoError(t, st.CreateSubcontracted(ctx, d))
	require.True(t, errors.Is(st.CreateSubcontracted(ctx, &models.SubcontractedDocument{ShipmentID: sh.ID, AccessKey: "SUB1"}), ErrDuplicateKey))

	code := "001"
	res := models.UploadResult{Succeeded: true, Code: &code, Message: "ok", Raw: "{}"}
	d.RecordUpload(res, time.Now())
	require.NoError(t, st.SaveUploadOutcome(ctx, d))

	got, err := st.GetSubcontractedByKey(ctx, "SUB1")
	require.NoError(t, err)
	require.Equal(t, 1, got.UploadAttempts)
	require.Equal(t, "001", *got.UploadStatusCode)
	require.NotNil(t, got.UploadReceivedAt)

	got.RecordUploadError(errors.New("boom"))
	require.NoError(t, st.SaveUploadOutcome(ctx, got))
	again, err := st.GetSubcontracted(ctx, d.ID)
	require.NoError(t, err)
	require.Equal(t, 2, again.UploadAttempts)
	require.Equal(t, models.UploadStatusError, *again.UploadStatusCode)
	require.Equal(t, "{}", *again.UploadRawResponse)

	_, err = st.GetSubcontracted(ctx, uuid.New())
	require.True(t, errors.Is(err, ErrNotFound))
}
