package upload

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FACorreiaa/payee-enrichment/internal/domain/batch"
	"github.com/FACorreiaa/payee-enrichment/pkg/storage"
)

type memStore struct {
	files map[string][]byte
	infos map[string]*storage.FileInfo
}

func newMemStore() *memStore {
	return &memStore{files: map[string][]byte{}, infos: map[string]*storage.FileInfo{}}
}

func (m *memStore) Save(ctx context.Context, filename, contentType string, r io.Reader) (*storage.FileInfo, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	info := &storage.FileInfo{TempName: "tmp_" + filename, Name: filename, Size: int64(len(data)), ContentType: contentType}
	m.files[info.TempName] = data
	m.infos[info.TempName] = info
	return info, nil
}

func (m *memStore) Open(ctx context.Context, tempName string) (io.ReadCloser, *storage.FileInfo, error) {
	data, ok := m.files[tempName]
	if !ok {
		return nil, nil, storage.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), m.infos[tempName], nil
}

func (m *memStore) Delete(ctx context.Context, tempName string) error {
	delete(m.files, tempName)
	delete(m.infos, tempName)
	return nil
}

func (m *memStore) Sweep(ctx context.Context, olderThan time.Duration) (int, error) { return 0, nil }

type captureBatchStore struct {
	batch   *batch.Batch
	records []batch.Record
	err     error
}

func (c *captureBatchStore) CreateBatch(ctx context.Context, b *batch.Batch, records []batch.Record) error {
	if c.err != nil {
		return c.err
	}
	c.batch = b
	c.records = records
	return nil
}

type captureStarter struct {
	started []string
}

func (c *captureStarter) StartBatch(batchID string) { c.started = append(c.started, batchID) }

func newTestService(store storage.Store, batches BatchStore, starter Starter) *Service {
	return NewService(store, batches, starter, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestPreview(t *testing.T) {
	store := newMemStore()
	svc := newTestService(store, &captureBatchStore{}, &captureStarter{})

	csv := "Payee Name,City\nAcme Corp,Boston\nGlobex,Springfield\n"
	preview, err := svc.Preview(context.Background(), "payees.csv", ContentTypeCSV, strings.NewReader(csv))
	require.NoError(t, err)

	assert.Equal(t, []string{"Payee Name", "City"}, preview.Headers)
	require.Len(t, preview.PreviewRows, 2)
	assert.Equal(t, []string{"Acme Corp", "Boston"}, preview.PreviewRows[0])
	assert.NotEmpty(t, preview.TempFileName)
	assert.Contains(t, store.files, preview.TempFileName, "file stays stored for the process call")
}

func TestPreview_RejectsUnsupportedType(t *testing.T) {
	svc := newTestService(newMemStore(), &captureBatchStore{}, &captureStarter{})

	_, err := svc.Preview(context.Background(), "report.pdf", "application/pdf", strings.NewReader("%PDF"))
	assert.ErrorIs(t, err, ErrUnsupportedType)
}

func TestPreview_TextPlainCSVFallsBackToExtension(t *testing.T) {
	svc := newTestService(newMemStore(), &captureBatchStore{}, &captureStarter{})

	preview, err := svc.Preview(context.Background(), "payees.csv", "text/plain", strings.NewReader("payee\nAcme Corp\n"))
	require.NoError(t, err)
	assert.Equal(t, []string{"payee"}, preview.Headers)
}

func TestPreview_UnparseableRemovesFile(t *testing.T) {
	store := newMemStore()
	svc := newTestService(store, &captureBatchStore{}, &captureStarter{})

	_, err := svc.Preview(context.Background(), "empty.csv", ContentTypeCSV, strings.NewReader("   "))
	require.Error(t, err)
	var inputErr *InputError
	assert.ErrorAs(t, err, &inputErr)
	assert.Empty(t, store.files, "failed preview must not leave the upload behind")
}

func TestProcess(t *testing.T) {
	store := newMemStore()
	batches := &captureBatchStore{}
	starter := &captureStarter{}
	svc := newTestService(store, batches, starter)

	csv := "Payee Name,Street,City,State,Zip\n" +
		"ACH PMT Acme Corp,1 Main St,Boston,MA,02110\n" +
		"Maria Garcia,,,,\n" +
		",2 Side St,Denver,CO,80014\n"
	info, err := store.Save(context.Background(), "payees.csv", ContentTypeCSV, strings.NewReader(csv))
	require.NoError(t, err)

	b, err := svc.Process(context.Background(), ProcessRequest{
		TempFileName: info.TempName,
		Columns: ColumnMapping{
			PayeeColumn: "Payee Name",
			Line1Column: "Street",
			CityColumn:  "City",
			StateColumn: "State",
			ZipColumn:   "Zip",
		},
		Options: MatchingOptions{EnableOpenAI: true, EnableFinexio: true},
	})
	require.NoError(t, err)

	require.NotNil(t, batches.batch)
	assert.Equal(t, b.ID, batches.batch.ID)
	assert.Equal(t, 2, b.TotalRecords, "the payee-less row is dropped")
	assert.Equal(t, []string{"Payee Name", "Street", "City", "State", "Zip"}, b.SourceColumns)
	assert.True(t, b.Options.EnableClassify)
	assert.True(t, b.Options.EnableFinexio)
	assert.False(t, b.Options.EnableMerchant)

	rec := batches.records[0]
	assert.Equal(t, "ACH PMT Acme Corp", rec.OriginalName)
	assert.Equal(t, "Acme Corp", rec.CleanedName, "rail noise stripped on ingest")
	require.NotNil(t, rec.InputAddress)
	assert.Equal(t, "Boston", rec.InputAddress.City)
	assert.Nil(t, batches.records[1].InputAddress, "blank address stays nil")

	assert.Equal(t, []string{b.ID}, starter.started)
	assert.Empty(t, store.files, "temp upload removed once the batch is durable")
}

func TestProcess_RequiresPayeeColumn(t *testing.T) {
	svc := newTestService(newMemStore(), &captureBatchStore{}, &captureStarter{})

	_, err := svc.Process(context.Background(), ProcessRequest{TempFileName: "tmp_x"})
	var inputErr *InputError
	require.ErrorAs(t, err, &inputErr)
	assert.Contains(t, inputErr.Msg, "payee_column")
}

func TestProcess_UnknownColumns(t *testing.T) {
	store := newMemStore()
	svc := newTestService(store, &captureBatchStore{}, &captureStarter{})
	info, err := store.Save(context.Background(), "payees.csv", ContentTypeCSV, strings.NewReader("payee\nAcme Corp\n"))
	require.NoError(t, err)

	_, err = svc.Process(context.Background(), ProcessRequest{
		TempFileName: info.TempName,
		Columns:      ColumnMapping{PayeeColumn: "vendor"},
	})
	var inputErr *InputError
	require.ErrorAs(t, err, &inputErr)
	assert.Contains(t, inputErr.Msg, "vendor")

	_, err = svc.Process(context.Background(), ProcessRequest{
		TempFileName: info.TempName,
		Columns:      ColumnMapping{PayeeColumn: "payee", CityColumn: "town"},
	})
	require.ErrorAs(t, err, &inputErr)
	assert.Contains(t, inputErr.Msg, "town")
}

func TestProcess_UnknownTempFile(t *testing.T) {
	svc := newTestService(newMemStore(), &captureBatchStore{}, &captureStarter{})

	_, err := svc.Process(context.Background(), ProcessRequest{
		TempFileName: "tmp_missing",
		Columns:      ColumnMapping{PayeeColumn: "payee"},
	})
	var inputErr *InputError
	require.ErrorAs(t, err, &inputErr)
}

func TestProcess_NoUsableRows(t *testing.T) {
	store := newMemStore()
	starter := &captureStarter{}
	svc := newTestService(store, &captureBatchStore{}, starter)
	info, err := store.Save(context.Background(), "payees.csv", ContentTypeCSV, strings.NewReader("payee,city\n,Boston\n"))
	require.NoError(t, err)

	_, err = svc.Process(context.Background(), ProcessRequest{
		TempFileName: info.TempName,
		Columns:      ColumnMapping{PayeeColumn: "payee"},
	})
	var inputErr *InputError
	require.ErrorAs(t, err, &inputErr)
	assert.Empty(t, starter.started)
}
