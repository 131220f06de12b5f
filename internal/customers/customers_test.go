package customers

import (
	"bytes"
	"compress/gzip"
	"context"
	"database/sql"
	"errors"
	"io"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/audience-pipeline/internal/domain"
	"github.com/ignite/audience-pipeline/internal/segmentation"
)

func setupTestDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	return db, mock, func() { db.Close() }
}

func collect(t *testing.T, src segmentation.CustomerSource) []domain.Customer {
	t.Helper()
	var out []domain.Customer
	require.NoError(t, src.Scan(context.Background(), func(c domain.Customer) error {
		out = append(out, c)
		return nil
	}))
	return out
}

func TestPostgresSource_ScanPages(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	mock.ExpectQuery("FROM customers").
		WithArgs("", 2).
		WillReturnRows(sqlmock.NewRows([]string{"id", "attributes"}).
			AddRow("a", []byte(`{"age":30}`)).
			AddRow("b", []byte(`{"city":"Lagos"}`)))
	mock.ExpectQuery("FROM customers").
		WithArgs("b", 2).
		WillReturnRows(sqlmock.NewRows([]string{"id", "attributes"}).
			AddRow("c", nil))

	got := collect(t, NewPostgresSource(db, 2))
	require.Len(t, got, 3)
	assert.Equal(t, float64(30), got[0].Attributes["age"])
	assert.Equal(t, "c", got[2].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresSource_StopsOnCallbackError(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	mock.ExpectQuery("FROM customers").
		WillReturnRows(sqlmock.NewRows([]string{"id", "attributes"}).
			AddRow("a", []byte(`{}`)).
			AddRow("b", []byte(`{}`)))

	stop := errors.New("stop")
	calls := 0
	err := NewPostgresSource(db, 2).Scan(context.Background(), func(domain.Customer) error {
		calls++
		return stop
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 1, calls)
}

func TestPostgresSource_Lookup(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()
	src := NewPostgresSource(db, 0)

	mock.ExpectQuery("SELECT attributes FROM customers").
		WithArgs("a").
		WillReturnRows(sqlmock.NewRows([]string{"attributes"}).AddRow([]byte(`{"name":"Ada"}`)))
	c, ok, err := src.Lookup(context.Background(), "a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Ada", c.Attributes["name"])

	mock.ExpectQuery("SELECT attributes FROM customers").WillReturnError(sql.ErrNoRows)
	_, ok, err = src.Lookup(context.Background(), "zz")
	require.NoError(t, err)
	assert.False(t, ok)
}

type fakeS3 struct {
	body []byte
	err  error
	key  string
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.key = aws.ToString(in.Key)
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(f.body))}, nil
}

const ndjson = `{"id":"a","attributes":{"total_spent":1200}}

{"id":"b","attributes":{"tags":["vip","beta"]}}
`

func TestS3Source_Scan(t *testing.T) {
	client := &fakeS3{body: []byte(ndjson)}
	got := collect(t, NewS3Source(client, "bucket", "exports/customers.ndjson"))
	require.Len(t, got, 2)
	assert.Equal(t, "exports/customers.ndjson", client.key)
	assert.Equal(t, []any{"vip", "beta"}, got[1].Attributes["tags"])
}

func TestS3Source_Gzip(t *testing.T) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	_, err := gz.Write([]byte(ndjson))
	require.NoError(t, err)
	require.NoError(t, gz.Close())

	got := collect(t, NewS3Source(&fakeS3{body: buf.Bytes()}, "bucket", "customers.ndjson.gz"))
	assert.Len(t, got, 2)
}

func TestS3Source_Errors(t *testing.T) {
	err := NewS3Source(&fakeS3{body: []byte("{\"id\":\"a\"}\nnot json\n")}, "b", "k").
		Scan(context.Background(), func(domain.Customer) error { return nil })
	assert.ErrorContains(t, err, "line 2")

	err = NewS3Source(&fakeS3{body: []byte(`{"attributes":{}}`)}, "b", "k").
		Scan(context.Background(), func(domain.Customer) error { return nil })
	assert.ErrorContains(t, err, "customer id is required")

	err = NewS3Source(&fakeS3{err: errors.New("access denied")}, "b", "k").
		Scan(context.Background(), func(domain.Customer) error { return nil })
	assert.ErrorContains(t, err, "access denied")
}

func TestS3Source_Lookup(t *testing.T) {
	src := NewS3Source(&fakeS3{body: []byte(ndjson)}, "bucket", "k")

	c, ok, err := src.Lookup(context.Background(), "b")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "b", c.ID)

	_, ok, err = src.Lookup(context.Background(), "zz")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSourcesFeedSelector(t *testing.T) {
	v := segmentation.NewValidator(nil, segmentation.Limits{})
	tree, err := v.Validate([]byte(`{"field":"tags","operator":"contains","value":"VIP"}`))
	require.NoError(t, err)

	n, err := segmentation.Estimate(context.Background(), tree, NewS3Source(&fakeS3{body: []byte(ndjson)}, "b", "k"))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
