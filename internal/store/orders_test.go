package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"commerce-backend/internal/models"
)

// Canned driver: serves prepared result sets in order, so scan paths run
// against the exact rows a live database would hand back.

type cannedRows struct {
	cols []string
	data [][]driver.Value
	next int
}

func (r *cannedRows) Columns() []string { return r.cols }
func (r *cannedRows) Close() error      { return nil }

func (r *cannedRows) Next(dest []driver.Value) error {
	if r.next >= len(r.data) {
		return io.EOF
	}
	copy(dest, r.data[r.next])
	r.next++
	return nil
}

type cannedConn struct {
	results []*cannedRows
}

func (c *cannedConn) Prepare(string) (driver.Stmt, error) {
	return nil, errors.New("canned driver: prepare not supported")
}
func (c *cannedConn) Close() error { return nil }
func (c *cannedConn) Begin() (driver.Tx, error) {
	return nil, errors.New("canned driver: transactions not supported")
}

func (c *cannedConn) QueryContext(_ context.Context, _ string, _ []driver.NamedValue) (driver.Rows, error) {
	if len(c.results) == 0 {
		return &cannedRows{}, nil
	}
	rows := c.results[0]
	c.results = c.results[1:]
	return rows, nil
}

type cannedConnector struct {
	conn *cannedConn
}

func (c *cannedConnector) Connect(context.Context) (driver.Conn, error) { return c.conn, nil }
func (c *cannedConnector) Driver() driver.Driver                        { return cannedDriver{} }

type cannedDriver struct{}

func (cannedDriver) Open(string) (driver.Conn, error) {
	return nil, errors.New("canned driver: open not supported")
}

func newCannedStore(results ...*cannedRows) *Store {
	db := sqlx.NewDb(sql.OpenDB(&cannedConnector{conn: &cannedConn{results: results}}), "postgres")
	return &Store{db: db}
}

func TestGetOrderByID_ScansNullRequestID(t *testing.T) {
	now := time.Now()
	s := newCannedStore(
		&cannedRows{
			cols: []string{"id", "order_number", "request_id", "user_id", "status", "created_at", "updated_at"},
			data: [][]driver.Value{
				{int64(7), "ORD-20260829-00007", nil, int64(42), "pending", now, now},
			},
		},
		&cannedRows{
			cols: []string{"id", "order_id", "product_id", "product_name", "quantity"},
			data: [][]driver.Value{
				{int64(1), int64(7), nil, "Retired Keyboard", int64(2)},
			},
		},
	)

	order, err := s.GetOrderByID(context.Background(), 7)
	require.NoError(t, err)

	assert.Equal(t, int64(7), order.ID)
	assert.Equal(t, "", order.RequestID)
	assert.Equal(t, models.OrderStatusPending, order.Status)

	require.Len(t, order.Items, 1)
	assert.Equal(t, int64(0), order.Items[0].ProductID)
	assert.Equal(t, "Retired Keyboard", order.Items[0].ProductName)
}

func TestListOrdersByUser_ScansNullRequestID(t *testing.T) {
	now := time.Now()
	s := newCannedStore(
		&cannedRows{cols: []string{"count"}, data: [][]driver.Value{{int64(1)}}},
		&cannedRows{
			cols: []string{"id", "order_number", "request_id", "user_id", "status", "created_at", "updated_at"},
			data: [][]driver.Value{
				{int64(3), "ORD-20260829-00003", nil, int64(42), "delivered", now, now},
			},
		},
		&cannedRows{cols: []string{"id"}},
	)

	orders, total, err := s.ListOrdersByUser(context.Background(), 42, "", 1, 20)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, orders, 1)
	assert.Equal(t, "", orders[0].RequestID)
	assert.Equal(t, models.OrderStatusDelivered, orders[0].Status)
}

func TestGetOrderByRequestID_ScansPopulatedKey(t *testing.T) {
	now := time.Now()
	s := newCannedStore(
		&cannedRows{
			cols: []string{"id", "order_number", "request_id", "user_id", "status", "created_at", "updated_at"},
			data: [][]driver.Value{
				{int64(9), "ORD-20260829-00009", "req-abc", int64(42), "pending", now, now},
			},
		},
		&cannedRows{cols: []string{"id"}},
	)

	order, err := s.GetOrderByRequestID(context.Background(), "req-abc")
	require.NoError(t, err)
	require.NotNil(t, order)
	assert.Equal(t, "req-abc", order.RequestID)
}
