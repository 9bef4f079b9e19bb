package postgresdb

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errStatement = errors.New("statement refused")

// refusingConnector hands out connections that answer pings with pingErr
// and refuse every statement.
type refusingConnector struct {
	pingErr error
}

func (c refusingConnector) Connect(context.Context) (driver.Conn, error) {
	return refusingConn(c), nil
}

func (c refusingConnector) Driver() driver.Driver {
	return refusingDriver{}
}

type refusingDriver struct{}

func (refusingDriver) Open(string) (driver.Conn, error) {
	return refusingConn{}, nil
}

type refusingConn struct {
	pingErr error
}

func (c refusingConn) Ping(context.Context) error {
	return c.pingErr
}

func (refusingConn) Prepare(string) (driver.Stmt, error) {
	return nil, errStatement
}

func (refusingConn) Close() error {
	return nil
}

func (refusingConn) Begin() (driver.Tx, error) {
	return nil, errStatement
}

func TestPrepareClosesDatabaseOnFailure(t *testing.T) {
	tests := []struct {
		name     string
		pingErr  error
		options  initOptions
		failedAt string
	}{
		{
			name:     "ping",
			pingErr:  errors.New("connection refused"),
			failedAt: "result.Ping()",
		},
		{
			name:     "reset",
			options:  initOptions{DBPreReset: true},
			failedAt: "result.resetDB()",
		},
		{
			name:     "migrations",
			failedAt: "goose.UpContext()",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			database := sql.OpenDB(refusingConnector{pingErr: tt.pingErr})

			db, err := prepare(ctx, database, time.Second, &tt.options)
			require.Error(t, err)
			assert.Nil(t, db)
			assert.Contains(t, err.Error(), tt.failedAt)

			assert.ErrorContains(t, database.PingContext(ctx), "database is closed")
		})
	}
}
