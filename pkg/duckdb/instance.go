//go:build duckdb

package duckdb

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/cockroachdb/errors"
	goduckdb "github.com/marcboeker/go-duckdb"

	"github.com/sandboxws/windist/pkg/arrow/helpers"
)

// Instance manages an isolated in-memory DuckDB database.
// Each evaluator gets its own Instance.
type Instance struct {
	db          *sql.DB
	conn        *sql.Conn
	alloc       memory.Allocator
	memoryLimit int64
	releaseView func() // release function from the last RegisterView call
}

// NewInstance creates a new in-memory DuckDB instance with the given memory limit.
// Pass 0 for memoryLimit to use the default (256MB).
func NewInstance(alloc memory.Allocator, memoryLimit int64) (*Instance, error) {
	if memoryLimit == 0 {
		memoryLimit = 256 * 1024 * 1024
	}

	connector, err := goduckdb.NewConnector("", nil)
	if err != nil {
		return nil, errors.Wrap(err, "duckdb: create connector")
	}
	db := sql.OpenDB(connector)

	// Arrow operations need one persistent connection.
	conn, err := db.Conn(context.Background())
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "duckdb: get connection")
	}

	limitMB := max(memoryLimit/(1024*1024), 1)
	if _, err := conn.ExecContext(context.Background(), fmt.Sprintf("SET memory_limit='%dMB'", limitMB)); err != nil {
		conn.Close()
		db.Close()
		return nil, errors.Wrap(err, "duckdb: set memory_limit")
	}

	return &Instance{db: db, conn: conn, alloc: alloc, memoryLimit: memoryLimit}, nil
}

// Close destroys the DuckDB instance and releases all memory.
func (inst *Instance) Close() error {
	if inst.releaseView != nil {
		inst.releaseView()
		inst.releaseView = nil
	}
	if inst.conn != nil {
		inst.conn.Close()
	}
	if inst.db != nil {
		return inst.db.Close()
	}
	return nil
}

// RegisterView registers batch as a DuckDB view named name without copying
// it. The view stays valid until the next RegisterView or Close.
func (inst *Instance) RegisterView(batch arrow.Record, name string) error {
	if inst.releaseView != nil {
		inst.releaseView()
		inst.releaseView = nil
	}

	return inst.conn.Raw(func(driverConn any) error {
		arrowConn, err := goduckdb.NewArrowFromConn(driverConn.(driver.Conn))
		if err != nil {
			return errors.Wrap(err, "duckdb: arrow from conn")
		}
		recRdr, err := array.NewRecordReader(batch.Schema(), []arrow.Record{batch})
		if err != nil {
			return errors.Wrap(err, "duckdb: create record reader")
		}
		release, err := arrowConn.RegisterView(recRdr, name)
		if err != nil {
			return errors.Wrap(err, "duckdb: register view")
		}
		inst.releaseView = release
		return nil
	})
}

// Query executes a SQL query and returns the result as one record.
func (inst *Instance) Query(ctx context.Context, querySQL string) (arrow.Record, error) {
	var result arrow.Record
	err := inst.conn.Raw(func(driverConn any) error {
		arrowConn, err := goduckdb.NewArrowFromConn(driverConn.(driver.Conn))
		if err != nil {
			return errors.Wrap(err, "duckdb: arrow from conn")
		}
		rdr, err := arrowConn.QueryContext(ctx, querySQL)
		if err != nil {
			return errors.Wrap(err, "duckdb: query")
		}
		defer rdr.Release()

		var records []arrow.Record
		defer func() {
			for _, r := range records {
				r.Release()
			}
		}()
		for rdr.Next() {
			rec := rdr.Record()
			rec.Retain()
			records = append(records, rec)
		}
		if rdr.Err() != nil {
			return errors.Wrap(rdr.Err(), "duckdb: read results")
		}
		if len(records) == 0 {
			result = helpers.EmptyRecord(inst.alloc, rdr.Schema())
			return nil
		}
		result, err = helpers.Concat(inst.alloc, records...)
		return err
	})
	return result, err
}
