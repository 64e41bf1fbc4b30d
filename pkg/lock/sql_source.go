package lock

import (
	"context"
	"database/sql"
)

// SQLSource is a ConnectionSource backed by a *sql.DB pool. Every Connect
// takes a dedicated *sql.Conn out of the pool.
type SQLSource struct {
	db *sql.DB
}

// NewSQLSource returns a ConnectionSource using db.
func NewSQLSource(db *sql.DB) (*SQLSource, error) {
	if db == nil {
		return nil, ErrNoDatabase
	}

	return &SQLSource{db: db}, nil
}

// Connect implements ConnectionSource.
func (s *SQLSource) Connect(ctx context.Context) (Conn, error) {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, err
	}

	return sqlConn{conn: conn}, nil
}

type sqlConn struct {
	conn *sql.Conn
}

// BeginTx starts a transaction ended by Rollback only, never by the
// cancellation of ctx: the loop demotes itself before releasing the lock.
func (c sqlConn) BeginTx(ctx context.Context) (Tx, error) {
	tx, err := c.conn.BeginTx(context.WithoutCancel(ctx), nil)
	if err != nil {
		return nil, err
	}

	return tx, nil
}

func (c sqlConn) Close() error { return c.conn.Close() }
