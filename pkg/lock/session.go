package lock

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
)

// session is a connection plus the open transaction holding (or waiting for)
// the row lock. It is exclusively owned by the loop goroutine.
type session struct {
	conn Conn
	tx   Tx
}

// openSession obtains a connection from source, begins a transaction and runs
// the dialect session statements in it.
func openSession(ctx context.Context, source ConnectionSource, dialect Dialect) (*session, error) {
	conn, err := source.Connect(ctx)
	if err != nil {
		return nil, fmt.Errorf("error getting a connection: %w", err)
	}

	tx, err := conn.BeginTx(ctx)
	if err != nil {
		_ = conn.Close()

		return nil, fmt.Errorf("error starting a transaction: %w", err)
	}

	s := &session{conn: conn, tx: tx}

	for _, stmt := range dialect.SessionStatements() {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			s.close(ctx)

			return nil, fmt.Errorf("error executing %q: %w", stmt, err)
		}
	}

	return s, nil
}

// close rolls back the transaction, releasing the lock, and closes the connection.
func (s *session) close(ctx context.Context) {
	if err := s.tx.Rollback(); err != nil {
		zerolog.Ctx(ctx).
			Debug().
			Err(err).
			Msg("error rolling back the lock transaction")
	}

	if err := s.conn.Close(); err != nil {
		zerolog.Ctx(ctx).
			Debug().
			Err(err).
			Msg("error closing the lock connection")
	}
}
