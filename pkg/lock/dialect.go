package lock

import "fmt"

// DefaultDialect issues a plain SELECT ... FOR UPDATE and recognizes
// contention with DefaultContentionPolicy. It relies on the server-side lock
// wait timeout (innodb_lock_wait_timeout on MySQL/MariaDB) to return from a
// contended attempt.
//
//nolint:gochecknoglobals
var DefaultDialect Dialect = defaultDialect{}

type defaultDialect struct{}

func (defaultDialect) Name() string { return "default" }

func (defaultDialect) SessionStatements() []string { return nil }

func (defaultDialect) LockStatement(table string) string { return SelectForUpdate(table) }

func (defaultDialect) IsContention(err error) bool { return DefaultContentionPolicy.IsContention(err) }

// SelectForUpdate returns the statement locking every row of table for the
// lifetime of the current transaction.
func SelectForUpdate(table string) string {
	return fmt.Sprintf("SELECT * FROM %s FOR UPDATE", table)
}
