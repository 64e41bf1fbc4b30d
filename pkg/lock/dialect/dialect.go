// Package dialect selects the lock dialect matching a database type.
package dialect

import (
	"fmt"
	"time"

	"github.com/kalbasit/dbleader/pkg/database"
	"github.com/kalbasit/dbleader/pkg/lock"
	"github.com/kalbasit/dbleader/pkg/lock/mysql"
	"github.com/kalbasit/dbleader/pkg/lock/postgres"
	"github.com/kalbasit/dbleader/pkg/lock/sqlite"
)

// ForType returns the lock dialect of the given database type. lockWait
// bounds how long a single lock attempt blocks; zero keeps the dialect default.
func ForType(t database.Type, lockWait time.Duration) (lock.Dialect, error) {
	switch t {
	case database.TypeMySQL:
		return mysql.New(mysql.Config{LockWaitTimeout: lockWait}), nil
	case database.TypePostgreSQL:
		return postgres.New(postgres.Config{LockWaitTimeout: lockWait}), nil
	case database.TypeSQLite:
		return sqlite.New(sqlite.Config{LockWaitTimeout: lockWait}), nil
	case database.TypeUnknown:
		fallthrough
	default:
		return nil, fmt.Errorf("%w: %s", database.ErrUnsupportedDriver, t)
	}
}
