package failover

import "errors"

// ErrEmptyCommand is returned when a command without arguments is configured.
var ErrEmptyCommand = errors.New("command must not be empty")
