package repositories

import "errors"

// ErrNotFound is returned by repository methods when the requested record
// does not exist. Callers should check for this error explicitly using
// errors.Is to distinguish missing records from other database errors.
var ErrNotFound = errors.New("record not found")

// ErrConflict names a unique-constraint violation, for example a client
// whose name is already taken. The GORM repositories in this package do not
// translate database errors into it: a duplicate insert surfaces as the
// wrapped driver error instead.
var ErrConflict = errors.New("record already exists")
