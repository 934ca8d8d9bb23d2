package storage

import "errors"

// ErrRecordDoesNotExist is returned when a required row is absent, or
// when a compare-and-swap precondition fails because the observed record
// was concurrently resolved or altered. Callers recover by re-reading and
// retrying, or by treating the action as already resolved elsewhere.
var ErrRecordDoesNotExist = errors.New("record does not exist")
