package flock

import "errors"

// ErrWouldBlock is returned by Lock when NoBlock is set and the range
// is already held, and by TryExclusiveProbe's internal attempt.
var ErrWouldBlock = errors.New("flock: operation would block")
