package storage

import "errors"

// ErrLotNotFound is returned when a lot id does not belong to the position.
var ErrLotNotFound = errors.New("lot not found")

// errNoChange short-circuits a mutation that would not alter the record.
var errNoChange = errors.New("no change")
