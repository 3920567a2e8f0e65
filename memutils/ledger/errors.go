package ledger

import "github.com/pkg/errors"

var (
	// ErrOutOfSpace is returned when no hole can hold a requested allocation
	ErrOutOfSpace = errors.New("no hole large enough for the requested allocation")
	// ErrInvalidAddress is returned when an offset falls outside the ledger
	ErrInvalidAddress = errors.New("offset does not fall within the pool")
	// ErrInvalidHandle is returned when a chunk handle does not belong to a live chunk
	ErrInvalidHandle = errors.New("received a handle that was incompatible with this ledger")
)
