package model

import "github.com/oklog/ulid/v2"

// NewID generates a ULID string used to identify dispatch runs. ULIDs sort by
// creation time, so run listings ordered by id are chronological.
func NewID() string {
	return ulid.Make().String()
}
