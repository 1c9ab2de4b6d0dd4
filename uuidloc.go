package lwm2m

import "github.com/google/uuid"

// NewLocation generates the server-minted 10-character token used in the
// per-client resource URL (`/rd/<location>`), per spec.md §6: "location is
// a 10-character prefix of a v4 UUID string".
func NewLocation() string {
	id := uuid.New().String()
	return id[:10]
}
