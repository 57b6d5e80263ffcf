package srpc

import "github.com/google/uuid"

// IDGenerator mints ids for host registry entries. Policy is
// explicitly out of scope (§1); callers may inject their own, e.g. to
// get short sequential ids for logs. UUIDGenerator is the shipped
// default.
type IDGenerator interface {
	NextID() string
}

// UUIDGenerator mints RFC 4122 ids via google/uuid.
type UUIDGenerator struct{}

func (UUIDGenerator) NextID() string {
	return uuid.NewString()
}
