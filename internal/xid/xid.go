package xid

import "github.com/google/uuid"

// New returns a random identifier. A non-empty prefix is prepended with an
// underscore so log lines stay readable ("sale_3f2c...").
func New(prefix string) string {
	id := uuid.NewString()
	if prefix == "" {
		return id
	}
	return prefix + "_" + id
}
