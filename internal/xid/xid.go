package xid

import (
	"fmt"

	"github.com/google/uuid"
)

// New returns a time-ordered identifier such as "sale_0190f1d2-...".
func New(prefix string) string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	if prefix == "" {
		return id.String()
	}
	return fmt.Sprintf("%s_%s", prefix, id.String())
}
