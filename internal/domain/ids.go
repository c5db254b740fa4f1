package domain

import (
	"strings"

	"github.com/google/uuid"
)

// NewID returns "{prefix}_{10 hex chars}", short enough to stay readable
// inside the state document and in logs.
func NewID(prefix string) string {
	hex := strings.ReplaceAll(uuid.New().String(), "-", "")
	return prefix + "_" + hex[:10]
}

func NewEntryID() string  { return NewID("ent") }
func NewItemID() string   { return NewID("itm") }
func NewJobID() string    { return NewID("job") }
func NewWorkerID() string { return NewID("wrk") }
