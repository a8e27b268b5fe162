// Package uuid generates the identifiers given to jobs and sites.
package uuid

import (
	"fmt"
	"io"

	"github.com/google/uuid"
)

// Generator returns UUIDv7 strings, so IDs created by one process sort in
// creation order and the frontier's ID indexes stay append-mostly.
type Generator struct {
	entropy io.Reader
}

// New returns a Generator backed by crypto/rand.
func New() *Generator {
	return &Generator{}
}

// NewWithEntropy returns a Generator reading its random bits from r.
func NewWithEntropy(r io.Reader) *Generator {
	return &Generator{entropy: r}
}

// NewID returns the next ID.
func (g *Generator) NewID() (string, error) {
	var (
		id  uuid.UUID
		err error
	)
	if g.entropy != nil {
		id, err = uuid.NewV7FromReader(g.entropy)
	} else {
		id, err = uuid.NewV7()
	}
	if err != nil {
		return "", fmt.Errorf("generate job id: %w", err)
	}
	return id.String(), nil
}
