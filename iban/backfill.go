package iban

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
)

// ForUUID derives a reproducible account number from the low 64 bits of id.
//
// Backfills only. Issuance of new accounts goes through GenerateRandom; two
// UUIDs sharing the same low bits modulo 10^10 collide here.
func (g *Generator) ForUUID(id uuid.UUID) (Result, error) {
	lsb := int64(binary.BigEndian.Uint64(id[8:]))
	var positive uint64
	switch {
	case lsb < 0 && lsb != -1<<63:
		positive = uint64(-lsb)
	case lsb >= 0:
		positive = uint64(lsb)
	}
	return g.Generate(fmt.Sprintf("%010d", positive%10_000_000_000))
}
