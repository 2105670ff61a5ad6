package migrations

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Migration is one versioned, reversible schema change. Versions are
// monotonic positive integers; the engine applies Up statements in order
// and Down statements to revert.
type Migration struct {
	Version     int
	Description string
	Up          []string
	Down        []string
}

// Checksum is the SHA-256 of the Up statements joined by newline. It
// detects drift between a migration's definition and the applied record.
func (m Migration) Checksum() string {
	sum := sha256.Sum256([]byte(strings.Join(m.Up, "\n")))
	return hex.EncodeToString(sum[:])
}

// All returns every registered migration in ascending version order.
func All() []Migration {
	return []Migration{
		initialSchema(),
		performanceIndexes(),
	}
}

// Latest is the newest schema version definitions describe.
func Latest() int {
	all := All()
	return all[len(all)-1].Version
}
