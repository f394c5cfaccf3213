package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"hash/fnv"

	"github.com/scantrail/api/pkg/domain/shared"
)

// lockNamespace distinguishes ingestion locks from any other advisory
// lock users sharing the database.
const lockNamespace = int32(0x5ca1)

// AcquireAccountLock takes a transaction-scoped advisory lock keyed on the
// account. The lock is released automatically when the transaction commits
// or rolls back, which serializes concurrent batch ingestions for the same
// account while leaving other accounts unaffected.
func AcquireAccountLock(ctx context.Context, tx *sql.Tx, accountID shared.ID) error {
	h := fnv.New32a()
	h.Write([]byte(accountID.String()))
	key := int32(h.Sum32())

	if _, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock($1, $2)", lockNamespace, key); err != nil {
		return fmt.Errorf("%w: failed to acquire account lock: %v", shared.ErrUnavailable, err)
	}
	return nil
}
