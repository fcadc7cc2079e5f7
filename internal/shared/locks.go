package shared

import (
	"fmt"

	"github.com/google/uuid"
)

// ItemLockKey builds the serialization key for one (org, branch, item) partition.
// The same key feeds the Redis lock and the postgres advisory lock.
func ItemLockKey(orgID, branchID, itemID uuid.UUID) string {
	return fmt.Sprintf("costing:item:%s:%s:%s:lock", orgID, branchID, itemID)
}
