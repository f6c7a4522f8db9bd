package shared

import "fmt"

// ClaimLockKey builds redis keys guarding PO creation for a single quote item.
func ClaimLockKey(quoteID string, itemIndex int) string {
	return fmt.Sprintf("ordersheet:claim:%s:%d", quoteID, itemIndex)
}
