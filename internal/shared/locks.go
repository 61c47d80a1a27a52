package shared

import "fmt"

// ProductLockKey builds redis keys for per-product critical sections.
func ProductLockKey(productID int64) string {
	return fmt.Sprintf("stock:product:%d:lock", productID)
}
