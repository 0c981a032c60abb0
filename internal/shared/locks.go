package shared

import "fmt"

// MaterialLockKey builds redis keys for per-material commit sections.
func MaterialLockKey(materialID string) string {
	return fmt.Sprintf("ledger:material:%s:lock", materialID)
}
