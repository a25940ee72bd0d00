package shared

import "fmt"

// PeriodCloseLockKey builds the redis key guarding close execution of a period.
func PeriodCloseLockKey(periodID int64) string {
	return fmt.Sprintf("stock:period:%d:close", periodID)
}
