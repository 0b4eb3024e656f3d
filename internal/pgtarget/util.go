package pgtarget

import "fmt"

// Placeholder returns the Postgres positional parameter for a 0-based
// index ($1, $2, ...).
func Placeholder(index int) string {
	return fmt.Sprintf("$%d", index+1)
}
