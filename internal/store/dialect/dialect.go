// Package dialect isolates the handful of SQL fragments that differ between
// the sqlite and postgres backends, so the repository code in store stays
// driver-agnostic.
package dialect

// Dialect names the SQL backend in use.
type Dialect string

const (
	SQLite   Dialect = "sqlite"
	Postgres Dialect = "postgres"
)

// BoolToInt renders a boolean as 0/1 for INSERT/UPDATE statements; flag
// columns such as projects.is_active are INTEGER on both sqlite and
// Postgres, so every dialect binds the same integer.
func BoolToInt(d Dialect, b bool) any {
	if b {
		return 1
	}
	return 0
}

// Placeholder returns the nth bind-parameter placeholder for the dialect:
// sqlite/mattn accepts positional "?"; pgx requires "$n".
func Placeholder(d Dialect, n int) string {
	if d == Postgres {
		return "$" + itoa(n)
	}
	return "?"
}

// Now returns the SQL fragment for the current timestamp, for hand-written
// SQL that can't bind a Go time.Time.
func Now(d Dialect) string {
	if d == Postgres {
		return "now()"
	}
	return "CURRENT_TIMESTAMP"
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	digits := []byte{}
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}
