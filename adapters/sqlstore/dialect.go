package sqlstore

import "strconv"

// Dialect captures the differences between SQL databases the backend runs on.
type Dialect struct {
	// Name identifies the dialect in logs.
	Name string
	// Placeholder returns the bind parameter for the n-th argument, starting at 1.
	Placeholder func(n int) string
	// BlobType is the column type of event payloads.
	BlobType string
	// SerialType is the column type of the auto-incrementing commit sequence.
	SerialType string
	// IsUniqueViolation reports whether err is a unique constraint violation.
	IsUniqueViolation func(err error) bool
}

// DollarPlaceholder renders $1, $2, ...
func DollarPlaceholder(n int) string { return "$" + strconv.Itoa(n) }

// QuestionPlaceholder renders ? for every argument. Queries bind each
// argument exactly once, in order.
func QuestionPlaceholder(int) string { return "?" }
