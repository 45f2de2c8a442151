package stores

import (
	"github.com/oarkflow/squealx"
)

// SQLStore composes the SQL policy and directory stores into the full
// persistence contract.
type SQLStore struct {
	*SQLPolicyStore
	*SQLDirectoryStore
}

func NewSQLStore(db *squealx.DB) *SQLStore {
	return &SQLStore{
		SQLPolicyStore:    NewSQLPolicyStore(db),
		SQLDirectoryStore: NewSQLDirectoryStore(db),
	}
}
