package models

// ChangeEvent represents a single row change captured from SQLite
type ChangeEvent struct {
	ID        string `json:"id"`
	Type      string `json:"type"` // INSERT, UPDATE, DELETE
	Database  string `json:"database"`
	Table     string `json:"table"`
	Timestamp int64  `json:"timestamp"`
	// Depth is 0 for rows changed by the statement itself and N for rows
	// changed by an N-deep trigger or foreign key action.
	Depth int `json:"depth"`
	// Sequence is the position of the row among those changed by its statement.
	Sequence int                    `json:"sequence"`
	RowID    int64                  `json:"rowid,omitempty"`
	OldRowID int64                  `json:"old_rowid,omitempty"`
	Row      map[string]interface{} `json:"row,omitempty"`     // Absent for DELETE
	OldRow   map[string]interface{} `json:"old_row,omitempty"` // Absent for INSERT

	// RawJSON, when set by a script transform, is published verbatim
	RawJSON []byte `json:"-"`
}
