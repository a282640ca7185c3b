package status

// Progress is returned as a struct because we may add more to it later.
// It is designed for wrappers (like a GUI) to be able to summarize the
// current status without parsing log output.
type Progress struct {
	CurrentState State  // current state, i.e. migrateRows
	Summary      string // text based representation, i.e. "state: migrateRows, tables: 3/7, rows moved: 1204"
}
