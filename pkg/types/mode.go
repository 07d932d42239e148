package types

// WriteMode is the closed set of write dispositions. Each variant carries
// only what it needs: Append carries its file-naming strategy, the others are
// markers. The partition key set travels with the write request because it
// shapes layout under every mode, not just ReplacePartitions.
type WriteMode interface {
	ModeName() string
	isWriteMode()
}

// Overwrite deletes all existing files or rows at the target, then adds the
// desired data.
type Overwrite struct{}

func (Overwrite) ModeName() string { return "overwrite" }
func (Overwrite) isWriteMode()     {}

// Append adds the desired data without touching existing content. Namer
// supplies collision-checked unique file names; nil selects the default
// token-based namer.
type Append struct {
	Namer FileNamer
}

func (Append) ModeName() string { return "append" }
func (Append) isWriteMode()     {}

// Ignore adds the desired data only if the target does not exist at
// plan-build time. The existence check is best-effort across processes.
type Ignore struct{}

func (Ignore) ModeName() string { return "ignore" }
func (Ignore) isWriteMode()     {}

// ReplacePartitions replaces only the partitions whose key values appear in
// the desired data, leaving all other partitions untouched. Requires a
// non-empty partition key set on the request.
type ReplacePartitions struct{}

func (ReplacePartitions) ModeName() string { return "replace_partitions" }
func (ReplacePartitions) isWriteMode()     {}

// FileNamer produces candidate file names for append mode. Implementations
// must yield a fresh name on every call; the plan builder still verifies the
// name against the existing file set and re-draws on collision.
type FileNamer interface {
	NextName() string
}
