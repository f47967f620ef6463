package sffs

// OpenMode selects how OpenID positions and restricts a file handle.
type OpenMode int

const (
	// ModeRead opens an existing file for reading only, positioned at 0.
	ModeRead OpenMode = iota
	// ModeOverwrite opens or creates a file for reading and writing,
	// positioned at 0. Existing content past the written range is kept.
	ModeOverwrite
	// ModeAppend opens or creates a file for reading and writing,
	// positioned at the current end of the file.
	ModeAppend
)

func (m OpenMode) String() string {
	switch m {
	case ModeRead:
		return "read"
	case ModeOverwrite:
		return "overwrite"
	case ModeAppend:
		return "append"
	}
	return "invalid"
}
