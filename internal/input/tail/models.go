package inputtail

import (
	"time"

	"github.com/MuchTitan/go-log-shipper/internal"
)

// FileState is the last committed read position of one path.
type FileState struct {
	Path      string
	Identity  internal.FileIdentity
	Offset    int64
	UpdatedAt time.Time
}

// Resolution tells a read cycle where to start. Skip means the file holds no
// new data and must not be opened.
type Resolution struct {
	Identity internal.FileIdentity
	Offset   int64
	Size     int64
	Skip     bool
}
