// Package snapshot defines the workbook persistence boundary (SPEC_FULL.md
// §10.4): a backend-agnostic Store interface plus the JSON wire shape both
// backends serialize, grounded on mtlprog-stat/internal/snapshot's
// Repository/Snapshot split (there pgx-backed, here generalized over any
// Store).
package snapshot

import (
	"context"
	"errors"
	"time"

	"github.com/cellforge/engine/internal/cellvalue"
	"github.com/cellforge/engine/internal/coord"
)

// ErrNotFound is returned by Store.Latest when no snapshot has been saved
// yet for the given workbook id.
var ErrNotFound = errors.New("snapshot: not found")

// CellRecord is one populated cell in a captured sheet.
type CellRecord struct {
	Row, Col uint32
	Value    cellvalue.Value
}

// SheetSnapshot is one sheet's populated cells at capture time.
type SheetSnapshot struct {
	Sheet coord.SheetID
	Name  string
	Cells []CellRecord
}

// WorkbookSnapshot is the full serializable state of a workbook at a point
// in time; it carries no formulas (§6 scopes a snapshot as computed-value
// persistence, not a source-of-truth formula store).
type WorkbookSnapshot struct {
	Sheets  []SheetSnapshot
	SavedAt time.Time
}

// Store persists and retrieves WorkbookSnapshots keyed by workbook id and
// an increasing savepoint sequence number. Both backends in §10.4
// implement this identically over different physical media.
type Store interface {
	// Save writes snap as the snapshot for (workbookID, seq).
	Save(ctx context.Context, workbookID string, seq int64, snap WorkbookSnapshot) error
	// Latest returns the highest-seq snapshot saved for workbookID.
	Latest(ctx context.Context, workbookID string) (WorkbookSnapshot, int64, error)
	// Close releases any held resources (file handles, pools).
	Close() error
}
