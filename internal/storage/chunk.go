package storage

import "github.com/cellforge/engine/internal/cellvalue"

// chunkRows is the number of rows held per chunk. Chosen, like the
// teacher's Worksheet chunking, as a power of two that balances memory
// against allocation overhead for typical clustered spreadsheet data.
const chunkRows = 256

// slot is a single overlay entry: the type tag plus the payload needed to
// reconstruct a cellvalue.Value without re-touching the base lane. Overlay
// text is kept raw (not interned) since overlay entries are expected to be
// short-lived until the next compaction folds them into the deduplicated
// base string lane.
type slot struct {
	tag cellvalue.Kind
	num float64
	str string
	err *cellvalue.CellError
	arr *cellvalue.Array
	// whenNanos stores a time.Time's UnixNano for Date/DateTime/Time kinds;
	// kept as int64 to avoid importing time into the hot slot path twice.
	whenNanos int64
}

func slotFromValue(v cellvalue.Value) slot {
	s := slot{tag: v.Kind, num: v.Num, str: v.Str, err: v.Err, arr: v.Arr}
	if v.Kind == cellvalue.KindDate || v.Kind == cellvalue.KindDateTime || v.Kind == cellvalue.KindTime {
		s.whenNanos = v.When.UnixNano()
	}
	return s
}

// chunk is a fixed-height column segment using structure-of-arrays base
// lanes (allocated lazily, matching the teacher's Worksheet.Chunk), plus a
// sparse overlay of writes since the last compaction. Read precedence is
// always overlay first, then base. Base text is stored as interned string
// IDs against the owning column's stringTable; overlay text is raw.
type chunk struct {
	baseTag       []cellvalue.Kind
	baseNum       []float64
	baseStrID     []uint32
	baseErr       []*cellvalue.CellError
	baseArr       []*cellvalue.Array
	baseWhenNanos []int64

	baseNonEmpty int

	// overlay: local row index (0..chunkRows) -> slot, for writes not yet
	// folded into the base lanes.
	overlay map[uint32]slot

	// lowercasedText is a lazily computed cache of lowercased text values
	// for case-insensitive matching (COUNTIF/MATCH-style lookups); it is
	// invalidated whenever a text cell in the chunk changes.
	lowercasedText map[uint32]string
}

func newChunk() *chunk {
	return &chunk{}
}

func (c *chunk) ensureBase() {
	if c.baseTag == nil {
		c.baseTag = make([]cellvalue.Kind, chunkRows)
	}
}

// readLocal returns the value at local row idx, reading overlay before base.
func (c *chunk) readLocal(idx uint32, strs *stringTable) cellvalue.Value {
	if c.overlay != nil {
		if s, ok := c.overlay[idx]; ok {
			return valueFromSlot(s)
		}
	}
	if c.baseTag == nil || c.baseTag[idx] == cellvalue.KindEmpty {
		return cellvalue.Empty
	}
	s := slot{tag: c.baseTag[idx]}
	if c.baseNum != nil {
		s.num = c.baseNum[idx]
	}
	if c.baseStrID != nil && c.baseTag[idx] == cellvalue.KindText {
		s.str, _ = strs.get(c.baseStrID[idx])
	}
	if c.baseErr != nil {
		s.err = c.baseErr[idx]
	}
	if c.baseArr != nil {
		s.arr = c.baseArr[idx]
	}
	if c.baseWhenNanos != nil {
		s.whenNanos = c.baseWhenNanos[idx]
	}
	return valueFromSlot(s)
}

// isEmptyLocal reports whether local row idx is empty, checking overlay
// precedence without materializing a full Value.
func (c *chunk) isEmptyLocal(idx uint32) bool {
	if c.overlay != nil {
		if s, ok := c.overlay[idx]; ok {
			return s.tag == cellvalue.KindEmpty
		}
	}
	return c.baseTag == nil || c.baseTag[idx] == cellvalue.KindEmpty
}

// writeLocal stages a write in the overlay and returns whether the cell's
// emptiness transitioned (wasEmpty -> isEmpty now).
func (c *chunk) writeLocal(idx uint32, v cellvalue.Value) (wasEmpty, nowEmpty bool) {
	wasEmpty = c.isEmptyLocal(idx)
	if c.overlay == nil {
		c.overlay = make(map[uint32]slot)
	}
	c.overlay[idx] = slotFromValue(v)
	if v.Kind == cellvalue.KindText {
		if c.lowercasedText == nil {
			c.lowercasedText = make(map[uint32]string)
		}
		c.lowercasedText[idx] = lowercaseASCIIFold(v.Str)
	} else if c.lowercasedText != nil {
		delete(c.lowercasedText, idx)
	}
	nowEmpty = v.Kind == cellvalue.KindEmpty
	return
}

func valueFromSlot(s slot) cellvalue.Value {
	switch s.tag {
	case cellvalue.KindEmpty:
		return cellvalue.Empty
	case cellvalue.KindBool:
		return cellvalue.Boolean(s.num != 0)
	case cellvalue.KindInt:
		return cellvalue.Integer(int64(s.num))
	case cellvalue.KindNumber:
		return cellvalue.Number(s.num)
	case cellvalue.KindText:
		return cellvalue.Text(s.str)
	case cellvalue.KindError:
		return cellvalue.Error(s.err)
	case cellvalue.KindArray:
		return cellvalue.ArrayValue(s.arr)
	case cellvalue.KindDate, cellvalue.KindDateTime, cellvalue.KindTime:
		return timeValue(s.tag, s.whenNanos)
	case cellvalue.KindDuration:
		return cellvalue.Duration(s.num)
	default:
		return cellvalue.Empty
	}
}

// compact folds the overlay into fresh base lanes (interning text through
// strs) and clears it. It returns the chunk's new non-empty count.
func (c *chunk) compact(strs *stringTable) int {
	if len(c.overlay) == 0 {
		return c.baseNonEmpty
	}
	c.ensureBase()

	// Snapshot the old base tag/string-ID lanes so released refs aren't
	// dropped until after the read-back loop below. Releasing up front
	// would delete a unique string from strs before readLocal (which reads
	// base text through strs.get) ran for the rows the overlay doesn't
	// touch, silently replacing that cell's text with "".
	oldTag := append([]cellvalue.Kind(nil), c.baseTag...)
	var oldStrID []uint32
	if c.baseStrID != nil {
		oldStrID = append([]uint32(nil), c.baseStrID...)
	}

	nonEmpty := 0
	for idx := uint32(0); idx < chunkRows; idx++ {
		v := c.readLocal(idx, strs)
		c.setBase(idx, v, strs)
		if !v.IsEmpty() {
			nonEmpty++
		}
	}

	if oldStrID != nil {
		for idx, tag := range oldTag {
			if tag == cellvalue.KindText {
				strs.release(oldStrID[idx])
			}
		}
	}

	c.overlay = nil
	c.baseNonEmpty = nonEmpty
	return nonEmpty
}

func (c *chunk) setBase(idx uint32, v cellvalue.Value, strs *stringTable) {
	c.ensureBase()
	c.baseTag[idx] = v.Kind
	switch v.Kind {
	case cellvalue.KindBool:
		c.ensureNum()
		if v.Bool {
			c.baseNum[idx] = 1
		} else {
			c.baseNum[idx] = 0
		}
	case cellvalue.KindInt, cellvalue.KindNumber, cellvalue.KindDuration:
		c.ensureNum()
		c.baseNum[idx] = v.Num
	case cellvalue.KindText:
		c.ensureStrID()
		c.baseStrID[idx] = strs.intern(v.Str)
	case cellvalue.KindError:
		c.ensureErr()
		c.baseErr[idx] = v.Err
	case cellvalue.KindArray:
		c.ensureArr()
		c.baseArr[idx] = v.Arr
	case cellvalue.KindDate, cellvalue.KindDateTime, cellvalue.KindTime:
		c.ensureWhen()
		c.baseWhenNanos[idx] = v.When.UnixNano()
	}
}

func (c *chunk) ensureNum() {
	if c.baseNum == nil {
		c.baseNum = make([]float64, chunkRows)
	}
}
func (c *chunk) ensureStrID() {
	if c.baseStrID == nil {
		c.baseStrID = make([]uint32, chunkRows)
	}
}
func (c *chunk) ensureErr() {
	if c.baseErr == nil {
		c.baseErr = make([]*cellvalue.CellError, chunkRows)
	}
}
func (c *chunk) ensureArr() {
	if c.baseArr == nil {
		c.baseArr = make([]*cellvalue.Array, chunkRows)
	}
}
func (c *chunk) ensureWhen() {
	if c.baseWhenNanos == nil {
		c.baseWhenNanos = make([]int64, chunkRows)
	}
}

func (c *chunk) overlayCount() int { return len(c.overlay) }

func lowercaseASCIIFold(s string) string {
	b := []byte(s)
	for i, ch := range b {
		if ch >= 'A' && ch <= 'Z' {
			b[i] = ch + ('a' - 'A')
		}
	}
	return string(b)
}
