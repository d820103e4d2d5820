// Package engineerr is the engine's single closed error catalog, replacing
// ad hoc error types with one coherent Code/Entry pattern that still
// distinguishes spreadsheet-surface codes (the ones a formula bar shows)
// from engine-internal codes (the ones a caller of the library sees).
package engineerr

import (
	"fmt"
	"strings"

	"github.com/cellforge/engine/internal/cellvalue"
)

// Code is a canonical engine error code.
type Code string

const (
	// Spreadsheet-surface codes mirror cellvalue.ErrorKind's Excel-facing set.
	Div0    Code = "DIV0"
	Value   Code = "VALUE"
	Ref     Code = "REF"
	Name    Code = "NAME"
	Num     Code = "NUM"
	NA      Code = "NA"
	Spill   Code = "SPILL"
	Calc    Code = "CALC"

	// Engine-internal codes never reach a formula bar.
	CyclicDependency    Code = "CYCLIC_DEPENDENCY"
	NImpl               Code = "NOT_IMPLEMENTED"
	MemoryLimitExceeded Code = "MEMORY_LIMIT_EXCEEDED"
	TransactionFailed   Code = "TRANSACTION_FAILED"
	InvalidReference    Code = "INVALID_REFERENCE"
	VertexNotFound      Code = "VERTEX_NOT_FOUND"
	SheetNotFound       Code = "SHEET_NOT_FOUND"
	CompactionFailed    Code = "COMPACTION_FAILED"
)

// Entry documents a code's canonical message and retry/transaction semantics.
type Entry struct {
	Code             Code
	Message          string
	Retryable        bool
	TransactionFatal bool
}

var catalog = map[Code]Entry{
	Div0:  {Code: Div0, Message: "#DIV/0!"},
	Value: {Code: Value, Message: "#VALUE!"},
	Ref:   {Code: Ref, Message: "#REF!"},
	Name:  {Code: Name, Message: "#NAME?"},
	Num:   {Code: Num, Message: "#NUM!"},
	NA:    {Code: NA, Message: "#N/A"},
	Spill: {Code: Spill, Message: "#SPILL!"},
	Calc:  {Code: Calc, Message: "#CALC!"},

	CyclicDependency:    {Code: CyclicDependency, Message: "cyclic dependency detected", Retryable: false},
	NImpl:               {Code: NImpl, Message: "function not implemented by the registered provider", Retryable: false},
	MemoryLimitExceeded: {Code: MemoryLimitExceeded, Message: "resource bound exceeded", Retryable: true, TransactionFatal: true},
	TransactionFailed:   {Code: TransactionFailed, Message: "transaction failed and was rolled back", Retryable: true, TransactionFatal: true},
	InvalidReference:    {Code: InvalidReference, Message: "invalid cell or range reference", Retryable: false},
	VertexNotFound:      {Code: VertexNotFound, Message: "vertex not found in dependency graph", Retryable: false},
	SheetNotFound:       {Code: SheetNotFound, Message: "sheet not found", Retryable: false},
	CompactionFailed:    {Code: CompactionFailed, Message: "chunk compaction failed", Retryable: true, TransactionFatal: true},
}

// fromCellErrorKind maps a cellvalue.ErrorKind to its catalog Code.
func fromCellErrorKind(k cellvalue.ErrorKind) Code {
	switch k {
	case cellvalue.ErrDiv0:
		return Div0
	case cellvalue.ErrValue:
		return Value
	case cellvalue.ErrRef:
		return Ref
	case cellvalue.ErrName:
		return Name
	case cellvalue.ErrNum:
		return Num
	case cellvalue.ErrNA:
		return NA
	case cellvalue.ErrSpill:
		return Spill
	case cellvalue.ErrCalc:
		return Calc
	case cellvalue.ErrCyclicDependency:
		return CyclicDependency
	case cellvalue.ErrNImpl:
		return NImpl
	case cellvalue.ErrMemoryLimitExceeded:
		return MemoryLimitExceeded
	case cellvalue.ErrTransactionFailed:
		return TransactionFailed
	default:
		return Value
	}
}

// Context is the optional location detail every EngineError carries.
type Context struct {
	Sheet   string
	Cell    string
	Formula string
}

// EngineError is the single error type the engine returns to callers and
// records in cell error payloads.
type EngineError struct {
	Code    Code
	Message string
	Context Context
	Extra   any
}

func (e *EngineError) Error() string {
	msg := e.Message
	if msg == "" {
		if entry, ok := catalog[e.Code]; ok {
			msg = entry.Message
		} else {
			msg = string(e.Code)
		}
	}
	var loc []string
	if e.Context.Sheet != "" {
		loc = append(loc, "sheet="+e.Context.Sheet)
	}
	if e.Context.Cell != "" {
		loc = append(loc, "cell="+e.Context.Cell)
	}
	if e.Context.Formula != "" {
		loc = append(loc, "formula="+e.Context.Formula)
	}
	if len(loc) == 0 {
		return fmt.Sprintf("%s: %s", e.Code, msg)
	}
	return fmt.Sprintf("%s: %s (%s)", e.Code, msg, strings.Join(loc, ", "))
}

// Retryable reports whether the catalog marks this code as retryable.
func (e *EngineError) Retryable() bool {
	return catalog[e.Code].Retryable
}

// TransactionFatal reports whether this error must abort the enclosing
// WorkbookEditor transaction rather than surface as a cell value.
func (e *EngineError) TransactionFatal() bool {
	return catalog[e.Code].TransactionFatal
}

// New builds an EngineError, defaulting Message to the catalog entry.
func New(code Code, context Context, extra any) *EngineError {
	return &EngineError{Code: code, Context: context, Extra: extra}
}

// Newf builds an EngineError with an explicit formatted message.
func Newf(code Code, context Context, format string, args ...any) *EngineError {
	return &EngineError{Code: code, Message: fmt.Sprintf(format, args...), Context: context}
}

// FromCellError lifts a cellvalue.CellError (as already carried by a cell)
// into the catalog's EngineError shape, preserving Extra.
func FromCellError(ce *cellvalue.CellError, context Context) *EngineError {
	return &EngineError{Code: fromCellErrorKind(ce.Kind), Message: ce.Message, Context: context, Extra: ce.Extra}
}

// CellError renders this EngineError back into a cellvalue.CellError for
// storage in a cell, the inverse of FromCellError.
func (e *EngineError) CellError() *cellvalue.CellError {
	return &cellvalue.CellError{Kind: toCellErrorKind(e.Code), Message: e.Error(), Extra: e.Extra}
}

func toCellErrorKind(c Code) cellvalue.ErrorKind {
	switch c {
	case Div0:
		return cellvalue.ErrDiv0
	case Value:
		return cellvalue.ErrValue
	case Ref, InvalidReference:
		return cellvalue.ErrRef
	case Name:
		return cellvalue.ErrName
	case Num:
		return cellvalue.ErrNum
	case NA:
		return cellvalue.ErrNA
	case Spill:
		return cellvalue.ErrSpill
	case Calc, CyclicDependency:
		return cellvalue.ErrCalc
	case NImpl:
		return cellvalue.ErrNImpl
	case MemoryLimitExceeded:
		return cellvalue.ErrMemoryLimitExceeded
	case TransactionFailed:
		return cellvalue.ErrTransactionFailed
	default:
		return cellvalue.ErrValue
	}
}

// Cycle is structured Extra for a CyclicDependency/Calc error, carrying the
// cycle's vertex list as addresses rather than raw vertex ids.
type Cycle struct {
	Cells []string
}

// SpillBlocked is structured Extra for a Spill error.
type SpillBlocked struct {
	ExpectedRows, ExpectedCols int
	BlockedAt                  string
}
