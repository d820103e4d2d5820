package storage

import (
	"time"

	"github.com/cellforge/engine/internal/cellvalue"
)

func timeValue(kind cellvalue.Kind, nanos int64) cellvalue.Value {
	t := time.Unix(0, nanos).UTC()
	switch kind {
	case cellvalue.KindDate:
		return cellvalue.Date(t)
	case cellvalue.KindDateTime:
		return cellvalue.DateTime(t)
	case cellvalue.KindTime:
		return cellvalue.TimeOfDay(t)
	default:
		return cellvalue.Empty
	}
}
