// Implements multi-key sorting.

package query

import (
	"cmp"
	"slices"
	"strings"

	"golang.org/x/text/collate"
	"golang.org/x/text/language"

	"github.com/davalapar/database/internal/geo"
	"github.com/davalapar/database/schema"
)

type sortKey struct {
	field  string
	typ    schema.FieldType
	desc   bool
	origin []float64 // Set for coordinates only.
}

func isSortable(t schema.FieldType) bool {
	return t == schema.String || t == schema.Number
}

// Ascend sorts by a string or number field, smallest first. Strings use
// locale-aware ordering.
func (q *Query) Ascend(field string) *Query {
	return q.addSort("ascend", field, false)
}

// Descend sorts by a string or number field, largest first.
func (q *Query) Descend(field string) *Query {
	return q.addSort("descend", field, true)
}

func (q *Query) addSort(op, field string, desc bool) *Query {
	typ, valid := q.lookup(op, field, isSortable)
	if !valid {
		return q
	}
	q.sorts = append(q.sorts, sortKey{field: field, typ: typ, desc: desc})
	return q
}

// AscendH sorts by great-circle distance from origin, nearest first.
func (q *Query) AscendH(field string, origin []float64) *Query {
	return q.addDistanceSort("ascend_h", field, origin, false)
}

// DescendH sorts by great-circle distance from origin, farthest first.
func (q *Query) DescendH(field string, origin []float64) *Query {
	return q.addDistanceSort("descend_h", field, origin, true)
}

func (q *Query) addDistanceSort(op, field string, origin []float64, desc bool) *Query {
	typ, valid := q.lookup(op, field, isCoordinates)
	if !valid {
		return q
	}
	o, err := coordinates(origin)
	if err != nil {
		return q.fail(op, field, err)
	}
	q.sorts = append(q.sorts, sortKey{field: field, typ: typ, desc: desc, origin: o})
	return q
}

// sort orders list in place. Records equal on every key keep their relative
// order.
func (q *Query) sort(list []schema.Record) {
	if len(q.sorts) == 0 {
		return
	}
	var col *collate.Collator
	for _, k := range q.sorts {
		if k.typ == schema.String {
			col = collate.New(language.Und)
			break
		}
	}
	slices.SortStableFunc(list, func(a, b schema.Record) int {
		for _, k := range q.sorts {
			if c := k.compare(col, a, b); c != 0 {
				return c
			}
		}
		return 0
	})
}

func (k *sortKey) compare(col *collate.Collator, a, b schema.Record) int {
	switch k.typ {
	case schema.String:
		x, _ := a[k.field].(string)
		y, _ := b[k.field].(string)
		if x == y {
			return 0
		}
		c := col.CompareString(x, y)
		if c == 0 {
			// Collation-equal but distinct strings get a deterministic order.
			c = strings.Compare(x, y)
		}
		return k.direction(c)
	case schema.Number:
		x, _ := a[k.field].(float64)
		y, _ := b[k.field].(float64)
		return k.direction(cmp.Compare(x, y))
	case schema.Coordinates:
		x, _ := a[k.field].([]float64)
		y, _ := b[k.field].([]float64)
		switch {
		case len(x) != 2 && len(y) != 2:
			return 0
		case len(x) != 2:
			return -1
		case len(y) != 2:
			return 1
		}
		return k.direction(cmp.Compare(geo.Distance(k.origin, x), geo.Distance(k.origin, y)))
	case schema.Boolean, schema.Booleans, schema.Strings, schema.Numbers:
	}
	return 0
}

func (k *sortKey) direction(c int) int {
	if k.desc {
		return -c
	}
	return c
}
