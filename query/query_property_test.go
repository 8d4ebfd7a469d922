package query

import (
	"fmt"
	"reflect"
	"slices"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/davalapar/database/schema"
)

// genPeople generates record lists with few distinct ages so ties are common.
func genPeople() gopter.Gen {
	return gen.SliceOf(gen.IntRange(0, 5)).Map(func(ages []int) []schema.Record {
		out := make([]schema.Record, len(ages))
		for i, a := range ages {
			out[i] = schema.Record{
				"id":     fmt.Sprintf("r%03d", i),
				"name":   fmt.Sprintf("n%d", a%3),
				"age":    float64(a),
				"active": a%2 == 0,
			}
		}
		return out
	})
}

func TestProperty_Pagination(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("pages 1..k concatenate to the first k*L sorted records", prop.ForAll(
		func(recs []schema.Record, limit, k int) bool {
			all, err := New(people, recs).Ascend("age").Results()
			if err != nil {
				return false
			}
			var pages []string
			for p := 1; p <= k; p++ {
				got, err := New(people, recs).Ascend("age").Limit(limit).Page(p).Results()
				if err != nil {
					return false
				}
				pages = append(pages, ids(got)...)
			}
			want := ids(all)[:min(k*limit, len(all))]
			return slices.Equal(pages, want)
		},
		genPeople(),
		gen.IntRange(1, 7),
		gen.IntRange(1, 6),
	))

	properties.TestingRun(t)
}

func TestProperty_SortStability(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("records tied on every key keep source order", prop.ForAll(
		func(recs []schema.Record) bool {
			got, err := New(people, recs).Ascend("age").Descend("name").Results()
			if err != nil {
				return false
			}
			pos := map[string]int{}
			for i, r := range recs {
				pos[r.ID()] = i
			}
			for i := 1; i < len(got); i++ {
				a, b := got[i-1], got[i]
				if a["age"] == b["age"] && a["name"] == b["name"] && pos[a.ID()] > pos[b.ID()] {
					return false
				}
			}
			return true
		},
		genPeople(),
	))

	properties.TestingRun(t)
}

func TestProperty_FilterCorrectness(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	ops := []struct {
		name string
		q    func(*Query, string, float64) *Query
		ok   func(a, b float64) bool
	}{
		{"gt", (*Query).Gt, func(a, b float64) bool { return a > b }},
		{"gte", (*Query).Gte, func(a, b float64) bool { return a >= b }},
		{"lt", (*Query).Lt, func(a, b float64) bool { return a < b }},
		{"lte", (*Query).Lte, func(a, b float64) bool { return a <= b }},
	}
	for _, op := range ops {
		properties.Property(op.name+" matches the set definition", prop.ForAll(
			func(recs []schema.Record, v int) bool {
				got, err := op.q(New(people, recs), "age", float64(v)).Results()
				if err != nil {
					return false
				}
				var want []string
				for _, r := range recs {
					if op.ok(r["age"].(float64), float64(v)) {
						want = append(want, r.ID())
					}
				}
				return slices.Equal(ids(got), want)
			},
			genPeople(),
			gen.IntRange(-1, 6),
		))
	}

	properties.TestingRun(t)
}

func TestProperty_ProjectionComplement(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	names := people.Names()
	properties.Property("select(S) equals deselect(all - S)", prop.ForAll(
		func(recs []schema.Record, mask uint) bool {
			var sel, desel []string
			for i, n := range names {
				if mask&(1<<i) != 0 {
					sel = append(sel, n)
				} else {
					desel = append(desel, n)
				}
			}
			if len(sel) == 0 || len(desel) == 0 {
				return true
			}
			a, err := New(people, recs).Select(sel...).Results()
			if err != nil {
				return false
			}
			b, err := New(people, recs).Deselect(desel...).Results()
			if err != nil {
				return false
			}
			return reflect.DeepEqual(a, b)
		},
		genPeople(),
		gen.UIntRange(0, 1<<4-1),
	))

	properties.TestingRun(t)
}
