// Package query evaluates filter, sort, pagination and projection pipelines
// over a snapshot of schema-typed records.
//
// A [Query] is an owned value: each call to [New] starts from an empty
// pipeline and nothing is shared between queries. Builder methods record
// their arguments and return the same *Query so calls chain:
//
//	recs, err := query.New(s, snapshot).
//		Gte("age", 18).
//		Includes("tags", "admin").
//		Ascend("name").
//		Limit(10).
//		Page(2).
//		Results()
//
// Arguments are checked when the builder method is called. The first invalid
// call is latched and every later call is ignored; [Query.Results] returns it.
//
// Results applies filters, then sorts, then pagination, then projection, and
// returns deep copies. The input records are never modified.
package query
