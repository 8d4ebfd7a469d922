// Package schema declares typed table schemas and validates records against
// them.
//
// # Field types
//
// A field is one of seven [FieldType] values. Each maps to exactly one Go
// representation inside a [Record]:
//
//	boolean      bool
//	string       string
//	number       float64 (finite)
//	booleans     []bool
//	strings      []string
//	numbers      []float64 (finite)
//	coordinates  []float64 of length 2: latitude, longitude (finite)
//
// # Canonical order
//
// Every schema carries an implicit leading "id" string field. The remaining
// fields are sorted by name. The canonical order feeds [Schema.Fingerprint],
// which the persistence layer stores next to the data to detect schema drift.
package schema
