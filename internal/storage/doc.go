// Package storage encodes tables to files and writes them with crash-safe
// rotation.
//
// # File format
//
// A table file is a single JSON header line followed by the encoded payload:
//
//	{"version":"1.0","serializer":"json","compression":"gzip","columns":[...]}
//	<compressed serialized payload>
//
// The header names the serializer and compression used for the payload, so a
// file written with one configuration is still readable after the
// configuration changes. The payload holds the schema fingerprint and the
// ordered record list.
//
// # Rotation
//
// Each table owns three paths: current, temp and old. [FileSet.Write] writes
// temp, renames current to old, then writes current, syncing each file before
// moving on. At every point at least one complete file exists on disk.
package storage
