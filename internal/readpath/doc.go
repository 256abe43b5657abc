// Package readpath wires C3, C6 and C2 into the object-fetch sequence of
// spec.md §4.8: batch metadata lookup, fan-out GET with cancel-on-k-shards,
// erasure reconstruction, optional hash verification and range slicing.
package readpath
