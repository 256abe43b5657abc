// Package writepath wires C1, C2, C4, C6 and C3 into the object-upload
// sequence of spec.md §4.7. See writepath.go for Writer.Put and gc.go for the
// stale-pending-file sweeper of spec.md §7.
package writepath
