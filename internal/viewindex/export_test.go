package viewindex

// ExportGroupTogether exposes groupTogether to the external viewindex_test
// package, which exercises it directly as a documented invariant
// (groupTogether(k, k, n) holds for every key and grouping level).
func ExportGroupTogether(k1, k2 interface{}, n int) bool {
	return groupTogether(k1, k2, n)
}
