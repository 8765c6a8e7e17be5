package format

// Default returns a small built-in grid used by the debug binary when no server
// descriptor has been fetched yet, and by tests.
func Default() *Grid {
	return &Grid{
		Checksum: 0x7d1e5c01,
		Spans:    []int32{8_000_000, 4_000_000, 2_000_000, 1_000_000, 500_000, 250_000, 125_000, 62_500},
		Overview: 0,
		Table: []Layer{
			{
				ID: 1, Name: "roads", Kind: LayerVector, NumImportances: 3,
				HasStrings: true, Cacheable: true, Overview: true, MaxZoom: 18,
				Thresholds: []int{4, 8, 12}, Details: []int{1, 3, 5},
			},
			{
				ID: 2, Name: "areas", Kind: LayerVector, NumImportances: 4,
				HasStrings: true, Cacheable: true, MaxZoom: 18,
				Thresholds: []int{6, 9, 12, 15}, Details: []int{2, 3, 5, 7},
			},
			{
				ID: 3, Name: "relief", Kind: LayerBitmap, NumImportances: 1,
				Cacheable: false, MaxZoom: 14,
				Thresholds: []int{3, 10}, Details: []int{0, 4},
			},
		},
	}
}
