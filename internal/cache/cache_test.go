package cache

import "testing"

func TestTileOf(t *testing.T) {
	cases := map[string]string{
		"g:2:3:100:200:1":         "g:2:3:100:200:0",
		"s:2:3:100:200:0:l=en":    "g:2:3:100:200:0",
		"b:3:0:12:25:0":           "g:3:0:12:25:0",
		"g:1:0:21:25:0:o":         "g:1:0:21:25:0:o",
		"s:1:5:7:9:2:l=de:r=a1:o": "g:1:5:7:9:0:r=a1:o",
		"d:0:0:0:0:0":             "d:0:0:0:0:0",
	}
	for in, want := range cases {
		got, err := TileOf(in)
		if err != nil {
			t.Fatalf("TileOf(%q): %v", in, err)
		}
		if got != want {
			t.Fatalf("TileOf(%q)=%q want %q", in, got, want)
		}
	}
	if _, err := TileOf("x:1"); err == nil {
		t.Fatalf("malformed key accepted")
	}
}

func TestParseKind(t *testing.T) {
	cases := map[string]Kind{
		"sqlite":  KindFile,
		" File ":  KindFile,
		"redis":   KindSecondary,
		"":        KindNone,
		"nocache": KindNone,
	}
	for in, want := range cases {
		got, err := ParseKind(in)
		if err != nil || got != want {
			t.Fatalf("ParseKind(%q)=%q,%v want %q", in, got, err, want)
		}
	}
	if _, err := ParseKind("memcached"); err == nil {
		t.Fatalf("unknown kind accepted")
	}
}

func TestRecord(t *testing.T) {
	r := NewRecord([]string{"g:2:3:100:200:0", "g:2:3:100:200:1"}, [][]byte{[]byte("ab"), []byte("cde")}, 0b100)
	if r.Count != 2 || r.TotalSize != 5 || r.Empty() {
		t.Fatalf("record %+v", r)
	}
	if b, ok := r.Blob("g:2:3:100:200:1"); !ok || string(b) != "cde" {
		t.Fatalf("blob=%q ok=%v", b, ok)
	}
	if _, ok := r.Blob("g:2:3:100:200:2"); ok {
		t.Fatalf("absent blob found")
	}
	if !NewRecord(nil, nil, -1).Empty() {
		t.Fatalf("empty record not empty")
	}
}
