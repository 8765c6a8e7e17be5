package triangulate

import (
	"math"
	"testing"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
)

func ringOf(xy []int32, idx ...int32) orb.Ring {
	r := make(orb.Ring, 0, len(idx)+1)
	for _, i := range idx {
		r = append(r, orb.Point{float64(xy[2*i]), float64(xy[2*i+1])})
	}
	return append(r, r[0])
}

func allIndices(xy []int32) []int32 {
	out := make([]int32, len(xy)/2)
	for i := range out {
		out[i] = int32(i)
	}
	return out
}

func reversed(xy []int32) []int32 {
	n := len(xy) / 2
	out := make([]int32, 0, len(xy))
	for i := n - 1; i >= 0; i-- {
		out = append(out, xy[2*i], xy[2*i+1])
	}
	return out
}

func checkTriangulation(t *testing.T, name string, xy []int32) {
	t.Helper()
	tris, ok := Polygon(xy)
	if !ok {
		t.Fatalf("%s: triangulation failed", name)
	}
	n := len(xy) / 2
	if len(tris) != 3*(n-2) {
		t.Fatalf("%s: %d triangles, want %d", name, len(tris)/3, n-2)
	}
	var sum float64
	for i := 0; i < len(tris); i += 3 {
		for _, v := range tris[i : i+3] {
			if v < 0 || int(v) >= n {
				t.Fatalf("%s: index %d out of range", name, v)
			}
		}
		sum += math.Abs(planar.Area(ringOf(xy, tris[i], tris[i+1], tris[i+2])))
	}
	want := math.Abs(planar.Area(ringOf(xy, allIndices(xy)...)))
	if math.Abs(sum-want) > 0.5 {
		t.Fatalf("%s: triangle area %.1f, polygon area %.1f", name, sum, want)
	}
}

func TestPolygon_ConvexBothWindings(t *testing.T) {
	shapes := map[string][]int32{
		"triangle": {0, 0, 10, 0, 0, 10},
		"square":   {0, 0, 100, 0, 100, 100, 0, 100},
		"hexagon":  {20, 0, 60, 0, 80, 35, 60, 70, 20, 70, 0, 35},
		"octagon":  {3, 0, 7, 0, 10, 3, 10, 7, 7, 10, 3, 10, 0, 7, 0, 3},
	}
	for name, ccw := range shapes {
		checkTriangulation(t, name+"/ccw", ccw)
		checkTriangulation(t, name+"/cw", reversed(ccw))
	}
}

func TestPolygon_ConcaveBothWindings(t *testing.T) {
	shapes := map[string][]int32{
		"L":     {0, 0, 20, 0, 20, 10, 10, 10, 10, 30, 0, 30},
		"arrow": {0, 0, 10, 5, 20, 0, 10, 20},
		"notch": {0, 0, 30, 0, 30, 20, 15, 10, 0, 20},
	}
	for name, ccw := range shapes {
		if SignedArea2(ccw) <= 0 {
			t.Fatalf("%s fixture is not counter-clockwise", name)
		}
		checkTriangulation(t, name+"/ccw", ccw)
		checkTriangulation(t, name+"/cw", reversed(ccw))
	}
}

func TestPolygon_Rejects(t *testing.T) {
	for name, xy := range map[string][]int32{
		"empty":     nil,
		"two":       {0, 0, 1, 1},
		"odd count": {0, 0, 1, 0, 1},
	} {
		if _, ok := Polygon(xy); ok {
			t.Fatalf("%s: accepted", name)
		}
	}
}

func TestSignedArea2(t *testing.T) {
	sq := []int32{0, 0, 4, 0, 4, 4, 0, 4}
	if got := SignedArea2(sq); got != 32 {
		t.Fatalf("ccw area2=%d", got)
	}
	if got := SignedArea2(reversed(sq)); got != -32 {
		t.Fatalf("cw area2=%d", got)
	}
}
