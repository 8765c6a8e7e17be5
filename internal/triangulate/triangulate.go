// Package triangulate splits simple polygons into triangles by ear clipping.
package triangulate

// Polygon triangulates the simple polygon xy, a flat x0,y0,x1,y1,... list without
// a closing duplicate vertex. It returns len(xy)/2-2 triangles as index triples into
// the vertex list, or false when the input is degenerate or self-intersecting.
//
// Either winding is accepted: clockwise input is clipped over a reversed index
// list so the convexity test always sees counter-clockwise order.
func Polygon(xy []int32) ([]int32, bool) {
	if len(xy)%2 != 0 {
		return nil, false
	}
	n := len(xy) / 2
	if n < 3 {
		return nil, false
	}
	idx := make([]int32, n)
	for i := range idx {
		idx[i] = int32(i)
	}
	if SignedArea2(xy) < 0 {
		for i, j := 0, n-1; i < j; i, j = i+1, j-1 {
			idx[i], idx[j] = idx[j], idx[i]
		}
	}

	tris := make([]int32, 0, 3*(n-2))
	cur, misses := 0, 0
	for len(idx) > 3 {
		m := len(idx)
		if misses > m {
			return nil, false
		}
		i := cur % m
		p, c, nx := idx[(i+m-1)%m], idx[i], idx[(i+1)%m]
		if isEar(xy, idx, p, c, nx) {
			tris = append(tris, p, c, nx)
			idx = append(idx[:i], idx[i+1:]...)
			if i > 0 {
				cur = i - 1
			} else {
				cur = len(idx) - 1
			}
			misses = 0
			continue
		}
		cur = i + 1
		misses++
	}
	tris = append(tris, idx[0], idx[1], idx[2])
	return tris, true
}

// SignedArea2 returns twice the signed shoelace area; positive for
// counter-clockwise vertices in a y-up frame.
func SignedArea2(xy []int32) int64 {
	n := len(xy) / 2
	var sum int64
	for i := 0; i < n; i++ {
		j := (i + 1) % n
		sum += int64(xy[2*i])*int64(xy[2*j+1]) - int64(xy[2*j])*int64(xy[2*i+1])
	}
	return sum
}

func pt(xy []int32, i int32) (int64, int64) {
	return int64(xy[2*i]), int64(xy[2*i+1])
}

func cross(ax, ay, bx, by, cx, cy int64) int64 {
	return (bx-ax)*(cy-ay) - (by-ay)*(cx-ax)
}

func isEar(xy []int32, idx []int32, p, c, n int32) bool {
	ax, ay := pt(xy, p)
	bx, by := pt(xy, c)
	cx, cy := pt(xy, n)
	if cross(ax, ay, bx, by, cx, cy) < 0 {
		return false
	}
	for _, o := range idx {
		if o == p || o == c || o == n {
			continue
		}
		ox, oy := pt(xy, o)
		if strictlyInside(ox, oy, ax, ay, bx, by, cx, cy) {
			return false
		}
	}
	return true
}

func strictlyInside(px, py, ax, ay, bx, by, cx, cy int64) bool {
	return cross(ax, ay, bx, by, px, py) > 0 &&
		cross(bx, by, cx, cy, px, py) > 0 &&
		cross(cx, cy, ax, ay, px, py) > 0
}
