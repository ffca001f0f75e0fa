package cluster

import "sort"

// kdTree is a static 2-d tree over projected points. It is built once and
// only queried afterwards; ids index into the slice it was built from.
type kdTree struct {
	ids      []int
	coords   []float64 // x0, y0, x1, y1, ...
	nodeSize int
}

func newKDTree(points []node, nodeSize int) *kdTree {
	t := &kdTree{
		ids:      make([]int, len(points)),
		coords:   make([]float64, 2*len(points)),
		nodeSize: nodeSize,
	}
	for i, p := range points {
		t.ids[i] = i
		t.coords[2*i] = p.x
		t.coords[2*i+1] = p.y
	}
	if len(points) > 0 {
		t.build(0, len(points)-1, 0)
	}
	return t
}

// build orders [left, right] so the median on axis splits the range
func (t *kdTree) build(left, right, axis int) {
	if right-left <= t.nodeSize {
		return
	}

	sort.Sort(axisSorter{t: t, offset: left, n: right - left + 1, axis: axis})

	m := (left + right) >> 1
	t.build(left, m-1, 1-axis)
	t.build(m+1, right, 1-axis)
}

type axisSorter struct {
	t      *kdTree
	offset int
	n      int
	axis   int
}

func (s axisSorter) Len() int { return s.n }

func (s axisSorter) Less(i, j int) bool {
	i, j = i+s.offset, j+s.offset
	return s.t.coords[2*i+s.axis] < s.t.coords[2*j+s.axis]
}

func (s axisSorter) Swap(i, j int) {
	i, j = i+s.offset, j+s.offset
	s.t.ids[i], s.t.ids[j] = s.t.ids[j], s.t.ids[i]
	s.t.coords[2*i], s.t.coords[2*j] = s.t.coords[2*j], s.t.coords[2*i]
	s.t.coords[2*i+1], s.t.coords[2*j+1] = s.t.coords[2*j+1], s.t.coords[2*i+1]
}

// rangeQuery returns ids of points inside the box, edges included
func (t *kdTree) rangeQuery(minX, minY, maxX, maxY float64) []int {
	var result []int
	if len(t.ids) == 0 {
		return result
	}

	stack := []int{0, len(t.ids) - 1, 0}
	for len(stack) > 0 {
		axis := stack[len(stack)-1]
		right := stack[len(stack)-2]
		left := stack[len(stack)-3]
		stack = stack[:len(stack)-3]

		if right-left <= t.nodeSize {
			for i := left; i <= right; i++ {
				x, y := t.coords[2*i], t.coords[2*i+1]
				if x >= minX && x <= maxX && y >= minY && y <= maxY {
					result = append(result, t.ids[i])
				}
			}
			continue
		}

		m := (left + right) >> 1
		x, y := t.coords[2*m], t.coords[2*m+1]
		if x >= minX && x <= maxX && y >= minY && y <= maxY {
			result = append(result, t.ids[m])
		}

		lo, hi := minX, maxX
		v := x
		if axis == 1 {
			lo, hi, v = minY, maxY, y
		}
		if lo <= v {
			stack = append(stack, left, m-1, 1-axis)
		}
		if hi >= v {
			stack = append(stack, m+1, right, 1-axis)
		}
	}

	return result
}

// within returns ids of points at most r away from (qx, qy)
func (t *kdTree) within(qx, qy, r float64) []int {
	var result []int
	if len(t.ids) == 0 {
		return result
	}

	r2 := r * r
	stack := []int{0, len(t.ids) - 1, 0}
	for len(stack) > 0 {
		axis := stack[len(stack)-1]
		right := stack[len(stack)-2]
		left := stack[len(stack)-3]
		stack = stack[:len(stack)-3]

		if right-left <= t.nodeSize {
			for i := left; i <= right; i++ {
				if sqDist(t.coords[2*i], t.coords[2*i+1], qx, qy) <= r2 {
					result = append(result, t.ids[i])
				}
			}
			continue
		}

		m := (left + right) >> 1
		x, y := t.coords[2*m], t.coords[2*m+1]
		if sqDist(x, y, qx, qy) <= r2 {
			result = append(result, t.ids[m])
		}

		q, v := qx, x
		if axis == 1 {
			q, v = qy, y
		}
		if q-r <= v {
			stack = append(stack, left, m-1, 1-axis)
		}
		if q+r >= v {
			stack = append(stack, m+1, right, 1-axis)
		}
	}

	return result
}

func sqDist(ax, ay, bx, by float64) float64 {
	dx := ax - bx
	dy := ay - by
	return dx*dx + dy*dy
}
