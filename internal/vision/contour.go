package vision

import (
	"image"
	"math"
)

// Moore neighborhood, clockwise on screen (y grows downward), starting east.
var neighbors = [8]image.Point{
	{1, 0}, {1, 1}, {0, 1}, {-1, 1},
	{-1, 0}, {-1, -1}, {0, -1}, {1, -1},
}

const dirWest = 4

func dirIndex(p image.Point) int {
	for i, n := range neighbors {
		if n == p {
			return i
		}
	}
	return -1
}

// region is one 8-connected component of non-zero mask pixels.
type region struct {
	label    int
	start    image.Point // first pixel in raster order
	bounds   image.Rectangle
	m00      float64
	m10, m01 float64
}

// labelRegions assigns 8-connected component labels (1-based) to non-zero
// pixels. Regions are returned in the raster order of their first pixel.
func labelRegions(m Mask) ([]int, []region) {
	labels := make([]int, len(m.Pix))
	var regions []region
	var stack []image.Point

	for y := 0; y < m.Height; y++ {
		for x := 0; x < m.Width; x++ {
			i := y*m.Width + x
			if m.Pix[i] == 0 || labels[i] != 0 {
				continue
			}
			r := region{
				label:  len(regions) + 1,
				start:  image.Pt(x, y),
				bounds: image.Rect(x, y, x+1, y+1),
			}
			labels[i] = r.label
			stack = append(stack[:0], image.Pt(x, y))
			for len(stack) > 0 {
				p := stack[len(stack)-1]
				stack = stack[:len(stack)-1]

				w := float64(m.Pix[p.Y*m.Width+p.X])
				r.m00 += w
				r.m10 += w * float64(p.X)
				r.m01 += w * float64(p.Y)
				r.bounds = r.bounds.Union(image.Rect(p.X, p.Y, p.X+1, p.Y+1))

				for _, d := range neighbors {
					q := p.Add(d)
					if q.X < 0 || q.Y < 0 || q.X >= m.Width || q.Y >= m.Height {
						continue
					}
					j := q.Y*m.Width + q.X
					if m.Pix[j] != 0 && labels[j] == 0 {
						labels[j] = r.label
						stack = append(stack, q)
					}
				}
			}
			regions = append(regions, r)
		}
	}
	return labels, regions
}

// traceBoundary follows the outer boundary of the region containing start,
// which must be the region's first pixel in raster order. The returned chain
// visits boundary pixel centers clockwise and is closed implicitly.
func traceBoundary(labels []int, width, height int, start image.Point) []image.Point {
	label := labels[start.Y*width+start.X]
	inRegion := func(p image.Point) bool {
		return p.X >= 0 && p.Y >= 0 && p.X < width && p.Y < height && labels[p.Y*width+p.X] == label
	}

	chain := []image.Point{start}
	cur := start
	back := dirWest // raster order guarantees the west neighbor is outside
	first := -1

	for {
		next := -1
		for k := 1; k < 8; k++ {
			d := (back + k) % 8
			if inRegion(cur.Add(neighbors[d])) {
				next = d
				break
			}
		}
		if next < 0 {
			return chain // isolated pixel
		}
		if cur == start && first >= 0 && next == first {
			break
		}
		if first < 0 {
			first = next
		}
		prev := (next + 7) % 8
		back = dirIndex(neighbors[prev].Sub(neighbors[next]))
		cur = cur.Add(neighbors[next])
		chain = append(chain, cur)
	}

	// The walk ends by re-entering start.
	if len(chain) > 1 && chain[len(chain)-1] == start {
		chain = chain[:len(chain)-1]
	}
	return chain
}

// polygonArea is the absolute shoelace area of a closed chain.
func polygonArea(chain []image.Point) float64 {
	if len(chain) < 3 {
		return 0
	}
	var twice float64
	for i, p := range chain {
		q := chain[(i+1)%len(chain)]
		twice += float64(p.X*q.Y - q.X*p.Y)
	}
	return math.Abs(twice) / 2
}

// perimeter is the length of a closed chain.
func perimeter(chain []image.Point) float64 {
	if len(chain) < 2 {
		return 0
	}
	var total float64
	for i, p := range chain {
		q := chain[(i+1)%len(chain)]
		total += math.Hypot(float64(q.X-p.X), float64(q.Y-p.Y))
	}
	return total
}
