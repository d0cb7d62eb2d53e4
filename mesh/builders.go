package mesh

import (
	"fmt"
	"math"

	"github.com/notargets/FEKernel/element"
)

const markTol = 1.e-12

// Interval builds n equal cells on [a, b]. Marker 1 is x=a, marker 2 is x=b.
func Interval(n int, a, b float64) (*Mesh, error) {
	if n < 1 {
		return nil, fmt.Errorf("interval needs at least one cell, got %d", n)
	}
	coords := make([][]float64, n+1)
	for i := range coords {
		coords[i] = []float64{a + (b-a)*float64(i)/float64(n)}
	}
	cells := make([][]int, n)
	for i := range cells {
		cells[i] = []int{i, i + 1}
	}
	m, err := New(element.Line, coords, cells)
	if err != nil {
		return nil, err
	}
	m.MarkBoundary(1, func(x []float64) bool { return math.Abs(x[0]-a) < markTol })
	m.MarkBoundary(2, func(x []float64) bool { return math.Abs(x[0]-b) < markTol })
	return m, nil
}

func UnitInterval(n int) (*Mesh, error) { return Interval(n, 0, 1) }

// Rectangle builds an nx by ny grid on [0,lx]x[0,ly] with two triangles per
// square. Markers: 1 x=0, 2 x=lx, 3 y=0, 4 y=ly.
func Rectangle(nx, ny int, lx, ly float64) (*Mesh, error) {
	if nx < 1 || ny < 1 {
		return nil, fmt.Errorf("rectangle needs at least one cell per direction, got %dx%d", nx, ny)
	}
	vid := func(i, j int) int { return j*(nx+1) + i }
	coords := make([][]float64, (nx+1)*(ny+1))
	for j := 0; j <= ny; j++ {
		for i := 0; i <= nx; i++ {
			coords[vid(i, j)] = []float64{lx * float64(i) / float64(nx), ly * float64(j) / float64(ny)}
		}
	}
	var cells [][]int
	for j := 0; j < ny; j++ {
		for i := 0; i < nx; i++ {
			v00, v10, v01, v11 := vid(i, j), vid(i+1, j), vid(i, j+1), vid(i+1, j+1)
			cells = append(cells, []int{v00, v10, v11}, []int{v00, v11, v01})
		}
	}
	m, err := New(element.Tri, coords, cells)
	if err != nil {
		return nil, err
	}
	m.MarkBoundary(1, func(x []float64) bool { return math.Abs(x[0]) < markTol })
	m.MarkBoundary(2, func(x []float64) bool { return math.Abs(x[0]-lx) < markTol })
	m.MarkBoundary(3, func(x []float64) bool { return math.Abs(x[1]) < markTol })
	m.MarkBoundary(4, func(x []float64) bool { return math.Abs(x[1]-ly) < markTol })
	return m, nil
}

func UnitSquare(nx, ny int) (*Mesh, error) { return Rectangle(nx, ny, 1, 1) }

// Box builds an nx by ny by nz grid on [0,lx]x[0,ly]x[0,lz] with six
// tetrahedra per cube (Kuhn subdivision). Markers: 1 x=0, 2 x=lx, 3 y=0,
// 4 y=ly, 5 z=0, 6 z=lz.
func Box(nx, ny, nz int, lx, ly, lz float64) (*Mesh, error) {
	if nx < 1 || ny < 1 || nz < 1 {
		return nil, fmt.Errorf("box needs at least one cell per direction, got %dx%dx%d", nx, ny, nz)
	}
	vid := func(i, j, k int) int { return (k*(ny+1)+j)*(nx+1) + i }
	coords := make([][]float64, (nx+1)*(ny+1)*(nz+1))
	for k := 0; k <= nz; k++ {
		for j := 0; j <= ny; j++ {
			for i := 0; i <= nx; i++ {
				coords[vid(i, j, k)] = []float64{
					lx * float64(i) / float64(nx),
					ly * float64(j) / float64(ny),
					lz * float64(k) / float64(nz),
				}
			}
		}
	}
	perms := [][3]int{{0, 1, 2}, {0, 2, 1}, {1, 0, 2}, {1, 2, 0}, {2, 0, 1}, {2, 1, 0}}
	var cells [][]int
	for k := 0; k < nz; k++ {
		for j := 0; j < ny; j++ {
			for i := 0; i < nx; i++ {
				for _, p := range perms {
					pos := [3]int{i, j, k}
					tet := []int{vid(pos[0], pos[1], pos[2])}
					for _, axis := range p {
						pos[axis]++
						tet = append(tet, vid(pos[0], pos[1], pos[2]))
					}
					cells = append(cells, tet)
				}
			}
		}
	}
	m, err := New(element.Tet, coords, cells)
	if err != nil {
		return nil, err
	}
	ext := []float64{lx, ly, lz}
	for axis := 0; axis < 3; axis++ {
		a := axis
		m.MarkBoundary(2*a+1, func(x []float64) bool { return math.Abs(x[a]) < markTol })
		m.MarkBoundary(2*a+2, func(x []float64) bool { return math.Abs(x[a]-ext[a]) < markTol })
	}
	return m, nil
}

func UnitCube(n int) (*Mesh, error) { return Box(n, n, n, 1, 1, 1) }
