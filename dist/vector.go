package dist

// Vector is a distributed vector laid out the way the matrix expects it:
// Vec[0] is this rank's owned segment (length counts[rank]); Vec[k] for
// k>=1 is a staging buffer receiving neighbour k's full column range
// (length counts[neighbours[k]]), populated by halo exchange before the
// local SpMV consumes it.
type Vector struct {
	Vec        [][]float64
	neighbours []int
	counts     []int
}

// NewVector allocates a Vector sized for the given neighbour list, using
// counts[] to size each neighbour's staging segment.
func NewVector(neighbours []int, counts []int) *Vector {
	v := &Vector{
		Vec:        make([][]float64, len(neighbours)),
		neighbours: append([]int(nil), neighbours...),
		counts:     counts,
	}
	for k, nb := range neighbours {
		v.Vec[k] = make([]float64, counts[nb])
	}
	return v
}

// Owned returns this rank's owned segment (Vec[0]).
func (v *Vector) Owned() []float64 { return v.Vec[0] }

// SetOwned overwrites the owned segment in place.
func (v *Vector) SetOwned(data []float64) {
	if len(data) != len(v.Vec[0]) {
		fatalf("Vector.SetOwned", "length mismatch: have %d, want %d", len(data), len(v.Vec[0]))
	}
	copy(v.Vec[0], data)
}
