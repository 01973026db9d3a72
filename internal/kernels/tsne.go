package kernels

import (
	"math"
	"math/rand"
)

// TSNE holds the state of a t-SNE embedding in two dimensions. Affinities
// come from the nearest neighbours of each cell; repulsion is computed
// exactly over all pairs.
type TSNE struct {
	n         int
	neighbors [][]int32
	p         [][]float64
	y         []float64
	gains     []float64
	update    []float64
	iter      int
}

// t-SNE optimisation schedule.
const (
	tsneExaggeration      = 12.0
	tsneExaggerationIters = 250
	tsneMomentumSwitch    = 250
)

// NewTSNE calibrates affinities to the given perplexity and seeds the
// coordinates.
func NewTSNE(nn *Neighbors, perplexity float64, seed int64) *TSNE {
	n := len(nn.Index)
	t := &TSNE{
		n:         n,
		neighbors: nn.Index,
		p:         make([][]float64, n),
		y:         make([]float64, 2*n),
		gains:     make([]float64, 2*n),
		update:    make([]float64, 2*n),
	}
	for i := range t.gains {
		t.gains[i] = 1
	}
	rng := rand.New(rand.NewSource(seed))
	for i := range t.y {
		t.y[i] = rng.NormFloat64() * 1e-4
	}

	target := math.Log(perplexity)
	for i := 0; i < n; i++ {
		t.p[i] = calibrateRow(nn.Distance[i], target)
	}
	// symmetrise: p_ij = (p_j|i + p_i|j) / 2n
	reverse := make([]map[int32]float64, n)
	for i := 0; i < n; i++ {
		for k, j := range nn.Index[i] {
			if reverse[j] == nil {
				reverse[j] = map[int32]float64{}
			}
			reverse[j][int32(i)] = t.p[i][k]
		}
	}
	sym := make([][]float64, n)
	for i := 0; i < n; i++ {
		sym[i] = make([]float64, len(nn.Index[i]))
		for k, j := range nn.Index[i] {
			sym[i][k] = (t.p[i][k] + reverse[i][j]) / (2 * float64(n))
		}
	}
	t.p = sym
	return t
}

// calibrateRow finds the Gaussian bandwidth that gives the row the target
// entropy and returns the normalised conditional probabilities.
func calibrateRow(dist []float64, target float64) []float64 {
	out := make([]float64, len(dist))
	if len(dist) == 0 {
		return out
	}
	beta, lo, hi := 1.0, 0.0, math.Inf(1)
	d0 := dist[0] * dist[0]
	for iter := 0; iter < 200; iter++ {
		sum, wsum := 0.0, 0.0
		for k, d := range dist {
			sq := d*d - d0
			out[k] = math.Exp(-beta * sq)
			sum += out[k]
			wsum += sq * out[k]
		}
		entropy := math.Log(sum) + beta*wsum/sum
		if math.Abs(entropy-target) < 1e-5 {
			break
		}
		if entropy > target {
			lo = beta
			if math.IsInf(hi, 1) {
				beta *= 2
			} else {
				beta = (beta + hi) / 2
			}
		} else {
			hi = beta
			beta = (beta + lo) / 2
		}
	}
	total := 0.0
	for _, v := range out {
		total += v
	}
	for k := range out {
		out[k] /= total
	}
	return out
}

// Iteration returns the number of completed iterations.
func (t *TSNE) Iteration() int { return t.iter }

// Coordinates returns the current embedding as x and y vectors.
func (t *TSNE) Coordinates() ([]float64, []float64) {
	x := make([]float64, t.n)
	y := make([]float64, t.n)
	for i := 0; i < t.n; i++ {
		x[i], y[i] = t.y[2*i], t.y[2*i+1]
	}
	return x, y
}

// Step runs one gradient descent iteration.
func (t *TSNE) Step() {
	n := t.n
	if n < 2 {
		t.iter++
		return
	}
	exaggeration := 1.0
	if t.iter < tsneExaggerationIters {
		exaggeration = tsneExaggeration
	}
	momentum := 0.5
	if t.iter >= tsneMomentumSwitch {
		momentum = 0.8
	}
	eta := math.Max(float64(n)/tsneExaggeration, 50)

	grad := make([]float64, 2*n)
	// repulsion
	z := 0.0
	rep := make([]float64, 2*n)
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			dx := t.y[2*i] - t.y[2*j]
			dy := t.y[2*i+1] - t.y[2*j+1]
			q := 1 / (1 + dx*dx + dy*dy)
			z += 2 * q
			q2 := q * q
			rep[2*i] += q2 * dx
			rep[2*i+1] += q2 * dy
			rep[2*j] -= q2 * dx
			rep[2*j+1] -= q2 * dy
		}
	}
	// attraction
	for i := 0; i < n; i++ {
		for k, j := range t.neighbors[i] {
			dx := t.y[2*i] - t.y[2*int(j)]
			dy := t.y[2*i+1] - t.y[2*int(j)+1]
			q := 1 / (1 + dx*dx + dy*dy)
			f := exaggeration * t.p[i][k] * q
			grad[2*i] += f * dx
			grad[2*i+1] += f * dy
			grad[2*int(j)] -= f * dx
			grad[2*int(j)+1] -= f * dy
		}
	}
	for i := range grad {
		grad[i] = 4 * (grad[i] - rep[i]/z)
	}

	for i := range t.y {
		if (grad[i] > 0) != (t.update[i] > 0) {
			t.gains[i] += 0.2
		} else {
			t.gains[i] *= 0.8
		}
		t.gains[i] = math.Max(t.gains[i], 0.01)
		t.update[i] = momentum*t.update[i] - eta*t.gains[i]*grad[i]
		t.y[i] += t.update[i]
	}

	// recentre
	var mx, my float64
	for i := 0; i < n; i++ {
		mx += t.y[2*i]
		my += t.y[2*i+1]
	}
	mx /= float64(n)
	my /= float64(n)
	for i := 0; i < n; i++ {
		t.y[2*i] -= mx
		t.y[2*i+1] -= my
	}
	t.iter++
}

// SetCoordinates replaces the embedding, e.g. when restoring saved state.
func (t *TSNE) SetCoordinates(x, y []float64, iteration int) {
	for i := 0; i < t.n && i < len(x) && i < len(y); i++ {
		t.y[2*i], t.y[2*i+1] = x[i], y[i]
	}
	t.iter = iteration
}
