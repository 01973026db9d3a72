package kernels

import (
	"math"
	"math/rand"

	"gonum.org/v1/gonum/optimize"
)

// UMAP holds the state of a two-dimensional UMAP layout optimised by
// stochastic gradient descent over the fuzzy neighbour graph.
type UMAP struct {
	n      int
	edges  []Edge
	maxW   float64
	a, b   float64
	y      []float64
	epochs int
	epoch  int
	rng    *rand.Rand
}

const (
	umapNegativeSamples = 5
	umapGradClip        = 4.0
	umapSpread          = 1.0
)

// NewUMAP builds the fuzzy simplicial set from nearest neighbours and
// seeds the layout. epochs is the total number of optimisation epochs.
func NewUMAP(nn *Neighbors, minDist float64, epochs int, seed int64) *UMAP {
	n := len(nn.Index)
	u := &UMAP{n: n, epochs: epochs, rng: rand.New(rand.NewSource(seed)), y: make([]float64, 2*n)}
	u.a, u.b = FitUMAPCurve(minDist, umapSpread)
	for i := range u.y {
		u.y[i] = u.rng.Float64()*20 - 10
	}

	weights := make([]map[int32]float64, n)
	for i := 0; i < n; i++ {
		weights[i] = map[int32]float64{}
		dist := nn.Distance[i]
		if len(dist) == 0 {
			continue
		}
		rho := dist[0]
		sigma := smoothKNN(dist, rho)
		for k, j := range nn.Index[i] {
			weights[i][j] = math.Exp(-math.Max(dist[k]-rho, 0) / sigma)
		}
	}
	// fuzzy union: w = a + b - ab
	for i := 0; i < n; i++ {
		for j, w := range weights[i] {
			if int(j) < i {
				if _, seen := weights[j][int32(i)]; seen {
					continue
				}
			}
			other := weights[j][int32(i)]
			v := w + other - w*other
			if v > 0 {
				u.edges = append(u.edges, Edge{From: int32(i), To: j, Weight: v})
				u.maxW = math.Max(u.maxW, v)
			}
		}
	}
	return u
}

// smoothKNN finds sigma such that the neighbour memberships sum to
// log2(k).
func smoothKNN(dist []float64, rho float64) float64 {
	target := math.Log2(float64(len(dist)))
	lo, hi, sigma := 0.0, math.Inf(1), 1.0
	for iter := 0; iter < 64; iter++ {
		sum := 0.0
		for _, d := range dist {
			sum += math.Exp(-math.Max(d-rho, 0) / sigma)
		}
		if math.Abs(sum-target) < 1e-5 {
			break
		}
		if sum > target {
			hi = sigma
			sigma = (lo + hi) / 2
		} else {
			lo = sigma
			if math.IsInf(hi, 1) {
				sigma *= 2
			} else {
				sigma = (lo + hi) / 2
			}
		}
	}
	return math.Max(sigma, 1e-3)
}

// FitUMAPCurve fits a and b of 1/(1 + a d^2b) to the target membership
// curve implied by minDist and spread.
func FitUMAPCurve(minDist, spread float64) (float64, float64) {
	const npts = 300
	xs := make([]float64, npts)
	ys := make([]float64, npts)
	for i := range xs {
		x := 3 * spread * float64(i+1) / npts
		xs[i] = x
		if x < minDist {
			ys[i] = 1
		} else {
			ys[i] = math.Exp(-(x - minDist) / spread)
		}
	}
	problem := optimize.Problem{
		Func: func(p []float64) float64 {
			a, b := p[0], p[1]
			if a <= 0 || b <= 0 {
				return math.Inf(1)
			}
			ss := 0.0
			for i, x := range xs {
				r := 1/(1+a*math.Pow(x, 2*b)) - ys[i]
				ss += r * r
			}
			return ss
		},
	}
	res, err := optimize.Minimize(problem, []float64{1.6, 0.9}, nil, &optimize.NelderMead{})
	if err != nil || res == nil {
		return 1.577, 0.895
	}
	return res.X[0], res.X[1]
}

// Epoch returns the number of completed epochs.
func (u *UMAP) Epoch() int { return u.epoch }

// Epochs returns the total number of epochs.
func (u *UMAP) Epochs() int { return u.epochs }

// Coordinates returns the current layout as x and y vectors.
func (u *UMAP) Coordinates() ([]float64, []float64) {
	x := make([]float64, u.n)
	y := make([]float64, u.n)
	for i := 0; i < u.n; i++ {
		x[i], y[i] = u.y[2*i], u.y[2*i+1]
	}
	return x, y
}

// SetCoordinates replaces the layout, e.g. when restoring saved state.
func (u *UMAP) SetCoordinates(x, y []float64, epoch int) {
	for i := 0; i < u.n && i < len(x) && i < len(y); i++ {
		u.y[2*i], u.y[2*i+1] = x[i], y[i]
	}
	u.epoch = epoch
}

func clip(v float64) float64 {
	return math.Max(-umapGradClip, math.Min(umapGradClip, v))
}

// Step runs one epoch. It is a no-op once all epochs are done.
func (u *UMAP) Step() {
	if u.epoch >= u.epochs || u.n < 2 {
		return
	}
	alpha := 1 - float64(u.epoch)/float64(u.epochs)
	a, b := u.a, u.b
	for _, e := range u.edges {
		if u.rng.Float64() > e.Weight/u.maxW {
			continue
		}
		i, j := int(e.From), int(e.To)
		dx := u.y[2*i] - u.y[2*j]
		dy := u.y[2*i+1] - u.y[2*j+1]
		d2 := dx*dx + dy*dy
		if d2 > 0 {
			coef := -2 * a * b * math.Pow(d2, b-1) / (1 + a*math.Pow(d2, b))
			gx, gy := clip(coef*dx), clip(coef*dy)
			u.y[2*i] += alpha * gx
			u.y[2*i+1] += alpha * gy
			u.y[2*j] -= alpha * gx
			u.y[2*j+1] -= alpha * gy
		}
		for s := 0; s < umapNegativeSamples; s++ {
			k := u.rng.Intn(u.n)
			if k == i {
				continue
			}
			dx := u.y[2*i] - u.y[2*k]
			dy := u.y[2*i+1] - u.y[2*k+1]
			d2 := dx*dx + dy*dy
			coef := 2 * b / ((0.001 + d2) * (1 + a*math.Pow(d2, b)))
			u.y[2*i] += alpha * clip(coef*dx)
			u.y[2*i+1] += alpha * clip(coef*dy)
		}
	}
	u.epoch++
}
