package fec

import (
	"errors"
	"fmt"
	"math/bits"
	"math/rand"
)

var (
	// ErrInvalidDimensions is returned for (dv, dc, n) triples that cannot form a regular code.
	ErrInvalidDimensions = errors.New("invalid LDPC dimensions")
	// ErrDegenerateMatrix is returned when the parity part of H is singular over GF(2).
	ErrDegenerateMatrix = errors.New("degenerate parity-check matrix")
	// ErrLengthMismatch is returned when an input does not match the code dimensions.
	ErrLengthMismatch = errors.New("length mismatch")
)

const (
	maxConstructionAttempts = 32
	seedStride              = uint64(0x9E3779B97F4A7C15)
)

// ParityCheckMatrix is a sparse binary matrix H stored as a Tanner graph.
// Edges are indexed in check order; each check c owns the edge range
// [checkStart[c], checkStart[c+1]). It is immutable once built.
type ParityCheckMatrix struct {
	n, m int

	checkStart []int // len m+1
	edgeVar    []int // variable node of each edge
	varStart   []int // len n+1
	varEdges   []int // edge indices grouped by variable

	infoCols  []int      // codeword positions carrying payload bits
	pivotCols []int      // codeword position of the parity bit solved by row r
	generator [][]uint64 // p_r = <generator[r], payload> over GF(2); nil when singular
}

// SizeForPayload returns the codeword length n and check count m of a
// regular (dv, dc) code carrying k payload bits.
func SizeForPayload(k, dv, dc int) (n, m int, err error) {
	if k < 1 || dv < 1 || dc <= dv {
		return 0, 0, fmt.Errorf("%w: k=%d dv=%d dc=%d", ErrInvalidDimensions, k, dv, dc)
	}
	if (k*dc)%(dc-dv) != 0 {
		return 0, 0, fmt.Errorf("%w: k=%d is not a multiple of the rate denominator for dv=%d dc=%d", ErrInvalidDimensions, k, dv, dc)
	}
	n = k * dc / (dc - dv)
	if (n*dv)%dc != 0 {
		return 0, 0, fmt.Errorf("%w: n=%d gives a fractional check count", ErrInvalidDimensions, n)
	}
	return n, n * dv / dc, nil
}

// BuildMatrix constructs a regular (dv, dc) parity-check matrix with n
// variable nodes. The construction is deterministic for a given seed.
//
// Columns are reordered so that the solved parity bits occupy the last m
// positions, giving codewords of the form payload || parity. When a draw is
// rank deficient the construction is retried with a derived seed; if every
// attempt is singular the last matrix is returned and Encode reports
// ErrDegenerateMatrix.
func BuildMatrix(dv, dc, n int, seed int64) (*ParityCheckMatrix, error) {
	if dv < 1 || dc <= dv || n < dc || (n*dv)%dc != 0 {
		return nil, fmt.Errorf("%w: dv=%d dc=%d n=%d", ErrInvalidDimensions, dv, dc, n)
	}
	m := n * dv / dc

	var last *ParityCheckMatrix
	for attempt := 0; attempt < maxConstructionAttempts; attempt++ {
		s := int64(uint64(seed) + uint64(attempt)*seedStride)
		rng := rand.New(rand.NewSource(s))

		checks, ok := pairSockets(n, m, dv, dc, rng)
		if !ok {
			continue
		}
		h, err := newMatrix(n, checks, true)
		if err != nil {
			return nil, err
		}
		last = h
		if h.Encodable() {
			return h, nil
		}
	}
	if last == nil {
		return nil, fmt.Errorf("%w: could not place edges for dv=%d dc=%d n=%d", ErrInvalidDimensions, dv, dc, n)
	}
	return last, nil
}

// NewMatrixFromChecks builds a matrix from explicit check rows. Each row
// lists the variable indices of one parity check. Columns are kept in the
// given order; payload bits go to the non-pivot positions.
func NewMatrixFromChecks(n int, checks [][]int) (*ParityCheckMatrix, error) {
	if n < 1 || len(checks) == 0 || len(checks) >= n {
		return nil, fmt.Errorf("%w: n=%d m=%d", ErrInvalidDimensions, n, len(checks))
	}
	for c, row := range checks {
		if len(row) == 0 {
			return nil, fmt.Errorf("%w: check %d is empty", ErrInvalidDimensions, c)
		}
		seen := make(map[int]bool, len(row))
		for _, v := range row {
			if v < 0 || v >= n {
				return nil, fmt.Errorf("%w: check %d references variable %d", ErrInvalidDimensions, c, v)
			}
			if seen[v] {
				return nil, fmt.Errorf("%w: check %d lists variable %d twice", ErrInvalidDimensions, c, v)
			}
			seen[v] = true
		}
	}
	return newMatrix(n, checks, false)
}

// pairSockets draws a random regular bipartite graph: every variable owns
// dv sockets, every check dc, and a shuffled pairing connects them.
// Checks that pick the same variable twice are repaired by swapping sockets.
func pairSockets(n, m, dv, dc int, rng *rand.Rand) ([][]int, bool) {
	sockets := make([]int, n*dv)
	for v := 0; v < n; v++ {
		for j := 0; j < dv; j++ {
			sockets[v*dv+j] = v
		}
	}
	rng.Shuffle(len(sockets), func(i, j int) {
		sockets[i], sockets[j] = sockets[j], sockets[i]
	})

	maxRepairs := 1000 + 20*len(sockets)
	for repair := 0; ; repair++ {
		i := duplicateSocket(sockets, dc)
		if i < 0 {
			break
		}
		if repair >= maxRepairs {
			return nil, false
		}
		j := rng.Intn(len(sockets))
		ci, cj := i/dc, j/dc
		if ci == cj || sockets[i] == sockets[j] {
			continue
		}
		if checkHas(sockets, dc, cj, sockets[i], j) || checkHas(sockets, dc, ci, sockets[j], i) {
			continue
		}
		sockets[i], sockets[j] = sockets[j], sockets[i]
	}

	checks := make([][]int, m)
	for c := 0; c < m; c++ {
		checks[c] = append([]int(nil), sockets[c*dc:(c+1)*dc]...)
	}
	return checks, true
}

// duplicateSocket returns the index of a socket whose variable already
// appears earlier in the same check, or -1.
func duplicateSocket(sockets []int, dc int) int {
	for start := 0; start < len(sockets); start += dc {
		for a := start + 1; a < start+dc; a++ {
			for b := start; b < a; b++ {
				if sockets[a] == sockets[b] {
					return a
				}
			}
		}
	}
	return -1
}

// checkHas reports whether check c contains variable v at any socket other than skip.
func checkHas(sockets []int, dc, c, v, skip int) bool {
	for i := c * dc; i < (c+1)*dc; i++ {
		if i != skip && sockets[i] == v {
			return true
		}
	}
	return false
}

func newMatrix(n int, checks [][]int, permute bool) (*ParityCheckMatrix, error) {
	m := len(checks)
	words := (n + 63) / 64

	rows := make([][]uint64, m)
	for c, row := range checks {
		rows[c] = make([]uint64, words)
		for _, v := range row {
			rows[c][v/64] |= 1 << uint(v%64)
		}
	}

	// Reduce H over GF(2), scanning columns from the right so that parity
	// pivots favour the tail of the codeword.
	isPivot := make([]bool, n)
	pivotCols := make([]int, 0, m)
	r := 0
	for col := n - 1; col >= 0 && r < m; col-- {
		p := -1
		for i := r; i < m; i++ {
			if testBit(rows[i], col) {
				p = i
				break
			}
		}
		if p < 0 {
			continue
		}
		rows[r], rows[p] = rows[p], rows[r]
		for i := 0; i < m; i++ {
			if i != r && testBit(rows[i], col) {
				xorInto(rows[i], rows[r])
			}
		}
		isPivot[col] = true
		pivotCols = append(pivotCols, col)
		r++
	}
	encodable := r == m

	k := n - m
	infoCols := make([]int, 0, k)
	for col := 0; col < n; col++ {
		if !isPivot[col] {
			infoCols = append(infoCols, col)
		}
	}

	h := &ParityCheckMatrix{n: n, m: m}

	if !encodable {
		h.index(checks)
		return h, nil
	}

	generator := make([][]uint64, m)
	for row := 0; row < m; row++ {
		g := make([]uint64, (k+63)/64)
		for j, col := range infoCols {
			if testBit(rows[row], col) {
				g[j/64] |= 1 << uint(j%64)
			}
		}
		generator[row] = g
	}
	h.generator = generator

	if permute {
		newPos := make([]int, n)
		for j, col := range infoCols {
			newPos[col] = j
		}
		for row, col := range pivotCols {
			newPos[col] = k + row
		}
		remapped := make([][]int, m)
		for c, row := range checks {
			remapped[c] = make([]int, len(row))
			for i, v := range row {
				remapped[c][i] = newPos[v]
			}
		}
		checks = remapped
		for j := range infoCols {
			infoCols[j] = j
		}
		for row := range pivotCols {
			pivotCols[row] = k + row
		}
	}

	h.infoCols = infoCols
	h.pivotCols = pivotCols
	h.index(checks)
	return h, nil
}

// index fills the flat adjacency arrays from explicit check rows.
func (h *ParityCheckMatrix) index(checks [][]int) {
	h.checkStart = make([]int, h.m+1)
	for c, row := range checks {
		h.checkStart[c+1] = h.checkStart[c] + len(row)
	}
	edges := h.checkStart[h.m]
	h.edgeVar = make([]int, 0, edges)
	varDeg := make([]int, h.n)
	for _, row := range checks {
		for _, v := range row {
			h.edgeVar = append(h.edgeVar, v)
			varDeg[v]++
		}
	}

	h.varStart = make([]int, h.n+1)
	for v := 0; v < h.n; v++ {
		h.varStart[v+1] = h.varStart[v] + varDeg[v]
	}
	h.varEdges = make([]int, edges)
	fill := append([]int(nil), h.varStart[:h.n]...)
	for e, v := range h.edgeVar {
		h.varEdges[fill[v]] = e
		fill[v]++
	}
}

// N returns the codeword length (variable nodes).
func (h *ParityCheckMatrix) N() int { return h.n }

// M returns the number of parity checks.
func (h *ParityCheckMatrix) M() int { return h.m }

// K returns the payload width n - m.
func (h *ParityCheckMatrix) K() int { return h.n - h.m }

// Edges returns the number of ones in H.
func (h *ParityCheckMatrix) Edges() int { return len(h.edgeVar) }

// Encodable reports whether the parity part of H is invertible.
func (h *ParityCheckMatrix) Encodable() bool { return h.generator != nil }

// CheckDegree returns the number of variables in check c.
func (h *ParityCheckMatrix) CheckDegree(c int) int { return h.checkStart[c+1] - h.checkStart[c] }

// VarDegree returns the number of checks touching variable v.
func (h *ParityCheckMatrix) VarDegree(v int) int { return h.varStart[v+1] - h.varStart[v] }

// CheckVars returns a copy of the variables of check c.
func (h *ParityCheckMatrix) CheckVars(c int) []int {
	return append([]int(nil), h.edgeVar[h.checkStart[c]:h.checkStart[c+1]]...)
}

// VarChecks returns the checks touching variable v.
func (h *ParityCheckMatrix) VarChecks(v int) []int {
	out := make([]int, 0, h.VarDegree(v))
	for _, e := range h.varEdges[h.varStart[v]:h.varStart[v+1]] {
		out = append(out, h.edgeCheck(e))
	}
	return out
}

// IsRegular reports the common variable and check degrees, if any.
func (h *ParityCheckMatrix) IsRegular() (dv, dc int, ok bool) {
	dv, dc = h.VarDegree(0), h.CheckDegree(0)
	for v := 1; v < h.n; v++ {
		if h.VarDegree(v) != dv {
			return 0, 0, false
		}
	}
	for c := 1; c < h.m; c++ {
		if h.CheckDegree(c) != dc {
			return 0, 0, false
		}
	}
	return dv, dc, true
}

// Syndrome returns H·bits mod 2.
func (h *ParityCheckMatrix) Syndrome(bits []byte) []byte {
	s := make([]byte, h.m)
	for c := 0; c < h.m; c++ {
		var acc byte
		for e := h.checkStart[c]; e < h.checkStart[c+1]; e++ {
			acc ^= bits[h.edgeVar[e]] & 1
		}
		s[c] = acc
	}
	return s
}

// SyndromeWeight returns the number of unsatisfied checks.
func (h *ParityCheckMatrix) SyndromeWeight(bits []byte) int {
	w := 0
	for c := 0; c < h.m; c++ {
		var acc byte
		for e := h.checkStart[c]; e < h.checkStart[c+1]; e++ {
			acc ^= bits[h.edgeVar[e]] & 1
		}
		w += int(acc)
	}
	return w
}

// IsCodeword reports whether bits has length n and a zero syndrome.
func (h *ParityCheckMatrix) IsCodeword(bits []byte) bool {
	return len(bits) == h.n && h.SyndromeWeight(bits) == 0
}

func (h *ParityCheckMatrix) edgeCheck(e int) int {
	// checkStart is sorted; binary search for the owning check.
	lo, hi := 0, h.m
	for lo < hi {
		mid := (lo + hi) / 2
		if h.checkStart[mid+1] <= e {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

func testBit(row []uint64, col int) bool {
	return row[col/64]&(1<<uint(col%64)) != 0
}

func xorInto(dst, src []uint64) {
	for i := range dst {
		dst[i] ^= src[i]
	}
}

func packBits(b []byte) []uint64 {
	out := make([]uint64, (len(b)+63)/64)
	for i, v := range b {
		if v&1 != 0 {
			out[i/64] |= 1 << uint(i%64)
		}
	}
	return out
}

func parity(a, b []uint64) byte {
	acc := 0
	for i := range a {
		acc ^= bits.OnesCount64(a[i]&b[i]) & 1
	}
	return byte(acc)
}
