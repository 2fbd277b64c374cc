package fec

import "fmt"

// Encode produces the systematic codeword for payload under h.
// Payload bits are copied verbatim into the information positions (the
// first K positions for matrices from BuildMatrix) and the parity bits are
// solved from the reduced parity relation, so H·codeword = 0 (mod 2).
func Encode(payload []byte, h *ParityCheckMatrix) ([]byte, error) {
	if h == nil {
		return nil, fmt.Errorf("%w: nil matrix", ErrDegenerateMatrix)
	}
	if len(payload) != h.K() {
		return nil, fmt.Errorf("%w: payload has %d bits, code expects %d", ErrLengthMismatch, len(payload), h.K())
	}
	if !h.Encodable() {
		return nil, fmt.Errorf("%w: parity part of H is singular (n=%d m=%d)", ErrDegenerateMatrix, h.n, h.m)
	}

	packed := packBits(payload)
	codeword := make([]byte, h.n)
	for j, col := range h.infoCols {
		codeword[col] = payload[j] & 1
	}
	for r, g := range h.generator {
		codeword[h.pivotCols[r]] = parity(g, packed)
	}
	return codeword, nil
}

// ExtractPayload returns the information bits of a codeword estimate.
func ExtractPayload(codeword []byte, h *ParityCheckMatrix) []byte {
	if h.infoCols == nil {
		out := make([]byte, h.K())
		copy(out, codeword)
		return out
	}
	out := make([]byte, len(h.infoCols))
	for j, col := range h.infoCols {
		out[j] = codeword[col]
	}
	return out
}
