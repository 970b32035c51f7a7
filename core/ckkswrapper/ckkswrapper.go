// Package ckkswrapper holds the CKKS keys and codecs used to aggregate
// model updates without exposing any single client's values.
package ckkswrapper

import (
	"errors"
	"fmt"

	"github.com/tuneinsight/lattigo/v6/core/rlwe"
	"github.com/tuneinsight/lattigo/v6/schemes/ckks"
)

// DefaultLogN is the ring degree used by NewHeContext (4096 slots).
const DefaultLogN = 13

var ErrLayoutMismatch = errors.New("ciphertext vectors differ in length")

// HeContext owns the key pair. Only the holder of a HeContext can decrypt.
type HeContext struct {
	Params    ckks.Parameters
	Encoder   *ckks.Encoder
	Encryptor *rlwe.Encryptor
	Decryptor *rlwe.Decryptor
}

// ServerKit is the key-free half given to the party that sums ciphertexts.
type ServerKit struct {
	Params    ckks.Parameters
	Evaluator *ckks.Evaluator
}

func NewHeContext() (*HeContext, error) { return NewHeContextWithLogN(DefaultLogN) }

// NewHeContextWithLogN builds a two-level chain; sums need no multiplicative depth.
func NewHeContextWithLogN(logN int) (*HeContext, error) {
	params, err := ckks.NewParametersFromLiteral(ckks.ParametersLiteral{
		LogN:            logN,
		LogQ:            []int{55, 40},
		LogP:            []int{45},
		LogDefaultScale: 40,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create CKKS parameters: %w", err)
	}
	kgen := rlwe.NewKeyGenerator(params)
	sk, pk := kgen.GenKeyPairNew()
	return &HeContext{
		Params:    params,
		Encoder:   ckks.NewEncoder(params),
		Encryptor: rlwe.NewEncryptor(params, pk),
		Decryptor: rlwe.NewDecryptor(params, sk),
	}, nil
}

func (h *HeContext) GenServerKit() *ServerKit {
	return &ServerKit{Params: h.Params, Evaluator: ckks.NewEvaluator(h.Params, nil)}
}

// Slots is the number of values packed per ciphertext.
func (h *HeContext) Slots() int { return h.Params.MaxSlots() }

// EncryptVector packs values into ceil(len/Slots) ciphertexts, zero padded.
func (h *HeContext) EncryptVector(values []float64) ([]*rlwe.Ciphertext, error) {
	slots := h.Slots()
	cts := make([]*rlwe.Ciphertext, 0, (len(values)+slots-1)/slots)
	chunk := make([]float64, slots)
	for off := 0; off < len(values); off += slots {
		clear(chunk)
		copy(chunk, values[off:min(off+slots, len(values))])
		pt := ckks.NewPlaintext(h.Params, h.Params.MaxLevel())
		if err := h.Encoder.Encode(chunk, pt); err != nil {
			return nil, fmt.Errorf("encode chunk %d: %w", off/slots, err)
		}
		ct, err := h.Encryptor.EncryptNew(pt)
		if err != nil {
			return nil, fmt.Errorf("encrypt chunk %d: %w", off/slots, err)
		}
		cts = append(cts, ct)
	}
	return cts, nil
}

// DecryptVector reverses EncryptVector, returning the first n values.
func (h *HeContext) DecryptVector(cts []*rlwe.Ciphertext, n int) ([]float64, error) {
	slots := h.Slots()
	if n > len(cts)*slots {
		return nil, fmt.Errorf("%w: %d values requested from %d ciphertexts", ErrLayoutMismatch, n, len(cts))
	}
	out := make([]float64, 0, len(cts)*slots)
	decoded := make([]float64, slots)
	for i, ct := range cts {
		pt := h.Decryptor.DecryptNew(ct)
		if err := h.Encoder.Decode(pt, decoded); err != nil {
			return nil, fmt.Errorf("decode chunk %d: %w", i, err)
		}
		out = append(out, decoded...)
	}
	return out[:n], nil
}

// Accumulate adds cts into acc slot-wise.
func (k *ServerKit) Accumulate(acc, cts []*rlwe.Ciphertext) error {
	if len(acc) != len(cts) {
		return fmt.Errorf("%w: %d vs %d", ErrLayoutMismatch, len(acc), len(cts))
	}
	for i := range acc {
		if err := k.Evaluator.Add(acc[i], cts[i], acc[i]); err != nil {
			return fmt.Errorf("add chunk %d: %w", i, err)
		}
	}
	return nil
}
