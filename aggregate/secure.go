package aggregate

import (
	"fmt"

	"fedpara_lib/core/ckkswrapper"
	"fedpara_lib/params"

	"github.com/tuneinsight/lattigo/v6/core/rlwe"
	"gonum.org/v1/gonum/floats"
)

// SecureFedAvg computes the same mean as FedAvg, but each client's weighted
// bundle is encrypted before it leaves the client and the server only adds
// ciphertexts. The key holder decrypts the sum alone.
type SecureFedAvg struct {
	he  *ckkswrapper.HeContext
	kit *ckkswrapper.ServerKit
}

func NewSecureFedAvg(he *ckkswrapper.HeContext) *SecureFedAvg {
	return &SecureFedAvg{he: he, kit: he.GenServerKit()}
}

func (s *SecureFedAvg) Aggregate(updates []Update) (*params.Bundle, error) {
	w, err := weights(updates)
	if err != nil {
		return nil, err
	}
	n := updates[0].Params.NumValues()

	var acc []*rlwe.Ciphertext
	for i, u := range updates {
		cts, err := s.encryptUpdate(u, w[i])
		if err != nil {
			return nil, fmt.Errorf("client %d: %w", u.ClientID, err)
		}
		if acc == nil {
			acc = cts
			continue
		}
		if err := s.kit.Accumulate(acc, cts); err != nil {
			return nil, fmt.Errorf("client %d: %w", u.ClientID, err)
		}
	}

	sum, err := s.he.DecryptVector(acc, n)
	if err != nil {
		return nil, err
	}
	return updates[0].Params.Unflatten(sum)
}

// encryptUpdate is the client side: scale by the public weight, then encrypt.
func (s *SecureFedAvg) encryptUpdate(u Update, weight float64) ([]*rlwe.Ciphertext, error) {
	flat := u.Params.Flatten()
	floats.Scale(weight, flat)
	return s.he.EncryptVector(flat)
}
