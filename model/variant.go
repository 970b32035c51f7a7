// Package model builds the FC and VGG networks used by FedPara and defines
// which of their parameters are exchanged with the aggregator.
//
// Bundle schema (tensor paths of StateBundle):
//
//	FC, lowrank:   fc1.w1.X fc1.w1.Y fc1.w2.X fc1.w2.Y fc1.bias fc2.<same>
//	FC, standard:  fc1.weight fc1.bias fc2.weight fc2.bias
//	VGG, lowrank:  features.<i>.W1.T|X|Y features.<i>.W2.T|X|Y features.<i>.bias
//	VGG, standard: features.<i>.weight features.<i>.bias
//	VGG, both:     features.<i+1>.weight|bias (GroupNorm) classifier.<j>.weight|bias
//
// <i> and <j> are positions in the feature and classifier stacks; the
// classifier linears sit at 1, 4 and 6.
package model

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrUnknownParamType = errors.New("unknown param type")
	ErrUnknownConvType  = errors.New("unknown conv type")
	ErrUnknownMethod    = errors.New("unknown personalization method")
	ErrUnknownModel     = errors.New("unknown model")
)

// ParamType selects dense or factorized fully-connected layers.
type ParamType int

const (
	ParamStandard ParamType = iota
	ParamLowRank
)

func ParseParamType(s string) (ParamType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "standard":
		return ParamStandard, nil
	case "lowrank":
		return ParamLowRank, nil
	}
	return 0, fmt.Errorf("%w: %q (want standard or lowrank)", ErrUnknownParamType, s)
}

func (p ParamType) String() string {
	if p == ParamLowRank {
		return "lowrank"
	}
	return "standard"
}

// ConvType selects dense or factorized convolutions.
type ConvType int

const (
	ConvStandard ConvType = iota
	ConvLowRank
)

func ParseConvType(s string) (ConvType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "standard":
		return ConvStandard, nil
	case "lowrank":
		return ConvLowRank, nil
	}
	return 0, fmt.Errorf("%w: %q (want standard or lowrank)", ErrUnknownConvType, s)
}

func (c ConvType) String() string {
	if c == ConvLowRank {
		return "lowrank"
	}
	return "standard"
}

// Method is the parameter-exchange scheme between clients and aggregator.
type Method int

const (
	// MethodFedAvg exchanges the full state.
	MethodFedAvg Method = iota
	// MethodPFedPara exchanges only the W1 factors of each low-rank layer.
	MethodPFedPara
	// MethodFedPer exchanges only the classifier head.
	MethodFedPer
)

func ParseMethod(s string) (Method, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "fedavg":
		return MethodFedAvg, nil
	case "pfedpara":
		return MethodPFedPara, nil
	case "fedper":
		return MethodFedPer, nil
	}
	return 0, fmt.Errorf("%w: %q (want fedavg, pfedpara or fedper)", ErrUnknownMethod, s)
}

func (m Method) String() string {
	switch m {
	case MethodPFedPara:
		return "pfedpara"
	case MethodFedPer:
		return "fedper"
	}
	return "fedavg"
}

// Kind names a network architecture.
type Kind int

const (
	KindFC Kind = iota
	KindVGG
)

func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "fc", "mlp":
		return KindFC, nil
	case "vgg", "vgg16":
		return KindVGG, nil
	}
	return 0, fmt.Errorf("%w: %q (want fc or vgg)", ErrUnknownModel, s)
}

func (k Kind) String() string {
	if k == KindVGG {
		return "vgg"
	}
	return "fc"
}
