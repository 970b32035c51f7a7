package model

import (
	"fmt"

	"golang.org/x/exp/rand"
)

// Config selects an architecture and carries its settings.
type Config struct {
	Kind Kind
	FC   FCConfig
	VGG  VGGConfig
}

// New builds the configured model.
func New(cfg Config, src rand.Source) (Model, error) {
	switch cfg.Kind {
	case KindFC:
		return NewFC(cfg.FC, src)
	case KindVGG:
		return NewVGG(cfg.VGG, src)
	}
	return nil, fmt.Errorf("%w: %d", ErrUnknownModel, cfg.Kind)
}
