// Package abtest assigns workflow instances to experiment variants.
package abtest

import (
	"errors"
	"fmt"
	"hash/fnv"

	"github.com/dukex/nodeflow/pkg/models"
)

var ErrNoVariants = errors.New("experiment has no weighted variants")

type Assigner interface {
	Assign(experiment *models.Experiment, subject string) (models.Variant, error)
}

// HashAssigner picks a variant by hashing the experiment name and subject
// into the cumulative weight range, so a subject always lands on the same
// variant while the weights stay unchanged.
type HashAssigner struct{}

func (HashAssigner) Assign(experiment *models.Experiment, subject string) (models.Variant, error) {
	if experiment == nil {
		return models.Variant{}, ErrNoVariants
	}

	total := 0
	for _, v := range experiment.Variants {
		if v.Weight > 0 {
			total += v.Weight
		}
	}

	if total == 0 {
		return models.Variant{}, fmt.Errorf("%w: %s", ErrNoVariants, experiment.Name)
	}

	h := fnv.New64a()
	_, _ = h.Write([]byte(experiment.Name))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(subject))

	point := int(h.Sum64() % uint64(total))

	for _, v := range experiment.Variants {
		if v.Weight <= 0 {
			continue
		}

		if point < v.Weight {
			return v, nil
		}

		point -= v.Weight
	}

	return models.Variant{}, fmt.Errorf("%w: %s", ErrNoVariants, experiment.Name)
}
