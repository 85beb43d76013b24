package physics

import (
	"errors"
	"fmt"

	ecs "github.com/DangerosoDavo/ecsim"
	"github.com/DangerosoDavo/ecsim/ecs/storage"
)

const (
	PositionType   ecs.ComponentType = "position"
	VelocityType   ecs.ComponentType = "velocity"
	ForceType      ecs.ComponentType = "force"
	AttractionType ecs.ComponentType = "attraction"
	DrawableType   ecs.ComponentType = "drawable"
)

// GainResource names the world resource holding the attraction gain as a float32.
const GainResource = "physics.gain"

// DefaultGain scales the attraction force when no GainResource is set.
const DefaultGain float32 = 0.1

type Position struct{ Vec2 }

type Velocity struct{ Vec2 }

// Force accumulates across ticks. It is only zeroed when the pipeline is installed
// WithForceReset.
type Force struct{ Vec2 }

// AttractionPoint is the location an entity is pulled toward.
type AttractionPoint struct{ Vec2 }

// Drawable marks entities the renderer shows.
type Drawable struct{}

type componentEntry struct {
	register func(*ecs.World) error
	t        ecs.ComponentType
}

func entry[T any](t ecs.ComponentType, strategy ecs.StorageStrategy) componentEntry {
	return componentEntry{
		t: t,
		register: func(w *ecs.World) error {
			return ecs.Register[T](w, t, strategy)
		},
	}
}

// RegisterComponents registers every physics component type on w. Types already
// registered are left alone, so it is safe to call more than once.
func RegisterComponents(w *ecs.World) error {
	if w == nil {
		return fmt.Errorf("physics: nil world")
	}
	entries := []componentEntry{
		entry[Position](PositionType, storage.NewDenseStrategy()),
		entry[Velocity](VelocityType, storage.NewDenseStrategy()),
		entry[Force](ForceType, storage.NewDenseStrategy()),
		entry[AttractionPoint](AttractionType, storage.NewSharedStrategy()),
		entry[Drawable](DrawableType, storage.NewSharedStrategy()),
	}
	for _, s := range entries {
		if err := s.register(w); err != nil {
			if errors.Is(err, ecs.ErrComponentAlreadyRegistered) {
				continue
			}
			return fmt.Errorf("physics: register %s: %w", s.t, err)
		}
	}
	return nil
}
