package physics

import (
	"context"

	ecs "github.com/DangerosoDavo/ecsim"
)

// AttractSystem pulls every entity that has a Force, a Position and an AttractionPoint
// toward that point: Force += (Position - AttractionPoint) * k.
//
// k is the world resource GainResource when set, else *Gain, else DefaultGain. A zero
// gain is honoured and turns attraction off.
type AttractSystem struct {
	Gain *float32
}

func (AttractSystem) Descriptor() ecs.SystemDescriptor {
	return ecs.SystemDescriptor{
		Name:      "physics.attract",
		Reads:     []ecs.ComponentType{PositionType, AttractionType},
		Writes:    []ecs.ComponentType{ForceType},
		Resources: []ecs.ResourceAccess{{Name: GainResource, Mode: ecs.AccessModeRead}},
		Tags:      []string{"physics"},
	}
}

func (s AttractSystem) Run(_ context.Context, exec ecs.ExecutionContext) ecs.SystemResult {
	b := exec.Borrow()
	force, err := ecs.Write[Force](b, ForceType)
	if err != nil {
		return ecs.SystemResult{Err: err}
	}
	pos, err := ecs.Read[Position](b, PositionType)
	if err != nil {
		return ecs.SystemResult{Err: err}
	}
	attr, err := ecs.Read[AttractionPoint](b, AttractionType)
	if err != nil {
		return ecs.SystemResult{Err: err}
	}
	if attr.Len() == 0 {
		return ecs.SystemResult{Skipped: true}
	}

	k := s.gain(exec.World())
	err = ecs.Join3[Force, Position, AttractionPoint](force, pos, attr, func(_ ecs.EntityID, f *Force, p *Position, a *AttractionPoint) bool {
		f.Vec2 = f.Add(p.Sub(a.Vec2).Scale(k))
		return true
	})
	return ecs.SystemResult{Err: err}
}

func (s AttractSystem) gain(w *ecs.World) float32 {
	if w != nil {
		if k, ok := ecs.Resource[float32](w.Resources(), GainResource); ok {
			return k
		}
	}
	if s.Gain != nil {
		return *s.Gain
	}
	return DefaultGain
}

// ReactSystem applies the accumulated force: Velocity += Force.
type ReactSystem struct{}

func (ReactSystem) Descriptor() ecs.SystemDescriptor {
	return ecs.SystemDescriptor{
		Name:   "physics.react",
		Reads:  []ecs.ComponentType{ForceType},
		Writes: []ecs.ComponentType{VelocityType},
		Tags:   []string{"physics"},
	}
}

func (ReactSystem) Run(_ context.Context, exec ecs.ExecutionContext) ecs.SystemResult {
	b := exec.Borrow()
	vel, err := ecs.Write[Velocity](b, VelocityType)
	if err != nil {
		return ecs.SystemResult{Err: err}
	}
	force, err := ecs.Read[Force](b, ForceType)
	if err != nil {
		return ecs.SystemResult{Err: err}
	}
	err = ecs.Join2[Velocity, Force](vel, force, func(_ ecs.EntityID, v *Velocity, f *Force) bool {
		v.Vec2 = v.Add(f.Vec2)
		return true
	})
	return ecs.SystemResult{Err: err}
}

// MoveSystem integrates velocity: Position += Velocity.
type MoveSystem struct{}

func (MoveSystem) Descriptor() ecs.SystemDescriptor {
	return ecs.SystemDescriptor{
		Name:   "physics.move",
		Reads:  []ecs.ComponentType{VelocityType},
		Writes: []ecs.ComponentType{PositionType},
		Tags:   []string{"physics"},
	}
}

func (MoveSystem) Run(_ context.Context, exec ecs.ExecutionContext) ecs.SystemResult {
	b := exec.Borrow()
	pos, err := ecs.Write[Position](b, PositionType)
	if err != nil {
		return ecs.SystemResult{Err: err}
	}
	vel, err := ecs.Read[Velocity](b, VelocityType)
	if err != nil {
		return ecs.SystemResult{Err: err}
	}
	err = ecs.Join2[Position, Velocity](pos, vel, func(_ ecs.EntityID, p *Position, v *Velocity) bool {
		p.Vec2 = p.Add(v.Vec2)
		return true
	})
	return ecs.SystemResult{Err: err}
}

// ResetForceSystem zeroes every Force. It only runs when the pipeline is installed
// WithForceReset.
type ResetForceSystem struct{}

func (ResetForceSystem) Descriptor() ecs.SystemDescriptor {
	return ecs.SystemDescriptor{
		Name:   "physics.reset_force",
		Writes: []ecs.ComponentType{ForceType},
		Tags:   []string{"physics"},
	}
}

func (ResetForceSystem) Run(_ context.Context, exec ecs.ExecutionContext) ecs.SystemResult {
	force, err := ecs.Write[Force](exec.Borrow(), ForceType)
	if err != nil {
		return ecs.SystemResult{Err: err}
	}
	err = force.Each(func(_ ecs.EntityID, f *Force) bool {
		f.Vec2 = Vec2{}
		return true
	})
	return ecs.SystemResult{Err: err}
}

var (
	_ ecs.System = AttractSystem{}
	_ ecs.System = ReactSystem{}
	_ ecs.System = MoveSystem{}
	_ ecs.System = ResetForceSystem{}
)
