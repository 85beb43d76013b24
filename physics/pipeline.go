package physics

import (
	"fmt"
	"math/rand/v2"

	ecs "github.com/DangerosoDavo/ecsim"
)

const (
	StageAttract ecs.StageID = "attract"
	StageReact   ecs.StageID = "react"
	StageMove    ecs.StageID = "move"
	StageReset   ecs.StageID = "reset"
)

type installConfig struct {
	gain       *float32
	resetForce bool
	policy     ecs.ErrorPolicy
}

// InstallOption tunes Install.
type InstallOption func(*installConfig)

// WithGain sets the attraction gain used when the world has no GainResource.
func WithGain(k float32) InstallOption {
	return func(c *installConfig) { c.gain = &k }
}

// WithForceReset adds a stage after move that zeroes every Force, turning Force into a
// per-tick value instead of a running total.
func WithForceReset() InstallOption {
	return func(c *installConfig) { c.resetForce = true }
}

// WithErrorPolicy applies policy to every physics stage.
func WithErrorPolicy(policy ecs.ErrorPolicy) InstallOption {
	return func(c *installConfig) { c.policy = policy }
}

// Install registers the physics components on the scheduler's world and the stage chain
// attract -> react -> move (-> reset).
func Install(s ecs.Scheduler, opts ...InstallOption) error {
	if s == nil {
		return fmt.Errorf("physics: nil scheduler")
	}
	cfg := installConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	if err := RegisterComponents(s.World()); err != nil {
		return err
	}

	stages := []ecs.StageConfig{
		{ID: StageAttract, Priority: 0, Systems: []ecs.System{AttractSystem{Gain: cfg.gain}}},
		{ID: StageReact, Priority: 1, After: []ecs.StageID{StageAttract}, Systems: []ecs.System{ReactSystem{}}},
		{ID: StageMove, Priority: 2, After: []ecs.StageID{StageReact}, Systems: []ecs.System{MoveSystem{}}},
	}
	if cfg.resetForce {
		stages = append(stages, ecs.StageConfig{
			ID: StageReset, Priority: 3, After: []ecs.StageID{StageMove}, Systems: []ecs.System{ResetForceSystem{}},
		})
	}
	for _, stage := range stages {
		stage.ErrorPolicy = cfg.policy
		if _, err := s.RegisterStage(stage); err != nil {
			return fmt.Errorf("physics: %w", err)
		}
	}
	return nil
}

// Body describes one simulated entity.
type Body struct {
	Position   Vec2
	Velocity   Vec2
	Force      Vec2
	Attraction *Vec2
	Hidden     bool
}

// Spawn creates an entity carrying the body's components.
func Spawn(w *ecs.World, body Body) (ecs.EntityID, error) {
	b := w.NewEntity().
		With(PositionType, Position{body.Position}).
		With(VelocityType, Velocity{body.Velocity}).
		With(ForceType, Force{body.Force})
	if body.Attraction != nil {
		b = b.With(AttractionType, AttractionPoint{*body.Attraction})
	}
	if !body.Hidden {
		b = b.With(DrawableType, Drawable{})
	}
	return b.Spawn()
}

type swarmConfig struct {
	attractor *Vec2
	attracted int
}

// SwarmOption tunes SpawnSwarm.
type SwarmOption func(*swarmConfig)

// AttractedTo attaches point to the first n spawned entities; n <= 0 means all of them.
func AttractedTo(point Vec2, n int) SwarmOption {
	return func(c *swarmConfig) {
		p := point
		c.attractor = &p
		c.attracted = n
	}
}

// SpawnSwarm creates n drawable entities at the origin with zero force and a velocity
// drawn uniformly from [0,1) on each axis.
func SpawnSwarm(w *ecs.World, n int, rnd *rand.Rand, opts ...SwarmOption) ([]ecs.EntityID, error) {
	if n < 0 {
		return nil, fmt.Errorf("physics: negative swarm size %d", n)
	}
	if rnd == nil {
		rnd = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	cfg := swarmConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}

	ids := make([]ecs.EntityID, 0, n)
	for i := 0; i < n; i++ {
		body := Body{Velocity: V(rnd.Float32(), rnd.Float32())}
		if cfg.attractor != nil && (cfg.attracted <= 0 || i < cfg.attracted) {
			body.Attraction = cfg.attractor
		}
		id, err := Spawn(w, body)
		if err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Drawn is one entity as the renderer sees it.
type Drawn struct {
	Entity   ecs.EntityID
	Position Vec2
	Velocity Vec2
}

// DrawablePositions returns every drawable entity that has a position, in entity order.
// It only takes shared guards and never writes to a store.
func DrawablePositions(w *ecs.World) ([]Drawn, error) {
	var out []Drawn
	types := []ecs.ComponentType{PositionType, DrawableType, VelocityType}
	err := w.WithRead(types, func(b *ecs.Borrow) error {
		pos, err := ecs.Read[Position](b, PositionType)
		if err != nil {
			return err
		}
		drawable, err := ecs.Read[Drawable](b, DrawableType)
		if err != nil {
			return err
		}
		vel, err := ecs.Read[Velocity](b, VelocityType)
		if err != nil {
			return err
		}
		out = make([]Drawn, 0, drawable.Len())
		return ecs.Join2[Position, Drawable](pos, drawable, func(id ecs.EntityID, p *Position, _ *Drawable) bool {
			v, _ := vel.Get(id)
			out = append(out, Drawn{Entity: id, Position: p.Vec2, Velocity: v.Vec2})
			return true
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Centroid is the mean position of bodies, or the origin when there are none.
func Centroid(bodies []Drawn) Vec2 {
	if len(bodies) == 0 {
		return Vec2{}
	}
	var sum Vec2
	for _, b := range bodies {
		sum = sum.Add(b.Position)
	}
	return sum.DivScalar(float32(len(bodies)))
}
