package physics

import (
	"fmt"
	"math"
)

// Vec2 is a 2D vector of float32 components. All operations return new values.
type Vec2 struct {
	X, Y float32
}

func V(x, y float32) Vec2 { return Vec2{X: x, Y: y} }

func (v Vec2) Add(o Vec2) Vec2 { return Vec2{v.X + o.X, v.Y + o.Y} }

func (v Vec2) Sub(o Vec2) Vec2 { return Vec2{v.X - o.X, v.Y - o.Y} }

// Mul multiplies component-wise. Products are rounded to float32 before they are
// returned so a following Add is never fused into a single multiply-add.
func (v Vec2) Mul(o Vec2) Vec2 { return Vec2{float32(v.X * o.X), float32(v.Y * o.Y)} }

// Div divides component-wise. Division by a zero component follows IEEE 754.
func (v Vec2) Div(o Vec2) Vec2 { return Vec2{v.X / o.X, v.Y / o.Y} }

// AddScalar adds k to both components.
func (v Vec2) AddScalar(k float32) Vec2 { return Vec2{v.X + k, v.Y + k} }

func (v Vec2) SubScalar(k float32) Vec2 { return Vec2{v.X - k, v.Y - k} }

// DivScalar divides both components by k. Division by zero follows IEEE 754.
func (v Vec2) DivScalar(k float32) Vec2 { return Vec2{v.X / k, v.Y / k} }

func (v Vec2) Scale(k float32) Vec2 { return Vec2{float32(v.X * k), float32(v.Y * k)} }

func (v Vec2) ScaleXY(kx, ky float32) Vec2 { return Vec2{float32(v.X * kx), float32(v.Y * ky)} }

func (v Vec2) Dot(o Vec2) float32 { return v.X*o.X + v.Y*o.Y }

// Cross returns the z component of the 3D cross product of v and o.
func (v Vec2) Cross(o Vec2) float32 { return v.X*o.Y - v.Y*o.X }

func (v Vec2) LengthSquared() float32 { return v.Dot(v) }

func (v Vec2) Length() float32 {
	return float32(math.Hypot(float64(v.X), float64(v.Y)))
}

// Normalize returns the unit vector in v's direction, or the zero vector for zero length.
func (v Vec2) Normalize() Vec2 {
	l := v.Length()
	if l == 0 {
		return Vec2{}
	}
	return Vec2{v.X / l, v.Y / l}
}

func (v Vec2) IsZero() bool { return v.X == 0 && v.Y == 0 }

func (v Vec2) String() string {
	return fmt.Sprintf("(%g, %g)", v.X, v.Y)
}
