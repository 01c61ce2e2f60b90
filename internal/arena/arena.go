// Package arena is the local game played inside one client: employees wobbling
// on screen and coffee pots thrown at them. Nothing here is shared between
// players; only the resulting score is mirrored into the game record.
package arena

import (
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"github.com/saksicipatron/patron-server/internal/engine"
)

const (
	MinSpacing   = 120.0
	PlaceRetries = 50

	FullCharge = 1500 * time.Millisecond
	MinPower   = 0.05

	BaseSpeed  = 12.0
	PowerSpeed = 18.0
	Gravity    = 0.3
	TrailLen   = 5

	// A pot hits when it comes within HitRadius of an employee's head.
	HitRadius   = 30.0
	HeadOffsetX = 40.0
	HeadOffsetY = 20.0

	// Pots are dropped this far past the left, right or bottom edge.
	edgeSlack = 50.0
)

type Point struct {
	X, Y float64
}

func (p Point) dist2(q Point) float64 {
	dx, dy := p.X-q.X, p.Y-q.Y
	return dx*dx + dy*dy
}

type Bounds struct {
	Width, Height float64
}

// Motion is how far and how fast employees wobble.
type Motion struct {
	Range float64
	Speed float64 // radians per millisecond
}

func DifficultyMotion(d engine.Difficulty) Motion {
	switch d {
	case engine.DifficultyEasy:
		return Motion{Range: 8, Speed: 0.0005}
	case engine.DifficultyHard:
		return Motion{Range: 30, Speed: 0.0025}
	default:
		return Motion{Range: 12, Speed: 0.0008}
	}
}

type Employee struct {
	ID       int
	Name     string
	Base     Point
	Hit      bool
	HitCount int
}

// Position is where the employee stands at t millis. Hit employees stand still.
func (e Employee) Position(t int64, m Motion) Point {
	if e.Hit {
		return e.Base
	}
	phase := float64(t) * m.Speed
	return Point{
		X: e.Base.X + math.Sin(phase+float64(e.ID))*m.Range,
		Y: e.Base.Y + math.Cos(phase*0.6+float64(e.ID))*m.Range*0.6,
	}
}

// Roster places count employees at random spots kept MinSpacing apart where
// possible. Missing names become "Çalışan N".
func Roster(names []string, count int, b Bounds, rng *rand.Rand) []Employee {
	count = min(max(count, 0), engine.MaxEmployees)
	out := make([]Employee, 0, count)
	for i := range count {
		var p Point
		for attempt := 0; attempt < PlaceRetries; attempt++ {
			p = Point{
				X: rng.Float64()*(b.Width-200) + 100,
				Y: rng.Float64()*(b.Height-300) + 100,
			}
			if spaced(p, out) {
				break
			}
		}
		name := fmt.Sprintf("Çalışan %d", i+1)
		if i < len(names) && names[i] != "" {
			name = names[i]
		}
		out = append(out, Employee{ID: i, Name: name, Base: p})
	}
	return out
}

func spaced(p Point, placed []Employee) bool {
	for _, e := range placed {
		if p.dist2(e.Base) < MinSpacing*MinSpacing {
			return false
		}
	}
	return true
}

// Charge is the throw power after holding for elapsed, in [0, 1].
func Charge(elapsed time.Duration) float64 {
	if elapsed <= 0 {
		return 0
	}
	return min(float64(elapsed)/float64(FullCharge), 1)
}

type Projectile struct {
	Pos    Point
	VX, VY float64
	Active bool
	Trail  []Point
}

// Launch throws from toward target. ok is false when power is too weak to throw.
func Launch(from, target Point, power float64) (Projectile, bool) {
	if power < MinPower {
		return Projectile{}, false
	}
	angle := math.Atan2(target.Y-from.Y, target.X-from.X)
	speed := BaseSpeed + power*PowerSpeed
	return Projectile{
		Pos:    from,
		VX:     math.Cos(angle) * speed,
		VY:     math.Sin(angle) * speed,
		Active: true,
	}, true
}

// Step advances one frame and deactivates the pot once it leaves b.
func (p *Projectile) Step(b Bounds) {
	if !p.Active {
		return
	}
	prev := p.Pos
	p.Pos.X += p.VX
	p.Pos.Y += p.VY
	p.VY += Gravity

	p.Trail = append([]Point{prev}, p.Trail...)
	if len(p.Trail) > TrailLen {
		p.Trail = p.Trail[:TrailLen]
	}

	if p.Pos.X < -edgeSlack || p.Pos.X > b.Width+edgeSlack || p.Pos.Y > b.Height+edgeSlack {
		p.Active = false
	}
}
