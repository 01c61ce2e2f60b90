package arena

import (
	"math"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saksicipatron/patron-server/internal/engine"
)

func TestDifficultyMotion(t *testing.T) {
	tests := []struct {
		d    engine.Difficulty
		want Motion
	}{
		{engine.DifficultyEasy, Motion{Range: 8, Speed: 0.0005}},
		{engine.DifficultyMedium, Motion{Range: 12, Speed: 0.0008}},
		{engine.DifficultyHard, Motion{Range: 30, Speed: 0.0025}},
		{"unknown", Motion{Range: 12, Speed: 0.0008}},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, DifficultyMotion(tt.d), tt.d)
	}
}

func TestCharge(t *testing.T) {
	assert.Zero(t, Charge(0))
	assert.InDelta(t, 0.5, Charge(750*time.Millisecond), 1e-9)
	assert.Equal(t, 1.0, Charge(FullCharge))
	assert.Equal(t, 1.0, Charge(5*time.Second))
}

func TestLaunch(t *testing.T) {
	_, ok := Launch(Point{}, Point{X: 10}, 0.04)
	assert.False(t, ok, "weak throws are discarded")

	p, ok := Launch(Point{X: 0, Y: 0}, Point{X: 10, Y: 0}, 1)
	require.True(t, ok)
	assert.InDelta(t, BaseSpeed+PowerSpeed, p.VX, 1e-9)
	assert.InDelta(t, 0, p.VY, 1e-9)
	assert.True(t, p.Active)
}

func TestProjectileStep(t *testing.T) {
	b := Bounds{Width: 800, Height: 600}
	p := Projectile{Pos: Point{X: 100, Y: 100}, VX: 2, VY: -3, Active: true}

	p.Step(b)
	assert.Equal(t, Point{X: 102, Y: 97}, p.Pos)
	assert.InDelta(t, -3+Gravity, p.VY, 1e-9)
	assert.Equal(t, []Point{{X: 100, Y: 100}}, p.Trail)

	for range 10 {
		p.Step(b)
	}
	assert.Len(t, p.Trail, TrailLen)

	out := Projectile{Pos: Point{X: 849, Y: 100}, VX: 2, Active: true}
	out.Step(b)
	assert.False(t, out.Active)
}

func TestRoster(t *testing.T) {
	b := Bounds{Width: 1280, Height: 800}
	rng := rand.New(rand.NewPCG(1, 2))

	r := Roster([]string{"Ahmet", "Cemre"}, 4, b, rng)
	require.Len(t, r, 4)
	assert.Equal(t, "Ahmet", r[0].Name)
	assert.Equal(t, "Cemre", r[1].Name)
	assert.Equal(t, "Çalışan 3", r[2].Name)
	for i, e := range r {
		assert.Equal(t, i, e.ID)
		assert.GreaterOrEqual(t, e.Base.X, 100.0)
		assert.LessOrEqual(t, e.Base.X, b.Width-100)
		assert.GreaterOrEqual(t, e.Base.Y, 100.0)
		assert.LessOrEqual(t, e.Base.Y, b.Height-200)
	}

	assert.Len(t, Roster(nil, 50, b, rng), engine.MaxEmployees)
}

func TestEmployeePosition(t *testing.T) {
	e := Employee{ID: 0, Base: Point{X: 200, Y: 200}}
	m := Motion{Range: 10, Speed: 0.001}

	p := e.Position(0, m)
	assert.InDelta(t, 200, p.X, 1e-9)
	assert.InDelta(t, 206, p.Y, 1e-9)

	moved := e.Position(int64(math.Pi/2/m.Speed), m)
	assert.InDelta(t, 210, moved.X, 1e-4)

	e.Hit = true
	assert.Equal(t, e.Base, e.Position(12345, m))
}

func TestFieldTick_Hit(t *testing.T) {
	f := NewField(Bounds{Width: 800, Height: 600}, Motion{}, []Employee{
		{ID: 0, Name: "Ahmet", Base: Point{X: 100, Y: 100}},
		{ID: 1, Name: "Cemre", Base: Point{X: 500, Y: 100}},
	})
	f.Pots = []Projectile{{Pos: Point{X: 139, Y: 120}, VX: 1, Active: true}}

	hits := f.Tick(1000)
	require.Len(t, hits, 1)
	assert.Equal(t, Hit{EmployeeID: 0, At: 1000}, hits[0])
	assert.Empty(t, f.Pots, "a pot is spent by its hit")
	assert.Equal(t, 1, f.Score)
	assert.Equal(t, 1, f.HitCount())
	assert.False(t, f.Cleared())
	assert.True(t, f.Employees[0].Hit)
}

func TestFieldThrow(t *testing.T) {
	f := NewField(Bounds{Width: 800, Height: 600}, Motion{}, Roster(nil, 1, Bounds{Width: 800, Height: 600}, rand.New(rand.NewPCG(3, 4))))
	assert.False(t, f.Throw(Point{X: 400, Y: 100}, 0.01))
	assert.True(t, f.Throw(f.AimAt(0, 0), 1))
	assert.Len(t, f.Pots, 1)
	assert.Equal(t, f.Launcher(), f.Pots[0].Pos)
}
