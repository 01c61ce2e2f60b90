package arena

// Hit is one pot landing on one employee.
type Hit struct {
	EmployeeID int
	At         int64
}

// Field is a running match: the roster, pots in flight and the score so far.
type Field struct {
	Bounds    Bounds
	Motion    Motion
	Employees []Employee
	Pots      []Projectile
	Score     int
}

func NewField(b Bounds, m Motion, employees []Employee) *Field {
	return &Field{Bounds: b, Motion: m, Employees: employees}
}

// Launcher is where the boss stands: bottom centre.
func (f *Field) Launcher() Point {
	return Point{X: f.Bounds.Width / 2, Y: f.Bounds.Height - 60}
}

// Throw launches a pot from the launcher. It reports false for a throw too weak to leave.
func (f *Field) Throw(target Point, power float64) bool {
	p, ok := Launch(f.Launcher(), target, power)
	if ok {
		f.Pots = append(f.Pots, p)
	}
	return ok
}

// Tick advances every pot one frame at time t and resolves hits. A pot hits at
// most one employee and is spent by it.
func (f *Field) Tick(t int64) []Hit {
	var hits []Hit
	live := f.Pots[:0]
	for _, p := range f.Pots {
		p.Step(f.Bounds)
		if !p.Active {
			continue
		}
		if id, ok := f.hitTest(p.Pos, t); ok {
			e := &f.Employees[id]
			e.Hit = true
			e.HitCount++
			f.Score++
			hits = append(hits, Hit{EmployeeID: e.ID, At: t})
			continue
		}
		live = append(live, p)
	}
	f.Pots = live
	return hits
}

func (f *Field) hitTest(pos Point, t int64) (int, bool) {
	for i, e := range f.Employees {
		if e.Hit {
			continue
		}
		at := e.Position(t, f.Motion)
		head := Point{X: at.X + HeadOffsetX, Y: at.Y + HeadOffsetY}
		if pos.dist2(head) < HitRadius*HitRadius {
			return i, true
		}
	}
	return 0, false
}

func (f *Field) Remaining() int {
	n := 0
	for _, e := range f.Employees {
		if !e.Hit {
			n++
		}
	}
	return n
}

func (f *Field) HitCount() int { return len(f.Employees) - f.Remaining() }

// Cleared reports whether every employee has been hit.
func (f *Field) Cleared() bool { return len(f.Employees) > 0 && f.Remaining() == 0 }

// AimAt is the spot to throw at to reach employee i at time t, ignoring flight time.
func (f *Field) AimAt(i int, t int64) Point {
	at := f.Employees[i].Position(t, f.Motion)
	return Point{X: at.X + HeadOffsetX, Y: at.Y + HeadOffsetY}
}
