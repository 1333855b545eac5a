package tap

import "fmt"

type routeConfig struct {
	pause      bool
	pauseDwell int
}

// RouteOption adjusts how Route picks a path.
type RouteOption func(*routeConfig)

// WithPause forces the route through the PAUSE state of the scan column that
// contains the target (or the source, when the target is outside both
// columns). dwell is the number of extra TMS=0 clocks spent in PAUSE.
func WithPause(dwell int) RouteOption {
	return func(c *routeConfig) {
		c.pause = true
		if dwell > 0 {
			c.pauseDwell = dwell
		}
	}
}

// Route computes the minimal TMS sequence that moves the controller from one
// state to another. Paths out of Test-Logic-Reset always pass Run-Test/Idle,
// and the IR and DR columns are mirror images, both of which fall out of the
// breadth-first search over the table.
func Route(from, to State, opts ...RouteOption) (Sequence, error) {
	var cfg routeConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	if !cfg.pause {
		return computePath(from, to)
	}

	pause := StatePauseDR
	switch {
	case to.IsIR():
		pause = StatePauseIR
	case to.IsDR():
		pause = StatePauseDR
	case from.IsIR():
		pause = StatePauseIR
	}

	first, err := computePath(from, pause)
	if err != nil {
		return Sequence{}, err
	}
	for i := 0; i < cfg.pauseDwell; i++ {
		first.TMS = append(first.TMS, false)
		first.States = append(first.States, pause)
	}
	second, err := computePath(pause, to)
	if err != nil {
		return Sequence{}, err
	}
	first.TMS = append(first.TMS, second.TMS...)
	first.States = append(first.States, second.States[1:]...)
	return first, nil
}

// computePath uses BFS across the TAP state diagram to find the shortest set of
// transitions between two states.
func computePath(from, to State) (Sequence, error) {
	if !from.Valid() {
		return Sequence{}, fmt.Errorf("tap: invalid start state %d", from)
	}
	if !to.Valid() {
		return Sequence{}, fmt.Errorf("tap: invalid target state %d", to)
	}
	if from == to {
		return Sequence{States: []State{from}}, nil
	}

	type node struct {
		state  State
		tms    []bool
		states []State
	}

	queue := []node{{
		state:  from,
		states: []State{from},
	}}
	var visited [NumStates]bool
	visited[from] = true

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]

		for _, bit := range [2]bool{false, true} {
			next := NextState(current.state, bit)
			if visited[next] {
				continue
			}

			newTMS := append(append([]bool{}, current.tms...), bit)
			newStates := append(append([]State{}, current.states...), next)

			if next == to {
				return Sequence{
					TMS:    newTMS,
					States: newStates,
				}, nil
			}

			visited[next] = true
			queue = append(queue, node{
				state:  next,
				tms:    newTMS,
				states: newStates,
			})
		}
	}

	return Sequence{}, fmt.Errorf("tap: no path from %s to %s", from, to)
}
