package coordinator

// Levels groups nodes into execution levels. deps[i] lists the nodes node i
// depends on. Each level holds the unplaced nodes whose dependencies all sit
// in earlier levels. When no node qualifies the remaining nodes form a cycle
// and are placed together in one level, so every node is placed exactly once.
// Dependencies outside [0, len(deps)) are ignored.
func Levels(deps [][]int) [][]int {
	n := len(deps)
	placed := make([]bool, n)
	var levels [][]int

	for remaining := n; remaining > 0; {
		var level []int
		for i := 0; i < n; i++ {
			if !placed[i] && ready(deps[i], placed) {
				level = append(level, i)
			}
		}
		if len(level) == 0 {
			for i := 0; i < n; i++ {
				if !placed[i] {
					level = append(level, i)
				}
			}
		}
		for _, i := range level {
			placed[i] = true
		}
		remaining -= len(level)
		levels = append(levels, level)
	}
	return levels
}

func ready(deps []int, placed []bool) bool {
	for _, d := range deps {
		if d >= 0 && d < len(placed) && !placed[d] {
			return false
		}
	}
	return true
}
