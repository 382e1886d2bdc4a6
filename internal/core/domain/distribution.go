package domain

// SplitEven spreads total over the given availabilities: an even share per
// unit with the remainder going to the first units in order, capped at each
// unit's availability. Whatever a full unit cannot take is spread again over
// the units that still have room. The caller must have checked that the
// availabilities cover total.
func SplitEven(total int, available []int) []int {
	out := make([]int, len(available))
	room := make([]int, len(available))
	copy(room, available)

	remaining := total
	for remaining > 0 {
		open := make([]int, 0, len(room))
		for i, r := range room {
			if r > 0 {
				open = append(open, i)
			}
		}
		if len(open) == 0 {
			break
		}
		share, extra := remaining/len(open), remaining%len(open)
		for n, i := range open {
			give := share
			if n < extra {
				give++
			}
			if give > room[i] {
				give = room[i]
			}
			out[i] += give
			room[i] -= give
			remaining -= give
		}
	}
	return out
}

// SplitProportional spreads total in proportion to weights. Shares are floored
// and the remainder goes one by one to the first units with a non-zero weight.
// With an all-zero weight vector everything lands on the first unit.
func SplitProportional(total int, weights []int) []int {
	out := make([]int, len(weights))
	if len(weights) == 0 || total == 0 {
		return out
	}
	sum := 0
	for _, w := range weights {
		sum += w
	}
	if sum == 0 {
		out[0] = total
		return out
	}
	assigned := 0
	for i, w := range weights {
		out[i] = total * w / sum
		assigned += out[i]
	}
	for i := 0; assigned < total; i = (i + 1) % len(weights) {
		if weights[i] == 0 {
			continue
		}
		out[i]++
		assigned++
	}
	return out
}
