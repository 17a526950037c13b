package sourcetable

// reconstructExtendedSeq rebuilds a 32-bit extended sequence number from a
// freshly received 16-bit sequence field and the previously stored
// extended-highest value, per spec.md section 8's round-trip property:
// of the candidates {(e &^ 0xFFFF) | s, +1 cycle, -1 cycle}, pick the one
// minimizing the absolute distance to e; ties favor the higher cycle
// count. A negative cycle candidate is only considered once at least one
// full cycle has elapsed.
func reconstructExtendedSeq(storedHighest uint32, seq uint16) uint32 {
	base := int64(storedHighest) &^ 0xFFFF
	e := int64(storedHighest)

	candidates := []int64{base | int64(seq), base + 0x10000 | int64(seq)}
	if base >= 0x10000 {
		candidates = append(candidates, (base-0x10000)|int64(seq))
	}

	best := candidates[0]
	bestDiff := abs64(best - e)
	for _, c := range candidates[1:] {
		d := abs64(c - e)
		if d < bestDiff || (d == bestDiff && c > best) {
			best = c
			bestDiff = d
		}
	}
	return uint32(best)
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

// rtpTimestampDiff computes the wrap-safe signed difference curr - prev
// between two 32-bit RTP timestamps (spec.md section 4.2 step 4). It
// returns false when the magnitude is too large to disambiguate (>= 2^28),
// in which case the caller must leave jitter unchanged.
func rtpTimestampDiff(curr, prev uint32) (int64, bool) {
	u := uint64(curr - prev)
	complement := (uint64(1) << 32) - u

	mag := u
	sign := int64(1)
	if complement < mag {
		mag = complement
		sign = -1
	}

	if mag >= (uint64(1) << 28) {
		return 0, false
	}
	return sign * int64(mag), true
}
