package logging

// unwrapper turns 16 bit RTP sequence numbers into a monotonically
// increasing 64 bit counter, tolerating reordering around wrap points.
type unwrapper struct {
	init bool
	last int64
}

func (u *unwrapper) Unwrap(seq uint16) int64 {
	if !u.init {
		u.init = true
		u.last = int64(seq)
		return u.last
	}

	delta := int64(seq) - (u.last & 0xffff)
	switch {
	case delta < -0x8000:
		delta += 0x10000
	case delta > 0x8000:
		delta -= 0x10000
	}
	u.last += delta
	return u.last
}
