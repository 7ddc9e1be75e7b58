package sequence

// Before reports whether a comes before b on a wrapping 32-bit counter. It
// holds while the two are less than 2^31 apart.
func Before(a, b uint32) bool { return int32(a-b) < 0 }

// Distance is how far b is ahead of a, negative when it is behind.
func Distance(a, b uint32) int32 { return int32(b - a) }
