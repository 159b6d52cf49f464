package sliceops

// SwapBuf returns a reversed copy of in; in is left untouched.
func SwapBuf(in []byte) []byte {
	out := make([]byte, len(in))
	for i, v := range in {
		out[len(in)-1-i] = v
	}
	return out
}
