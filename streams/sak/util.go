package sak

// Max returns the larger of a and b, mirroring the teacher's sak.Max helper
// (see partition_worker.go's sak.Max(eosConfig.MaxBatchSize/10, 100)).
func Max[T int | int32 | int64](a, b T) T {
	if a > b {
		return a
	}
	return b
}

// ToPtrSlice returns a slice of pointers into a fresh copy of each element
// of s, mirroring the teacher's sak.ToPtrSlice helper.
func ToPtrSlice[T any](s []T) []*T {
	out := make([]*T, len(s))
	for i := range s {
		v := s[i]
		out[i] = &v
	}
	return out
}
