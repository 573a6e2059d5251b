package echo

import "math/rand"

// seededSource is the buffer's replayable randomness. It counts raw draws so
// a checkpoint can record the stream position and Restore can fast-forward a
// fresh source to it.
type seededSource struct {
	seed  int64
	src   rand.Source64
	draws uint64
}

func newSeededSource(seed int64) *seededSource {
	return &seededSource{
		seed: seed,
		src:  rand.NewSource(seed).(rand.Source64),
	}
}

func (s *seededSource) intn(n int) int {
	s.draws++
	return int(s.src.Uint64() % uint64(n))
}

func (s *seededSource) fastForward(draws uint64) {
	s.src = rand.NewSource(s.seed).(rand.Source64)
	s.draws = 0
	for s.draws < draws {
		s.draws++
		s.src.Uint64()
	}
}
