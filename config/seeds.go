package config

import "math/rand"

// Seeds holds one seed per random consumer. Each consumer owns its own
// *rand.Rand so that adding draws in one place never shifts another.
type Seeds struct {
	Shuffle      int64
	Augmentation int64
	Init         int64
	Dropout      int64
}

// Seeds derives the per-consumer seeds from the configured master seed.
func (c *Config) Seeds() Seeds {
	master := rand.New(rand.NewSource(c.Seed))
	return Seeds{
		Shuffle:      master.Int63(),
		Augmentation: master.Int63(),
		Init:         master.Int63(),
		Dropout:      master.Int63(),
	}
}

// NewRand returns a generator seeded with seed.
func NewRand(seed int64) *rand.Rand {
	return rand.New(rand.NewSource(seed))
}
