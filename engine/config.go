package engine

// Config holds configuration for engine creation
type Config struct {
	// MemoryLimitPages caps every linear memory, in 64KiB pages.
	// 0 means default (65536 pages = 4GB).
	MemoryLimitPages uint32

	// MaxCallDepth bounds nested guest and host frames of one call.
	// 0 means default (1000).
	MaxCallDepth int

	// Async makes stores created by this engine async: calls run through
	// CallAsync futures and may suspend. Sync Function.Call is not available.
	Async bool

	// ConsumeFuel meters execution. Each executed instruction costs one unit;
	// the budget is checked at function entry and loop headers.
	ConsumeFuel bool

	// EpochInterruption enables epoch deadline checks at the same points.
	EpochInterruption bool
}

const (
	defaultMaxCallDepth = 1000
	defaultMemoryPages  = 65536
)

// DefaultConfig returns the configuration used when nil is passed to NewEngine.
func DefaultConfig() *Config {
	return &Config{
		MemoryLimitPages: defaultMemoryPages,
		MaxCallDepth:     defaultMaxCallDepth,
	}
}

func (c *Config) normalized() Config {
	out := *DefaultConfig()
	if c == nil {
		return out
	}
	out.Async = c.Async
	out.ConsumeFuel = c.ConsumeFuel
	out.EpochInterruption = c.EpochInterruption
	if c.MemoryLimitPages > 0 && c.MemoryLimitPages < defaultMemoryPages {
		out.MemoryLimitPages = c.MemoryLimitPages
	}
	if c.MaxCallDepth > 0 {
		out.MaxCallDepth = c.MaxCallDepth
	}
	return out
}
