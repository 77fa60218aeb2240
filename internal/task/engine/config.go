package engine

import "time"

// Config sizes the dispatch pool. The app maps config.task_engine into it.
type Config struct {
	Workers   int
	QueueSize int

	// DefaultTimeout bounds one attempt when Task.Timeout is unset.
	DefaultTimeout time.Duration
	// MaxQueueDelay drops jobs that waited longer than this. 0 keeps them.
	MaxQueueDelay time.Duration

	HistorySize   int
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration

	// CircuitTripFailures < 0 disables the per-name breaker; 0 means 5.
	CircuitTripFailures int
	CircuitBaseDelay    time.Duration
	CircuitMaxDelay     time.Duration
	CircuitResetAfter   time.Duration
}

func normalize(cfg Config) Config {
	fill := func(v *int, def int) {
		if *v <= 0 {
			*v = def
		}
	}
	fillD := func(v *time.Duration, def time.Duration) {
		if *v <= 0 {
			*v = def
		}
	}
	fill(&cfg.Workers, 2)
	fill(&cfg.QueueSize, 256)
	fill(&cfg.HistorySize, 200)
	if cfg.RetryMax == 0 {
		cfg.RetryMax = 3
	}
	if cfg.CircuitTripFailures == 0 {
		cfg.CircuitTripFailures = 5
	}
	fillD(&cfg.CircuitBaseDelay, 5*time.Second)
	fillD(&cfg.CircuitMaxDelay, 2*time.Minute)
	fillD(&cfg.CircuitResetAfter, 5*time.Minute)
	return cfg
}
