package rprop

// Config holds the tuning constants of the adaptive step rule.
// Zero values are replaced with the defaults from DefaultConfig.
type Config struct {
	AccelerationFactor float64 `json:"accelerationFactor"` // default 1.2
	DecelerationFactor float64 `json:"decelerationFactor"` // default 0.5
	StepMax            float64 `json:"stepMax"`            // default 50
	StepMin            float64 `json:"stepMin"`            // default 1e-6
	GradientEpsilon    float64 `json:"gradientEpsilon"`    // default 1e-5
}

// DefaultConfig returns the standard RPROP constants.
func DefaultConfig() Config {
	return Config{
		AccelerationFactor: 1.2,
		DecelerationFactor: 0.5,
		StepMax:            50,
		StepMin:            1e-6,
		GradientEpsilon:    1e-5,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.AccelerationFactor == 0 {
		c.AccelerationFactor = def.AccelerationFactor
	}
	if c.DecelerationFactor == 0 {
		c.DecelerationFactor = def.DecelerationFactor
	}
	if c.StepMax == 0 {
		c.StepMax = def.StepMax
	}
	if c.StepMin == 0 {
		c.StepMin = def.StepMin
	}
	if c.GradientEpsilon == 0 {
		c.GradientEpsilon = def.GradientEpsilon
	}
	return c
}

// Options configures one Run. Zero-valued fields receive defaults:
// InitialStep=0.1, MaxIterations=100, MinObjective=1e-6,
// MinObjectiveChange=1e-6. The threshold test is f < MinObjective, so a
// negative MinObjective disables it for non-negative objectives.
type Options struct {
	InitialStep        float64 // in normalized units
	MaxIterations      int
	MinObjective       float64
	MinObjectiveChange float64

	// Progress, when set, is called after every iteration. The optimizer
	// yields before each call.
	Progress ProgressFunc

	// Yield hands control back to the host scheduler between iterations.
	// Defaults to runtime.Gosched.
	Yield YieldFunc

	Config Config
}

// WithDefaults returns o with zero-valued fields replaced by their defaults.
func (o Options) WithDefaults() Options {
	if o.InitialStep == 0 {
		o.InitialStep = 0.1
	}
	if o.MaxIterations == 0 {
		o.MaxIterations = 100
	}
	if o.MinObjective == 0 {
		o.MinObjective = 1e-6
	}
	if o.MinObjectiveChange == 0 {
		o.MinObjectiveChange = 1e-6
	}
	o.Config = o.Config.withDefaults()
	return o
}
