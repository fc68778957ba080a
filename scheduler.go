package painterly

// LossSmoothing is the weight of a new observation in the loss exponential moving
// average watched by the plateau scheduler.
const LossSmoothing = 0.05

// PlateauScheduler tracks an exponential moving average of the training loss and
// signals a learning rate decay when it stops improving. It is driven host-side from
// a training loop callback; it holds no graph state.
type PlateauScheduler struct {
	patience int
	factor   float64

	ema         float64
	initialized bool
	best        float64
	badCount    int
}

// NewPlateauScheduler creates a scheduler that asks for the learning rate to be
// multiplied by factor whenever the loss moving average has not improved for
// patience consecutive plateau checks.
func NewPlateauScheduler(patience int, factor float64) *PlateauScheduler {
	return &PlateauScheduler{patience: patience, factor: factor}
}

// Observe folds one loss value into the moving average. It is called for every
// training step; the decay decision happens separately in CheckPlateau.
func (s *PlateauScheduler) Observe(loss float64) {
	if !s.initialized {
		s.ema = loss
		s.best = loss
		s.initialized = true
		return
	}
	s.ema = s.ema*(1-LossSmoothing) + loss*LossSmoothing
}

// CheckPlateau compares the current moving average against the best one seen so far
// and reports whether the learning rate should be decayed now. It is called
// periodically, much less often than Observe. After signaling a decay the
// improvement counter restarts, so decays are at least patience checks apart.
func (s *PlateauScheduler) CheckPlateau() bool {
	if !s.initialized {
		return false
	}
	if s.ema < s.best {
		s.best = s.ema
		s.badCount = 0
		return false
	}
	s.badCount++
	if s.badCount < s.patience {
		return false
	}
	s.badCount = 0
	s.best = s.ema
	return true
}

// EMA returns the current loss moving average.
func (s *PlateauScheduler) EMA() float64 { return s.ema }

// Factor returns the configured learning rate decay factor.
func (s *PlateauScheduler) Factor() float64 { return s.factor }
