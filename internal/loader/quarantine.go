package loader

// QuarantineConfig sets the rolling-window failure threshold.
type QuarantineConfig struct {
	// Window is the number of most recent outcomes considered.
	Window int
	// MinSamples outcomes must be observed before the threshold applies.
	MinSamples int
	// ThresholdPercent of dead-lettered or quarantined outcomes in the window
	// halts the source. Zero disables the check.
	ThresholdPercent float64
}

// window is a fixed-size ring of outcome verdicts.
type window struct {
	cfg  QuarantineConfig
	ring []bool
	next int
	n    int
	bad  int
}

func newWindow(cfg QuarantineConfig) *window {
	if cfg.Window <= 0 {
		cfg.Window = 1000
	}
	if cfg.MinSamples <= 0 || cfg.MinSamples > cfg.Window {
		cfg.MinSamples = cfg.Window
	}
	return &window{cfg: cfg, ring: make([]bool, cfg.Window)}
}

// observe records one outcome; bad marks dead-lettered or quarantined.
func (w *window) observe(bad bool) {
	if w.n == len(w.ring) {
		if w.ring[w.next] {
			w.bad--
		}
	} else {
		w.n++
	}
	w.ring[w.next] = bad
	if bad {
		w.bad++
	}
	w.next = (w.next + 1) % len(w.ring)
}

func (w *window) ratio() float64 {
	if w.n == 0 {
		return 0
	}
	return float64(w.bad) / float64(w.n) * 100
}

func (w *window) exceeded() bool {
	if w.cfg.ThresholdPercent <= 0 || w.n < w.cfg.MinSamples {
		return false
	}
	return w.ratio() > w.cfg.ThresholdPercent
}
