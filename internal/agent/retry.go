package agent

import "time"

// capturePolicy decides whether a failed capture attempt within one listening
// phase gets another try. It is reset every time a new question is asked.
type capturePolicy struct {
	maxRetries int
	delay      time.Duration
	used       int
}

func newCapturePolicy(maxRetries int, delay time.Duration) *capturePolicy {
	if maxRetries < 0 {
		maxRetries = 0
	}
	if delay < 0 {
		delay = 0
	}
	return &capturePolicy{maxRetries: maxRetries, delay: delay}
}

// next consumes one retry. ok is false once the cap is reached.
func (p *capturePolicy) next() (delay time.Duration, ok bool) {
	if p.used >= p.maxRetries {
		return 0, false
	}
	p.used++
	return p.delay, true
}

func (p *capturePolicy) reset() { p.used = 0 }
