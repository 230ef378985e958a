package smp

import "time"

// instantClock makes every Sleep a no-op so bringup tests run instantly.
type instantClock struct{}

func (instantClock) Sleep(_ time.Duration) {}
