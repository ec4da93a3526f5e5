// Package capacity holds the queueing arithmetic used to size the reactor:
// utilization, the stability boundary, Little's law and worker provisioning.
package capacity

import (
	"fmt"
	"math"
	"sync"
	"time"
)

// Utilization returns rho = lambda/(c*mu). It is +Inf when there is no service capacity.
func Utilization(lambda float64, workers int, mu float64) float64 {
	capacity := float64(workers) * mu
	if capacity <= 0 {
		if lambda <= 0 {
			return 0
		}
		return math.Inf(1)
	}
	return lambda / capacity
}

// Stable reports lambda < c*mu. At equality the queue grows without bound.
func Stable(lambda float64, workers int, mu float64) bool {
	return lambda < float64(workers)*mu
}

// LittleN is the expected number of items in the system, N = lambda*T.
func LittleN(lambda float64, sojourn time.Duration) float64 {
	return lambda * sojourn.Seconds()
}

// LittleT is the expected time in the system, T = N/lambda.
func LittleT(n, lambda float64) time.Duration {
	if lambda <= 0 {
		return 0
	}
	return time.Duration(n / lambda * float64(time.Second))
}

// ProvisionWorkers returns ceil(lambda/mu) and never less than one.
func ProvisionWorkers(lambda, mu float64) int {
	if mu <= 0 || lambda <= 0 {
		return 1
	}
	n := int(math.Ceil(lambda / mu))
	if n < 1 {
		return 1
	}
	return n
}

// ProvisionForUtilization sizes the pool so that rho stays at or below target.
func ProvisionForUtilization(lambda, mu, target float64) int {
	if target <= 0 || target > 1 {
		target = 1
	}
	return ProvisionWorkers(lambda/target, mu)
}

// CheckAdmission returns a non-nil warning when the admitted rate can reach
// the service capacity, i.e. refillRate >= W*mu. A zero mu means unknown.
func CheckAdmission(refillRate float64, workers int, mu float64) error {
	if refillRate <= 0 || mu <= 0 {
		return nil
	}
	if limit := float64(workers) * mu; refillRate >= limit {
		return fmt.Errorf("admission refill rate %.2f/s reaches service capacity %d x %.2f = %.2f/s; the queue can grow without bound",
			refillRate, workers, mu, limit)
	}
	return nil
}

// Plan summarizes a sizing calculation.
type Plan struct {
	ArrivalRate  float64       `json:"arrival_rate"`
	ServiceRate  float64       `json:"service_rate"`
	Workers      int           `json:"workers"`
	Utilization  float64       `json:"utilization"`
	Stable       bool          `json:"stable"`
	MeanSojourn  time.Duration `json:"mean_sojourn"`
	ExpectedN    float64       `json:"expected_in_system"`
	SafeAdmitted float64       `json:"safe_admission_rate"`
}

// NewPlan computes a plan for lambda and mu. workers <= 0 provisions for the
// target utilization. Sojourn uses the M/M/1-per-worker approximation
// T = 1/(mu - lambda/c), which is only defined for stable systems.
func NewPlan(lambda, mu float64, workers int, target float64) Plan {
	if workers <= 0 {
		workers = ProvisionForUtilization(lambda, mu, target)
	}
	p := Plan{
		ArrivalRate: lambda,
		ServiceRate: mu,
		Workers:     workers,
		Utilization: Utilization(lambda, workers, mu),
		Stable:      Stable(lambda, workers, mu),
	}
	if target > 0 && target < 1 {
		p.SafeAdmitted = target * float64(workers) * mu
	}
	if p.Stable && mu > 0 {
		perWorker := lambda / float64(workers)
		p.MeanSojourn = time.Duration(1 / (mu - perWorker) * float64(time.Second))
		p.ExpectedN = LittleN(lambda, p.MeanSojourn)
	}
	return p
}

// Estimator keeps exponentially weighted estimates of the admitted arrival
// rate and the per-worker service rate from reactor and worker samples.
type Estimator struct {
	mu    sync.Mutex
	alpha float64
	now   func() time.Time

	windowStart time.Time
	admitted    int64
	lambda      float64

	serviceSec float64 // EWMA of handler service time
	sojournSec float64 // EWMA of queue wait + service
	haveMu     bool
}

// NewEstimator returns an Estimator with smoothing factor alpha in (0, 1].
func NewEstimator(alpha float64) *Estimator {
	if alpha <= 0 || alpha > 1 {
		alpha = 0.2
	}
	return &Estimator{alpha: alpha, now: time.Now, windowStart: time.Now()}
}

// Admitted records n events admitted into the queue.
func (e *Estimator) Admitted(n int) {
	e.mu.Lock()
	e.admitted += int64(n)
	e.mu.Unlock()
}

// Served records one handler invocation.
func (e *Estimator) Served(service, queueWait time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := service.Seconds()
	total := s + queueWait.Seconds()
	if !e.haveMu {
		e.serviceSec, e.sojournSec, e.haveMu = s, total, true
		return
	}
	e.serviceSec = e.alpha*s + (1-e.alpha)*e.serviceSec
	e.sojournSec = e.alpha*total + (1-e.alpha)*e.sojournSec
}

// Tick closes the current arrival window and folds it into lambda. Call it
// at a steady cadence; windows shorter than 10ms are ignored.
func (e *Estimator) Tick() {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.now()
	elapsed := now.Sub(e.windowStart).Seconds()
	if elapsed < 0.01 {
		return
	}
	rate := float64(e.admitted) / elapsed
	if e.lambda == 0 {
		e.lambda = rate
	} else {
		e.lambda = e.alpha*rate + (1-e.alpha)*e.lambda
	}
	e.admitted = 0
	e.windowStart = now
}

// Snapshot is a point-in-time view of the estimator.
type Snapshot struct {
	ArrivalRate float64 `json:"arrival_rate"`
	ServiceRate float64 `json:"service_rate"`
	Utilization float64 `json:"utilization"`
	ExpectedN   float64 `json:"expected_in_system"`
	MeanSojourn float64 `json:"mean_sojourn_seconds"`
}

// Snapshot computes rho, E[N] and E[T] for the given pool size. When no
// service sample exists yet, fallbackMu (the configured rate) is used.
func (e *Estimator) Snapshot(workers int, fallbackMu float64) Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	mu := fallbackMu
	if e.haveMu && e.serviceSec > 0 {
		mu = 1 / e.serviceSec
	}
	s := Snapshot{
		ArrivalRate: e.lambda,
		ServiceRate: mu,
		MeanSojourn: e.sojournSec,
	}
	if mu > 0 {
		s.Utilization = Utilization(e.lambda, workers, mu)
	}
	s.ExpectedN = LittleN(e.lambda, time.Duration(e.sojournSec*float64(time.Second)))
	return s
}

// AdaptiveRate returns clamp(target*W*mu, min, max). A max of zero is unbounded.
func AdaptiveRate(target float64, workers int, mu, minRate, maxRate float64) float64 {
	r := target * float64(workers) * mu
	if r < minRate {
		r = minRate
	}
	if maxRate > 0 && r > maxRate {
		r = maxRate
	}
	return r
}
