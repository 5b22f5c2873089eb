package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

const defaultDependencyTimeout = 1500 * time.Millisecond

// DependencyCheck describes a dependency check executed during readiness checks.
type DependencyCheck struct {
	Name    string
	Timeout time.Duration
	Check   func(context.Context) error
}

type readinessService struct {
	checks         []DependencyCheck
	defaultTimeout time.Duration
	now            func() time.Time
}

var _ ReadinessService = (*readinessService)(nil)

// NewReadinessService constructs a ReadinessService evaluating the provided checks concurrently.
func NewReadinessService(checks []DependencyCheck, clock func() time.Time) (ReadinessService, error) {
	for _, check := range checks {
		if strings.TrimSpace(check.Name) == "" {
			return nil, errors.New("readiness: dependency check missing name")
		}
		if check.Check == nil {
			return nil, fmt.Errorf("readiness: dependency %s missing check function", check.Name)
		}
	}
	if clock == nil {
		clock = time.Now
	}
	return &readinessService{
		checks:         append([]DependencyCheck(nil), checks...),
		defaultTimeout: defaultDependencyTimeout,
		now: func() time.Time {
			return clock().UTC()
		},
	}, nil
}

func (r *readinessService) Check(ctx context.Context) (ReadinessReport, error) {
	results := make(map[string]DependencyStatus, len(r.checks))
	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)

	for _, check := range r.checks {
		wg.Add(1)
		go func() {
			defer wg.Done()

			timeout := check.Timeout
			if timeout <= 0 {
				timeout = r.defaultTimeout
			}
			checkCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			start := r.now()
			err := check.Check(checkCtx)
			end := r.now()

			status := DependencyStatus{Status: HealthOK, Detail: "ok", Latency: end.Sub(start), CheckedAt: end}
			switch {
			case err == nil && checkCtx.Err() == nil:
			case errors.Is(err, context.DeadlineExceeded) || (err == nil && checkCtx.Err() != nil):
				status.Status = HealthError
				status.Detail = "timeout"
			case errors.Is(err, context.Canceled):
				status.Status = HealthError
				status.Detail = "cancelled"
			default:
				status.Status = HealthDegraded
				status.Detail = err.Error()
			}

			mu.Lock()
			results[check.Name] = status
			mu.Unlock()
		}()
	}
	wg.Wait()

	overall := HealthOK
	for _, result := range results {
		switch result.Status {
		case HealthError:
			overall = HealthError
		case HealthDegraded:
			if overall == HealthOK {
				overall = HealthDegraded
			}
		}
	}

	return ReadinessReport{
		Status:      overall,
		Checks:      results,
		GeneratedAt: r.now(),
	}, nil
}
