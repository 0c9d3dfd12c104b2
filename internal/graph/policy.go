package graph

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Retry defaults. The transient code set is policy data, not a contract:
// the upstream does not document it exhaustively, so deployments can
// extend it via a policy file.
const (
	defaultMaxAttempts      = 3
	defaultBaseDelayMS      = 200
	defaultAttemptTimeoutMS = 30_000
)

// defaultTransientCodes are application error codes observed to be
// temporary: unknown error (1), service unavailable (2), rate limits
// (4, 17, 32, 613) and the temporary publish block (368).
var defaultTransientCodes = []int{1, 2, 4, 17, 32, 368, 613}

// RetryPolicy governs the client's attempt budget, backoff schedule,
// per-attempt timeout, and transient error classification.
type RetryPolicy struct {
	MaxAttempts      int   `yaml:"max_attempts"`
	BaseDelayMS      int   `yaml:"base_delay_ms"`
	AttemptTimeoutMS int   `yaml:"attempt_timeout_ms"`
	TransientCodes   []int `yaml:"transient_codes"`
}

// DefaultRetryPolicy returns the compiled-in policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:      defaultMaxAttempts,
		BaseDelayMS:      defaultBaseDelayMS,
		AttemptTimeoutMS: defaultAttemptTimeoutMS,
		TransientCodes:   append([]int(nil), defaultTransientCodes...),
	}
}

// LoadRetryPolicy reads a policy file, filling unset fields from the
// defaults. A missing file yields the default policy.
func LoadRetryPolicy(path string) (RetryPolicy, error) {
	p := DefaultRetryPolicy()

	if path == "" {
		return p, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return p, nil
		}

		return p, fmt.Errorf("reading retry policy: %w", err)
	}

	var loaded RetryPolicy
	if err := yaml.Unmarshal(data, &loaded); err != nil {
		return p, fmt.Errorf("parsing retry policy: %w", err)
	}

	if loaded.MaxAttempts > 0 {
		p.MaxAttempts = loaded.MaxAttempts
	}

	if loaded.BaseDelayMS > 0 {
		p.BaseDelayMS = loaded.BaseDelayMS
	}

	if loaded.AttemptTimeoutMS > 0 {
		p.AttemptTimeoutMS = loaded.AttemptTimeoutMS
	}

	if loaded.TransientCodes != nil {
		p.TransientCodes = loaded.TransientCodes
	}

	return p, nil
}

// attemptTimeout bounds one individual attempt.
func (p RetryPolicy) attemptTimeout() time.Duration {
	return time.Duration(p.AttemptTimeoutMS) * time.Millisecond
}

// backoff returns the delay before attempt k+1 (zero-based k): base * 2^k.
func (p RetryPolicy) backoff(k int) time.Duration {
	return time.Duration(p.BaseDelayMS) * time.Millisecond << k
}

// transientCode reports whether an application error code belongs to the
// transient set.
func (p RetryPolicy) transientCode(code int) bool {
	for _, c := range p.TransientCodes {
		if c == code {
			return true
		}
	}

	return false
}
