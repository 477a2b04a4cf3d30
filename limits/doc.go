// Package limits implements the resource limiter.
//
// The limits package resolves the effective per-submission budget from the
// administrator policy, the language profile defaults and the submission's own
// overrides, translates that budget into container-level constraints, and
// supervises the run stage through a Watchdog that forcibly terminates a
// sandbox as soon as any cap is violated.
//
// Usage:
//
//	policy := limits.NewPolicy(cfg)
//	lim, err := policy.Resolve(profile.Limits, submission.Overrides)
//	if err != nil {
//	    return err // limits.ErrInvalidLimits
//	}
//	constraints := lim.Constraints()
package limits
