// Package execution runs submissions end to end.
//
// The Engine admits a submission under the concurrency ceiling, resolves its
// language profile and resource limits, borrows a fresh sandbox from the pool
// (retrying transient provisioning failures), and hands it to the Pipeline.
// The Pipeline materializes the source, compiles it when the language needs
// it and runs it under a watchdog; Collect classifies what happened into
// exactly one Status. The sandbox is destroyed afterwards, whatever the
// outcome.
//
// A submission with test cases is built once and run against every case in
// the same sandbox; each case is judged on its trimmed stdout.
//
// Usage:
//
//	engine := execution.NewFromConfig(cfg, registry, pool, logger, metrics, nil)
//	res, err := engine.Submit(ctx, execution.Submission{
//	    Language: "python",
//	    Source:   "print(input())",
//	    Stdin:    "hello",
//	})
package execution
