// Package config provides application configuration management.
//
// The config package handles loading and validation of the application's
// configuration from YAML files and RUNBOX_* environment variables. It covers
// the transport, logging, container runtime, the resource limit policy,
// admission control, the reaper schedule and per-language profile overrides.
//
// Usage:
//
//	cfg, err := config.New()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Printf("Sandbox backend: %s\n", cfg.Sandbox.Backend)
package config
