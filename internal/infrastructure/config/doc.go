// Package config handles loading and validating the LumenCache bridge
// configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Overriding with LUMENCACHE_* environment variables
//   - Validation of adapters and bus timing
//   - Default value handling
//
// Sensitive values (MQTT password, InfluxDB token) should be set via
// environment variables rather than the file.
//
// Usage:
//
//	cfg, err := config.Load("configs/lumencache.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	for _, a := range cfg.LumenCache.Adapters() {
//	    fmt.Println(a.ID, a.Kind)
//	}
package config
