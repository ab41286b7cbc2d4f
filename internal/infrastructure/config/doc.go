// Package config handles loading and validating porticus configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Overriding with environment variables (PORTICUS_*)
//   - Validation of required fields
//   - Default value handling
//
// Command-line flags sit on top of all of this and are applied in
// cmd/porticus before the final Validate call.
//
// Security Considerations:
//   - MQTT passwords and InfluxDB tokens should be set via environment variables
//   - The config file should have restricted permissions (0600)
//
// Usage:
//
//	cfg, err := config.LoadOrDefault(os.Getenv("PORTICUS_CONFIG"))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.Serial.Port)
package config
