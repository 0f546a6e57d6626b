// Package startup loads configuration from the environment, validates the
// directories the service depends on, and logs a structured boot banner so
// a misconfigured deployment is obvious from the first screen of output.
package startup
