// Package config provides configuration structures and utilities for
// Fetchguard. It defines the options for captcha resolution, retry and
// proxy behavior, guardrail ceilings, and report output, plus the
// per-site YAML configuration file.
package config
