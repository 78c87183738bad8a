// Package main provides the entry point for the Fetchguard CLI.
//
// Fetchguard fetches protected web pages through a resilience layer that
// handles CAPTCHA challenges, proxy rotation, retries with circuit
// breakers, and spend guardrails.
//
// Usage:
//
//	fetchguard fetch <url>
//	fetchguard fetch --list <file>
//	fetchguard serve
//
// See --help for all available options.
package main

// main is the entry point for Fetchguard.
func main() {
	Execute()
}
