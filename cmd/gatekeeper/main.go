// Copyright 2025 TallyGate
// SPDX-License-Identifier: Apache-2.0

// Package main is the entry point for the TallyGate gatekeeper service.
//
// The gatekeeper enforces the free-tier weekly quota and detects
// fingerprint-reuse abuse for all gated actions.
//
// Usage:
//
//	./gatekeeper
//
// Environment Variables:
//
//	PORT - HTTP server port (default: 8080)
//	DATABASE_URL - PostgreSQL connection string (unset = community mode)
//	REDIS_URL - Redis URL for snapshot caching (optional)
//	JWT_SECRET - Secret for user token validation
//	ADMIN_TOKEN - Token guarding administrative overrides
//	FREE_WEEKLY_LIMIT - Community-mode weekly limit (default: 3)
//	TALLYGATE_CONFIG - Optional YAML config file path
package main

import (
	"tallygate/platform/gatekeeper"
)

func main() {
	gatekeeper.Run()
}
