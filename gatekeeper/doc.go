// Copyright 2025 TallyGate
// SPDX-License-Identifier: Apache-2.0

/*
Package gatekeeper implements the TallyGate free-tier quota and
abuse-detection engine.

# Overview

The gatekeeper decides, under concurrency and partial identity information,
whether an anonymous or authenticated caller may perform a rate-limited
action this week, and detects attempts to evade limits by reusing a browser
fingerprint across multiple accounts. It handles:

  - Identity resolution from an optional user id and an optional hashed
    device fingerprint, with a shared low-trust bucket for callers whose
    fingerprint collection failed
  - Rolling UTC Monday-anchored weekly usage windows with lazy rollover
  - Atomic, no-overshoot charging against a per-identity weekly limit
  - Paid-tier bypass driven by an external subscription lookup
  - A sticky abuse flag raised when one fingerprint is bound to multiple
    identities, cleared only through an explicit administrative override
  - In-process fan-out of post-charge snapshots so every usage indicator
    updates from one authoritative value

# Control flow

A gated action first calls the check endpoint (informational), and only
once the caller commits to the action calls record, which charges usage
atomically. Charges are at-least-once: a committed charge is not rolled
back when the caller abandons the action.

	Client → check (read-only) → client proceeds → record (atomic charge)
	                                              → sync bus → UI widgets

# Storage

PostgreSQL is the single authoritative store. One row exists per
(identity_key, week_start) bucket; absence of a row means a full allowance.
Rows are never deleted, so prior weeks remain available for investigation.
Without a DATABASE_URL the service runs in community mode on a bounded
in-memory store with a deterministic expiry sweep.

# Failure policy

Checks fail closed during store outages; record surfaces a hard error
rather than guessing, since the caller may already have started the gated
action. Hashing failures deny the request; raw fingerprints and IP
addresses are hashed at the HTTP edge and never persisted or logged.
*/
package gatekeeper
