// StreamSentry - Media Server Session Monitoring and Anomaly Detection
// Copyright 2026 StreamSentry contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/streamsentry/streamsentry

// Package models defines the core data types shared across StreamSentry:
// connected servers, normalized and persisted playback sessions, users with
// trust scores, detection rules, violations, and import jobs.
//
// Types here carry no behavior beyond small derivation helpers. Persistence
// lives in internal/store, caching in internal/cache.
package models
