// Copyright © 2026 Serpent OS Developers
// SPDX-License-Identifier: Zlib

// Package service provides the HTTP listener lifecycle shared by
// every instance binary: bind, signal readiness, serve, and drain
// in-flight requests on shutdown.
package service
