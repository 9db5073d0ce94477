// SPDX-License-Identifier: MPL-2.0

// Package cmd contains the wineyard command-line interface: the daemon
// entry point, one-shot package loading and locking, and manifest, cache
// and configuration maintenance.
package cmd
