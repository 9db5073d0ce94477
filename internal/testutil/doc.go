// SPDX-License-Identifier: MPL-2.0

// Package testutil holds helpers shared by package tests: a manually
// advanced clock and a writer for fixture trees.
package testutil
