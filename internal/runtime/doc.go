// SPDX-License-Identifier: MPL-2.0

// Package runtime evaluates the module resources of a package.
//
// Before any module of a package runs, the package's minimal runtime
// version is checked against the Capabilities of this runtime. Modules then
// run one after another in declaration order, each against a sandbox that
// exposes only the package's inputs (read) and its declared outputs
// (write). A failing or panicking module fails its package with a
// RuntimeError; the host process and other packages are unaffected.
package runtime
