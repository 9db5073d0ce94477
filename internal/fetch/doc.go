// SPDX-License-Identifier: MPL-2.0

// Package fetch opens remote and local resources by URI.
//
// Supported schemes:
//
//	file:// or a plain path     local filesystem
//	http://, https://           HTTP GET with retry on transient failures
//	git+https://, git+ssh://    shallow clone of a repository at a ref
//
// Git URIs address a file inside the repository with a "//" separator and
// select the revision with a ref query parameter:
//
//	git+https://example.org/repo.git//packages/core/package.toml?ref=v1.2.0
package fetch
