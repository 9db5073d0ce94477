// SPDX-License-Identifier: MPL-2.0

package format

import (
	"context"
	"hash"
	"io"
)

type (
	// Capability is implemented by every codec or evaluator the registry holds.
	Capability interface {
		// Name is the registration key: a hash algorithm, a compression name,
		// an archive secondary tag or a module dialect.
		Name() string
	}

	// Hasher computes digests for one hash algorithm.
	Hasher interface {
		Capability
		New() hash.Hash
	}

	// Decompressor wraps a compressed stream.
	Decompressor interface {
		Capability
		// Magic returns the leading bytes identifying the compressed stream.
		Magic() []byte
		NewReader(r io.Reader) (io.ReadCloser, error)
	}

	// Extractor unpacks an archive file into a directory. The destination
	// directory exists and is empty; implementations must refuse entries that
	// would escape it.
	Extractor interface {
		Capability
		Extract(ctx context.Context, archivePath, destDir string) error
	}

	// Evaluator runs module source against a Sandbox. Implementations must
	// not reach anything outside the sandbox.
	Evaluator interface {
		Capability
		// Extensions lists file name suffixes (".sh") used to infer the dialect.
		Extensions() []string
		Evaluate(ctx context.Context, module string, source []byte, sb Sandbox) error
	}

	// Sandbox is the whole surface a module may observe or change.
	Sandbox interface {
		// ReadInput returns the content of a resolved input by name. For
		// extracted archives, name may address a file inside the tree as
		// "<input>/<relative path>".
		ReadInput(name string) ([]byte, error)
		// ListInputs returns the input names in declaration order.
		ListInputs() []string
		// WriteOutput publishes data under a declared output name.
		WriteOutput(name string, data []byte) error
		// Log records a diagnostic line for the module.
		Log(line string)
	}
)
