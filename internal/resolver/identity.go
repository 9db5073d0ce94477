// SPDX-License-Identifier: MPL-2.0

package resolver

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
)

// PackageID identifies a package by its manifest and its resolved inputs.
// Two sessions loading the same manifest against the same inputs share it.
type PackageID string

// String returns the identity in "<algorithm>:<hex>" form.
func (id PackageID) String() string { return string(id) }

// Short returns an abbreviated form for logs.
func (id PackageID) Short() string {
	const prefix = len("sha256:")
	if len(id) < prefix+12 {
		return string(id)
	}
	return string(id[prefix : prefix+12])
}

// identify computes the identity of n. Dependencies must already carry
// their identity.
func (g *Graph) identify(n *Node) PackageID {
	h := sha256.New()
	write := func(parts ...string) {
		for _, p := range parts {
			_, _ = io.WriteString(h, p)
			_, _ = h.Write([]byte{0})
		}
		_, _ = h.Write([]byte{'\n'})
	}

	write(n.Address.String())
	for _, in := range n.Inputs {
		switch {
		case in.Package != nil:
			write(string(in.Name), "package", string(g.nodes[in.Package.Key].ID), string(in.Package.Output))
		case in.Ref.Hash != nil:
			write(string(in.Name), in.Format.String(), in.Ref.Hash.String())
		default:
			write(string(in.Name), in.Format.String(), in.URI)
		}
	}
	return PackageID("sha256:" + hex.EncodeToString(h.Sum(nil)))
}
