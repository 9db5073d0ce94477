// SPDX-License-Identifier: MPL-2.0

package codec

import (
	"crypto/md5"  //nolint:gosec // md5 is offered for legacy manifests, not for trust decisions
	"crypto/sha1" //nolint:gosec // sha1 is offered for legacy manifests, not for trust decisions
	"crypto/sha256"
	"crypto/sha512"
	"hash"
	"hash/crc32"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/crypto/blake2b"

	"github.com/an-anime-team/wineyard/pkg/format"
)

type hasher struct {
	name string
	fn   func() hash.Hash
}

func (h hasher) Name() string { return h.name }
func (h hasher) New() hash.Hash { return h.fn() }

// Hashers returns every built-in hash algorithm.
func Hashers() []format.Hasher {
	return []format.Hasher{
		hasher{"sha256", sha256.New},
		hasher{"sha384", sha512.New384},
		hasher{"sha512", sha512.New},
		hasher{"sha1", sha1.New},
		hasher{"md5", md5.New},
		hasher{"crc32", func() hash.Hash { return crc32.NewIEEE() }},
		hasher{"xxh64", func() hash.Hash { return xxhash.New() }},
		hasher{"blake2b-256", mustBlake2b(blake2b.New256)},
		hasher{"blake2b-512", mustBlake2b(blake2b.New512)},
	}
}

// mustBlake2b adapts the keyed constructors; they only fail for keys longer
// than 64 bytes and no key is used here.
func mustBlake2b(ctor func(key []byte) (hash.Hash, error)) func() hash.Hash {
	return func() hash.Hash {
		h, err := ctor(nil)
		if err != nil {
			panic(err)
		}
		return h
	}
}
