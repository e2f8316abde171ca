// Package cache stores verified bundle files on local disk.
//
// Each package gets its own directory under the cache root:
//
//	<root>/<package>/
//	    bundles/<id[:2]>/<id>/__data    bundle content
//	    bundles/<id[:2]>/<id>/__info    CBOR record of hash, crc and size
//	    bundles/<id[:2]>/<id>/__temp    in-flight download or import
//	    manifests/<package>_<version>.bytes
//	    manifests/<package>_<version>.hash
//	    manifests/<package>.version
//	    footprint                       application install marker
//
// The identifier of a bundle is the hex encoding of its content digest, so
// identical content is shared across manifest versions.
//
// A file appears under its final __data name only after it has been fully
// written and verified, and its __info companion is written after that. The
// presence of __info is therefore the cheapest trustworthy signal that the
// data file was verified once (see [VerifyLow]).
//
// The in-memory index is not safe for concurrent use. It is mutated only by
// the goroutine that drives Update; background verification posts results to
// a queue that [Sweep.Update] drains.
package cache
