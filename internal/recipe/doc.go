// Package recipe derives dependency fingerprints from a source tree.
//
// A recipe lists everything needed to compile a project's external
// dependencies and nothing about its application code. It is computed from
// dependency-manifest files only (Cargo.toml and Cargo.lock for cargo
// projects, go.mod and go.sum for Go modules), normalized, and encoded
// deterministically, so two source trees that share manifests produce
// byte-identical recipes. The digest of the encoded recipe keys the
// dependency cache.
//
// Versions of local workspace packages are masked during normalization.
// Bumping the application's own version therefore does not change the
// recipe, while any change to an external dependency does.
//
// A recipe can be turned back into a skeleton project: the manifests and
// lockfiles at their original paths plus stub sources for every declared
// target. Dependencies are compiled against the skeleton, never against the
// real sources.
//
// Example usage:
//
//	r, err := recipe.Generate(".", recipe.Options{})
//	if err != nil {
//	    return err
//	}
//
//	dgst, err := r.Digest()
//	if err != nil {
//	    return err
//	}
//
//	if err := r.Skeleton(w); err != nil {
//	    return err
//	}
package recipe
