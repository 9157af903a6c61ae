// Package manifest reads kiln.toml, the build description of a project.
//
// The description names the application, the toolchain image dependencies
// and the application are compiled in, the runtime base the executable is
// installed into, and any extra files staged through both. Most fields have
// ecosystem defaults, so a cargo project only needs a name:
//
//	name = "backend"
//
//	[[files]]
//	source = "AuthKey.p8"
//
// Every staged file is carried byte-for-byte: it is copied from the source
// tree into the builder and from the builder into the runtime image without
// being read or interpreted.
package manifest
