// Package cache stores compiled dependency layers keyed by content digest.
//
// Each entry lives under <root>/sha256/<hex>/ and holds an entry.json
// describing its layers plus one zstd-compressed tar blob per layer. A layer
// is the contents of one directory of the builder filesystem (a compiler's
// target directory, a package registry), captured after the dependencies
// were compiled.
//
// Entries are written to a staging directory and renamed into place once
// every blob has been committed, so a reader never observes a partially
// written entry. Publishing an entry that already exists keeps the existing
// one; entries are content-addressed, so concurrent writers of the same key
// produce equivalent results and either may win.
package cache
