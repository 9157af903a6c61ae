package recipe

import "errors"

var (
	ErrNoManifest         = errors.New("no dependency manifest found")
	ErrAmbiguousEcosystem = errors.New("multiple ecosystems found")
	ErrMalformedManifest  = errors.New("malformed manifest")
	ErrConflict           = errors.New("conflicting dependency declarations")
	ErrUnsupportedVersion = errors.New("unsupported recipe version")
)
