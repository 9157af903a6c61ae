// Package image inspects, verifies, and publishes runtime images.
//
// Runtime images leave the build as OCI archives. [Open] extracts an
// archive and selects the image for a platform, [Verify] checks the
// flattened filesystem and config of an image against a set of
// [Expectations], and [Push] uploads a verified image to a registry using
// the credentials of the default keychain.
//
// Example usage:
//
//	a, err := image.Open("dist/image.tar", "linux/amd64")
//	if err != nil {
//	    return err
//	}
//	defer a.Close()
//
//	err = image.Verify(a.Image, image.Expectations{
//	    Required:   []image.Requirement{{Path: "/usr/local/bin/backend", Executable: true}},
//	    Forbidden:  []string{"/app", "/usr/local/cargo"},
//	    Entrypoint: []string{"/usr/local/bin/backend"},
//	})
package image
