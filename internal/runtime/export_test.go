package runtime

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

func TestManifestGCLabels(t *testing.T) {
	m := ocispec.Manifest{
		Config: ocispec.Descriptor{Digest: digest.FromString("config")},
		Layers: []ocispec.Descriptor{
			{Digest: digest.FromString("base")},
			{Digest: digest.FromString("artifact")},
		},
	}

	want := map[string]string{
		"containerd.io/gc.ref.content.config": digest.FromString("config").String(),
		"containerd.io/gc.ref.content.l.0":    digest.FromString("base").String(),
		"containerd.io/gc.ref.content.l.1":    digest.FromString("artifact").String(),
	}
	if diff := cmp.Diff(want, manifestGCLabels(m)); diff != "" {
		t.Errorf("labels mismatch (-want +got):\n%s", diff)
	}
}

func TestIndexGCLabels(t *testing.T) {
	idx := ocispec.Index{
		Manifests: []ocispec.Descriptor{{Digest: digest.FromString("amd64")}},
	}

	want := map[string]string{
		"containerd.io/gc.ref.content.m.0": digest.FromString("amd64").String(),
	}
	if diff := cmp.Diff(want, indexGCLabels(idx)); diff != "" {
		t.Errorf("labels mismatch (-want +got):\n%s", diff)
	}
}
