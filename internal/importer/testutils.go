package importer

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"encoding/json"
	"time"
)

// BuildCollectionArtifact returns a gzip compressed collection tarball whose
// MANIFEST.json declares the given collection. It is used by tests.
func BuildCollectionArtifact(namespace, name, version string) []byte {
	manifest, _ := json.Marshal(Manifest{
		Format: 1,
		CollectionInfo: CollectionInfo{
			Namespace:   namespace,
			Name:        name,
			Version:     version,
			Authors:     []string{"Collection Registry"},
			Description: "test collection " + namespace + "." + name,
			License:     []string{"GPL-3.0-or-later"},
		},
	})
	return BuildArchive(map[string][]byte{
		ManifestFileName: manifest,
		"README.md":      []byte("# " + namespace + "." + name + "\n"),
	})
}

// BuildArchive returns a gzip compressed tarball holding files
func BuildArchive(files map[string][]byte) []byte {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	modTime := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for name, data := range files {
		_ = tw.WriteHeader(&tar.Header{
			Name:     name,
			Mode:     0o644,
			Size:     int64(len(data)),
			Typeflag: tar.TypeReg,
			ModTime:  modTime,
		})
		_, _ = tw.Write(data)
	}
	_ = tw.Close()
	_ = gz.Close()
	return buf.Bytes()
}
