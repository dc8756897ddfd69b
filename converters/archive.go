package converters

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// BundleZip packs multiple conversion outputs into one archive so the
// client downloads a single object. Entries keep their base names.
func BundleZip(paths []string, zipPath string) error {
	f, err := os.Create(zipPath)
	if err != nil {
		return fmt.Errorf("create archive: %w", err)
	}
	defer f.Close()

	zw := zip.NewWriter(f)
	for _, path := range paths {
		src, err := os.Open(path)
		if err != nil {
			zw.Close()
			return fmt.Errorf("open archive entry %s: %w", filepath.Base(path), err)
		}
		w, err := zw.Create(filepath.Base(path))
		if err == nil {
			_, err = io.Copy(w, src)
		}
		src.Close()
		if err != nil {
			zw.Close()
			return fmt.Errorf("write archive entry %s: %w", filepath.Base(path), err)
		}
	}
	return zw.Close()
}
