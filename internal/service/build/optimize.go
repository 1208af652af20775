package build

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
)

const minCompressibleSize = 1024

var compressibleExt = map[string]bool{
	".js":   true,
	".mjs":  true,
	".css":  true,
	".html": true,
	".json": true,
	".svg":  true,
	".txt":  true,
	".xml":  true,
}

// optimizeStats summarises the post-build optimisation pass.
type optimizeStats struct {
	Compressed  int
	Reencoded   int
	BytesSaved  int64
	FilesWalked int
}

// optimizeOutput writes .gz sidecars for text assets and re-encodes PNG and
// JPEG images, keeping a re-encode only when it is smaller than the original.
func optimizeOutput(dir string) (optimizeStats, error) {
	var stats optimizeStats
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return stats, nil
	}
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == "node_modules" || d.Name() == "cache" {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		stats.FilesWalked++
		ext := strings.ToLower(filepath.Ext(path))
		switch {
		case compressibleExt[ext]:
			ok, err := gzipSidecar(path)
			if err != nil {
				return fmt.Errorf("compress %s: %w", path, err)
			}
			if ok {
				stats.Compressed++
			}
		case ext == ".png" || ext == ".jpg" || ext == ".jpeg":
			saved, err := reencodeImage(path, ext)
			if err != nil {
				return fmt.Errorf("re-encode %s: %w", path, err)
			}
			if saved > 0 {
				stats.Reencoded++
				stats.BytesSaved += saved
			}
		}
		return nil
	})
	return stats, err
}

func gzipSidecar(path string) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return false, err
	}
	if len(data) < minCompressibleSize {
		return false, nil
	}
	var buf bytes.Buffer
	zw, err := gzip.NewWriterLevel(&buf, gzip.BestCompression)
	if err != nil {
		return false, err
	}
	if _, err := zw.Write(data); err != nil {
		return false, err
	}
	if err := zw.Close(); err != nil {
		return false, err
	}
	if buf.Len() >= len(data) {
		return false, nil
	}
	return true, os.WriteFile(path+".gz", buf.Bytes(), 0o644)
}

// reencodeImage returns the number of bytes saved. Images that fail to decode
// are left untouched.
func reencodeImage(path, ext string) (int64, error) {
	original, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	img, _, err := image.Decode(bytes.NewReader(original))
	if err != nil {
		return 0, nil
	}
	var buf bytes.Buffer
	if ext == ".png" {
		enc := png.Encoder{CompressionLevel: png.BestCompression}
		err = enc.Encode(&buf, img)
	} else {
		err = jpeg.Encode(&buf, img, &jpeg.Options{Quality: 85})
	}
	if err != nil {
		return 0, nil
	}
	if buf.Len() >= len(original) {
		return 0, nil
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return 0, err
	}
	return int64(len(original) - buf.Len()), nil
}
