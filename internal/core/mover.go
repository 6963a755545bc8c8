package core

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"castor/internal/utils"
)

// moveContent relocates a completed transfer's content from the download
// directory into the completed directory. Rename is tried first; when the
// two directories live on different devices it falls back to a recursive
// copy followed by deleting the source.
func moveContent(name, fromDir, toDir string, logger *utils.Logger) (string, error) {
	src := filepath.Join(fromDir, name)
	if _, err := os.Stat(src); err != nil {
		return "", fmt.Errorf("content not found at %s: %w", src, err)
	}

	if err := os.MkdirAll(toDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create completed directory: %w", err)
	}

	dst := filepath.Join(toDir, utils.SanitizeFilename(filepath.Base(name)))
	if _, err := os.Stat(dst); err == nil {
		return "", fmt.Errorf("destination already exists: %s", dst)
	}

	if err := os.Rename(src, dst); err == nil {
		logger.Info("Moved completed content to", dst)
		return dst, nil
	}

	logger.Debug("Rename failed, falling back to copy for", src)
	if err := copyRecursive(src, dst); err != nil {
		os.RemoveAll(dst)
		return "", fmt.Errorf("failed to copy content: %w", err)
	}
	if err := os.RemoveAll(src); err != nil {
		return "", fmt.Errorf("copied but failed to remove source: %w", err)
	}

	logger.Info("Copied completed content to", dst)
	return dst, nil
}

func copyRecursive(src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return copyFile(src, dst, info.Mode())
	}

	return filepath.Walk(src, func(path string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if fi.IsDir() {
			return os.MkdirAll(target, fi.Mode())
		}
		return copyFile(path, target, fi.Mode())
	})
}

func copyFile(src, dst string, mode os.FileMode) error {
	sourceFile, err := os.Open(src)
	if err != nil {
		return err
	}
	defer sourceFile.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}

	destinationFile, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	defer destinationFile.Close()

	_, err = io.Copy(destinationFile, sourceFile)
	return err
}
