package utils

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/sirupsen/logrus"
)

const (
	indentPrefix    = "    "
	entryPrefix     = "├── "
	lastEntryPrefix = "└── "
	verticalLine    = "│   "
)

// TreeStats summarises a walked mirror tree.
type TreeStats struct {
	Dirs  int
	Files int
	Bytes int64
}

// GenerateAndSaveTreeStructure writes a text tree of targetDir to outputFilePath.
// Files are annotated with their size; the footer lists totals.
func GenerateAndSaveTreeStructure(targetDir, outputFilePath string, log *logrus.Entry) (TreeStats, error) {
	var stats TreeStats
	if info, err := os.Stat(targetDir); err != nil {
		return stats, fmt.Errorf("%w: target directory '%s': %w", ErrFilesystem, targetDir, err)
	} else if !info.IsDir() {
		return stats, fmt.Errorf("%w: '%s' is not a directory", ErrFilesystem, targetDir)
	}

	file, err := os.Create(outputFilePath)
	if err != nil {
		return stats, fmt.Errorf("%w: create '%s': %w", ErrFilesystem, outputFilePath, err)
	}
	defer file.Close()

	writer := bufio.NewWriter(file)
	defer writer.Flush()

	if _, err := fmt.Fprintf(writer, "Mirror tree: %s\n%s\n\n%s/\n", targetDir, strings.Repeat("=", 13+len(targetDir)), filepath.Base(targetDir)); err != nil {
		return stats, err
	}

	absOut, _ := filepath.Abs(outputFilePath)
	if err := walkDirRecursive(writer, targetDir, "", absOut, &stats, log); err != nil {
		log.Errorf("Tree walk for '%s' failed: %v", targetDir, err)
		return stats, fmt.Errorf("error generating tree for '%s': %w", targetDir, err)
	}

	_, err = fmt.Fprintf(writer, "\n%d directories, %d files, %d bytes\n", stats.Dirs, stats.Files, stats.Bytes)
	return stats, err
}

func walkDirRecursive(writer io.Writer, dirPath, currentIndent, skipPath string, stats *TreeStats, log *logrus.Entry) error {
	entries, err := os.ReadDir(dirPath)
	if err != nil {
		log.Warnf("Failed to read directory '%s': %v", dirPath, err)
		return fmt.Errorf("failed to read directory '%s': %w", dirPath, err)
	}

	// The report may live inside the tree it describes.
	entries = slices.DeleteFunc(entries, func(e os.DirEntry) bool {
		abs, _ := filepath.Abs(filepath.Join(dirPath, e.Name()))
		return abs == skipPath
	})

	// Directories first, then case-insensitive by name.
	slices.SortFunc(entries, func(a, b os.DirEntry) int {
		if a.IsDir() != b.IsDir() {
			if a.IsDir() {
				return -1
			}
			return 1
		}
		return strings.Compare(strings.ToLower(a.Name()), strings.ToLower(b.Name()))
	})

	for i, entry := range entries {
		isLast := i == len(entries)-1
		connector := entryPrefix
		if isLast {
			connector = lastEntryPrefix
		}

		if !entry.IsDir() {
			var size int64
			if info, err := entry.Info(); err == nil {
				size = info.Size()
			}
			stats.Files++
			stats.Bytes += size
			if _, err := fmt.Fprintf(writer, "%s%s%s (%d B)\n", currentIndent, connector, entry.Name(), size); err != nil {
				return err
			}
			continue
		}

		stats.Dirs++
		if _, err := fmt.Fprintf(writer, "%s%s%s/\n", currentIndent, connector, entry.Name()); err != nil {
			return err
		}
		nextIndent := currentIndent + verticalLine
		if isLast {
			nextIndent = currentIndent + indentPrefix
		}
		if err := walkDirRecursive(writer, filepath.Join(dirPath, entry.Name()), nextIndent, skipPath, stats, log); err != nil {
			return err
		}
	}
	return nil
}
