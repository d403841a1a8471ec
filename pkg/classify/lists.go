package classify

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ListFileName is the newline-delimited table list written per cadence.
func ListFileName(cadence Cadence) string {
	return fmt.Sprintf("result_%s.txt", cadence)
}

// WriteLists writes one newline-delimited file per cadence into dir. Each file
// is written to a temporary name and renamed so readers never see a partial list.
func WriteLists(dir string, res Result) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create list dir: %w", err)
	}
	for cadence, tables := range res.ByCadence {
		names := make([]string, len(tables))
		for i, t := range tables {
			names[i] = t.Name
		}
		if err := writeLines(filepath.Join(dir, ListFileName(cadence)), names); err != nil {
			return err
		}
	}
	return nil
}

// RawListName holds every discovered table, before classification.
const RawListName = "tables.txt"

// RawListPath is the raw table list inside dir.
func RawListPath(dir string) string {
	return filepath.Join(dir, RawListName)
}

// WriteRawList stores every discovered table name, unfiltered.
func WriteRawList(path string, names []string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create list dir: %w", err)
	}
	return writeLines(path, names)
}

func writeLines(path string, lines []string) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(strings.Join(lines, "\n")), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename %s: %w", tmp, err)
	}
	return nil
}
