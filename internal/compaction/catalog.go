// Package compaction implements the compactor and compaction catalog
// of spec §4.9 and §6.1: folding a set of rotated WAL files plus any
// existing compacted file into a fresh `pwal_0000.compacted`, and the
// two-phase catalog replace that makes that swap crash-safe.
package compaction

import (
	"bufio"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/chuliyu/limestone-go/pkg/limestone"
)

const (
	catalogHeader = "COMPACTION_CATALOG_HEADER"
	catalogFooter = "COMPACTION_CATALOG_FOOTER"
)

// CompactedFile names one file folded into the current compacted
// output, with its format version.
type CompactedFile struct {
	Name    string
	Version int
}

// Catalog is the parsed contents of a compaction_catalog file.
type Catalog struct {
	MaxEpochID     limestone.EpochID
	CompactedFiles []CompactedFile
	MigratedPWALs  []string
}

// ErrMissingFooter is returned by ParseCatalog when the input lacks
// COMPACTION_CATALOG_FOOTER; per spec §6.1 this means the file should
// be treated as absent and the backup consulted instead.
var ErrMissingFooter = fmt.Errorf("compaction: catalog missing footer")

// ErrUnknownKey is returned when a catalog line uses a key other than
// MAX_EPOCH_ID, COMPACTED_FILE, or MIGRATED_PWAL/DETACHED_PWAL.
var ErrUnknownKey = fmt.Errorf("compaction: unknown catalog key")

// ParseCatalog parses the text grammar of spec §6.1.
func ParseCatalog(data []byte) (*Catalog, error) {
	scanner := bufio.NewScanner(strings.NewReader(string(data)))
	if !scanner.Scan() {
		return nil, fmt.Errorf("compaction: empty catalog")
	}
	if strings.TrimSpace(scanner.Text()) != catalogHeader {
		return nil, fmt.Errorf("compaction: catalog missing header")
	}

	cat := &Catalog{}
	sawFooter := false
	sawMaxEpoch := false
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == catalogFooter {
			sawFooter = true
			break
		}

		fields := strings.Fields(line)
		switch fields[0] {
		case "MAX_EPOCH_ID":
			if len(fields) != 2 {
				return nil, fmt.Errorf("compaction: malformed MAX_EPOCH_ID line %q", line)
			}
			v, err := strconv.ParseUint(fields[1], 10, 64)
			if err != nil {
				return nil, fmt.Errorf("compaction: malformed MAX_EPOCH_ID value: %w", err)
			}
			cat.MaxEpochID = limestone.EpochID(v)
			sawMaxEpoch = true
		case "COMPACTED_FILE":
			if len(fields) != 3 {
				return nil, fmt.Errorf("compaction: malformed COMPACTED_FILE line %q", line)
			}
			version, err := strconv.Atoi(fields[2])
			if err != nil {
				return nil, fmt.Errorf("compaction: malformed COMPACTED_FILE version: %w", err)
			}
			cat.CompactedFiles = append(cat.CompactedFiles, CompactedFile{Name: fields[1], Version: version})
		case "MIGRATED_PWAL", "DETACHED_PWAL":
			if len(fields) != 2 {
				return nil, fmt.Errorf("compaction: malformed MIGRATED_PWAL line %q", line)
			}
			cat.MigratedPWALs = append(cat.MigratedPWALs, fields[1])
		default:
			return nil, fmt.Errorf("%w: %q", ErrUnknownKey, fields[0])
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("compaction: scanning catalog: %w", err)
	}
	if !sawFooter {
		return nil, ErrMissingFooter
	}
	_ = sawMaxEpoch // MAX_EPOCH_ID defaults to 0 when absent, matching manifest's empty-catalog literal.

	return cat, nil
}

// Render serializes cat back to the spec §6.1 text grammar, with
// COMPACTED_FILE lines sorted for deterministic output.
func (cat *Catalog) Render() []byte {
	var b strings.Builder
	b.WriteString(catalogHeader)
	b.WriteByte('\n')
	fmt.Fprintf(&b, "MAX_EPOCH_ID %d\n", cat.MaxEpochID)

	files := append([]CompactedFile(nil), cat.CompactedFiles...)
	sort.Slice(files, func(i, j int) bool {
		if files[i].Name != files[j].Name {
			return files[i].Name < files[j].Name
		}
		return files[i].Version < files[j].Version
	})
	for _, f := range files {
		fmt.Fprintf(&b, "COMPACTED_FILE %s %d\n", f.Name, f.Version)
	}

	migrated := append([]string(nil), cat.MigratedPWALs...)
	sort.Strings(migrated)
	for _, m := range migrated {
		fmt.Fprintf(&b, "MIGRATED_PWAL %s\n", m)
	}

	b.WriteString(catalogFooter)
	b.WriteByte('\n')
	return []byte(b.String())
}

// readCatalog reads and parses the catalog at path, or nil if it does
// not exist.
func readCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("compaction: reading %s: %w", path, err)
	}
	return ParseCatalog(data)
}
