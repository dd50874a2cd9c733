package ledger

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// ManifestName is the checksum manifest written last into every export archive.
const ManifestName = "sha256sums.txt"

// archiveModTime is stamped on every archive entry so that equal inputs give equal bytes.
var archiveModTime = time.Date(1980, 1, 1, 0, 0, 0, 0, time.UTC)

// Partition is one daily file of a series.
type Partition struct {
	Series Series
	Date   time.Time // midnight local time
	Name   string    // file name, e.g. 20240131.csv
	Size   int64
}

// ArchiveName is the path of the partition inside an export archive.
func (p Partition) ArchiveName() string {
	return path.Join(string(p.Series), p.Name)
}

// Partitions lists the partitions of both series, attendance first, each sorted by date.
// Files whose names are not a partition date are ignored.
func (l *Ledger) Partitions(ctx context.Context) ([]Partition, error) {
	var out []Partition
	for _, series := range []Series{SeriesAttendance, SeriesConfirmation} {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		parts, err := l.seriesPartitions(series)
		if err != nil {
			return nil, err
		}
		out = append(out, parts...)
	}
	return out, nil
}

func (l *Ledger) seriesPartitions(series Series) ([]Partition, error) {
	dir := l.dirs[series]
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading %s: %w", dir, err)
	}

	var parts []Partition
	for _, e := range entries {
		if !e.Type().IsRegular() || !strings.HasSuffix(e.Name(), partitionExt) {
			continue
		}
		date, err := time.ParseInLocation(PartitionLayout, strings.TrimSuffix(e.Name(), partitionExt), time.Local)
		if err != nil {
			continue
		}
		info, err := e.Info()
		if err != nil {
			return nil, fmt.Errorf("stat %s: %w", e.Name(), err)
		}
		parts = append(parts, Partition{Series: series, Date: date, Name: e.Name(), Size: info.Size()})
	}
	sort.Slice(parts, func(i, j int) bool { return parts[i].Name < parts[j].Name })
	return parts, nil
}

// inRange reports whether date lies within [from, to], comparing calendar days.
// A nil bound is open.
func inRange(date time.Time, from, to *time.Time) bool {
	day := date.Format(PartitionLayout)
	if from != nil && day < from.Local().Format(PartitionLayout) {
		return false
	}
	if to != nil && day > to.Local().Format(PartitionLayout) {
		return false
	}
	return true
}

// readPartition reads a whole partition while holding its append lock, so the copy never
// ends in the middle of a line.
func (l *Ledger) readPartition(p Partition) ([]byte, error) {
	file := filepath.Join(l.dirs[p.Series], p.Name)
	lock := l.partitionLock(file)
	lock.Lock()
	defer lock.Unlock()

	data, err := os.ReadFile(file) //nolint:gosec // name comes from the ledger directory listing
	if err != nil {
		return nil, fmt.Errorf("reading partition %s: %w", file, err)
	}
	return data, nil
}

// ExportArchive writes a ZIP of every partition dated within [from, to] (nil bounds are
// open) to w. Entries are named attendance/<date>.csv and confirmation/<date>.csv, sorted,
// and carry a fixed modification time; sha256sums.txt lists their checksums. Without writes
// in between, two exports produce identical bytes. The ledger is not modified.
func (l *Ledger) ExportArchive(ctx context.Context, from, to *time.Time, w io.Writer) error {
	parts, err := l.Partitions(ctx)
	if err != nil {
		return err
	}

	files := make(map[string][]byte)
	for _, p := range parts {
		if !inRange(p.Date, from, to) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		data, err := l.readPartition(p)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return err
		}
		files[p.ArchiveName()] = data
	}
	files[ManifestName] = buildChecksums(files)

	if err := writeZip(w, files); err != nil {
		return fmt.Errorf("writing archive: %w", err)
	}
	l.logger.Info("attendance archive exported", "files", len(files)-1)
	return nil
}

func buildChecksums(files map[string][]byte) []byte {
	names := make([]string, 0, len(files))
	for name := range files {
		if name == ManifestName {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)

	var buf bytes.Buffer
	for _, name := range names {
		sum := sha256.Sum256(files[name])
		fmt.Fprintf(&buf, "sha256:%s  %s\n", hex.EncodeToString(sum[:]), name)
	}
	return buf.Bytes()
}

func writeZip(w io.Writer, files map[string][]byte) error {
	zw := zip.NewWriter(w)

	names := make([]string, 0, len(files))
	for name := range files {
		if name == ManifestName {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	names = append(names, ManifestName)

	for _, name := range names {
		header := &zip.FileHeader{
			Name:     name,
			Method:   zip.Deflate,
			Modified: archiveModTime,
		}
		header.SetMode(0o644)
		entry, err := zw.CreateHeader(header)
		if err != nil {
			_ = zw.Close()
			return err
		}
		if _, err := entry.Write(files[name]); err != nil {
			_ = zw.Close()
			return err
		}
	}
	return zw.Close()
}
