package backup

import (
	"bytes"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// compareChunkSize is the read granularity for content comparison.
const compareChunkSize = 64 * 1024

// HasChanged compares the profile's manifest entries against the
// corresponding entries of an existing backup and reports whether a new
// backup would capture anything different.
//
// If the backup shares no common entries with the manifest (e.g. it was
// created on a volume that ran out of space mid-copy), the profile is
// treated as changed: a corrupt or incomplete backup must never
// suppress a new one. Entries present on only one side are not
// compared. The check is approximate: rarely-touched files may mask a
// change elsewhere in the manifest.
func HasChanged(profilePath, backupPath string, manifest []string) bool {
	common := 0
	changed := false

	for _, name := range manifest {
		live := filepath.Join(profilePath, name)
		backed := filepath.Join(backupPath, filepath.Base(name))

		liveInfo, err := os.Stat(live)
		if err != nil {
			continue
		}
		backedInfo, err := os.Stat(backed)
		if err != nil {
			continue
		}

		if liveInfo.IsDir() != backedInfo.IsDir() {
			common++
			changed = true
			continue
		}

		if liveInfo.IsDir() {
			dirCommon, dirChanged := compareDirs(live, backed)
			common += dirCommon
			changed = changed || dirChanged
			continue
		}

		common++
		if !filesEqual(live, liveInfo, backed, backedInfo) {
			changed = true
		}
	}

	if common == 0 {
		return true
	}
	return changed
}

// compareDirs recursively compares files common to both directories.
// Returns the number of compared files and whether any of them differ.
func compareDirs(liveDir, backedDir string) (int, bool) {
	common := 0
	changed := false

	entries, err := os.ReadDir(liveDir)
	if err != nil {
		return 0, false
	}

	for _, entry := range entries {
		live := filepath.Join(liveDir, entry.Name())
		backed := filepath.Join(backedDir, entry.Name())

		backedInfo, err := os.Lstat(backed)
		if err != nil {
			continue // Only present on one side: not compared.
		}

		if entry.IsDir() {
			if !backedInfo.IsDir() {
				common++
				changed = true
				continue
			}
			subCommon, subChanged := compareDirs(live, backed)
			common += subCommon
			changed = changed || subChanged
			continue
		}

		if !entry.Type().IsRegular() || !backedInfo.Mode().IsRegular() {
			continue
		}

		liveInfo, err := entry.Info()
		if err != nil {
			continue
		}

		common++
		if !filesEqual(live, liveInfo, backed, backedInfo) {
			changed = true
		}
	}

	return common, changed
}

// filesEqual uses a stat fast path (equal size and mtime means equal)
// and falls back to byte-wise comparison.
func filesEqual(livePath string, liveInfo fs.FileInfo, backedPath string, backedInfo fs.FileInfo) bool {
	if liveInfo.Size() != backedInfo.Size() {
		return false
	}
	if liveInfo.ModTime().Equal(backedInfo.ModTime()) {
		return true
	}
	return contentsEqual(livePath, backedPath)
}

func contentsEqual(pathA, pathB string) bool {
	fileA, err := os.Open(pathA)
	if err != nil {
		return false
	}
	defer fileA.Close()

	fileB, err := os.Open(pathB)
	if err != nil {
		return false
	}
	defer fileB.Close()

	bufA := make([]byte, compareChunkSize)
	bufB := make([]byte, compareChunkSize)
	for {
		nA, errA := io.ReadFull(fileA, bufA)
		nB, errB := io.ReadFull(fileB, bufB)
		if nA != nB || !bytes.Equal(bufA[:nA], bufB[:nB]) {
			return false
		}
		if errA != nil || errB != nil {
			return errA == errB || (isEOF(errA) && isEOF(errB))
		}
	}
}

func isEOF(err error) bool {
	return err == io.EOF || err == io.ErrUnexpectedEOF
}
