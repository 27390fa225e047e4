package datastore

import (
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
)

const manifestFileName = "MANIFEST"

// currentManifestFormatVersion is stamped into every manifest saveManifest
// writes. loadManifest rejects a manifest carrying any other version, so a
// future on-disk format change has something to gate on rather than silently
// misinterpreting an older (or newer) layout.
const currentManifestFormatVersion uint16 = 1

// manifestState is the durable description of a shard's disktable id
// counter and on-disk format version, the only piece of state besides the
// disktable files themselves that must survive a restart. It is modeled on
// the ManifestState/VersionEdit split used elsewhere in the retrieved corpus
// for LSM-style engines, trimmed down to the one counter this single-shard
// design needs, per SPEC_FULL.md's manifest shape
// (`{ NextDisktableID uint64, FormatVersion uint16 }`).
type manifestState struct {
	NextDisktableID uint64
	FormatVersion   uint16
}

func manifestPath(dir string) string {
	return filepath.Join(dir, manifestFileName)
}

// loadManifest reads the manifest file, returning a fresh state stamped with
// the current format version (not an error) if it doesn't exist yet — a
// brand-new shard directory. An existing manifest whose FormatVersion
// doesn't match currentManifestFormatVersion is rejected rather than
// silently misread.
func loadManifest(dir string) (manifestState, error) {
	f, err := os.Open(manifestPath(dir))
	if err != nil {
		if os.IsNotExist(err) {
			return manifestState{FormatVersion: currentManifestFormatVersion}, nil
		}
		return manifestState{}, fmt.Errorf("datastore: open manifest: %w", err)
	}
	defer f.Close()

	var state manifestState
	if err := gob.NewDecoder(f).Decode(&state); err != nil {
		return manifestState{}, fmt.Errorf("datastore: decode manifest: %w", err)
	}
	if state.FormatVersion != currentManifestFormatVersion {
		return manifestState{}, fmt.Errorf("datastore: manifest format version %d unsupported (want %d)", state.FormatVersion, currentManifestFormatVersion)
	}
	return state, nil
}

// saveManifest writes state via a temp-file-then-rename, so a crash mid-write
// never leaves a partially-written manifest behind for the next Open to trip
// over. It always stamps the current format version, regardless of what the
// caller set.
func saveManifest(dir string, state manifestState) error {
	state.FormatVersion = currentManifestFormatVersion

	tmp, err := os.CreateTemp(dir, manifestFileName+".tmp-*")
	if err != nil {
		return fmt.Errorf("datastore: create manifest temp file: %w", err)
	}
	tmpName := tmp.Name()

	if err := gob.NewEncoder(tmp).Encode(state); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("datastore: encode manifest: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("datastore: fsync manifest temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("datastore: close manifest temp file: %w", err)
	}
	if err := os.Rename(tmpName, manifestPath(dir)); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("datastore: rename manifest into place: %w", err)
	}
	return nil
}
