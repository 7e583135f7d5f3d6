package vm

import (
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"

	"github.com/schollz/progressbar/v3"
)

// SendSnapshot writes manifest and the Memory Manager's guest-memory content
// to destURL. Only the file:// scheme is supported directly; any other
// scheme is reported through MigrateSend, matching the behavior other
// transports (network migration targets) would need a dedicated sender for.
func (v *VM) SendSnapshot(manifest *Manifest, destURL string) error {
	u, err := url.Parse(destURL)
	if err != nil {
		return &RestoreSourceUrlError{URL: destURL}
	}

	if u.Scheme != "" && u.Scheme != "file" {
		return v.MigrateSend(manifest, destURL)
	}

	destDir := u.Path
	if destDir == "" {
		destDir = destURL
	}

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return &SnapshotSendError{Err: err}
	}

	manifestPath := filepath.Join(destDir, "vm.json")
	f, err := os.OpenFile(manifestPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return &SnapshotSendError{Err: err}
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(manifest); err != nil {
		return &SerializeJsonError{Err: err}
	}

	bar := progressbar.DefaultBytes(-1, fmt.Sprintf("snapshot %s", destDir))
	defer bar.Close()

	if err := v.memory.Send(destDir); err != nil {
		return &SnapshotSendError{Err: err}
	}
	bar.Add(1)

	v.log.Info("snapshot sent", "dest", destDir)
	return nil
}

// MigrateSend is the non-file:// transport path. This codebase does not
// implement live migration (see Non-goals); any destination URL with a
// scheme other than file:// is rejected here rather than silently treated
// as a local path.
func (v *VM) MigrateSend(manifest *Manifest, destURL string) error {
	return &SnapshotSendError{Err: fmt.Errorf("unsupported migration destination scheme: %s", destURL)}
}

// LoadManifest reads a manifest previously written by SendSnapshot.
func LoadManifest(r io.Reader) (*Manifest, error) {
	var m Manifest
	if err := json.NewDecoder(r).Decode(&m); err != nil {
		return nil, &SerializeJsonError{Err: err}
	}
	return &m, nil
}
