package vm

import (
	"encoding/json"
	"log/slog"

	"github.com/tinyrange/vmcore/internal/config"
	"github.com/tinyrange/vmcore/internal/hv"
	"github.com/tinyrange/vmcore/internal/vmstate"
)

// vmSectionID is the well-known data-section id for the root manifest node,
// per §6's "Persisted state layout".
const vmSectionID = "vm-section"

// ManifestData is the root "vm" snapshot's data blob: the configuration at
// the moment of snapshot, the saved hypervisor clock (x86 only, optional),
// and an opaque hypervisor VM state blob used to recreate the VM before
// restoring the Memory Manager's content into it.
type ManifestData struct {
	SectionID         string           `json:"section_id"`
	Config            config.VmConfig  `json:"config"`
	SavedClock        *hv.ClockState   `json:"saved_clock,omitempty"`
	HypervisorVMState []byte           `json:"hypervisor_vm_state,omitempty"`
}

// childSnapshot carries one subsystem's opaque snapshot payload alongside
// its well-known manifest id.
type childSnapshot struct {
	ID   string          `json:"id"`
	Data json.RawMessage `json:"data"`
}

// Manifest is the tree-shaped snapshot document rooted at id "vm" with
// children "cpu-manager", "memory-manager", "device-manager", per §3 and
// §4.10.
type Manifest struct {
	ID       string          `json:"id"`
	Data     ManifestData    `json:"data"`
	Children []childSnapshot `json:"children"`
}

// Child looks up a named child snapshot's opaque payload and decodes it back
// into an hv.Snapshot-compatible value (a raw byte blob, since hv.Snapshot
// is a marker interface for whatever the collaborator produced).
func (m *Manifest) Child(id string) (hv.Snapshot, bool) {
	for _, c := range m.Children {
		if c.ID == id {
			var raw rawSnapshot
			raw.bytes = []byte(c.Data)
			return raw, true
		}
	}
	return nil, false
}

// rawSnapshot is the concrete hv.Snapshot implementation this package uses:
// an opaque JSON payload a collaborator's CaptureSnapshot/RestoreSnapshot
// pair agrees on the shape of.
type rawSnapshot struct {
	bytes []byte
}

func (r rawSnapshot) MarshalJSON() ([]byte, error) { return r.bytes, nil }

// Snapshot builds and returns the manifest described in §4.10. It only
// succeeds from the Paused state; any other state reports Snapshot(...)
// with the message used by S5.
func (v *VM) Snapshot() (*Manifest, error) {
	if v.state.Get() != vmstate.Paused {
		return nil, &SnapshotError{Reason: "Trying to snapshot while VM is running"}
	}

	cfg := v.configSnapshot()

	data := ManifestData{
		SectionID: vmSectionID,
		Config:    cfg,
		SavedClock: v.savedClock,
	}

	if ctrl, ok := v.machine.(hv.RunStateController); ok {
		state, err := ctrl.State()
		if err == nil {
			data.HypervisorVMState = []byte(runStateString(state))
		}
	}

	manifest := &Manifest{ID: "vm", Data: data}

	cpuSnap, err := v.cpu.CaptureSnapshot()
	if err != nil {
		return nil, &CpuManagerError{Err: err}
	}
	manifest.Children = append(manifest.Children, toChildSnapshot("cpu-manager", cpuSnap))

	memSnap, err := v.memory.CaptureSnapshot()
	if err != nil {
		return nil, &MemoryManagerError{Err: err}
	}
	manifest.Children = append(manifest.Children, toChildSnapshot("memory-manager", memSnap))

	devSnap, err := v.device.CaptureSnapshot()
	if err != nil {
		return nil, &DeviceManagerError{Err: err}
	}
	manifest.Children = append(manifest.Children, toChildSnapshot("device-manager", devSnap))

	v.log.Info("snapshot captured", slog.Int("children", len(manifest.Children)))
	return manifest, nil
}

func toChildSnapshot(id string, snap hv.Snapshot) childSnapshot {
	raw, err := json.Marshal(snap)
	if err != nil {
		raw = []byte("null")
	}
	return childSnapshot{ID: id, Data: raw}
}

// Restore applies a previously captured manifest: it restores the Memory
// Manager, then the Device Manager, then the CPU Manager, in that order per
// §4.10, and commits Paused. A missing child snapshot for any of the three
// is fatal, even though NewFromSnapshot already reconstructed the Memory
// Manager once to recover guest RAM content before this method runs.
func (v *VM) Restore(manifest *Manifest) error {
	return v.state.Transition(vmstate.Paused, func() error {
		memChild, ok := manifest.Child("memory-manager")
		if !ok {
			return &RestoreError{Reason: "manifest missing memory-manager child"}
		}
		if err := v.memory.RestoreSnapshot(memChild); err != nil {
			return &RestoreError{Reason: "memory manager restore", Err: err}
		}

		devChild, ok := manifest.Child("device-manager")
		if !ok {
			return &RestoreError{Reason: "manifest missing device-manager child"}
		}
		if err := v.device.RestoreSnapshot(devChild); err != nil {
			return &RestoreError{Reason: "device manager restore", Err: err}
		}

		cpuChild, ok := manifest.Child("cpu-manager")
		if !ok {
			return &RestoreError{Reason: "manifest missing cpu-manager child"}
		}
		if err := v.cpu.RestoreSnapshot(cpuChild); err != nil {
			return &RestoreError{Reason: "cpu manager restore", Err: err}
		}

		if v.console != nil && v.console.InputEnabled() {
			if err := v.startSignalDriver(); err != nil {
				return &SignalHandlerSpawnError{Err: err}
			}
		}

		v.log.Info("vm restored from snapshot")
		return nil
	})
}

func runStateString(s hv.RunState) string {
	switch s {
	case hv.RunStateCreated:
		return "created"
	case hv.RunStateRunning:
		return "running"
	case hv.RunStatePaused:
		return "paused"
	default:
		return "unknown"
	}
}
