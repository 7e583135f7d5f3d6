package managers

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/schollz/progressbar/v3"

	"github.com/tinyrange/vmcore/internal/hv"
)

const memoryImageName = "memory.img"

// writeMemoryImage copies guest RAM out of vm into destDir/memory.img,
// instrumented with a byte progress bar the way the registry client reports
// download progress.
func writeMemoryImage(destDir string, vm hv.VirtualMachine) error {
	path := filepath.Join(destDir, memoryImageName)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create memory image: %w", err)
	}
	defer f.Close()

	size := int64(vm.MemorySize())
	bar := progressbar.DefaultBytes(size, "snapshot memory")
	defer bar.Close()

	writer := io.MultiWriter(f, bar)

	const chunk = 4 << 20
	buf := make([]byte, chunk)
	var off int64
	for off < size {
		n := chunk
		if remaining := size - off; remaining < int64(n) {
			n = int(remaining)
		}
		read, err := vm.ReadAt(buf[:n], off)
		if read > 0 {
			if _, werr := writer.Write(buf[:read]); werr != nil {
				return fmt.Errorf("write memory image: %w", werr)
			}
			off += int64(read)
		}
		if err != nil && err != io.EOF {
			return fmt.Errorf("read guest memory at offset %d: %w", off, err)
		}
		if read == 0 {
			break
		}
	}

	return nil
}
