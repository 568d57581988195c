package kvstore

import (
	"os"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/outofforest/photon"
)

const hugePageSize = 2 * 1024 * 1024

// region is anonymous memory holding float32 entries. Mapping starts at the page boundary, so every entry is
// aligned. Length is rounded up to the page size, huge pages included, because munmap fails otherwise.
type region struct {
	data []byte
}

func mapRegion(size uint64, useHugePages bool) (*region, error) {
	if size == 0 {
		return nil, errors.New("region must not be empty")
	}

	flags := unix.MAP_PRIVATE | unix.MAP_ANONYMOUS | unix.MAP_NORESERVE
	pageSize := uint64(os.Getpagesize())
	if useHugePages {
		flags |= unix.MAP_HUGETLB
		pageSize = hugePageSize
	}

	length := (size + pageSize - 1) / pageSize * pageSize
	data, err := unix.Mmap(-1, 0, int(length), unix.PROT_READ|unix.PROT_WRITE, flags)
	if err != nil {
		return nil, errors.Wrapf(err, "mapping %d bytes failed", length)
	}
	return &region{data: data}, nil
}

// float32s returns n entries starting at the byte offset.
func (r *region) float32s(offset, n uint64) []float32 {
	return photon.SliceFromPointer[float32](unsafe.Pointer(&r.data[offset]), int(n))
}

func (r *region) unmap() error {
	return errors.WithStack(unix.Munmap(r.data))
}
