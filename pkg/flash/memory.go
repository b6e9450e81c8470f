package flash

import "fmt"

// Memory is a RAM-backed Store that enforces erase-before-program.
// A new Memory is fully erased.
type Memory struct {
	data     []byte
	pageSize int
}

// NewMemory creates an erased Memory of the given size. size must be a
// positive multiple of pageSize.
func NewMemory(size int64, pageSize int) (*Memory, error) {
	if pageSize <= 0 {
		return nil, fmt.Errorf("flash: invalid page size %d", pageSize)
	}
	if size <= 0 || size%int64(pageSize) != 0 {
		return nil, fmt.Errorf("flash: size %d is not a positive multiple of page size %d", size, pageSize)
	}
	m := &Memory{data: make([]byte, size), pageSize: pageSize}
	for i := range m.data {
		m.data[i] = ErasedByte
	}
	return m, nil
}

func (m *Memory) ReadAt(p []byte, off int64) (int, error) {
	if err := checkRange(off, int64(len(p)), int64(len(m.data))); err != nil {
		return 0, err
	}
	return copy(p, m.data[off:]), nil
}

func (m *Memory) Erase(off, n int64) error {
	if err := checkRange(off, n, int64(len(m.data))); err != nil {
		return err
	}
	if err := checkEraseAlign(off, n, m.pageSize); err != nil {
		return err
	}
	region := m.data[off : off+n]
	for i := range region {
		region[i] = ErasedByte
	}
	return nil
}

func (m *Memory) Program(off int64, p []byte) error {
	if err := checkRange(off, int64(len(p)), int64(len(m.data))); err != nil {
		return err
	}
	target := m.data[off : off+int64(len(p))]
	for i, b := range target {
		if b != ErasedByte {
			return fmt.Errorf("%w: offset %d", ErrNotErased, off+int64(i))
		}
	}
	copy(target, p)
	return nil
}

func (m *Memory) Size() int64 { return int64(len(m.data)) }

func (m *Memory) PageSize() int { return m.pageSize }

var _ Store = (*Memory)(nil)
