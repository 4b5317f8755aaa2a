package transport

import (
	"os"

	"golang.org/x/sys/unix"

	"github.com/crm-rpc/crmrpc/errs"
)

/*
Memory-mapped file helpers for the memory:// backend. Payloads are written
to a .temp file through a shared mapping and renamed into place so a reader
never observes a half-written event.
*/

func writeFileMmap(path string, data []byte) error {
	tmp := path + ".temp"
	if err := writeMapped(tmp, data); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return errs.New(errs.ERROR_AT_EVENT_SERIALIZING, "publishing %s: %s", path, err.Error())
	}
	return nil
}

func writeMapped(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return errs.New(errs.ERROR_AT_EVENT_SERIALIZING, "creating %s: %s", path, err.Error())
	}
	defer f.Close()

	if len(data) == 0 {
		return nil
	}
	if err := f.Truncate(int64(len(data))); err != nil {
		return errs.New(errs.ERROR_AT_EVENT_SERIALIZING, "sizing %s: %s", path, err.Error())
	}
	mem, err := unix.Mmap(int(f.Fd()), 0, len(data), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return errs.New(errs.ERROR_AT_EVENT_SERIALIZING, "mapping %s: %s", path, err.Error())
	}
	copy(mem, data)
	if err := unix.Msync(mem, unix.MS_SYNC); err != nil {
		unix.Munmap(mem)
		return errs.New(errs.ERROR_AT_EVENT_SERIALIZING, "syncing %s: %s", path, err.Error())
	}
	return unix.Munmap(mem)
}

func readFileMmap(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errs.New(errs.ERROR_AT_EVENT_DESERIALIZING, "opening %s: %s", path, err.Error())
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, errs.New(errs.ERROR_AT_EVENT_DESERIALIZING, "stat %s: %s", path, err.Error())
	}
	size := int(info.Size())
	if size == 0 {
		return nil, nil
	}
	mem, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, errs.New(errs.ERROR_AT_EVENT_DESERIALIZING, "mapping %s: %s", path, err.Error())
	}
	data := make([]byte, size)
	copy(data, mem)
	unix.Munmap(mem)
	return data, nil
}
