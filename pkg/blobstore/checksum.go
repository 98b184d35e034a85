package blobstore

import (
	"fmt"
	"hash/crc32"
	"io"
	"os"
)

const bufferSize = 64 * 1024 // 64KB buffer

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// fileCRC32C calculates the CRC32C checksum GCS uses to validate uploads.
func fileCRC32C(filePath string) (uint32, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return 0, fmt.Errorf("open file: %w", err)
	}
	defer file.Close()

	return readerCRC32C(file)
}

func readerCRC32C(r io.Reader) (uint32, error) {
	hash := crc32.New(castagnoli)
	if _, err := io.CopyBuffer(hash, r, make([]byte, bufferSize)); err != nil {
		return 0, fmt.Errorf("read: %w", err)
	}
	return hash.Sum32(), nil
}
