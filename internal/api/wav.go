package api

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"time"
)

var errNotWAV = errors.New("not a RIFF/WAVE file")

// wavDuration computes the play time of a WAV file from its header: the size
// of the data chunk divided by the byte rate declared in the fmt chunk. It
// never decodes samples. Files that are not RIFF/WAVE return errNotWAV so
// callers can skip the duration cap for formats we do not probe.
func wavDuration(path string) (time.Duration, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	return readWAVDuration(f)
}

func readWAVDuration(r io.ReadSeeker) (time.Duration, error) {
	var riff [12]byte
	if _, err := io.ReadFull(r, riff[:]); err != nil {
		return 0, errNotWAV
	}
	if string(riff[0:4]) != "RIFF" || string(riff[8:12]) != "WAVE" {
		return 0, errNotWAV
	}

	var byteRate uint32
	var dataSize uint32
	seenFmt := false
	seenData := false

	for !seenFmt || !seenData {
		var header [8]byte
		if _, err := io.ReadFull(r, header[:]); err != nil {
			return 0, fmt.Errorf("truncated WAV header")
		}
		chunkID := string(header[0:4])
		chunkSize := binary.LittleEndian.Uint32(header[4:8])

		switch chunkID {
		case "fmt ":
			if chunkSize < 16 {
				return 0, fmt.Errorf("malformed fmt chunk (%d bytes)", chunkSize)
			}
			var fmtChunk [16]byte
			if _, err := io.ReadFull(r, fmtChunk[:]); err != nil {
				return 0, fmt.Errorf("truncated fmt chunk")
			}
			byteRate = binary.LittleEndian.Uint32(fmtChunk[8:12])
			if byteRate == 0 {
				return 0, fmt.Errorf("fmt chunk declares zero byte rate")
			}
			if chunkSize > 16 {
				if _, err := r.Seek(int64(chunkSize-16), io.SeekCurrent); err != nil {
					return 0, err
				}
			}
			seenFmt = true
		case "data":
			dataSize = chunkSize
			seenData = true
			// data is usually last; skip its payload only if fmt is still
			// missing.
			if !seenFmt {
				if _, err := r.Seek(int64(chunkSize), io.SeekCurrent); err != nil {
					return 0, err
				}
			}
		default:
			// Chunks are word-aligned; odd sizes carry a pad byte.
			skip := int64(chunkSize)
			if chunkSize%2 == 1 {
				skip++
			}
			if _, err := r.Seek(skip, io.SeekCurrent); err != nil {
				return 0, err
			}
		}
	}

	seconds := float64(dataSize) / float64(byteRate)
	return time.Duration(seconds * float64(time.Second)), nil
}
