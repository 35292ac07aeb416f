package executor

import (
	"os"
	"path/filepath"
)

// rescueFloor is the hard minimum of on-disk artifacts required before a
// crashed task may be reclassified as successful, regardless of model.
const rescueFloor = 4

// artifactExtensions are the stem file formats the engine is known to write.
var artifactExtensions = []string{".wav", ".flac"}

// RescuePolicy decides whether a crashed task already produced its output.
//
// Many native-library crashes happen during teardown, after every stem has
// been flushed to disk. The policy scans the task's output directory for the
// expected stem files; finding enough of them means the work is valid and the
// crash can be ignored.
type RescuePolicy struct {
	OutputDir string
	Stems     []string // expected stem names for the task's model
	MinStems  int      // per-model minimum; raised to rescueFloor if lower
}

func (p RescuePolicy) minimum() int {
	if p.MinStems < rescueFloor {
		return rescueFloor
	}
	return p.MinStems
}

// Attempt scans the output directory. It returns the reconstructed stem map
// and true when at least the minimum number of recognizable, non-empty
// artifacts exist; otherwise nil and false.
func (p RescuePolicy) Attempt() (map[string]string, bool) {
	if p.OutputDir == "" || len(p.Stems) == 0 {
		return nil, false
	}

	found := make(map[string]string, len(p.Stems))
	for _, stem := range p.Stems {
		for _, ext := range artifactExtensions {
			path := filepath.Join(p.OutputDir, stem+ext)
			info, err := os.Stat(path)
			if err != nil || info.IsDir() || info.Size() == 0 {
				continue
			}
			found[stem] = path
			break
		}
	}

	if len(found) < p.minimum() {
		return nil, false
	}
	return found, true
}
