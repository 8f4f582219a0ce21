package container

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/trialflow/trialflow/pkg/errors"
	"github.com/trialflow/trialflow/pkg/ndarray"
)

const (
	manifestName    = "manifest.json"
	manifestVersion = 1
	extentDir       = "extents"
	rootGroupName   = "metadata.parquet"
)

// Extent states.
const (
	StatusPending = "pending"
	StatusWritten = "written"
	StatusFailed  = "failed"
)

// Slab is the half-open leading-axis range [Start, Stop) of one trial.
type Slab struct {
	Start int `json:"start"`
	Stop  int `json:"stop"`
}

// Len returns the number of rows in the slab.
func (s Slab) Len() int { return s.Stop - s.Start }

// Extent is one physical file backing a slab of the logical array.
type Extent struct {
	Trial    int    `json:"trial"`
	Slab     Slab   `json:"slab"`
	File     string `json:"file"`
	Status   string `json:"status"`
	Checksum string `json:"checksum,omitempty"`
	Metadata string `json:"metadata,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Manifest describes a container on disk.
type Manifest struct {
	Version         int                 `json:"version"`
	ID              string              `json:"id"`
	Dataset         string              `json:"dataset"`
	DType           string              `json:"dtype"`
	Shape           []int               `json:"shape"`
	Dimord          []string            `json:"dimord,omitempty"`
	Compression     string              `json:"compression"`
	Kernel          string              `json:"kernel,omitempty"`
	Extents         []Extent            `json:"extents"`
	TrialDefinition [][]int64           `json:"trialdefinition,omitempty"`
	SampleRate      float64             `json:"samplerate,omitempty"`
	Labels          map[string][]string `json:"labels,omitempty"`
	Metadata        string              `json:"metadata,omitempty"`
	Averaged        bool                `json:"averaged,omitempty"`
	Failed          []int               `json:"failed,omitempty"`
	Warnings        []string            `json:"warnings,omitempty"`
	CreatedAt       time.Time           `json:"created_at"`
	FinalizedAt     *time.Time          `json:"finalized_at,omitempty"`
}

func (m *Manifest) dtype() (ndarray.DType, error) {
	return ndarray.ParseDType(m.DType)
}

func (m *Manifest) shape() ndarray.Shape {
	return ndarray.Shape(append([]int(nil), m.Shape...))
}

func (m *Manifest) validate() error {
	if m.Version != manifestVersion {
		return fmt.Errorf("unsupported manifest version %d", m.Version)
	}
	if _, err := m.dtype(); err != nil {
		return err
	}
	if len(m.Shape) == 0 {
		return fmt.Errorf("empty shape")
	}
	next := 0
	for i, e := range m.Extents {
		if e.Slab.Start != next || e.Slab.Stop < e.Slab.Start {
			return fmt.Errorf("extent %d covers [%d, %d), expected start %d", i, e.Slab.Start, e.Slab.Stop, next)
		}
		next = e.Slab.Stop
	}
	if next != m.Shape[0] {
		return fmt.Errorf("extents cover %d rows, shape has %d", next, m.Shape[0])
	}
	return nil
}

func loadManifest(dir string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, manifestName))
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, errors.Wrap(err, errors.CodeManifestInvalid, "decode manifest").
			WithContext("dir", dir)
	}
	if err := m.validate(); err != nil {
		return nil, errors.Wrap(err, errors.CodeManifestInvalid, "invalid manifest").
			WithContext("dir", dir)
	}
	return &m, nil
}

// save writes the manifest atomically.
func (m *Manifest) save(dir string) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	path := filepath.Join(dir, manifestName)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return errors.Wrap(err, errors.CodeWriteFailed, "write manifest")
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return errors.Wrap(err, errors.CodeWriteFailed, "write manifest")
	}
	return nil
}
