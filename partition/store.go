package partition

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/hashicorp/go-hclog"
	"golang.org/x/exp/rand"
)

// File is the persisted form of a partition.
type File struct {
	Dataset    string  `json:"dataset"`
	NumClients int     `json:"num_clients"`
	Alpha      float64 `json:"alpha"`
	EqualSize  bool    `json:"equal_size"`
	NumLabels  int     `json:"num_labels"`
	LabelsHash uint64  `json:"labels_hash"`
	Clients    [][]int `json:"clients"`
}

// labelsHash fingerprints a label array so a stored partition is only reused
// for the dataset it was drawn from.
func labelsHash(labels []int) uint64 {
	buf := make([]byte, 0, 8*len(labels))
	for _, l := range labels {
		buf = binary.LittleEndian.AppendUint64(buf, uint64(l))
	}
	return xxhash.Sum64(buf)
}

// Store keeps partitions under <Dir>/<dataset>/train_<clients>_<alpha>.json.
type Store struct {
	Dir    string
	logger hclog.Logger
}

func NewStore(dir string, logger hclog.Logger) *Store {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Store{Dir: dir, logger: logger.Named("partition")}
}

// Path is the file a partition of dataset is stored at.
func (s *Store) Path(dataset string, numClients int, alpha float64) string {
	return filepath.Join(s.Dir, strings.ToLower(dataset), fmt.Sprintf("train_%d_%.2f.json", numClients, alpha))
}

func (s *Store) Save(path string, f *File) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create partition dir: %w", err)
	}
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("failed to marshal partition: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write partition %s: %w", path, err)
	}
	return nil
}

func (s *Store) Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f File
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to unmarshal partition %s: %w", path, err)
	}
	return &f, nil
}

// LoadOrCreate returns the stored partition for (dataset, opts.NumClients,
// opts.Alpha) when one exists and fits labels; otherwise it draws a new one
// with Dirichlet and writes it. created reports which happened.
func (s *Store) LoadOrCreate(dataset string, labels []int, opts Options, rng *rand.Rand) (parts [][]int, created bool, err error) {
	path := s.Path(dataset, opts.NumClients, opts.Alpha)
	f, err := s.Load(path)
	switch {
	case err == nil:
		verr := checkStored(f, labels, opts)
		if verr == nil {
			s.logger.Info("loaded partition", "path", path, "clients", len(f.Clients))
			return f.Clients, false, nil
		}
		s.logger.Warn("stored partition does not match, regenerating", "path", path, "error", verr)
	case errors.Is(err, fs.ErrNotExist):
	default:
		return nil, false, err
	}

	parts, err = Dirichlet(labels, opts, rng)
	if err != nil {
		return nil, false, err
	}
	f = &File{
		Dataset:    dataset,
		NumClients: opts.NumClients,
		Alpha:      opts.Alpha,
		EqualSize:  opts.EqualSize,
		NumLabels:  len(labels),
		LabelsHash: labelsHash(labels),
		Clients:    parts,
	}
	if err := s.Save(path, f); err != nil {
		return nil, false, err
	}
	s.logger.Info("created partition", "path", path, "clients", opts.NumClients, "alpha", opts.Alpha,
		"equal_size", opts.EqualSize, "skew", Skew(labels, parts, opts.NumClasses))
	for i, counts := range ClassCounts(labels, parts) {
		s.logger.Debug("client data", "client", i, "samples", len(parts[i]), "classes", counts)
	}
	return parts, true, nil
}

func checkStored(f *File, labels []int, opts Options) error {
	if len(f.Clients) != opts.NumClients {
		return fmt.Errorf("%d clients stored, %d requested", len(f.Clients), opts.NumClients)
	}
	if f.EqualSize != opts.EqualSize {
		return fmt.Errorf("equal_size %t stored, %t requested", f.EqualSize, opts.EqualSize)
	}
	if f.Alpha != opts.Alpha {
		return fmt.Errorf("alpha %g stored, %g requested", f.Alpha, opts.Alpha)
	}
	if f.NumLabels != len(labels) {
		return fmt.Errorf("partition of %d labels stored, dataset has %d", f.NumLabels, len(labels))
	}
	if f.LabelsHash != labelsHash(labels) {
		return errors.New("stored partition was drawn from different labels")
	}

	quota := len(labels) / opts.NumClients
	seen := make(map[int]bool, len(labels))
	for i, p := range f.Clients {
		if opts.EqualSize && len(p) != quota {
			return fmt.Errorf("client %d holds %d samples, quota is %d", i, len(p), quota)
		}
		for _, idx := range p {
			if idx < 0 || idx >= len(labels) || seen[idx] {
				return fmt.Errorf("invalid or duplicate index %d", idx)
			}
			seen[idx] = true
		}
	}
	if !opts.EqualSize && len(seen) != len(labels) {
		return fmt.Errorf("partition covers %d of %d samples", len(seen), len(labels))
	}
	return nil
}
