// Package oracle answers ground-truth test accuracy queries from a
// precomputed benchmark table.
//
// The table is a YAML document listing every architecture of the search
// space with its cell string and recorded accuracies per dataset and
// hyperparameter profile. It is read once and never modified.
package oracle

import (
	"context"
	"os"
	"sort"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/okian/proxynas/internal/domain/arch"
	"github.com/okian/proxynas/pkg/metrics"
)

// Record is one architecture of the benchmark.
type Record struct {
	ID      int    `yaml:"id"`
	ArchStr string `yaml:"arch_str"`
	// Results maps dataset -> profile -> test accuracy.
	Results map[string]map[string]float64 `yaml:"results"`
}

type document struct {
	Archs []Record `yaml:"archs"`
}

// Table is the loaded benchmark. Safe for concurrent reads.
type Table struct {
	records []Record
}

// Load reads and decodes the table at path.
func Load(ctx context.Context, path string) (*Table, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(path) //nolint:gosec // path comes from configuration
	if err != nil {
		return nil, errors.Wrapf(err, "read benchmark table %s", path)
	}
	var doc document
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, errors.Wrapf(ErrMalformedTable, "decode %s: %v", path, err)
	}
	t, err := NewTable(doc.Archs...)
	if err != nil {
		return nil, errors.Wrapf(err, "load %s", path)
	}
	return t, nil
}

// NewTable builds a table from records. Ids must cover [0, len(records))
// exactly once.
func NewTable(records ...Record) (*Table, error) {
	sorted := make([]Record, len(records))
	copy(sorted, records)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })
	for i, r := range sorted {
		if r.ID != i {
			return nil, errors.Wrapf(ErrMalformedTable, "expected id %d, found %d", i, r.ID)
		}
	}
	return &Table{records: sorted}, nil
}

// Size returns the number of architectures.
func (t *Table) Size() int { return len(t.records) }

// ArchString returns the cell topology string of id.
func (t *Table) ArchString(id arch.ID) (string, error) {
	r, err := t.record(id)
	if err != nil {
		return "", err
	}
	return r.ArchStr, nil
}

// TestAccuracy returns the recorded test accuracy of id on dataset under profile.
func (t *Table) TestAccuracy(_ context.Context, id arch.ID, dataset, profile string) (float64, error) {
	metrics.RecordOracleQuery()
	r, err := t.record(id)
	if err != nil {
		metrics.RecordOracleError()
		return 0, err
	}
	byProfile, ok := r.Results[dataset]
	if !ok {
		metrics.RecordOracleError()
		return 0, errors.Wrapf(ErrUnknownDataset, "arch %d dataset %q", id, dataset)
	}
	acc, ok := byProfile[profile]
	if !ok {
		metrics.RecordOracleError()
		return 0, errors.Wrapf(ErrUnknownProfile, "arch %d dataset %q profile %q", id, dataset, profile)
	}
	return acc, nil
}

func (t *Table) record(id arch.ID) (Record, error) {
	if id < 0 || int(id) >= len(t.records) {
		return Record{}, errors.Wrapf(ErrUnknownArch, "arch %d not in [0,%d)", id, len(t.records))
	}
	return t.records[id], nil
}
