package config

import (
	"fmt"
	"os"
	"strconv"

	mapslice "github.com/ake-persson/mapslice-json"

	"git.gammaspectra.live/P2Pool/netsim/utils"
)

// SweepLeaf is one array-valued leaf of the sweeps file: the environment key
// it overrides and the values it takes across permutations.
type SweepLeaf struct {
	Path   string
	Key    string
	Values []any
}

type SweepValue struct {
	Path  string
	Key   string
	Value any
}

// Permutation is one point of the Cartesian product over all sweep leaves.
type Permutation []SweepValue

// Sweeps holds the parsed sweep leaves. Top-level leaf order follows the
// file's key order (via an order-preserving map decode); leaves inside a
// nested group come out in sorted key order. This fixes the sweep-column
// order in results_summary.csv.
type Sweeps struct {
	Raw    []byte
	Leaves []SweepLeaf
}

func (s *Sweeps) MarshalJSON() ([]byte, error) {
	return s.Raw, nil
}

func (s *Sweeps) UnmarshalJSON(b []byte) error {
	parsed, err := ParseSweeps(b)
	if err != nil {
		return err
	}
	*s = *parsed
	return nil
}

func LoadSweeps(path string) (*Sweeps, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("sweeps file: %w", err)
	}
	return ParseSweeps(data)
}

func ParseSweeps(data []byte) (*Sweeps, error) {
	s := &Sweeps{Raw: append([]byte(nil), data...)}
	if err := collectLeaves(data, "", &s.Leaves); err != nil {
		return nil, err
	}
	if len(s.Leaves) == 0 {
		return nil, fmt.Errorf("sweeps file defines no leaves")
	}
	return s, nil
}

func collectLeaves(data []byte, prefix string, out *[]SweepLeaf) error {
	var ms mapslice.MapSlice
	if err := utils.UnmarshalJSON(data, &ms); err != nil {
		return fmt.Errorf("sweeps: %w", err)
	}
	for _, item := range ms {
		key := fmt.Sprint(item.Key)
		path := key
		if prefix != "" {
			path = prefix + "." + key
		}
		switch v := item.Value.(type) {
		case []any:
			if len(v) == 0 {
				return fmt.Errorf("sweeps leaf %s is empty", path)
			}
			*out = append(*out, SweepLeaf{Path: path, Key: key, Values: v})
		case map[string]any:
			// Nested groups re-encode for an ordered re-parse.
			nested, err := utils.MarshalJSON(v)
			if err != nil {
				return err
			}
			if err := collectLeaves(nested, path, out); err != nil {
				return err
			}
		default:
			// A scalar leaf pins a single override value.
			*out = append(*out, SweepLeaf{Path: path, Key: key, Values: []any{item.Value}})
		}
	}
	return nil
}

// Permutations expands the Cartesian product; the first leaf varies slowest
// so summary rows group by the leading sweep column.
func (s *Sweeps) Permutations() []Permutation {
	total := 1
	for _, leaf := range s.Leaves {
		total *= len(leaf.Values)
	}

	perms := make([]Permutation, 0, total)
	indices := make([]int, len(s.Leaves))
	for {
		perm := make(Permutation, len(s.Leaves))
		for i, leaf := range s.Leaves {
			perm[i] = SweepValue{Path: leaf.Path, Key: leaf.Key, Value: leaf.Values[indices[i]]}
		}
		perms = append(perms, perm)

		i := len(indices) - 1
		for ; i >= 0; i-- {
			indices[i]++
			if indices[i] < len(s.Leaves[i].Values) {
				break
			}
			indices[i] = 0
		}
		if i < 0 {
			return perms
		}
	}
}

func FormatSweepValue(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	default:
		return fmt.Sprint(x)
	}
}

// ApplyPermutation re-derives the scalar configuration with the permutation's
// environment overrides, keeping pools, strategies and bootstrap attached.
func (c *Config) ApplyPermutation(perm Permutation) (*Config, error) {
	base := c.envTable()
	env := make(map[string]string, len(base)+len(perm))
	for k, v := range base {
		env[k] = v
	}
	for _, sv := range perm {
		env[sv.Key] = FormatSweepValue(sv.Value)
	}

	derived, err := FromEnv(env)
	if err != nil {
		return nil, fmt.Errorf("sweep permutation: %w", err)
	}
	derived.Pools = c.Pools
	derived.Strategies = c.Strategies
	derived.Bootstrap = c.Bootstrap
	if err := derived.Verify(); err != nil {
		return nil, fmt.Errorf("sweep permutation: %w", err)
	}
	return derived, nil
}
