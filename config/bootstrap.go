package config

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"

	"git.gammaspectra.live/P2Pool/netsim/sim"
	"git.gammaspectra.live/P2Pool/netsim/types"
)

// LoadBootstrap parses the historical-block CSV: ordered rows of
// (height, timestamp, difficulty, cumulative_difficulty). The last row
// becomes the round start tip.
func LoadBootstrap(path string) ([]sim.BootstrapBlock, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("bootstrap file: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = 4

	var rows []sim.BootstrapBlock
	line := 0
	for {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("bootstrap file %s row %d: %w", path, line+1, err)
		}
		line++
		if line == 1 && record[0] == "height" {
			// optional header
			continue
		}

		height, err := strconv.ParseUint(record[0], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("bootstrap file %s row %d: bad height %q", path, line, record[0])
		}
		timestamp, err := strconv.ParseInt(record[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("bootstrap file %s row %d: bad timestamp %q", path, line, record[1])
		}
		difficulty, err := types.DifficultyFromString(record[2])
		if err != nil {
			return nil, fmt.Errorf("bootstrap file %s row %d: %w", path, line, err)
		}
		cum, err := types.DifficultyFromString(record[3])
		if err != nil {
			return nil, fmt.Errorf("bootstrap file %s row %d: %w", path, line, err)
		}

		if n := len(rows); n > 0 {
			if height != rows[n-1].Height+1 {
				return nil, fmt.Errorf("bootstrap file %s row %d: height %d not consecutive after %d", path, line, height, rows[n-1].Height)
			}
			if cum.Cmp(rows[n-1].CumDifficulty.Add(difficulty)) != 0 {
				return nil, fmt.Errorf("bootstrap file %s row %d: cumulative difficulty mismatch", path, line)
			}
		}

		rows = append(rows, sim.BootstrapBlock{
			Height:        height,
			Timestamp:     timestamp,
			Difficulty:    difficulty,
			CumDifficulty: cum,
		})
	}

	if len(rows) == 0 {
		return nil, fmt.Errorf("bootstrap file %s is empty", path)
	}
	return rows, nil
}
