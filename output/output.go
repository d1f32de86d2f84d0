// Package output owns every result file the simulator emits: summary and
// per-pool metric CSVs, the gzipped block and score dumps, the echoed
// bootstrap history and the resolved config snapshot. All writers are
// buffered and flushed in deterministic order on close.
package output

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/klauspost/compress/gzip"

	"git.gammaspectra.live/P2Pool/netsim/config"
	"git.gammaspectra.live/P2Pool/netsim/sim"
	"git.gammaspectra.live/P2Pool/netsim/utils"
)

type Writer struct {
	dir  string
	mode config.DataMode

	summary *csvFile
	metrics *csvFile
	blocks  *gzCsvFile
	scores  *gzCsvFile

	sweepColumns []string
}

type csvFile struct {
	f *os.File
	w *csv.Writer
}

func newCsvFile(path string) (*csvFile, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	return &csvFile{f: f, w: csv.NewWriter(f)}, nil
}

func (c *csvFile) Close() error {
	c.w.Flush()
	if err := c.w.Error(); err != nil {
		c.f.Close()
		return err
	}
	return c.f.Close()
}

type gzCsvFile struct {
	f  *os.File
	gz *gzip.Writer
	w  *csv.Writer
}

func newGzCsvFile(path string) (*gzCsvFile, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	gz := gzip.NewWriter(f)
	return &gzCsvFile{f: f, gz: gz, w: csv.NewWriter(gz)}, nil
}

func (c *gzCsvFile) Close() error {
	c.w.Flush()
	if err := c.w.Error(); err != nil {
		c.gz.Close()
		c.f.Close()
		return err
	}
	if err := c.gz.Close(); err != nil {
		c.f.Close()
		return err
	}
	return c.f.Close()
}

// New opens the writers the data mode requires. sweepColumns fixes the
// optional trailing summary columns.
func New(dir string, mode config.DataMode, sweepColumns []string) (*Writer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	w := &Writer{dir: dir, mode: mode, sweepColumns: sweepColumns}

	var err error
	if w.summary, err = newCsvFile(filepath.Join(dir, "results_summary.csv")); err != nil {
		return nil, err
	}
	header := []string{"round"}
	for _, name := range sim.SummaryMetricNames {
		header = append(header, name, name+"_Std")
	}
	header = append(header, sweepColumns...)
	header = append(header, "partial")
	if err = w.summary.w.Write(header); err != nil {
		return nil, err
	}

	if mode >= config.DataModeMetrics {
		if w.metrics, err = newCsvFile(filepath.Join(dir, "results_metrics.csv")); err != nil {
			return nil, err
		}
		if err = w.metrics.w.Write([]string{
			"round", "pool", "honest", "orphanRate", "reorgMax", "reorgP99",
			"reorgRate", "selfShares", "gamma", "difficulty", "canonicalHeight",
		}); err != nil {
			return nil, err
		}
	}

	if mode >= config.DataModeFull {
		if w.blocks, err = newGzCsvFile(filepath.Join(dir, "results_blocks.csv.gz")); err != nil {
			return nil, err
		}
		if err = w.blocks.w.Write([]string{
			"round", "blockId", "height", "poolId", "prevId", "simClock",
			"timestamp", "difficulty", "cumDifficulty", "nxtDifficulty", "broadcast",
		}); err != nil {
			return nil, err
		}
		if w.scores, err = newGzCsvFile(filepath.Join(dir, "results_scores.csv.gz")); err != nil {
			return nil, err
		}
		if err = w.scores.w.Write([]string{
			"round", "pool", "blockId", "simClock", "localTime",
			"diffScore", "cumDiffScore", "isHeadPath", "chaintip",
		}); err != nil {
			return nil, err
		}
	}

	return w, nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// WriteRound emits one round's rows across every open writer.
func (w *Writer) WriteRound(round int, result *sim.Result, r *sim.Round, sweep []string) error {
	row := []string{strconv.Itoa(round)}
	for _, m := range result.Summary {
		row = append(row, formatFloat(m.Mean), formatFloat(m.Stdev))
	}
	row = append(row, sweep...)
	row = append(row, strconv.FormatBool(result.Partial))
	if err := w.summary.w.Write(row); err != nil {
		return err
	}

	if w.metrics != nil {
		for _, m := range result.Metrics {
			if err := w.metrics.w.Write([]string{
				strconv.Itoa(round), m.PoolId, strconv.FormatBool(m.Honest),
				formatFloat(m.OrphanRate), strconv.Itoa(m.ReorgMax), strconv.Itoa(m.ReorgP99),
				formatFloat(m.ReorgRate), formatFloat(m.SelfShares), formatFloat(m.Gamma),
				formatFloat(m.Difficulty), strconv.FormatUint(m.CanonicalHeight, 10),
			}); err != nil {
				return err
			}
		}
	}

	if w.blocks != nil {
		if err := w.writeBlocks(round, r); err != nil {
			return err
		}
	}
	if w.scores != nil {
		if err := w.writeScores(round, r); err != nil {
			return err
		}
	}
	return nil
}

func (w *Writer) writeBlocks(round int, r *sim.Round) error {
	for _, id := range r.Blocks.Order() {
		b := r.Blocks.Get(id)
		if b.PoolId == sim.BootstrapPoolId {
			// history excluded
			continue
		}
		timestamp := ""
		if b.HasTimestamp {
			timestamp = strconv.FormatInt(b.Timestamp, 10)
		}
		nxt := ""
		if b.HasNxtDifficulty {
			nxt = b.NxtDifficulty.String()
		}
		broadcast := ""
		switch b.Broadcast {
		case sim.BroadcastPrivate:
			broadcast = "false"
		case sim.BroadcastPublic:
			broadcast = "true"
		}
		if err := w.blocks.w.Write([]string{
			strconv.Itoa(round), string(b.Id), strconv.FormatUint(b.Height, 10),
			b.PoolId, string(b.PrevId), formatFloat(b.SimClock), timestamp,
			b.Difficulty.String(), b.CumDifficulty.String(), nxt, broadcast,
		}); err != nil {
			return err
		}
	}
	return nil
}

func (w *Writer) writeScores(round int, r *sim.Round) error {
	for _, p := range r.Pools {
		for _, id := range p.ScoreOrder {
			s := p.Scores[id]
			diffScore, cumDiffScore := "", ""
			if s.DiffScore != nil {
				diffScore = s.DiffScore.String()
			}
			if s.CumDiffScore != nil {
				cumDiffScore = s.CumDiffScore.String()
			}
			if err := w.scores.w.Write([]string{
				strconv.Itoa(round), p.Id, string(id), formatFloat(s.SimClock),
				strconv.FormatInt(s.LocalTime, 10), diffScore, cumDiffScore,
				strconv.FormatBool(s.IsHeadPath), string(s.Chaintip),
			}); err != nil {
				return err
			}
		}
	}
	return nil
}

// WriteHistorical echoes the bootstrap blocks once per run.
func (w *Writer) WriteHistorical(rows []sim.BootstrapBlock) error {
	f, err := newCsvFile(filepath.Join(w.dir, "historical_blocks.csv"))
	if err != nil {
		return err
	}
	if err = f.w.Write([]string{"height", "timestamp", "difficulty", "cumulative_difficulty"}); err != nil {
		f.Close()
		return err
	}
	for _, row := range rows {
		if err = f.w.Write([]string{
			strconv.FormatUint(row.Height, 10), strconv.FormatInt(row.Timestamp, 10),
			row.Difficulty.String(), row.CumDifficulty.String(),
		}); err != nil {
			f.Close()
			return err
		}
	}
	return f.Close()
}

// WriteSnapshot dumps the fully resolved effective config.
func (w *Writer) WriteSnapshot(cfg *config.Config) error {
	data, err := utils.MarshalJSONIndent(cfg, "    ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(w.dir, "config_snapshot.json"), append(data, '\n'), 0o644)
}

// Close flushes every open stream; the first error wins but all streams are
// still closed.
func (w *Writer) Close() error {
	var firstErr error
	closeAll := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	closeAll(w.summary.Close())
	if w.metrics != nil {
		closeAll(w.metrics.Close())
	}
	if w.blocks != nil {
		closeAll(w.blocks.Close())
	}
	if w.scores != nil {
		closeAll(w.scores.Close())
	}
	if firstErr != nil {
		return fmt.Errorf("closing outputs: %w", firstErr)
	}
	return nil
}
