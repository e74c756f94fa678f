// Package partition splits a line-oriented data file into round-robin shards.
package partition

import (
	"bufio"
	"errors"
	"io"
	"os"
	"strconv"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"yqhp/deployer/internal/config"
	"yqhp/deployer/pkg/logger"
)

// Stats describes one partitioning run.
type Stats struct {
	Source   string        `json:"source"`
	Shards   []string      `json:"shards"`
	Lines    []int         `json:"lines"`
	Total    int           `json:"total"`
	Duration time.Duration `json:"duration"`
}

// ShardPath returns the path of shard i for source.
func ShardPath(source string, i int) string {
	return source + strconv.Itoa(i)
}

// Partition writes line i of source to shard i mod n and returns the shard paths.
func Partition(source string, n int) ([]string, error) {
	stats, err := PartitionWithStats(source, n)
	if err != nil {
		return nil, err
	}
	return stats.Shards, nil
}

// PartitionWithStats is Partition that also reports the line count per shard.
// Existing shards are truncated, so the same input always yields
// byte-identical shards.
func PartitionWithStats(source string, n int) (*Stats, error) {
	if n < 1 {
		return nil, &config.ConfigError{Field: "job.worker_num", Message: "partition count must be at least 1"}
	}

	start := time.Now()
	in, err := os.Open(source)
	if err != nil {
		return nil, &IOError{Path: source, Op: OpOpen, Err: err}
	}
	defer in.Close()

	stats := &Stats{
		Source: source,
		Shards: make([]string, n),
		Lines:  make([]int, n),
	}

	files := make([]*os.File, 0, n)
	writers := make([]*bufio.Writer, n)
	closeAll := func() error {
		var errs error
		for _, f := range files {
			if cerr := f.Close(); cerr != nil {
				errs = multierr.Append(errs, &IOError{Path: f.Name(), Op: OpClose, Err: cerr})
			}
		}
		files = nil
		return errs
	}

	for i := 0; i < n; i++ {
		path := ShardPath(source, i)
		f, err := os.Create(path)
		if err != nil {
			_ = closeAll()
			return nil, &IOError{Path: path, Op: OpCreate, Err: err}
		}
		files = append(files, f)
		stats.Shards[i] = path
		writers[i] = bufio.NewWriter(f)
	}

	// ReadString 不受单行长度限制，且保留原始换行符
	reader := bufio.NewReader(in)
	row := 0
	for {
		line, rerr := reader.ReadString('\n')
		if len(line) > 0 {
			shard := row % n
			if _, werr := writers[shard].WriteString(line); werr != nil {
				_ = closeAll()
				return nil, &IOError{Path: stats.Shards[shard], Op: OpWrite, Err: werr}
			}
			stats.Lines[shard]++
			row++
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				break
			}
			_ = closeAll()
			return nil, &IOError{Path: source, Op: OpRead, Err: rerr}
		}
	}

	for i, w := range writers {
		if err := w.Flush(); err != nil {
			_ = closeAll()
			return nil, &IOError{Path: stats.Shards[i], Op: OpWrite, Err: err}
		}
	}
	if err := closeAll(); err != nil {
		return nil, err
	}

	stats.Total = row
	stats.Duration = time.Since(start)

	logger.Info("数据分片完成",
		zap.String("source", source),
		zap.Int("shards", n),
		zap.Int("lines", row),
		zap.Ints("lines_per_shard", stats.Lines),
		zap.Duration("duration", stats.Duration))

	return stats, nil
}

// Describe returns the shard layout Partition would produce without reading
// or writing any file.
func Describe(source string, n int) *Stats {
	stats := &Stats{Source: source}
	for i := 0; i < n; i++ {
		stats.Shards = append(stats.Shards, ShardPath(source, i))
	}
	return stats
}
