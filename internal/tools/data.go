package tools

import (
	"context"
	"encoding/csv"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
)

func registerDataTools(r *Registry, deps Deps) {
	r.Register(GroupPython, &Func{
		ToolName: "analyze_dataframe",
		Desc:     "Profile a CSV file from the session import directory: shape, columns, per-column stats.",
		Fn: func(ctx context.Context, args map[string]any) (any, error) {
			var in struct {
				File string `mapstructure:"file"`
			}
			if err := decodeArgs(args, &in); err != nil {
				return nil, err
			}
			header, records, err := readSessionCSV(deps, in.File)
			if err != nil {
				return nil, err
			}
			profile := map[string]any{
				"rows":    len(records),
				"columns": header,
			}
			stats := map[string]any{}
			for i, col := range header {
				stats[col] = columnStats(records, i)
			}
			profile["stats"] = stats
			return profile, nil
		},
	})

	r.Register(GroupPython, &Func{
		ToolName: "statistical_analysis",
		Desc:     "Compute summary statistics for one numeric column of a CSV file.",
		Fn: func(ctx context.Context, args map[string]any) (any, error) {
			var in struct {
				File   string `mapstructure:"file"`
				Column string `mapstructure:"column"`
			}
			if err := decodeArgs(args, &in); err != nil {
				return nil, err
			}
			header, records, err := readSessionCSV(deps, in.File)
			if err != nil {
				return nil, err
			}
			idx := -1
			for i, col := range header {
				if col == in.Column {
					idx = i
					break
				}
			}
			if idx < 0 {
				return nil, fmt.Errorf("column %q not found", in.Column)
			}
			values := numericColumn(records, idx)
			if len(values) == 0 {
				return nil, fmt.Errorf("column %q has no numeric values", in.Column)
			}
			return summarize(values), nil
		},
	})
}

func readSessionCSV(deps Deps, file string) ([]string, [][]string, error) {
	sess := deps.SessionFor()
	if sess == nil {
		return nil, nil, fmt.Errorf("no active session")
	}
	if file == "" {
		return nil, nil, fmt.Errorf("file is required")
	}
	// Uploads land in imports; tool output lands in exports. Check both.
	path := filepath.Join(sess.ImportDir(), filepath.Base(file))
	if _, err := os.Stat(path); err != nil {
		path = sess.ExportPath(filepath.Base(file))
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = f.Close() }()

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = -1
	all, err := reader.ReadAll()
	if err != nil {
		return nil, nil, err
	}
	if len(all) == 0 {
		return nil, nil, fmt.Errorf("file %s is empty", file)
	}
	return all[0], all[1:], nil
}

func numericColumn(records [][]string, idx int) []float64 {
	var values []float64
	for _, rec := range records {
		if idx >= len(rec) {
			continue
		}
		if v, err := strconv.ParseFloat(rec[idx], 64); err == nil {
			values = append(values, v)
		}
	}
	return values
}

func columnStats(records [][]string, idx int) map[string]any {
	values := numericColumn(records, idx)
	nonEmpty := 0
	for _, rec := range records {
		if idx < len(rec) && rec[idx] != "" {
			nonEmpty++
		}
	}
	out := map[string]any{
		"non_null": nonEmpty,
		"numeric":  len(values),
	}
	if len(values) > 0 {
		s := summarize(values)
		out["mean"] = s["mean"]
		out["min"] = s["min"]
		out["max"] = s["max"]
	}
	return out
}

func summarize(values []float64) map[string]any {
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)

	var sum float64
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(len(values))

	var variance float64
	for _, v := range values {
		variance += (v - mean) * (v - mean)
	}
	variance /= float64(len(values))

	return map[string]any{
		"count":  len(values),
		"mean":   mean,
		"std":    math.Sqrt(variance),
		"min":    sorted[0],
		"max":    sorted[len(sorted)-1],
		"median": median(sorted),
	}
}

func median(sorted []float64) float64 {
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

func writeCSV(path string, rows []map[string]any) error {
	var header []string
	for col := range rows[0] {
		header = append(header, col)
	}
	sort.Strings(header)

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	w := csv.NewWriter(f)
	if err := w.Write(header); err != nil {
		return err
	}
	for _, row := range rows {
		rec := make([]string, len(header))
		for i, col := range header {
			rec[i] = fmt.Sprint(row[col])
		}
		if err := w.Write(rec); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}
