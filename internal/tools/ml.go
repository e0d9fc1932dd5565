package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// trainedModel is the persisted form of a fitted univariate linear
// model. Models live in the session workspace as <name>.model.json.
type trainedModel struct {
	Name      string  `json:"name"`
	Feature   string  `json:"feature"`
	Target    string  `json:"target"`
	Slope     float64 `json:"slope"`
	Intercept float64 `json:"intercept"`
	R2        float64 `json:"r2"`
	Samples   int     `json:"samples"`
}

func registerMLTools(r *Registry, deps Deps) {
	r.Register(GroupML, &Func{
		ToolName: "train_model",
		Desc:     "Fit a linear regression from a CSV file and store it in the session workspace.",
		Fn: func(ctx context.Context, args map[string]any) (any, error) {
			var in struct {
				File    string `mapstructure:"file"`
				Feature string `mapstructure:"feature"`
				Target  string `mapstructure:"target"`
				Name    string `mapstructure:"name"`
			}
			if err := decodeArgs(args, &in); err != nil {
				return nil, err
			}
			header, records, err := readSessionCSV(deps, in.File)
			if err != nil {
				return nil, err
			}
			xs, ys, err := xyColumns(header, records, in.Feature, in.Target)
			if err != nil {
				return nil, err
			}
			model := fitLinear(xs, ys)
			model.Feature = in.Feature
			model.Target = in.Target
			model.Name = in.Name
			if model.Name == "" {
				model.Name = fmt.Sprintf("%s_on_%s", in.Target, in.Feature)
			}
			if err := saveModel(deps, model); err != nil {
				return nil, err
			}
			return model, nil
		},
	})

	r.Register(GroupML, &Func{
		ToolName: "predict",
		Desc:     "Predict target values with a trained model.",
		Fn: func(ctx context.Context, args map[string]any) (any, error) {
			var in struct {
				Model  string    `mapstructure:"model"`
				Values []float64 `mapstructure:"values"`
			}
			if err := decodeArgs(args, &in); err != nil {
				return nil, err
			}
			model, err := loadModel(deps, in.Model)
			if err != nil {
				return nil, err
			}
			preds := make([]float64, len(in.Values))
			for i, x := range in.Values {
				preds[i] = model.Slope*x + model.Intercept
			}
			return map[string]any{"model": model.Name, "predictions": preds}, nil
		},
	})

	r.Register(GroupML, &Func{
		ToolName: "evaluate_model",
		Desc:     "Evaluate a trained model against a CSV file; returns R2 and RMSE.",
		Fn: func(ctx context.Context, args map[string]any) (any, error) {
			var in struct {
				Model string `mapstructure:"model"`
				File  string `mapstructure:"file"`
			}
			if err := decodeArgs(args, &in); err != nil {
				return nil, err
			}
			model, err := loadModel(deps, in.Model)
			if err != nil {
				return nil, err
			}
			header, records, err := readSessionCSV(deps, in.File)
			if err != nil {
				return nil, err
			}
			xs, ys, err := xyColumns(header, records, model.Feature, model.Target)
			if err != nil {
				return nil, err
			}
			var sse, sst float64
			mean := meanOf(ys)
			for i := range xs {
				pred := model.Slope*xs[i] + model.Intercept
				sse += (ys[i] - pred) * (ys[i] - pred)
				sst += (ys[i] - mean) * (ys[i] - mean)
			}
			r2 := 0.0
			if sst > 0 {
				r2 = 1 - sse/sst
			}
			return map[string]any{
				"model":   model.Name,
				"r2":      r2,
				"rmse":    math.Sqrt(sse / float64(len(ys))),
				"samples": len(ys),
			}, nil
		},
	})

	r.Register(GroupML, &Func{
		ToolName: "list_models",
		Desc:     "List trained models in the session workspace.",
		Fn: func(ctx context.Context, args map[string]any) (any, error) {
			sess := deps.SessionFor()
			if sess == nil {
				return nil, fmt.Errorf("no active session")
			}
			entries, err := os.ReadDir(sess.WorkspaceDir())
			if err != nil {
				return nil, err
			}
			var names []string
			for _, e := range entries {
				if strings.HasSuffix(e.Name(), ".model.json") {
					names = append(names, strings.TrimSuffix(e.Name(), ".model.json"))
				}
			}
			sort.Strings(names)
			return names, nil
		},
	})
}

func xyColumns(header []string, records [][]string, feature, target string) ([]float64, []float64, error) {
	fi, ti := -1, -1
	for i, col := range header {
		switch col {
		case feature:
			fi = i
		case target:
			ti = i
		}
	}
	if fi < 0 {
		return nil, nil, fmt.Errorf("feature column %q not found", feature)
	}
	if ti < 0 {
		return nil, nil, fmt.Errorf("target column %q not found", target)
	}
	xsAll := numericColumn(records, fi)
	ysAll := numericColumn(records, ti)
	n := min(len(xsAll), len(ysAll))
	if n < 2 {
		return nil, nil, fmt.Errorf("need at least 2 numeric samples, got %d", n)
	}
	return xsAll[:n], ysAll[:n], nil
}

func fitLinear(xs, ys []float64) trainedModel {
	n := float64(len(xs))
	mx, my := meanOf(xs), meanOf(ys)
	var sxy, sxx, syy float64
	for i := range xs {
		sxy += (xs[i] - mx) * (ys[i] - my)
		sxx += (xs[i] - mx) * (xs[i] - mx)
		syy += (ys[i] - my) * (ys[i] - my)
	}
	slope := 0.0
	if sxx > 0 {
		slope = sxy / sxx
	}
	intercept := my - slope*mx
	r2 := 0.0
	if sxx > 0 && syy > 0 {
		r := sxy / math.Sqrt(sxx*syy)
		r2 = r * r
	}
	return trainedModel{Slope: slope, Intercept: intercept, R2: r2, Samples: int(n)}
}

func meanOf(values []float64) float64 {
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func modelPath(deps Deps, name string) (string, error) {
	sess := deps.SessionFor()
	if sess == nil {
		return "", fmt.Errorf("no active session")
	}
	if name == "" {
		return "", fmt.Errorf("model name is required")
	}
	return filepath.Join(sess.WorkspaceDir(), filepath.Base(name)+".model.json"), nil
}

func saveModel(deps Deps, model trainedModel) error {
	path, err := modelPath(deps, model.Name)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(model, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0640)
}

func loadModel(deps Deps, name string) (*trainedModel, error) {
	path, err := modelPath(deps, name)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("model %q not found: %w", name, err)
	}
	var model trainedModel
	if err := json.Unmarshal(data, &model); err != nil {
		return nil, err
	}
	return &model, nil
}
