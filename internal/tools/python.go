package tools

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"
)

func registerPythonTools(r *Registry, deps Deps) {
	r.Register(GroupPython, &Func{
		ToolName: "execute_python_safe",
		Desc:     "Execute Python code in the session sandbox; variables persist across calls.",
		Deadline: 5 * time.Minute,
		Fn: func(ctx context.Context, args map[string]any) (any, error) {
			var in struct {
				Code string `mapstructure:"code"`
			}
			if err := decodeArgs(args, &in); err != nil {
				return nil, err
			}
			if strings.TrimSpace(in.Code) == "" {
				return nil, fmt.Errorf("code is required")
			}
			sess := deps.SessionFor()
			if sess == nil {
				return nil, fmt.Errorf("no active session")
			}
			if deps.Sandbox == nil {
				return nil, fmt.Errorf("code execution is not configured")
			}
			res, err := deps.Sandbox.Execute(ctx, sess, in.Code)
			if err != nil {
				return nil, err
			}
			if res.Error != "" {
				return nil, fmt.Errorf("execution error: %s", res.Error)
			}
			return res.Output, nil
		},
	})

	r.Register(GroupPython, &Func{
		ToolName: "list_variables",
		Desc:     "List the variables stored in the session.",
		Fn: func(ctx context.Context, args map[string]any) (any, error) {
			sess := deps.SessionFor()
			if sess == nil {
				return nil, fmt.Errorf("no active session")
			}
			vars := sess.Variables()
			names := make([]string, 0, len(vars))
			for name := range vars {
				names = append(names, name)
			}
			sort.Strings(names)
			return names, nil
		},
	})

	r.Register(GroupPython, &Func{
		ToolName: "clear_variables",
		Desc:     "Clear all session variables.",
		Fn: func(ctx context.Context, args map[string]any) (any, error) {
			sess := deps.SessionFor()
			if sess == nil {
				return nil, fmt.Errorf("no active session")
			}
			sess.ClearVariables()
			return "variables cleared", nil
		},
	})

	r.Register(GroupPython, &Func{
		ToolName: "export_text",
		Desc:     "Write text content to a file in the session export directory.",
		Fn: func(ctx context.Context, args map[string]any) (any, error) {
			var in struct {
				Content  string `mapstructure:"content"`
				Filename string `mapstructure:"filename"`
			}
			if err := decodeArgs(args, &in); err != nil {
				return nil, err
			}
			sess := deps.SessionFor()
			if sess == nil {
				return nil, fmt.Errorf("no active session")
			}
			if in.Filename == "" {
				in.Filename = sess.GenerateExportFilename("result", "txt")
			}
			path := sess.ExportPath(in.Filename)
			if err := os.WriteFile(path, []byte(in.Content), 0640); err != nil {
				return nil, err
			}
			return fmt.Sprintf("exported to %s", in.Filename), nil
		},
	})

	r.Register(GroupPython, &Func{
		ToolName: "export_dataframe",
		Desc:     "Export tabular rows to a CSV file in the session export directory.",
		Fn: func(ctx context.Context, args map[string]any) (any, error) {
			var in struct {
				Rows     []map[string]any `mapstructure:"rows"`
				Filename string           `mapstructure:"filename"`
			}
			if err := decodeArgs(args, &in); err != nil {
				return nil, err
			}
			if len(in.Rows) == 0 {
				return nil, fmt.Errorf("rows is required")
			}
			sess := deps.SessionFor()
			if sess == nil {
				return nil, fmt.Errorf("no active session")
			}
			if in.Filename == "" {
				in.Filename = sess.GenerateExportFilename("result", "csv")
			}
			path := sess.ExportPath(in.Filename)
			if err := writeCSV(path, in.Rows); err != nil {
				return nil, err
			}
			return fmt.Sprintf("exported %d rows to %s", len(in.Rows), in.Filename), nil
		},
	})

	r.Register(GroupPython, &Func{
		ToolName: "list_exports",
		Desc:     "List files in the session export directory.",
		Fn: func(ctx context.Context, args map[string]any) (any, error) {
			sess := deps.SessionFor()
			if sess == nil {
				return nil, fmt.Errorf("no active session")
			}
			return sess.ListExports()
		},
	})
}
