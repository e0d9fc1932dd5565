package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const dagsterJobTemplate = `from dagster import job, op


%s

@job
def %s():
%s
`

func registerDagsterTools(r *Registry, deps Deps) {
	r.Register(GroupDagster, &Func{
		ToolName: "generate_dagster_job",
		Desc:     "Generate a Dagster job script from named steps and write it to the session dagster directory.",
		Fn: func(ctx context.Context, args map[string]any) (any, error) {
			var in struct {
				JobID string   `mapstructure:"job_id"`
				Steps []string `mapstructure:"steps"`
			}
			if err := decodeArgs(args, &in); err != nil {
				return nil, err
			}
			if len(in.Steps) == 0 {
				return nil, fmt.Errorf("steps is required")
			}
			sess := deps.SessionFor()
			if sess == nil {
				return nil, fmt.Errorf("no active session")
			}
			if in.JobID == "" {
				in.JobID = "job_" + time.Now().Format("150405")
			}

			var ops []string
			var body []string
			for _, step := range in.Steps {
				name := sanitizeIdent(step)
				ops = append(ops, fmt.Sprintf("@op\ndef %s():\n    \"\"\"%s\"\"\"\n    pass\n", name, step))
				body = append(body, "    "+name+"()")
			}
			script := fmt.Sprintf(dagsterJobTemplate,
				strings.Join(ops, "\n"), sanitizeIdent(in.JobID), strings.Join(body, "\n"))

			jobsDir := filepath.Join(sess.DagsterDir(), "jobs")
			if err := os.MkdirAll(jobsDir, 0750); err != nil {
				return nil, err
			}
			path := filepath.Join(jobsDir, filepath.Base(in.JobID)+".py")
			if err := os.WriteFile(path, []byte(script), 0640); err != nil {
				return nil, err
			}
			return map[string]any{"job_id": in.JobID, "path": path, "steps": len(in.Steps)}, nil
		},
	})

	r.Register(GroupDagster, &Func{
		ToolName: "list_dagster_jobs",
		Desc:     "List generated Dagster job scripts for the session.",
		Fn: func(ctx context.Context, args map[string]any) (any, error) {
			sess := deps.SessionFor()
			if sess == nil {
				return nil, fmt.Errorf("no active session")
			}
			entries, err := os.ReadDir(filepath.Join(sess.DagsterDir(), "jobs"))
			if err != nil {
				if os.IsNotExist(err) {
					return []string{}, nil
				}
				return nil, err
			}
			var names []string
			for _, e := range entries {
				if strings.HasSuffix(e.Name(), ".py") {
					names = append(names, strings.TrimSuffix(e.Name(), ".py"))
				}
			}
			sort.Strings(names)
			return names, nil
		},
	})
}

// sanitizeIdent turns free text into a Python identifier.
func sanitizeIdent(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	out := strings.Trim(b.String(), "_")
	if out == "" || (out[0] >= '0' && out[0] <= '9') {
		out = "step_" + out
	}
	return out
}
