package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
)

// LocalPython is the fallback interpreter: a local python3 subprocess
// with variables bridged through JSON files. Only JSON-serializable
// variables survive across executions.
type LocalPython struct {
	// Python is the interpreter binary, "python3" when empty.
	Python string
	// WorkDir hosts the bridge files; os.TempDir when empty.
	WorkDir string
}

const bridgeScript = `import json, sys
with open(sys.argv[1]) as f:
    globals().update(json.load(f))
del f

%s

_out = {}
for _k, _v in list(globals().items()):
    if _k.startswith('_') or _k in ('json', 'sys'):
        continue
    try:
        json.dumps(_v)
    except (TypeError, ValueError):
        continue
    _out[_k] = _v
with open(sys.argv[2], 'w') as _f:
    json.dump(_out, _f)
`

// Run executes code with vars in scope and returns stdout plus the
// serializable post-execution variables.
func (l *LocalPython) Run(ctx context.Context, code string, vars map[string]any) (string, map[string]any, error) {
	python := l.Python
	if python == "" {
		python = "python3"
	}
	workDir := l.WorkDir
	if workDir == "" {
		workDir = os.TempDir()
	}

	dir, err := os.MkdirTemp(workDir, "pyexec")
	if err != nil {
		return "", nil, fmt.Errorf("fallback setup failed: %w", err)
	}
	defer os.RemoveAll(dir)

	inFile := filepath.Join(dir, "in.json")
	outFile := filepath.Join(dir, "out.json")
	if vars == nil {
		vars = map[string]any{}
	}
	inData, err := json.Marshal(vars)
	if err != nil {
		return "", nil, fmt.Errorf("fallback setup failed: %w", err)
	}
	if err := os.WriteFile(inFile, inData, 0600); err != nil {
		return "", nil, fmt.Errorf("fallback setup failed: %w", err)
	}

	script := fmt.Sprintf(bridgeScript, code)
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, python, "-c", script, inFile, outFile)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := stderr.String()
		if msg == "" {
			msg = err.Error()
		}
		return stdout.String(), nil, fmt.Errorf("python execution failed: %s", msg)
	}

	outVars := map[string]any{}
	if outData, err := os.ReadFile(outFile); err == nil {
		_ = json.Unmarshal(outData, &outVars)
	}
	return stdout.String(), outVars, nil
}
