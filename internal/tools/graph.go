package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// storedGraph is a directed graph persisted in the session workspace as
// <name>.graph.json.
type storedGraph struct {
	Name  string      `json:"name"`
	Edges [][2]string `json:"edges"`
}

func registerGraphTools(r *Registry, deps Deps) {
	r.Register(GroupGraph, &Func{
		ToolName: "create_graph",
		Desc:     "Build a directed graph from an edge list and store it in the session workspace.",
		Fn: func(ctx context.Context, args map[string]any) (any, error) {
			var in struct {
				Name  string      `mapstructure:"name"`
				Edges [][2]string `mapstructure:"edges"`
			}
			if err := decodeArgs(args, &in); err != nil {
				return nil, err
			}
			if in.Name == "" {
				in.Name = "graph"
			}
			if len(in.Edges) == 0 {
				return nil, fmt.Errorf("edges is required")
			}
			g := storedGraph{Name: in.Name, Edges: in.Edges}
			if err := saveGraph(deps, g); err != nil {
				return nil, err
			}
			return map[string]any{
				"name":  g.Name,
				"nodes": len(graphNodes(g)),
				"edges": len(g.Edges),
			}, nil
		},
	})

	r.Register(GroupGraph, &Func{
		ToolName: "graph_analysis",
		Desc:     "Analyze a stored graph: node/edge counts, degree distribution, top nodes by degree.",
		Fn: func(ctx context.Context, args map[string]any) (any, error) {
			var in struct {
				Name string `mapstructure:"name"`
			}
			if err := decodeArgs(args, &in); err != nil {
				return nil, err
			}
			g, err := loadGraph(deps, in.Name)
			if err != nil {
				return nil, err
			}

			inDeg := map[string]int{}
			outDeg := map[string]int{}
			for _, e := range g.Edges {
				outDeg[e[0]]++
				inDeg[e[1]]++
			}
			nodes := graphNodes(*g)

			type ranked struct {
				Node   string `json:"node"`
				Degree int    `json:"degree"`
			}
			top := make([]ranked, 0, len(nodes))
			for _, n := range nodes {
				top = append(top, ranked{Node: n, Degree: inDeg[n] + outDeg[n]})
			}
			sort.Slice(top, func(i, j int) bool {
				if top[i].Degree != top[j].Degree {
					return top[i].Degree > top[j].Degree
				}
				return top[i].Node < top[j].Node
			})
			if len(top) > 10 {
				top = top[:10]
			}

			return map[string]any{
				"name":      g.Name,
				"nodes":     len(nodes),
				"edges":     len(g.Edges),
				"top_nodes": top,
			}, nil
		},
	})
}

func graphNodes(g storedGraph) []string {
	seen := map[string]struct{}{}
	for _, e := range g.Edges {
		seen[e[0]] = struct{}{}
		seen[e[1]] = struct{}{}
	}
	nodes := make([]string, 0, len(seen))
	for n := range seen {
		nodes = append(nodes, n)
	}
	sort.Strings(nodes)
	return nodes
}

func graphPath(deps Deps, name string) (string, error) {
	sess := deps.SessionFor()
	if sess == nil {
		return "", fmt.Errorf("no active session")
	}
	if name == "" {
		return "", fmt.Errorf("graph name is required")
	}
	return filepath.Join(sess.WorkspaceDir(), filepath.Base(name)+".graph.json"), nil
}

func saveGraph(deps Deps, g storedGraph) error {
	path, err := graphPath(deps, g.Name)
	if err != nil {
		return err
	}
	data, err := json.Marshal(g)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0640)
}

func loadGraph(deps Deps, name string) (*storedGraph, error) {
	path, err := graphPath(deps, name)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("graph %q not found: %w", name, err)
	}
	var g storedGraph
	if err := json.Unmarshal(data, &g); err != nil {
		return nil, err
	}
	return &g, nil
}
