package artifact

import (
	"encoding/json"
	"strings"
)

// ProjectType classifies an artifact set for sandbox execution.
type ProjectType string

const (
	ProjectReact   ProjectType = "react"
	ProjectNode    ProjectType = "node"
	ProjectPython  ProjectType = "python"
	ProjectStatic  ProjectType = "static"
	ProjectUnknown ProjectType = "unknown"
)

// detectRule is one entry in the ordered detection table. Rules are
// evaluated top to bottom; the first match wins, which keeps detection
// deterministic for a given artifact set.
type detectRule struct {
	result ProjectType
	match  func(set *artifactSet) bool
}

type artifactSet struct {
	artifacts []*Artifact
	byName    map[string]*Artifact
}

var detectTable = []detectRule{
	{ProjectReact, func(s *artifactSet) bool {
		if pkg, ok := s.byName["package.json"]; ok && hasDependency(pkg.Content, "react") {
			return true
		}
		return s.anySuffix(".jsx", ".tsx")
	}},
	{ProjectNode, func(s *artifactSet) bool {
		if _, ok := s.byName["package.json"]; ok {
			return true
		}
		return s.anySuffix(".js", ".ts")
	}},
	{ProjectPython, func(s *artifactSet) bool {
		if _, ok := s.byName["requirements.txt"]; ok {
			return true
		}
		if _, ok := s.byName["setup.py"]; ok {
			return true
		}
		return s.anySuffix(".py")
	}},
	{ProjectStatic, func(s *artifactSet) bool {
		return s.anySuffix(".html")
	}},
}

// DetectProjectType scans the artifact set against the ordered rule table
// and returns a single project type.
func DetectProjectType(artifacts []*Artifact) ProjectType {
	set := &artifactSet{
		artifacts: artifacts,
		byName:    make(map[string]*Artifact, len(artifacts)),
	}
	for _, a := range artifacts {
		set.byName[strings.ToLower(a.Name)] = a
	}

	for _, rule := range detectTable {
		if rule.match(set) {
			return rule.result
		}
	}
	return ProjectUnknown
}

func (s *artifactSet) anySuffix(suffixes ...string) bool {
	for _, a := range s.artifacts {
		name := strings.ToLower(a.Name)
		for _, suffix := range suffixes {
			if strings.HasSuffix(name, suffix) {
				return true
			}
		}
	}
	return false
}

// hasDependency reports whether a package.json manifest declares the named
// package under dependencies or devDependencies.
func hasDependency(manifest, pkg string) bool {
	var doc struct {
		Dependencies    map[string]string `json:"dependencies"`
		DevDependencies map[string]string `json:"devDependencies"`
	}
	if err := json.Unmarshal([]byte(manifest), &doc); err != nil {
		return false
	}
	if _, ok := doc.Dependencies[pkg]; ok {
		return true
	}
	_, ok := doc.DevDependencies[pkg]
	return ok
}

// EntryPoint returns the preferred executable entry file for the set, if
// one exists.
func EntryPoint(artifacts []*Artifact, pt ProjectType) string {
	candidates := map[ProjectType][]string{
		ProjectPython: {"main.py", "app.py", "run.py"},
		ProjectNode:   {"server.js", "index.js", "app.js", "server.ts", "index.ts"},
		ProjectStatic: {"index.html"},
	}[pt]

	byName := make(map[string]*Artifact, len(artifacts))
	for _, a := range artifacts {
		byName[strings.ToLower(a.Name)] = a
	}
	for _, name := range candidates {
		if a, ok := byName[name]; ok {
			return a.Path
		}
	}
	return ""
}
