package resource

import (
	"path"
	"path/filepath"
	"slices"
	"strings"
)

// PrivacyFilter applies masking and project-based filtering to session views
// before they are served to viewers. The zero value is a no-op filter.
type PrivacyFilter struct {
	MaskProjects    bool
	HideBranches    bool
	AllowedProjects []string
	BlockedProjects []string
}

// IsAllowed reports whether a session in project may be served. Sessions
// without a project always pass. A non-empty AllowedProjects must select the
// project, and BlockedProjects must not.
func (f *PrivacyFilter) IsAllowed(project string) bool {
	if project == "" {
		return true
	}
	selects := func(pattern string) bool { return projectMatches(pattern, project) }
	if len(f.AllowedProjects) > 0 && !slices.ContainsFunc(f.AllowedProjects, selects) {
		return false
	}
	return !slices.ContainsFunc(f.BlockedProjects, selects)
}

// projectMatches reports whether pattern selects project. Agents report
// either a workspace path or a bare name, so a pattern without a slash names
// a project by its last element ("internal-*" selects "/src/internal-tools"),
// while a pattern with a slash is anchored and also covers everything beneath
// a matching directory.
func projectMatches(pattern, project string) bool {
	project = filepath.ToSlash(filepath.Clean(project))
	if !strings.Contains(pattern, "/") {
		ok, _ := path.Match(pattern, path.Base(project))
		return ok
	}
	for dir := project; ; {
		if ok, _ := path.Match(pattern, dir); ok {
			return true
		}
		i := strings.LastIndexByte(dir, '/')
		if i <= 0 {
			return false
		}
		dir = dir[:i]
	}
}

// Equal reports whether f and g filter identically.
func (f *PrivacyFilter) Equal(g *PrivacyFilter) bool {
	if f == nil || g == nil {
		return f.IsNoop() && g.IsNoop()
	}
	return f.MaskProjects == g.MaskProjects &&
		f.HideBranches == g.HideBranches &&
		slices.Equal(f.AllowedProjects, g.AllowedProjects) &&
		slices.Equal(f.BlockedProjects, g.BlockedProjects)
}

// Apply returns the view with sensitive fields masked.
func (f *PrivacyFilter) Apply(v View) View {
	if f.MaskProjects && v.Project != "" {
		v.Project = filepath.Base(v.Project)
	}
	if f.HideBranches {
		v.GitBranch = ""
	}
	return v
}

// FilterSlice returns a new slice containing only the allowed views, with
// masking applied to each. The input slice is not modified.
func (f *PrivacyFilter) FilterSlice(views []View) []View {
	result := make([]View, 0, len(views))
	for _, v := range views {
		if !f.IsAllowed(v.Project) {
			continue
		}
		result = append(result, f.Apply(v))
	}
	return result
}

// IsNoop reports whether the filter does nothing. A nil filter is a no-op.
func (f *PrivacyFilter) IsNoop() bool {
	return f == nil || !f.MaskProjects && !f.HideBranches &&
		len(f.AllowedProjects) == 0 && len(f.BlockedProjects) == 0
}
