package triage

// FileGroup is the set of findings reported against one file path.
type FileGroup struct {
	FilePath string
	Findings []Finding
}

// GroupByFile partitions findings by file path.
// Groups appear in first-seen order and findings keep their input order within a group.
func GroupByFile(findings []Finding) []FileGroup {
	groups := make([]FileGroup, 0)
	index := make(map[string]int)

	for _, f := range findings {
		i, ok := index[f.FilePath]
		if !ok {
			i = len(groups)
			index[f.FilePath] = i
			groups = append(groups, FileGroup{FilePath: f.FilePath})
		}
		groups[i].Findings = append(groups[i].Findings, f)
	}

	return groups
}

// Flatten concatenates groups back into a single ordered list.
func Flatten(groups []FileGroup) []Finding {
	n := 0
	for _, g := range groups {
		n += len(g.Findings)
	}
	out := make([]Finding, 0, n)
	for _, g := range groups {
		out = append(out, g.Findings...)
	}
	return out
}
