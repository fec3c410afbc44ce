package core

import "strings"

// Assemble renders the finished plan into the final document: a
// top-level heading and goal paragraph per part, then a second-level
// heading and prose per leaf, all blank-line separated.
func Assemble(plan *Plan) string {
	var b strings.Builder
	for pi, part := range plan.Parts {
		if pi > 0 {
			b.WriteString("\n")
		}
		b.WriteString("# " + part.Title + "\n\n")
		if goal := strings.TrimSpace(part.Goal); goal != "" {
			b.WriteString(goal + "\n\n")
		}
		for _, leaf := range part.Leaves {
			b.WriteString("## " + leaf.Subtitle + "\n\n")
			prose := strings.TrimSpace(leaf.Prose)
			if prose == "" {
				prose = PlaceholderProse
			}
			b.WriteString(prose + "\n\n")
		}
	}
	return strings.TrimRight(b.String(), "\n") + "\n"
}
