package invocation

import (
	"fmt"
	"strings"

	"github.com/msageha/taskweave/internal/model"
)

// Assemble builds the ordered turns handed to the worker: one system turn
// describing the framework, then the item's conversation log. Dependency
// summaries are already part of the log.
func Assemble(item *model.WorkItem, fw *model.FrameworkBinding) []model.Turn {
	turns := make([]model.Turn, 0, len(item.Conversation)+1)
	turns = append(turns, model.Turn{
		Role:    model.RoleSystem,
		Content: frameworkContext(item, fw),
		Source:  fwSource(fw),
		At:      model.Now(),
	})
	return append(turns, item.Conversation...)
}

func fwSource(fw *model.FrameworkBinding) string {
	if fw == nil {
		return ""
	}
	return fw.ID
}

func frameworkContext(item *model.WorkItem, fw *model.FrameworkBinding) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Work item %s (tree %s).\n", item.ID, item.TreeID)
	if fw == nil {
		return sb.String()
	}
	if fw.DomainKey != "" {
		fmt.Fprintf(&sb, "Framework: %s\n", fw.DomainKey)
	}
	for _, blob := range fw.Material() {
		fmt.Fprintf(&sb, "\n## %s\n%s\n", blob.Key, strings.TrimRight(blob.Content, "\n"))
	}
	c := fw.Completion
	if c.MinLength > 0 || len(c.MustContain) > 0 {
		sb.WriteString("\nCompletion criteria:\n")
		if c.MinLength > 0 {
			fmt.Fprintf(&sb, "- result at least %d characters\n", c.MinLength)
		}
		for _, s := range c.MustContain {
			fmt.Fprintf(&sb, "- result contains %q\n", s)
		}
	}
	return sb.String()
}

// DependencySummary is the turn content appended to a dependent once dep
// has completed.
func DependencySummary(dep *model.WorkItem) string {
	result := ""
	if dep.Result != nil {
		result = *dep.Result
	}
	if dep.Kind == model.ItemKindEstablishment {
		return fmt.Sprintf("Requirement %q established by %s:\n%s", dep.RequirementKey, dep.ID, result)
	}
	return fmt.Sprintf("Dependency %s completed: %s\nResult:\n%s", dep.ID, firstLine(dep.Instruction), result)
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	const limit = 120
	if len(s) > limit {
		s = s[:limit] + "..."
	}
	return s
}
