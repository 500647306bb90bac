package bridge

import (
	"os"
	"strings"

	"github.com/vignesh-oai/ClassPulse/internal/sessionstore"
)

// PromptDefaults supplies the {{...}} substitutions used when a call-brief
// field is missing, and the fallback instructions text used when no
// template file is configured or the configured file cannot be read.
type PromptDefaults struct {
	StudentName          string
	ParentName           string
	ParentRelationship   string
	ParentNumberLabel    string
	SchoolName           string
	TeacherRole          string
	ReasonSummary        string
	ContextFromChat      string
	AbsenceStats         string
	FallbackInstructions string
}

// LoadTemplate reads the prompt template file at path. If path is empty or
// the file cannot be read, it returns ok=false and an empty template, which
// [RenderInstructions] replaces with [PromptDefaults.FallbackInstructions];
// a missing template file never fails the call. There is no built-in
// instructions text: when FallbackInstructions is also empty, the rendered
// instructions are empty.
func LoadTemplate(path string) (tmpl string, ok bool) {
	if path == "" {
		return "", false
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", false
	}
	return string(data), true
}

// RenderInstructions interpolates brief into tmpl using {{field}}
// substitutions, falling back to defaults.FallbackInstructions when tmpl is
// empty. Missing call-brief fields resolve to the corresponding default.
func RenderInstructions(tmpl string, brief *sessionstore.CallBrief, defaults PromptDefaults) string {
	if tmpl == "" {
		tmpl = defaults.FallbackInstructions
	}

	reasonSummary := defaults.ReasonSummary
	contextFromChat := defaults.ContextFromChat
	absenceStats := defaults.AbsenceStats
	if brief != nil {
		if brief.ReasonSummary != "" {
			reasonSummary = brief.ReasonSummary
		}
		if brief.ContextFromChat != "" {
			contextFromChat = brief.ContextFromChat
		}
		if brief.AbsenceStats != "" {
			absenceStats = brief.AbsenceStats
		}
	}

	replacer := strings.NewReplacer(
		"{{studentName}}", orDefault(defaults.StudentName, "the student"),
		"{{parentName}}", orDefault(defaults.ParentName, "the parent"),
		"{{parentRelationship}}", orDefault(defaults.ParentRelationship, "parent"),
		"{{parentNumberLabel}}", orDefault(defaults.ParentNumberLabel, "home"),
		"{{schoolName}}", orDefault(defaults.SchoolName, "the school"),
		"{{teacherRole}}", orDefault(defaults.TeacherRole, "attendance assistant"),
		"{{reasonSummary}}", reasonSummary,
		"{{contextFromChat}}", contextFromChat,
		"{{absenceStats}}", absenceStats,
	)
	return replacer.Replace(tmpl)
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
