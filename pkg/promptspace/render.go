package promptspace

import (
	"bytes"
	"fmt"
	"text/template"

	"github.com/logabell/conversator/pkg/models"
)

// handoffTemplate renders the human-readable half of a frozen handoff.
// The working prompt body is included verbatim; the contract fields are
// summarized below it so a builder operator can read one file.
var handoffTemplate = template.Must(template.New("handoff").Parse(`# {{.Title}}

{{.Working}}

---

## Goal

{{.Spec.Goal}}

## Definition of done
{{range .Spec.DefinitionOfDone}}
- {{.}}{{end}}
{{- if .Spec.Constraints}}

## Constraints
{{range .Spec.Constraints}}
- {{.}}{{end}}
{{- end}}
{{- if .Spec.RepoTargets}}

## Repository targets
{{range .Spec.RepoTargets}}
- ` + "`{{.Path}}`" + ` — {{.Intent}}{{end}}
{{- end}}

## Gates

write={{.Spec.Gates.Write}} run={{.Spec.Gates.Run}} destructive={{.Spec.Gates.Destructive}}
`))

type handoffTemplateData struct {
	Title   string
	Working string
	Spec    *models.HandoffSpec
}

// renderHandoffMD produces the handoff.md contents for a freeze.
func renderHandoffMD(title, working string, spec *models.HandoffSpec) ([]byte, error) {
	var buf bytes.Buffer
	err := handoffTemplate.Execute(&buf, handoffTemplateData{
		Title:   title,
		Working: working,
		Spec:    spec,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to render handoff: %w", err)
	}
	return buf.Bytes(), nil
}
