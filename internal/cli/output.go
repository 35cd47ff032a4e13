package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/viper"

	"github.com/get2knowio/maverick-sub001/internal/execcontext"
	"github.com/get2knowio/maverick-sub001/internal/expression"
	"github.com/get2knowio/maverick-sub001/internal/style"
)

// RunOutput is the run result as rendered by the CLI.
type RunOutput struct {
	WorkflowFile string                 `json:"workflow_file" yaml:"workflow_file"`
	Workflow     string                 `json:"workflow" yaml:"workflow"`
	RunID        string                 `json:"run_id" yaml:"run_id"`
	Status       string                 `json:"status" yaml:"status"`
	DurationMS   int64                  `json:"duration_ms" yaml:"duration_ms"`
	Inputs       map[string]interface{} `json:"inputs,omitempty" yaml:"inputs,omitempty"`
	Steps        []StepOutput           `json:"steps,omitempty" yaml:"steps,omitempty"`
	FinalOutput  interface{}            `json:"final_output,omitempty" yaml:"final_output,omitempty"`
	Error        string                 `json:"error,omitempty" yaml:"error,omitempty"`
}

// StepOutput is one top-level step in the rendered result.
type StepOutput struct {
	Name       string      `json:"name" yaml:"name"`
	Type       string      `json:"type" yaml:"type"`
	Status     string      `json:"status" yaml:"status"`
	DurationMS int64       `json:"duration_ms" yaml:"duration_ms"`
	Output     interface{} `json:"output,omitempty" yaml:"output,omitempty"`
	Error      string      `json:"error,omitempty" yaml:"error,omitempty"`
}

func buildRunOutput(workflowFile string, inputs map[string]interface{}, result *execcontext.WorkflowResult) RunOutput {
	out := RunOutput{
		WorkflowFile: workflowFile,
		Workflow:     result.Workflow,
		RunID:        result.RunID,
		Status:       "completed",
		DurationMS:   result.DurationMS,
		Inputs:       inputs,
		FinalOutput:  result.FinalOutput,
		Error:        result.Error,
	}
	if !result.Success {
		out.Status = "failed"
	}

	for _, step := range result.Steps {
		s := StepOutput{
			Name:       step.Name,
			Type:       string(step.Type),
			DurationMS: step.DurationMS,
			Error:      step.Error,
		}
		switch {
		case step.Skipped():
			s.Status = "skipped"
		case step.Success:
			s.Status = "completed"
			s.Output = step.Output
		default:
			s.Status = "failed"
		}
		out.Steps = append(out.Steps, s)
	}
	return out
}

// printRunOutput renders the result in the format selected by the output
// setting.
func printRunOutput(w io.Writer, out RunOutput) {
	switch viper.GetString("output") {
	case "json":
		style.PrintJSON(w, out)
	case "yaml":
		style.PrintYAML(w, out)
	default:
		printRunSummary(w, out)
	}
}

func printRunSummary(w io.Writer, out RunOutput) {
	if viper.GetBool("quiet") {
		return
	}

	fmt.Fprintf(w, "\n")
	duration := formatDuration(time.Duration(out.DurationMS) * time.Millisecond)
	if out.Status == "completed" {
		fmt.Fprintf(w, "%s Workflow %s completed (%s)\n", style.SuccessIcon(), style.AccentStyle.Render(out.Workflow), duration)
	} else {
		fmt.Fprintf(w, "%s Workflow %s failed (%s)\n", style.ErrorIcon(), style.AccentStyle.Render(out.Workflow), duration)
		if out.Error != "" {
			fmt.Fprintf(w, "  %s\n", style.ErrorStyle.Render(out.Error))
		}
	}

	for _, step := range out.Steps {
		switch step.Status {
		case "completed":
			fmt.Fprintf(w, "  %s %s %s\n", style.SuccessIcon(), style.StepNameStyle.Render(step.Name),
				style.DurationStyle.Render(formatDuration(time.Duration(step.DurationMS)*time.Millisecond)))
		case "skipped":
			fmt.Fprintf(w, "  %s %s %s\n", style.MutedStyle.Render("•"), style.StepNameStyle.Render(step.Name),
				style.MutedStyle.Render("skipped"))
		default:
			fmt.Fprintf(w, "  %s %s %s\n", style.ErrorIcon(), style.StepNameStyle.Render(step.Name),
				style.ErrorStyle.Render(step.Error))
		}
	}

	if out.Status == "completed" && out.FinalOutput != nil && !execcontext.IsSkipped(out.FinalOutput) {
		fmt.Fprintf(w, "\n%s\n%s\n", style.TitleStyle.Render("Output"), expression.ValueToString(out.FinalOutput))
	}
}

func formatDuration(duration time.Duration) string {
	return fmt.Sprintf("%.2fs", duration.Seconds())
}
