package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/get2knowio/maverick-sub001/internal/parser"
	"github.com/get2knowio/maverick-sub001/internal/style"
)

// validateCmd represents the validate command
var validateCmd = &cobra.Command{
	Use:   "validate [files...]",
	Short: "Validate workflow syntax and semantics",
	Long: `Validate workflow files for syntax errors, schema compliance and semantic
correctness.

This command checks:
- YAML syntax validity
- Document structure and step variants
- Expression and template syntax
- Loop concurrency specifier consistency

Component references (actions, agents, generators) are checked against the
built-in registry; references to host-registered components are reported as
warnings, since they only resolve at run time.

Examples:
  maverick validate workflow.yaml               # Validate single file
  maverick validate *.yaml                      # Validate multiple files
  maverick validate --recursive ./workflows     # Validate directory recursively
  maverick validate --output json workflow.yaml # JSON output for CI/CD`,
	Args: cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		validateWorkflows(cmd, args)
	},
}

var (
	validateRecursive bool
	validateShowAll   bool
)

func init() {
	rootCmd.AddCommand(validateCmd)

	validateCmd.Flags().BoolVarP(&validateRecursive, "recursive", "r", false, "recursively validate files in directories")
	validateCmd.Flags().BoolVar(&validateShowAll, "show-all", false, "show all validation results, including successful ones")
}

// ValidationFileResult represents the result of validating one file
type ValidationFileResult struct {
	File       string   `json:"file" yaml:"file"`
	Valid      bool     `json:"valid" yaml:"valid"`
	DurationMS int64    `json:"duration_ms" yaml:"duration_ms"`
	Errors     []string `json:"errors,omitempty" yaml:"errors,omitempty"`
	Warnings   []string `json:"warnings,omitempty" yaml:"warnings,omitempty"`
}

// ValidationSummary represents the summary of all validation results
type ValidationSummary struct {
	Total      int                    `json:"total" yaml:"total"`
	Valid      int                    `json:"valid" yaml:"valid"`
	Invalid    int                    `json:"invalid" yaml:"invalid"`
	DurationMS int64                  `json:"total_duration_ms" yaml:"total_duration_ms"`
	Results    []ValidationFileResult `json:"results" yaml:"results"`
}

func validateWorkflows(cmd *cobra.Command, args []string) {
	start := time.Now()

	files, err := collectFiles(args, validateRecursive)
	if err != nil {
		style.Error(cmd.ErrOrStderr(), fmt.Sprintf("Failed to collect files: %v", err))
		os.Exit(1)
	}

	if len(files) == 0 {
		style.Warning(cmd.ErrOrStderr(), "No workflow files found to validate")
		return
	}

	yamlParser := parser.NewYAMLParser()
	components := newComponentRegistry()
	semantic := parser.NewSemanticValidator(components)

	results := make([]ValidationFileResult, 0, len(files))
	for _, file := range files {
		result := validateSingleFile(yamlParser, semantic, file)
		results = append(results, result)

		if !viper.GetBool("quiet") && viper.GetString("output") == "text" {
			printFileResult(cmd, result)
		}
	}

	summary := ValidationSummary{
		Total:      len(results),
		DurationMS: time.Since(start).Milliseconds(),
		Results:    results,
	}
	for _, result := range results {
		if result.Valid {
			summary.Valid++
		} else {
			summary.Invalid++
		}
	}

	switch viper.GetString("output") {
	case "json":
		style.PrintJSON(cmd.OutOrStdout(), summary)
	case "yaml":
		style.PrintYAML(cmd.OutOrStdout(), summary)
	default:
		if !viper.GetBool("quiet") {
			fmt.Fprintf(cmd.OutOrStdout(), "\n%d file(s) checked: %d valid, %d invalid\n",
				summary.Total, summary.Valid, summary.Invalid)
		}
	}

	if summary.Invalid > 0 {
		os.Exit(1)
	}
}

func validateSingleFile(yamlParser *parser.YAMLParser, semantic *parser.SemanticValidator, file string) ValidationFileResult {
	start := time.Now()
	result := ValidationFileResult{File: file, Valid: true}

	workflow, err := yamlParser.ParseFile(file)
	if err != nil {
		result.Valid = false
		result.Errors = append(result.Errors, err.Error())
		result.DurationMS = time.Since(start).Milliseconds()
		return result
	}

	// Unknown component references become warnings: the CLI only knows the
	// built-ins, host embedders register the rest.
	if semResult := semantic.Validate(workflow); semResult.HasErrors() {
		for _, semErr := range semResult.Errors {
			if strings.Contains(semErr.Message, "is not registered") {
				result.Warnings = append(result.Warnings, semErr.Error())
				continue
			}
			result.Valid = false
			result.Errors = append(result.Errors, semErr.Error())
		}
	}

	result.DurationMS = time.Since(start).Milliseconds()
	return result
}

func printFileResult(cmd *cobra.Command, result ValidationFileResult) {
	out := cmd.OutOrStdout()
	if result.Valid {
		if validateShowAll {
			style.Success(out, fmt.Sprintf("%s (%dms)", result.File, result.DurationMS))
		}
	} else {
		style.Error(out, result.File)
		for _, msg := range result.Errors {
			fmt.Fprintf(out, "  %s %s\n", style.GetSeverityIcon("error"), msg)
		}
	}
	for _, msg := range result.Warnings {
		fmt.Fprintf(out, "  %s %s\n", style.GetSeverityIcon("warning"), msg)
	}
}

// collectFiles expands the argument list into workflow files, optionally
// descending into directories.
func collectFiles(args []string, recursive bool) ([]string, error) {
	var files []string
	for _, arg := range args {
		info, err := os.Stat(arg)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			files = append(files, arg)
			continue
		}
		if !recursive {
			entries, err := os.ReadDir(arg)
			if err != nil {
				return nil, err
			}
			for _, entry := range entries {
				if !entry.IsDir() && isWorkflowFile(entry.Name()) {
					files = append(files, filepath.Join(arg, entry.Name()))
				}
			}
			continue
		}
		err = filepath.Walk(arg, func(path string, info os.FileInfo, err error) error {
			if err != nil {
				return err
			}
			if !info.IsDir() && isWorkflowFile(path) {
				files = append(files, path)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return files, nil
}

func isWorkflowFile(path string) bool {
	return strings.HasSuffix(path, ".yaml") || strings.HasSuffix(path, ".yml")
}
