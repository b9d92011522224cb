package sandbox

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// PatternPlaceholder is substituted into TestPatternArgs by RunTests.
const PatternPlaceholder = "{pattern}"

// Environment declares a reproducible execution environment: a base image, an
// install step list and the verification commands run against the workspace.
type Environment struct {
	Name            string            `yaml:"name"`
	BaseImage       string            `yaml:"base_image"`
	InstallSteps    []string          `yaml:"install_steps"`
	LintCommand     []string          `yaml:"lint_command"`
	TestCommand     []string          `yaml:"test_command"`
	TestPatternArgs []string          `yaml:"test_pattern_args"`
	Env             map[string]string `yaml:"env"`

	// InstallNetwork is the container network used while install steps run.
	// After install the container is disconnected so verification is offline.
	InstallNetwork string `yaml:"install_network"`
}

// DefaultEnvironment returns the Go toolchain environment.
func DefaultEnvironment() Environment {
	return Environment{
		Name:            "go",
		BaseImage:       "golang:1.25",
		InstallSteps:    []string{"go mod download"},
		LintCommand:     []string{"go", "vet", "./..."},
		TestCommand:     []string{"go", "test", "./..."},
		TestPatternArgs: []string{"-run", PatternPlaceholder},
		Env: map[string]string{
			"CGO_ENABLED": "0",
			"GOFLAGS":     "-mod=mod",
		},
		InstallNetwork: "bridge",
	}
}

// Validate checks the environment has what every backend needs.
func (e Environment) Validate() error {
	if len(e.LintCommand) == 0 {
		return fmt.Errorf("environment %q: lint_command is required", e.Name)
	}
	if len(e.TestCommand) == 0 {
		return fmt.Errorf("environment %q: test_command is required", e.Name)
	}
	for key := range e.Env {
		if key == "" || strings.ContainsAny(key, "= ") {
			return fmt.Errorf("environment %q: invalid variable name %q", e.Name, key)
		}
	}
	return nil
}

// TestArgv returns the test command, narrowed to pattern when one is given.
func (e Environment) TestArgv(pattern string) []string {
	argv := append([]string(nil), e.TestCommand...)
	if pattern == "" {
		return argv
	}
	for _, arg := range e.TestPatternArgs {
		argv = append(argv, strings.ReplaceAll(arg, PatternPlaceholder, pattern))
	}
	return argv
}

// LoadEnvironment reads an environment declaration from a YAML file. Fields
// missing from the file keep their DefaultEnvironment values.
func LoadEnvironment(path string) (Environment, error) {
	env := DefaultEnvironment()
	data, err := os.ReadFile(path)
	if err != nil {
		return Environment{}, fmt.Errorf("failed to read environment file: %w", err)
	}
	if err := yaml.Unmarshal(data, &env); err != nil {
		return Environment{}, fmt.Errorf("failed to parse environment file: %w", err)
	}
	if err := env.Validate(); err != nil {
		return Environment{}, err
	}
	return env, nil
}
