package escalation

import (
	"encoding/json"
	"strings"

	"github.com/harrison/foundry/internal/models"
	"github.com/harrison/foundry/internal/sandbox"
)

// WorkspaceMount is where the snapshot workspace is mounted in the remote
// development container; it matches the sandbox mount.
const WorkspaceMount = "/workspace"

// DescriptorFile is the descriptor's name inside a snapshot.
const DescriptorFile = "devcontainer.json"

// BuildDescriptor derives the remote-development descriptor from the sandbox
// environment the run was verified in, so a human reopens the same image,
// dependencies and variables. The verification commands are attached so they
// can be rerun by hand.
func BuildDescriptor(runID string, env sandbox.Environment) models.RemoteDescriptor {
	d := models.RemoteDescriptor{
		Name:           "foundry-" + shortID(runID),
		BaseImage:      env.BaseImage,
		InstallSteps:   append([]string(nil), env.InstallSteps...),
		WorkspaceMount: WorkspaceMount,
		PostAttach:     []string{shellJoin(env.LintCommand), shellJoin(env.TestCommand)},
	}
	if len(env.Env) > 0 {
		d.Env = make(map[string]string, len(env.Env))
		for k, v := range env.Env {
			d.Env[k] = v
		}
	}
	return d
}

// MarshalDescriptor renders d as indented JSON.
func MarshalDescriptor(d models.RemoteDescriptor) ([]byte, error) {
	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func shellJoin(argv []string) string {
	quoted := make([]string, len(argv))
	for i, arg := range argv {
		if arg != "" && !strings.ContainsAny(arg, " \t\n'\"\\$`|&;<>(){}*?[]#~") {
			quoted[i] = arg
			continue
		}
		quoted[i] = "'" + strings.ReplaceAll(arg, "'", `'\''`) + "'"
	}
	return strings.Join(quoted, " ")
}
