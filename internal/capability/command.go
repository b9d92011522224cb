package capability

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/harrison/foundry/internal/models"
)

// CommandCapability invokes an external command once per call. The Input is
// written to stdin as JSON; the reply is read from stdout.
//
// Accepted replies:
//
//	{"kind": "plan", "payload": {...}}
//	{"kind": "plan", "payload": "# Feature\n## Steps\n..."}   (markdown plan)
//	{"error": {"kind": "refused", "message": "..."}}
//
// A CLI envelope carrying the reply in "structured_output" or "result" is
// unwrapped first, and prose around a single JSON object is tolerated.
type CommandCapability struct {
	// CapName is the registry name (architect, builder, qa).
	CapName string

	// Produces is the payload kind this command must return.
	Produces Kind

	// Argv is the command and its arguments.
	Argv []string

	// Timeout bounds each invocation (0 = caller's context only).
	Timeout time.Duration

	// Dir is the working directory (empty = current dir).
	Dir string

	// Env is appended to the inherited environment.
	Env []string
}

// request is the stdin document.
type request struct {
	Capability string `json:"capability"`
	Expect     Kind   `json:"expect"`
	Input
}

// NewCommandCapability creates a command-backed capability.
func NewCommandCapability(name string, produces Kind, argv []string, timeout time.Duration) (*CommandCapability, error) {
	if name == "" {
		return nil, models.NewConfigurationError("capabilities", "capability name is required")
	}
	if len(argv) == 0 || strings.TrimSpace(argv[0]) == "" {
		return nil, models.NewConfigurationError("capabilities."+name, "command is required")
	}
	switch produces {
	case KindPlan, KindArtifact, KindVerdict:
	default:
		return nil, models.NewConfigurationError("capabilities."+name, fmt.Sprintf("unknown output kind %q", produces))
	}
	return &CommandCapability{
		CapName:  name,
		Produces: produces,
		Argv:     append([]string(nil), argv...),
		Timeout:  timeout,
	}, nil
}

// Name returns the capability name.
func (c *CommandCapability) Name() string { return c.CapName }

// Invoke runs the command and decodes its reply.
func (c *CommandCapability) Invoke(ctx context.Context, in Input) (Output, error) {
	if in.PriorErrors == nil {
		in.PriorErrors = []string{}
	}
	body, err := json.Marshal(request{Capability: c.CapName, Expect: c.Produces, Input: in})
	if err != nil {
		return Output{}, models.NewCapabilityError(c.CapName, models.CapabilityRefused, "encode input", err)
	}

	runCtx := ctx
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, c.Argv[0], c.Argv[1:]...)
	cmd.Dir = c.Dir
	cmd.Env = append(os.Environ(), c.Env...)
	cmd.Stdin = bytes.NewReader(body)
	cmd.WaitDelay = 2 * time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	if runCtx.Err() != nil {
		return Output{}, models.NewCapabilityError(c.CapName, models.CapabilityTimeout,
			"no reply before deadline", runCtx.Err())
	}
	if runErr != nil {
		// A structured error reply wins over the bare exit status.
		if ce := replyError(c.CapName, strings.TrimSpace(stdout.String())); ce != nil {
			return Output{}, ce
		}
		return Output{}, models.NewCapabilityError(c.CapName, models.CapabilityRefused,
			fmt.Sprintf("command failed: %s", truncate(strings.TrimSpace(stderr.String()), 500)), runErr)
	}

	return DecodeReply(c.CapName, c.Produces, stdout.Bytes())
}

// DecodeReply parses a raw capability reply that must carry a payload of kind want.
func DecodeReply(name string, want Kind, raw []byte) (Output, error) {
	body := unwrapEnvelope(strings.TrimSpace(string(raw)))
	if body == "" {
		return Output{}, models.NewCapabilityError(name, models.CapabilityMalformed, "empty reply", nil)
	}
	if !gjson.Valid(body) {
		extracted := ExtractJSON(body)
		if extracted == "" || !gjson.Valid(extracted) {
			return Output{}, models.NewCapabilityError(name, models.CapabilityMalformed,
				fmt.Sprintf("reply is not JSON: %s", truncate(body, 200)), nil)
		}
		body = extracted
	}

	if ce := replyError(name, body); ce != nil {
		return Output{}, ce
	}

	kind := Kind(gjson.Get(body, "kind").String())
	if kind == "" {
		kind = want
	}
	if kind != want {
		return Output{}, malformed(name, want, kind)
	}

	payload := gjson.Get(body, "payload")
	if !payload.Exists() {
		payload = gjson.Parse(body)
	}

	out := Output{Kind: kind}
	switch want {
	case KindPlan:
		var plan models.ImplementationPlan
		if payload.Type == gjson.String {
			decoded, err := DecodeMarkdownPlan([]byte(payload.String()))
			if err != nil {
				return Output{}, models.NewCapabilityError(name, models.CapabilityMalformed, "markdown plan", err)
			}
			plan = *decoded
		} else if err := json.Unmarshal([]byte(payload.Raw), &plan); err != nil {
			return Output{}, models.NewCapabilityError(name, models.CapabilityMalformed, "plan payload", err)
		}
		out.Plan = &plan
	case KindArtifact:
		var artifact models.BuildArtifact
		if err := json.Unmarshal([]byte(payload.Raw), &artifact); err != nil {
			return Output{}, models.NewCapabilityError(name, models.CapabilityMalformed, "artifact payload", err)
		}
		out.Artifact = &artifact
	case KindVerdict:
		var verdict Verdict
		if err := json.Unmarshal([]byte(payload.Raw), &verdict); err != nil {
			return Output{}, models.NewCapabilityError(name, models.CapabilityMalformed, "verdict payload", err)
		}
		out.Verdict = &verdict
	}
	return out, nil
}

// unwrapEnvelope returns the reply carried inside a CLI result envelope:
// structured_output first, then a string result field.
func unwrapEnvelope(body string) string {
	if !gjson.Valid(body) {
		return body
	}
	if so := gjson.Get(body, "structured_output"); so.IsObject() {
		return so.Raw
	}
	if res := gjson.Get(body, "result"); res.Type == gjson.String && gjson.Get(body, "type").Exists() {
		return strings.TrimSpace(res.String())
	}
	return body
}

// replyError decodes {"error": {"kind": ..., "message": ...}}; a bare string
// error is treated as a refusal.
func replyError(name, body string) *models.CapabilityError {
	if !gjson.Valid(body) {
		return nil
	}
	e := gjson.Get(body, "error")
	switch {
	case !e.Exists() || e.Type == gjson.Null:
		return nil
	case e.Type == gjson.String:
		if e.String() == "" {
			return nil
		}
		return models.NewCapabilityError(name, models.CapabilityRefused, e.String(), nil)
	}

	kind := models.CapabilityErrorKind(e.Get("kind").String())
	switch kind {
	case models.CapabilityTimeout, models.CapabilityMalformed, models.CapabilityRefused:
	default:
		kind = models.CapabilityRefused
	}
	msg := e.Get("message").String()
	if msg == "" {
		msg = "capability reported an error"
	}
	return models.NewCapabilityError(name, kind, msg, nil)
}

// ExtractJSON returns the substring from the first '{' to the last '}', or ""
// when there is none.
func ExtractJSON(content string) string {
	start := strings.IndexByte(content, '{')
	end := strings.LastIndexByte(content, '}')
	if start >= 0 && end > start {
		return content[start : end+1]
	}
	return ""
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
