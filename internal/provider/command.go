// Package provider implements the model capability by running a configured
// command per provider tag, the way a CLI agent such as `claude -p` is driven.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"syscall"

	"github.com/mpataki/studio/internal/models"
)

// PromptArg is replaced by the rendered prompt in Command.Args. When no
// argument contains it the prompt is written to stdin instead.
const PromptArg = "{prompt}"

// ContractArg is replaced by the agent's contract ("json" or "text").
const ContractArg = "{contract}"

type Command struct {
	Command     string            `mapstructure:"command"`
	Args        []string          `mapstructure:"args"`
	Env         map[string]string `mapstructure:"env"`
	ResultField string            `mapstructure:"result_field"` // field of a JSON envelope holding the answer
}

type CommandInvoker struct {
	providers map[string]Command
	workDir   string
}

func NewCommandInvoker(providers map[string]Command, workDir string) *CommandInvoker {
	return &CommandInvoker{providers: providers, workDir: workDir}
}

// Providers returns the configured provider tags.
func (c *CommandInvoker) Providers() []string {
	tags := make([]string, 0, len(c.providers))
	for tag := range c.providers {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}

func (c *CommandInvoker) Invoke(ctx context.Context, provider, prompt string, contract models.Contract) (string, error) {
	spec, ok := c.providers[provider]
	if !ok {
		return "", &models.ProviderError{Provider: provider, Err: fmt.Errorf("provider not configured")}
	}

	usesArg := false
	args := make([]string, len(spec.Args))
	for i, a := range spec.Args {
		if strings.Contains(a, PromptArg) {
			usesArg = true
		}
		a = strings.ReplaceAll(a, PromptArg, prompt)
		args[i] = strings.ReplaceAll(a, ContractArg, string(contract))
	}

	cmd := exec.CommandContext(ctx, spec.Command, args...)
	cmd.Dir = c.workDir
	// Own process group so cancellation takes child processes down too
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	if len(spec.Env) > 0 {
		cmd.Env = os.Environ()
		for k, v := range spec.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
	}
	if !usesArg {
		cmd.Stdin = strings.NewReader(prompt)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", &models.ProviderError{Provider: provider, Err: ctxErr}
		}
		if exitErr, ok := err.(*exec.ExitError); ok {
			return "", &models.ProviderError{
				Provider: provider,
				Err:      fmt.Errorf("exited with code %d: %s", exitErr.ExitCode(), tail(stderr.String(), 512)),
			}
		}
		return "", &models.ProviderError{Provider: provider, Err: err}
	}

	out := stdout.String()
	if spec.ResultField == "" {
		return out, nil
	}

	var envelope map[string]any
	if err := json.Unmarshal(stdout.Bytes(), &envelope); err != nil {
		return "", &models.ProviderError{Provider: provider, Err: fmt.Errorf("failed to parse result envelope: %w", err)}
	}
	result, ok := envelope[spec.ResultField].(string)
	if !ok {
		return "", &models.ProviderError{Provider: provider, Err: fmt.Errorf("result envelope has no string field %q", spec.ResultField)}
	}
	return result, nil
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
