package cve

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/google/shlex"
	"github.com/sirupsen/logrus"

	"espctl/pkg/render"
)

const (
	CSV2CPETemplate = "cve_csv2cpe.tmpl"
	CPE2CVETemplate = "cve_cpe2cve.tmpl"
)

// Matcher looks up the vulnerabilities of one application. An empty result means none.
type Matcher interface {
	Match(ctx context.Context, sw Software) (string, error)
}

// PipelineMatcher pipes the CSV line of an application through external commands, each stage's
// stdout feeding the next stage's stdin. No shell is involved.
type PipelineMatcher struct {
	Stages [][]string
	Logger logrus.FieldLogger
}

// NewPipelineMatcher renders the csv2cpe and cpe2cve command templates for feed and splits them
// into argument vectors.
func NewPipelineMatcher(engine *render.Engine, feed string, logger logrus.FieldLogger) (*PipelineMatcher, error) {
	if strings.TrimSpace(feed) == "" {
		return nil, errors.New("cve: nvd feed is required")
	}
	data := map[string]string{"Feed": feed}

	var stages [][]string
	for _, name := range []string{CSV2CPETemplate, CPE2CVETemplate} {
		line, err := engine.Render(name, data)
		if err != nil {
			return nil, fmt.Errorf("cve: render %s: %w", name, err)
		}
		args, err := shlex.Split(line)
		if err != nil {
			return nil, fmt.Errorf("cve: split %s: %w", name, err)
		}
		if len(args) == 0 {
			return nil, fmt.Errorf("cve: %s renders an empty command", name)
		}
		stages = append(stages, args)
	}
	return &PipelineMatcher{Stages: stages, Logger: logger}, nil
}

// Match runs the pipeline with sw's CSV line on stdin and returns the last stage's trimmed stdout.
// Any stage exiting non-zero fails the match.
func (m *PipelineMatcher) Match(ctx context.Context, sw Software) (string, error) {
	if len(m.Stages) == 0 {
		return "", errors.New("cve: empty pipeline")
	}

	cmds := make([]*exec.Cmd, len(m.Stages))
	stderr := make([]bytes.Buffer, len(m.Stages))
	var out bytes.Buffer
	for i, args := range m.Stages {
		cmd := exec.CommandContext(ctx, args[0], args[1:]...)
		cmd.Stderr = &stderr[i]
		if i == 0 {
			cmd.Stdin = strings.NewReader(sw.CSV() + "\n")
		} else {
			pipe, err := cmds[i-1].StdoutPipe()
			if err != nil {
				return "", fmt.Errorf("cve: pipe %s: %w", args[0], err)
			}
			cmd.Stdin = pipe
		}
		cmds[i] = cmd
	}
	cmds[len(cmds)-1].Stdout = &out

	started := 0
	var startErr error
	for _, cmd := range cmds {
		if err := cmd.Start(); err != nil {
			startErr = fmt.Errorf("cve: start %s: %w", cmd.Path, err)
			break
		}
		started++
	}
	if startErr != nil {
		for _, cmd := range cmds[:started] {
			_ = cmd.Process.Kill()
		}
	}

	var errs []error
	for i, cmd := range cmds[:started] {
		if err := cmd.Wait(); err != nil && startErr == nil {
			errs = append(errs, fmt.Errorf("cve: %s: %w: %s", m.Stages[i][0], err, strings.TrimSpace(stderr[i].String())))
		}
		if msg := strings.TrimSpace(stderr[i].String()); msg != "" {
			m.logger().WithFields(logrus.Fields{"command": m.Stages[i][0], "stderr": msg}).Debug("matcher stderr")
		}
	}
	if startErr != nil {
		return "", startErr
	}
	if err := errors.Join(errs...); err != nil {
		return "", err
	}
	return strings.TrimSpace(out.String()), nil
}

func (m *PipelineMatcher) logger() logrus.FieldLogger {
	if m.Logger == nil {
		return logrus.StandardLogger()
	}
	return m.Logger
}
