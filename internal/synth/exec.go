package synth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strconv"

	"github.com/alongcar/tts-service/internal/config"
	"github.com/mattn/go-shellwords"
)

// execEngine drives the native synthesizer binary. Each call asks the
// binary to render the text into a temp WAV file and reads it back, the
// same flow the service's original synthesizer used.
type execEngine struct {
	cmd    []string
	cfg    config.SynthConfig
	voices []Voice
}

func NewExecEngine(cfg config.SynthConfig) (Engine, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse synth command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("synth command is empty")
	}
	e := &execEngine{cmd: args, cfg: cfg}
	e.voices = e.probeVoices()
	return e, nil
}

func (e *execEngine) Synthesize(ctx context.Context, req Request) ([]byte, error) {
	file, err := os.CreateTemp("", "ttsd_synth_*.wav")
	if err != nil {
		return nil, fmt.Errorf("temp file: %w", err)
	}
	name := file.Name()
	file.Close()
	defer os.Remove(name)

	base := e.cmd[0]
	args := append([]string{}, e.cmd[1:]...)
	args = append(args,
		"--voice", req.Voice,
		"--rate", strconv.Itoa(req.Rate),
		"--volume", strconv.FormatFloat(req.Volume, 'f', -1, 64),
		"--pitch", strconv.FormatFloat(req.Pitch, 'f', -1, 64),
		"--sample-rate", strconv.Itoa(e.cfg.SampleRate),
		"--output", name,
	)

	command := exec.CommandContext(ctx, base, args...)
	command.Stdin = bytes.NewReader([]byte(req.Text))
	var stderr bytes.Buffer
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("synth command failed: %w: %s", err, stderr.String())
	}

	data, err := os.ReadFile(name)
	if err != nil {
		return nil, fmt.Errorf("read synth output: %w", err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("synth command produced no audio")
	}
	return data, nil
}

func (e *execEngine) Voices() []Voice {
	return append([]Voice(nil), e.voices...)
}

func (e *execEngine) Close() error { return nil }

// probeVoices asks the binary for its voice inventory. A binary without a
// --list-voices mode still works with the configured default voice.
func (e *execEngine) probeVoices() []Voice {
	base := e.cmd[0]
	args := append([]string{}, e.cmd[1:]...)
	args = append(args, "--list-voices")

	out, err := exec.Command(base, args...).Output()
	if err == nil {
		var voices []Voice
		if jerr := json.Unmarshal(out, &voices); jerr == nil && len(voices) > 0 {
			return voices
		}
	}
	return []Voice{{ID: e.cfg.DefaultVoice, Name: e.cfg.DefaultVoice}}
}
