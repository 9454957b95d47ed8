package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRun_Help(t *testing.T) {
	args := []string{"policyplane", "help"}
	var stdout, stderr bytes.Buffer

	exitCode := Run(args, &stdout, &stderr)

	assert.Equal(t, 0, exitCode)
	assert.Contains(t, stdout.String(), "USAGE")
}

func TestRun_Unknown(t *testing.T) {
	args := []string{"policyplane", "bogus"}
	var stdout, stderr bytes.Buffer

	exitCode := Run(args, &stdout, &stderr)

	assert.Equal(t, 2, exitCode)
	assert.Contains(t, stderr.String(), "Unknown command")
}

func TestRun_DispatchesToMockedSubcommands(t *testing.T) {
	cases := []struct {
		arg     string
		mockVar *func() int
	}{
		{"run", &startRun},
		{"server", &startServer},
		{"evaluator", &startEvaluator},
		{"replay", &startReplay},
	}

	for _, c := range cases {
		t.Run(c.arg, func(t *testing.T) {
			original := *c.mockVar
			defer func() { *c.mockVar = original }()

			called := false
			*c.mockVar = func() int {
				called = true
				return 7
			}

			var stdout, stderr bytes.Buffer
			exitCode := Run([]string{"policyplane", c.arg}, &stdout, &stderr)

			assert.True(t, called, "expected subcommand to be invoked")
			assert.Equal(t, 7, exitCode)
		})
	}
}

func TestRun_NoArgsDefaultsToRun(t *testing.T) {
	original := startRun
	defer func() { startRun = original }()

	called := false
	startRun = func() int {
		called = true
		return 0
	}

	var stdout, stderr bytes.Buffer
	exitCode := Run([]string{"policyplane"}, &stdout, &stderr)

	assert.True(t, called)
	assert.Equal(t, 0, exitCode)
}

func TestRunHealthCmd_Fails(t *testing.T) {
	t.Setenv("DISTRIBUTION_PORT", "19999")

	var stdout, stderr bytes.Buffer
	exitCode := runHealthCmd(&stdout, &stderr)

	assert.Equal(t, 1, exitCode)
	assert.Contains(t, stderr.String(), "health check failed")
}
