package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func executeRootCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestRootCommandRegistersSubcommands(t *testing.T) {
	root := newRootCommand()

	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	assert.Subset(t, names, []string{"api", "worker", "migrate", "hash-password", "unlock", "sessions"})

	flag := root.PersistentFlags().ShorthandLookup("c")
	require.NotNil(t, flag)
	assert.Equal(t, "config", flag.Name)
}

func TestMigrateValidatesArguments(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"missing command", []string{"migrate"}},
		{"unknown command", []string{"migrate", "sideways"}},
		{"too many", []string{"migrate", "up", "down"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := executeRootCommand(t, tt.args...)
			assert.Error(t, err)
		})
	}
}

func TestAPIRejectsArguments(t *testing.T) {
	_, err := executeRootCommand(t, "api", "extra")
	assert.Error(t, err)
}

func TestWorkerRefusesMemoryQueue(t *testing.T) {
	t.Setenv("STUDUS_DATABASE_URL", "postgres://studus@localhost:5432/studus")
	t.Setenv("STUDUS_AUTH_JWT_SECRET", "0123456789abcdef0123456789abcdef")
	t.Setenv("STUDUS_QUEUE_BACKEND", "memory")

	_, err := executeRootCommand(t, "worker")
	assert.ErrorIs(t, err, errMemoryQueueWorker)
}

func TestConfigErrorsSurface(t *testing.T) {
	_, err := executeRootCommand(t, "migrate", "up", "--config", "does-not-exist.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load configuration")
}

func TestHashPasswordPrintsVerifiableHashes(t *testing.T) {
	out, err := executeRootCommand(t, "hash-password", "--cost", "4", "correct horse", "тест123")
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(lines[0]), []byte("correct horse")))
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(lines[1]), []byte("тест123")))
}

func TestHashPasswordReadsStdin(t *testing.T) {
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetIn(strings.NewReader("first\n\nsecond\n"))
	cmd.SetArgs([]string{"hash-password", "--cost", "4"})
	require.NoError(t, cmd.Execute())

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(lines[1]), []byte("second")))
}

func TestHashPasswordRejectsInvalidCost(t *testing.T) {
	_, err := executeRootCommand(t, "hash-password", "--cost", "99", "pw")
	assert.Error(t, err)
}
