package normalization

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

type driver string

const (
	driverSQLite   driver = "sqlite"
	driverPostgres driver = "postgres"
	driverMemory   driver = "memory"
)

func newDriverNormalizer() *Normalizer[driver] {
	return New("store driver", map[string]driver{
		"sqlite":     driverSQLite,
		"sqlite3":    driverSQLite,
		"postgres":   driverPostgres,
		"PostgreSQL": driverPostgres,
		"memory":     driverMemory,
	}, driverSQLite)
}

func TestNormalize(t *testing.T) {
	n := newDriverNormalizer()

	tests := []struct {
		input string
		want  driver
	}{
		{"sqlite", driverSQLite},
		{"SQLITE3", driverSQLite},
		{"  postgres  ", driverPostgres},
		{"postgresql", driverPostgres},
		{"  MeMoRy ", driverMemory},
		{"oracle", driverSQLite},
		{"", driverSQLite},
	}
	for _, tt := range tests {
		if got := n.Normalize(tt.input); got != tt.want {
			t.Errorf("Normalize(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestParse(t *testing.T) {
	n := newDriverNormalizer()

	got, err := n.Parse("Memory")
	require.NoError(t, err)
	require.Equal(t, driverMemory, got)

	_, err = n.Parse("oracle")
	require.Error(t, err)
	require.True(t, strings.HasPrefix(err.Error(), `unknown store driver "oracle"`), err.Error())
	require.Contains(t, err.Error(), "postgresql")
}

func TestKeys_SortedAndFolded(t *testing.T) {
	n := newDriverNormalizer()
	keys := n.Keys()
	require.Equal(t, []string{"memory", "postgres", "postgresql", "sqlite", "sqlite3"}, keys)

	keys[0] = "mutated"
	require.Equal(t, "memory", n.Keys()[0])
}
