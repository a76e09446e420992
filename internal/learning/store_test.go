package learning

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "patterns.json"))
	require.NoError(t, err)
	return s
}

func TestFingerprintNormalizesWhitespace(t *testing.T) {
	a := Fingerprint("func main() {\n\treturn\n}")
	b := Fingerprint("func   main( )  { return }")
	assert.Equal(t, a, b)

	c := Fingerprint("func other() { return }")
	assert.NotEqual(t, a, c)
}

func TestPromotionAfterTriggerCount(t *testing.T) {
	s := newTestStore(t)
	original := "NSView *view = [[NSView alloc] init];"
	replacement := "var view = new Canvas();"

	for i := 1; i <= 2; i++ {
		p, err := s.RecordFix(original, replacement, "", 3)
		require.NoError(t, err)
		assert.Equal(t, i, p.Count)
		assert.False(t, p.Promoted())
	}
	_, ok := s.Match(original)
	assert.False(t, ok)

	p, err := s.RecordFix(original, replacement, "use Canvas", 3)
	require.NoError(t, err)
	assert.True(t, p.Promoted())

	got, ok := s.Match(original)
	require.True(t, ok)
	assert.Equal(t, replacement, got.Replacement)
	assert.Equal(t, "use Canvas", got.Hint)
}

func TestDifferentReplacementResetsRun(t *testing.T) {
	s := newTestStore(t)
	original := "some failing content"

	_, err := s.RecordFix(original, "fix A", "", 3)
	require.NoError(t, err)
	_, err = s.RecordFix(original, "fix A", "", 3)
	require.NoError(t, err)

	// A conflicting fix restarts the count with the new replacement.
	p, err := s.RecordFix(original, "fix B", "", 3)
	require.NoError(t, err)
	assert.Equal(t, 1, p.Count)
	assert.Equal(t, "fix B", p.Replacement)
	assert.False(t, p.Promoted())
}

func TestAutoApplyBookkeeping(t *testing.T) {
	s := newTestStore(t)
	original := "content"
	for i := 0; i < 3; i++ {
		_, err := s.RecordFix(original, "fix", "", 3)
		require.NoError(t, err)
	}
	fp := Fingerprint(original)

	require.NoError(t, s.RecordAutoApply(fp, true))
	require.NoError(t, s.RecordAutoApply(fp, false))

	var found Pattern
	for _, p := range s.List() {
		if p.Fingerprint == fp {
			found = p
		}
	}
	assert.Equal(t, 2, found.AutoAttempts)
	assert.Equal(t, 1, found.AutoSuccesses)
	assert.Equal(t, 1, found.AutoFailures)
}

func TestPersistenceSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "patterns.json")
	s, err := NewStore(path)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := s.RecordFix("original body", "replacement body", "hint", 3)
		require.NoError(t, err)
	}

	reopened, err := NewStore(path)
	require.NoError(t, err)
	p, ok := reopened.Match("original body")
	require.True(t, ok)
	assert.Equal(t, "replacement body", p.Replacement)
	assert.Equal(t, 3, p.Count)
}

func TestRecordFixRejectsEmptyInput(t *testing.T) {
	s := newTestStore(t)
	_, err := s.RecordFix("", "fix", "", 0)
	assert.Error(t, err)
	_, err = s.RecordFix("original", "", "", 0)
	assert.Error(t, err)
}
