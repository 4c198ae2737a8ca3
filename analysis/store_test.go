package analysis

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"dataset-catalog/config"
	"dataset-catalog/models"
)

type publishCall struct {
	name, previous string
}

type fakePublisher struct {
	mu    sync.Mutex
	calls []publishCall
}

func (p *fakePublisher) Publish(name, previous string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, publishCall{name, previous})
}

func newTestStore(t *testing.T) (*Store, *fakePublisher) {
	t.Helper()
	pub := &fakePublisher{}
	cfg := &config.Config{
		AnalysisDir:      filepath.Join(t.TempDir(), "analysis"),
		AnalysisTemplate: "analysis_example.toml",
		GitURL:           "https://git.example.org/datasets/",
		GitBranch:        "main",
	}
	return NewStore(cfg, pub, zap.NewNop()), pub
}

func testDataset(acronym string, versions ...string) *models.Dataset {
	if len(versions) == 0 {
		versions = models.RootVersions()
	}
	return &models.Dataset{
		Acronym:        acronym,
		Versions:       pq.StringArray(versions),
		Title:          "Traffic",
		Authors:        pq.StringArray{"A", "B"},
		Submitter:      models.Submitter{Name: "Jo", Email: "jo@example.org"},
		AnalysisStatus: models.AnalysisRequested,
	}
}

func TestCreateThenRead(t *testing.T) {
	s, pub := newTestStore(t)
	d := testDataset("DS1", "v2")

	require.NoError(t, s.Create(context.Background(), d))

	a := s.Read(context.Background(), d)
	assert.Equal(t, StateSynced, a.State)
	assert.Equal(t, "DS1.v2", a.Name)

	v, ok := a.Document.Get("acronym")
	require.True(t, ok)
	assert.Equal(t, "DS1", v)
	v, _ = a.Document.Get("authors")
	assert.Equal(t, "A, B", v)
	_, ok = a.Document.Get("Analysis")
	assert.True(t, ok, "template section kept")

	assert.Equal(t, []publishCall{{"DS1.v2", ""}}, pub.calls)
}

func TestCreateIsIdempotent(t *testing.T) {
	s, pub := newTestStore(t)
	d := testDataset("DS1")
	require.NoError(t, s.Create(context.Background(), d))

	path := filepath.Join(s.Root, "DS1", DocumentFile)
	require.NoError(t, os.WriteFile(path, []byte("human = \"edit\"\n"), 0o644))

	require.NoError(t, s.Create(context.Background(), d))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "human = \"edit\"\n", string(data))
	assert.Len(t, pub.calls, 1)
}

func TestCreateUsesTemplateFromRoot(t *testing.T) {
	s, _ := newTestStore(t)
	require.NoError(t, os.MkdirAll(s.Root, 0o755))
	require.NoError(t, os.WriteFile(s.Template, []byte("[Custom]\nx = 1\n"), 0o644))

	d := testDataset("DS2")
	require.NoError(t, s.Create(context.Background(), d))

	a := s.Read(context.Background(), d)
	_, ok := a.Document.Get("Custom")
	assert.True(t, ok)
	_, ok = a.Document.Get("Analysis")
	assert.False(t, ok)
}

func TestReadAbsent(t *testing.T) {
	s, pub := newTestStore(t)

	a := s.Read(context.Background(), testDataset("Nope"))
	assert.Equal(t, StateAbsent, a.State)
	v, _ := a.Document.Get("Message")
	assert.Equal(t, "No analysis for Nope yet", v)
	assert.Empty(t, pub.calls)
}

func TestReadQuarantinesCorruptDocument(t *testing.T) {
	s, pub := newTestStore(t)
	d := testDataset("DS1")
	dir := filepath.Join(s.Root, "DS1")
	require.NoError(t, os.MkdirAll(dir, 0o755))

	original := "# keep me\ntitle = \"x\"\nbroken = [\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, DocumentFile), []byte(original), 0o644))

	a := s.Read(context.Background(), d)
	assert.Equal(t, StateCorrupt, a.State)

	section, ok := a.Document.Get("Analysis Error")
	require.True(t, ok)
	table := section.(map[string]any)
	assert.NotEmpty(t, table["Message"])
	assert.Equal(t, quarantineNotice, table["Attention"])

	data, err := os.ReadFile(filepath.Join(dir, DocumentFile))
	require.NoError(t, err)
	content := string(data)
	assert.Contains(t, content, "# keep me\n")
	assert.Contains(t, content, "### title = \"x\"\n")
	assert.Contains(t, content, "### broken = [\n")
	assert.Equal(t, []publishCall{{"DS1", ""}}, pub.calls)

	// ein zweites Lesen findet ein gültiges Dokument
	again := s.Read(context.Background(), d)
	assert.Equal(t, StateSynced, again.State)
}

func TestUpdatePreservesHumanContent(t *testing.T) {
	s, _ := newTestStore(t)
	d := testDataset("DS1")
	require.NoError(t, s.Create(context.Background(), d))

	path := filepath.Join(s.Root, "DS1", DocumentFile)
	human := "# reviewer note\nnotes = \"looks fine\"\ntitle = \"stale\"\n"
	require.NoError(t, os.WriteFile(path, []byte(human), 0o644))

	d.Title = "Fresh"
	require.NoError(t, s.Update(context.Background(), d, "DS1"))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "# reviewer note\n")

	doc, err := ParseDocument(data)
	require.NoError(t, err)
	v, _ := doc.Get("notes")
	assert.Equal(t, "looks fine", v)
	v, _ = doc.Get("title")
	assert.Equal(t, "Fresh", v)
	assert.Equal(t, []string{"notes", "title"}, doc.Keys()[:2])
}

func TestUpdateQuarantinesBeforeMerge(t *testing.T) {
	s, _ := newTestStore(t)
	d := testDataset("DS1")
	dir := filepath.Join(s.Root, "DS1")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, DocumentFile), []byte("oops = \n"), 0o644))

	require.NoError(t, s.Update(context.Background(), d, ""))

	data, err := os.ReadFile(filepath.Join(dir, DocumentFile))
	require.NoError(t, err)
	assert.Contains(t, string(data), "### oops = \n")

	doc, err := ParseDocument(data)
	require.NoError(t, err)
	_, ok := doc.Get("Analysis Error")
	assert.True(t, ok)
	v, _ := doc.Get("acronym")
	assert.Equal(t, "DS1", v)
}

func TestUpdateRenamesDirectory(t *testing.T) {
	s, pub := newTestStore(t)
	d := testDataset("DS1", "v1")
	require.NoError(t, s.Create(context.Background(), d))
	require.NoError(t, os.WriteFile(filepath.Join(s.Dir("DS1.v1"), "plot.png"), []byte("png"), 0o644))

	d.Versions = pq.StringArray{"v2"}
	require.NoError(t, s.Update(context.Background(), d, "DS1.v1"))

	_, err := os.Stat(s.Dir("DS1.v1"))
	assert.True(t, os.IsNotExist(err))
	assert.Equal(t, []string{"plot.png"}, s.Files(d))

	a := s.Read(context.Background(), d)
	v, _ := a.Document.Get("versions")
	assert.Equal(t, "v2", v)
	assert.Equal(t, publishCall{"DS1.v2", "DS1.v1"}, pub.calls[len(pub.calls)-1])
}

func TestUpdateKeepsOldDirectoryWhenTargetExists(t *testing.T) {
	s, _ := newTestStore(t)
	old := testDataset("DS1", "v1")
	target := testDataset("DS1", "v2")
	require.NoError(t, s.Create(context.Background(), old))
	require.NoError(t, s.Create(context.Background(), target))

	old.Versions = pq.StringArray{"v2"}
	require.NoError(t, s.Update(context.Background(), old, "DS1.v1"))

	_, err := os.Stat(s.Dir("DS1.v1"))
	assert.NoError(t, err)
	_, err = os.Stat(s.Dir("DS1.v2"))
	assert.NoError(t, err)
}

func TestUpdateSeedsMissingDocument(t *testing.T) {
	s, _ := newTestStore(t)
	d := testDataset("Fresh")

	require.NoError(t, s.Update(context.Background(), d, "Gone"))

	a := s.Read(context.Background(), d)
	assert.Equal(t, StateSynced, a.State)
	_, ok := a.Document.Get("Analysis")
	assert.True(t, ok)
}

func TestFilesAndFilePath(t *testing.T) {
	s, _ := newTestStore(t)
	d := testDataset("DS1")
	require.NoError(t, s.Create(context.Background(), d))
	dir := s.Dir("DS1")
	for _, name := range []string{"b.csv", "a.png", "nb.ipynb", ".hidden"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644))
	}
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub"), 0o755))

	assert.Equal(t, []string{"a.png", "b.csv"}, s.Files(d))

	p, err := s.FilePath(d, "a.png")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "a.png"), p)

	_, err = s.FilePath(d, "../secret")
	assert.ErrorIs(t, err, os.ErrNotExist)
	_, err = s.FilePath(d, DocumentFile)
	assert.Error(t, err)
}

func TestEditURL(t *testing.T) {
	s, _ := newTestStore(t)
	url := s.EditURL(testDataset("DS1", "v2"))
	assert.Equal(t, "https://git.example.org/datasets/-/edit/main/DS1.v2/analysis.toml?ref_type=heads", url)

	s.GitURL = ""
	assert.Empty(t, s.EditURL(testDataset("DS1")))
}

func TestList(t *testing.T) {
	s, _ := newTestStore(t)
	require.NoError(t, s.Create(context.Background(), testDataset("A")))
	require.NoError(t, s.Create(context.Background(), testDataset("B")))
	require.NoError(t, os.Mkdir(filepath.Join(s.Root, "empty"), 0o755))

	list, err := s.List(context.Background())
	require.NoError(t, err)
	var names []string
	for _, a := range list {
		names = append(names, a.Name)
	}
	assert.Equal(t, []string{"A", "B"}, names)
}

func TestConcurrentUpdatesDoNotLoseWrites(t *testing.T) {
	s, _ := newTestStore(t)
	d := testDataset("DS1")
	require.NoError(t, s.Create(context.Background(), d))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, s.Update(context.Background(), testDataset("DS1"), ""))
		}()
	}
	wg.Wait()

	data, err := os.ReadFile(filepath.Join(s.Dir("DS1"), DocumentFile))
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(string(data), "acronym ="))
}

func TestQuarantineContentKeepsEveryLine(t *testing.T) {
	in := []byte("a = 1\n# c\nno newline")
	out, escaped, err := quarantineContent(in, assert.AnError)
	require.NoError(t, err)
	assert.False(t, escaped)

	lines := strings.Split(string(out), "\n")
	assert.Equal(t, "### a = 1", lines[0])
	assert.Equal(t, "# c", lines[1])
	assert.Equal(t, "### no newline", lines[2])
}

func TestReadRecoversDocumentWithForbiddenBytes(t *testing.T) {
	cases := map[string]string{
		"invalid utf-8":     "title = \"ok\"\nnote = \"caf\xe9\"\n",
		"control character": "title = \"ok\"\nnote = \"a\x01b\"\n",
	}
	for name, original := range cases {
		t.Run(name, func(t *testing.T) {
			s, pub := newTestStore(t)
			d := testDataset("DS1")
			dir := filepath.Join(s.Root, "DS1")
			require.NoError(t, os.MkdirAll(dir, 0o755))
			path := filepath.Join(dir, DocumentFile)
			require.NoError(t, os.WriteFile(path, []byte(original), 0o644))

			first := s.Read(context.Background(), d)
			assert.Equal(t, StateCorrupt, first.State)
			_, ok := first.Document.Get("Analysis Error")
			assert.True(t, ok)

			quarantined, err := os.ReadFile(path)
			require.NoError(t, err)
			_, err = ParseDocument(quarantined)
			require.NoError(t, err)
			assert.Contains(t, string(quarantined), "### title = \"ok\"\n")

			// weitere Lesezugriffe verändern die Datei nicht mehr
			for i := 0; i < 2; i++ {
				again := s.Read(context.Background(), d)
				assert.Equal(t, StateSynced, again.State)
			}
			after, err := os.ReadFile(path)
			require.NoError(t, err)
			assert.Equal(t, quarantined, after)
			assert.Len(t, pub.calls, 1)

			raw, err := os.ReadFile(filepath.Join(dir, CorruptFile))
			require.NoError(t, err)
			assert.Equal(t, original, string(raw))
			assert.NotContains(t, s.Files(d), CorruptFile)

			d.Title = "Fresh"
			require.NoError(t, s.Update(context.Background(), d, "DS1"))
			updated, err := os.ReadFile(path)
			require.NoError(t, err)
			doc, err := ParseDocument(updated)
			require.NoError(t, err)
			v, _ := doc.Get("title")
			assert.Equal(t, "Fresh", v)
			assert.Contains(t, string(updated), "### title = \"ok\"\n")
		})
	}
}

func TestUpdateRecoversDocumentWithForbiddenBytes(t *testing.T) {
	s, _ := newTestStore(t)
	d := testDataset("DS1")
	dir := filepath.Join(s.Root, "DS1")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	original := "# note \xff\nbroken = \x02\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, DocumentFile), []byte(original), 0o644))

	require.NoError(t, s.Update(context.Background(), d, ""))

	data, err := os.ReadFile(filepath.Join(dir, DocumentFile))
	require.NoError(t, err)
	assert.Contains(t, string(data), "# note \\xff\n")
	assert.Contains(t, string(data), "### broken = \\x02\n")
	raw, err := os.ReadFile(filepath.Join(dir, CorruptFile))
	require.NoError(t, err)
	assert.Equal(t, original, string(raw))
}

func TestCommentSafe(t *testing.T) {
	tests := []struct {
		in, want string
		escaped  bool
	}{
		{"plain\ttext äö", "plain\ttext äö", false},
		{"caf\xe9", `caf\xe9`, true},
		{"a\x01b\x7f", `a\x01b\x7f`, true},
		{"lone\rcr", `lone\x0dcr`, true},
	}
	for _, tt := range tests {
		got, escaped := commentSafe([]byte(tt.in))
		assert.Equal(t, tt.want, string(got), tt.in)
		assert.Equal(t, tt.escaped, escaped, tt.in)
	}
}

func TestQuarantineContentKeepsCRLF(t *testing.T) {
	out, escaped, err := quarantineContent([]byte("a = 1\r\nb = \n"), assert.AnError)
	require.NoError(t, err)
	assert.False(t, escaped)
	assert.True(t, strings.HasPrefix(string(out), "### a = 1\r\n### b = \n"))
}

func TestReadUnreadableDocumentIsCorrupt(t *testing.T) {
	s, pub := newTestStore(t)
	d := testDataset("DS1")
	// ein Verzeichnis anstelle der Datei lässt sich nicht lesen
	require.NoError(t, os.MkdirAll(filepath.Join(s.Root, "DS1", DocumentFile), 0o755))

	a := s.Read(context.Background(), d)
	assert.Equal(t, StateCorrupt, a.State)
	msg, ok := a.Document.Get("Message")
	require.True(t, ok)
	assert.Contains(t, msg, "could not be read")
	assert.Empty(t, pub.calls)
}

func TestCommentLines(t *testing.T) {
	in := strings.Join([]string{
		"# top",
		"title = \"x\"",
		"text = \"\"\"",
		"# inside a string",
		"\"\"\"",
		"[Analysis]",
		"  # indented note",
		"Summary = \"s\" # trailing",
		"",
	}, "\n")

	assert.Equal(t, "# top\n  # indented note\n", string(commentLines([]byte(in))))
}

func TestUpdateKeepsIndentedComments(t *testing.T) {
	s, _ := newTestStore(t)
	d := testDataset("DS1")
	require.NoError(t, s.Create(context.Background(), d))

	path := filepath.Join(s.Root, "DS1", DocumentFile)
	human := "title = \"x\"\n[Analysis]\n  # check the units\nSummary = \"s\"\n"
	require.NoError(t, os.WriteFile(path, []byte(human), 0o644))

	for i := 0; i < 2; i++ {
		require.NoError(t, s.Update(context.Background(), d, "DS1"))
	}
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(string(data), "# check the units"))
}

func TestNameLocksReleaseEntries(t *testing.T) {
	var l nameLocks
	unlock := l.lock("b", "a", "", "a")
	assert.Equal(t, 2, l.size())
	unlock()
	assert.Equal(t, 0, l.size())

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			names := []string{"x", "y"}
			unlock := l.lock(names[i%2], "z")
			unlock()
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 0, l.size())
}

func TestRenameReleasesLockEntries(t *testing.T) {
	s, _ := newTestStore(t)
	d := testDataset("DS1")
	require.NoError(t, s.Create(context.Background(), d))

	d.Versions = pq.StringArray{"v2"}
	require.NoError(t, s.Update(context.Background(), d, "DS1"))
	s.Read(context.Background(), d)
	assert.Equal(t, 0, s.locks.size())
}
