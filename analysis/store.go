package analysis

import (
	"bytes"
	"context"
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/pelletier/go-toml/v2"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"dataset-catalog/config"
	"dataset-catalog/models"
)

const (
	// DocumentFile ist der Dateiname des Analyse-Dokuments im Datensatz-Verzeichnis.
	DocumentFile = "analysis.toml"
	// CorruptFile sammelt die unveränderten Bytes aller Dokumente, die beim
	// Quarantänisieren maskiert werden mussten.
	CorruptFile = DocumentFile + ".corrupt"

	quarantinePrefix   = "### "
	errorSection       = "Analysis Error"
	quarantineNotice   = "Original lines will be commented out (###) in the analysis.toml file"
	placeholderMessage = "Message"
)

//go:embed template.toml
var defaultTemplate []byte

var quarantinedCounter prometheus.Counter

func init() {
	quarantinedCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "catalog_analysis_quarantined_total",
			Help: "Total number of analysis documents that failed to parse and were quarantined.",
		},
	)
	prometheus.MustRegister(quarantinedCounter)
}

// State ist der Zustand eines Analyse-Dokuments.
type State string

const (
	StateAbsent  State = "absent"
	StateCreated State = "created"
	StateSynced  State = "synced"
	StateCorrupt State = "corrupt"
)

// Publisher veröffentlicht ein Analyse-Verzeichnis im Hintergrund. previous ist
// der alte Verzeichnisname nach einer Umbenennung, sonst leer.
type Publisher interface {
	Publish(name, previous string)
}

// Analysis ist das Ergebnis eines Lesezugriffs. Document ist nie nil.
type Analysis struct {
	Name     string    `json:"name"`
	State    State     `json:"state"`
	Document *Document `json:"document"`
}

// Store verwaltet die Analyse-Dokumente unterhalb des Analyse-Verzeichnisses.
type Store struct {
	Root      string
	Template  string
	GitURL    string
	GitBranch string
	Publisher Publisher
	Logger    *zap.Logger

	locks nameLocks
}

// NewStore erstellt einen Store für cfg.AnalysisDir.
func NewStore(cfg *config.Config, publisher Publisher, logger *zap.Logger) *Store {
	template := cfg.AnalysisTemplate
	if template != "" && !filepath.IsAbs(template) {
		template = filepath.Join(cfg.AnalysisDir, template)
	}
	return &Store{
		Root:      cfg.AnalysisDir,
		Template:  template,
		GitURL:    strings.TrimRight(cfg.GitURL, "/"),
		GitBranch: cfg.GitBranch,
		Publisher: publisher,
		Logger:    logger,
	}
}

// Dir liefert das Verzeichnis zum kanonischen Namen.
func (s *Store) Dir(name string) string {
	return filepath.Join(s.Root, name)
}

func (s *Store) documentPath(name string) string {
	return filepath.Join(s.Dir(name), DocumentFile)
}

// EditURL verweist auf den Editor des entfernten Repositorys für das Dokument.
func (s *Store) EditURL(d *models.Dataset) string {
	if s.GitURL == "" {
		return ""
	}
	return fmt.Sprintf("%s/-/edit/%s/%s/%s?ref_type=heads", s.GitURL, s.GitBranch, d.CanonicalName(), DocumentFile)
}

// Create legt das Analyse-Verzeichnis an. Existiert es bereits, passiert nichts,
// damit menschliche Änderungen nie überschrieben werden.
func (s *Store) Create(ctx context.Context, d *models.Dataset) error {
	name := d.CanonicalName()
	unlock := s.locks.lock(name)
	defer unlock()

	log := s.Logger.With(zap.String("dataset", name))

	if err := os.MkdirAll(s.Root, 0o755); err != nil {
		return fmt.Errorf("creating analysis root %s: %w", s.Root, err)
	}

	dir := s.Dir(name)
	if err := os.Mkdir(dir, 0o755); err != nil {
		if errors.Is(err, fs.ErrExist) {
			log.Debug("Analysis directory already exists, leaving it untouched")
			return nil
		}
		return fmt.Errorf("creating analysis directory %s: %w", dir, err)
	}
	if err := s.seed(name); err != nil {
		return err
	}
	log.Info("Analysis directory created", zap.String("state", string(StateCreated)))

	return s.update(ctx, d, "")
}

// Read liefert das Analyse-Dokument und schlägt nie fehl: fehlt die Datei, gibt es
// ein Platzhalter-Dokument; ist sie kaputt, wird sie in Quarantäne genommen.
func (s *Store) Read(ctx context.Context, d *models.Dataset) *Analysis {
	name := d.CanonicalName()
	unlock := s.locks.lock(name)
	defer unlock()
	return s.read(name)
}

// List liest alle Analysen unterhalb des Analyse-Verzeichnisses.
func (s *Store) List(ctx context.Context) ([]*Analysis, error) {
	entries, err := os.ReadDir(s.Root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("listing %s: %w", s.Root, err)
	}

	var out []*Analysis
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		if _, err := os.Stat(s.documentPath(entry.Name())); err != nil {
			continue
		}
		unlock := s.locks.lock(entry.Name())
		out = append(out, s.read(entry.Name()))
		unlock()
	}
	return out, nil
}

// Update benennt das Verzeichnis bei Bedarf um und übernimmt die aktuellen
// Metadaten ins Dokument. Umbenennen und Schreiben sind nicht atomar: schlägt das
// Schreiben nach dem Umbenennen fehl, liegt der alte Inhalt am neuen Ort, bis die
// nächste Änderung ihn überschreibt.
func (s *Store) Update(ctx context.Context, d *models.Dataset, oldName string) error {
	unlock := s.locks.lock(d.CanonicalName(), oldName)
	defer unlock()
	return s.update(ctx, d, oldName)
}

func (s *Store) update(ctx context.Context, d *models.Dataset, oldName string) error {
	name := d.CanonicalName()
	log := s.Logger.With(zap.String("dataset", name))

	previous := ""
	if oldName != "" && oldName != name {
		moved, err := s.move(oldName, name)
		if err != nil {
			return err
		}
		if moved {
			previous = oldName
		}
	}

	path := s.documentPath(name)
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		if err := os.MkdirAll(s.Dir(name), 0o755); err != nil {
			return fmt.Errorf("creating analysis directory %s: %w", s.Dir(name), err)
		}
		if err := s.seed(name); err != nil {
			return err
		}
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}

	doc, err := ParseDocument(data)
	if err != nil {
		if data, err = s.quarantine(name, data, err); err != nil {
			return err
		}
		if doc, err = ParseDocument(data); err != nil {
			return fmt.Errorf("parsing quarantined %s: %w", path, err)
		}
	}

	doc.Merge(d.Snapshot())
	out, err := doc.MarshalTOML()
	if err != nil {
		return fmt.Errorf("encoding analysis for %s: %w", name, err)
	}
	out = append(out, commentLines(data)...)

	if err := writeFileAtomic(path, out); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	log.Info("Analysis document updated", zap.String("state", string(StateSynced)))

	s.Publisher.Publish(name, previous)
	return nil
}

// move benennt das Verzeichnis oldName in name um. Existiert das Ziel schon, bleibt
// das alte Verzeichnis liegen und das vorhandene Ziel wird weiterverwendet.
func (s *Store) move(oldName, name string) (bool, error) {
	log := s.Logger.With(zap.String("dataset", name), zap.String("previous", oldName))
	oldDir, newDir := s.Dir(oldName), s.Dir(name)

	if _, err := os.Stat(oldDir); errors.Is(err, fs.ErrNotExist) {
		log.Warn("Previous analysis directory missing, nothing to move")
		return false, nil
	}
	if _, err := os.Stat(newDir); err == nil {
		log.Warn("Analysis directory already exists at the new name, keeping the previous one in place")
		return false, nil
	}
	if err := os.Rename(oldDir, newDir); err != nil {
		return false, fmt.Errorf("moving analysis %s to %s: %w", oldName, name, err)
	}
	log.Info("Analysis directory moved")
	return true, nil
}

func (s *Store) read(name string) *Analysis {
	log := s.Logger.With(zap.String("dataset", name))
	path := s.documentPath(name)

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return placeholder(name, StateAbsent, fmt.Sprintf("No analysis for %s yet", name))
	}
	if err != nil {
		log.Error("Reading analysis document failed", zap.Error(err))
		return placeholder(name, StateCorrupt, fmt.Sprintf("Analysis for %s could not be read: %v", name, err))
	}

	doc, err := ParseDocument(data)
	if err == nil {
		return &Analysis{Name: name, State: StateSynced, Document: doc}
	}

	quarantined, err := s.quarantine(name, data, err)
	if err != nil {
		log.Error("Quarantining analysis document failed", zap.Error(err))
		return placeholder(name, StateCorrupt, fmt.Sprintf("Analysis for %s is corrupt: %v", name, err))
	}
	s.Publisher.Publish(name, "")

	doc, err = ParseDocument(quarantined)
	if err != nil {
		log.Error("Quarantined analysis document still does not parse", zap.Error(err))
		return placeholder(name, StateCorrupt, fmt.Sprintf("Analysis for %s is corrupt", name))
	}
	return &Analysis{Name: name, State: StateCorrupt, Document: doc}
}

// quarantine kommentiert jede Zeile der kaputten Datei aus und hängt einen
// Fehlerabschnitt an. Mussten Bytes maskiert werden, landet das Original
// unverändert in CorruptFile. Geschrieben wird nur ein Ergebnis, das sich parsen lässt.
func (s *Store) quarantine(name string, data []byte, parseErr error) ([]byte, error) {
	log := s.Logger.With(zap.String("dataset", name))
	log.Warn("Could not load analysis, quarantining", zap.Error(parseErr))

	content, escaped, err := quarantineContent(data, parseErr)
	if err != nil {
		return nil, err
	}
	if _, err := ParseDocument(content); err != nil {
		return nil, fmt.Errorf("quarantined %s does not parse: %w", name, err)
	}
	if escaped {
		if err := appendFile(filepath.Join(s.Dir(name), CorruptFile), data); err != nil {
			return nil, fmt.Errorf("saving original of %s: %w", name, err)
		}
		log.Warn("Analysis contained bytes not allowed in TOML, original saved", zap.String("file", CorruptFile))
	}
	if err := writeFileAtomic(s.documentPath(name), content); err != nil {
		return nil, fmt.Errorf("writing quarantined %s: %w", name, err)
	}
	quarantinedCounter.Inc()
	return content, nil
}

// quarantineContent liefert den Quarantäne-Inhalt und ob dabei Bytes maskiert wurden.
func quarantineContent(data []byte, parseErr error) ([]byte, bool, error) {
	var buf bytes.Buffer
	escaped := false
	for _, line := range bytes.SplitAfter(data, []byte("\n")) {
		if len(line) == 0 {
			continue
		}
		body, eol := splitLineEnding(line)
		safe, changed := commentSafe(body)
		escaped = escaped || changed
		if !bytes.HasPrefix(safe, []byte("#")) {
			buf.WriteString(quarantinePrefix)
		}
		buf.Write(safe)
		buf.Write(eol)
	}
	if buf.Len() > 0 && !bytes.HasSuffix(buf.Bytes(), []byte("\n")) {
		buf.WriteByte('\n')
	}
	buf.WriteByte('\n')

	section, err := toml.Marshal(map[string]any{
		errorSection: map[string]any{
			"Message":   strings.ToValidUTF8(parseErr.Error(), "�"),
			"Attention": quarantineNotice,
		},
	})
	if err != nil {
		return nil, false, fmt.Errorf("encoding error section: %w", err)
	}
	buf.Write(section)
	return buf.Bytes(), escaped, nil
}

func splitLineEnding(line []byte) (body, eol []byte) {
	switch {
	case bytes.HasSuffix(line, []byte("\r\n")):
		return line[:len(line)-2], line[len(line)-2:]
	case bytes.HasSuffix(line, []byte("\n")):
		return line[:len(line)-1], line[len(line)-1:]
	}
	return line, nil
}

// commentSafe ersetzt ungültiges UTF-8 und Steuerzeichen außer Tab durch \xNN,
// weil TOML sie auch in Kommentaren verbietet.
func commentSafe(line []byte) ([]byte, bool) {
	var out []byte
	for i := 0; i < len(line); {
		r, size := utf8.DecodeRune(line[i:])
		forbidden := (r == utf8.RuneError && size == 1) || (r < 0x20 && r != '\t') || r == 0x7f
		switch {
		case forbidden:
			if out == nil {
				out = append([]byte(nil), line[:i]...)
			}
			out = fmt.Appendf(out, `\x%02x`, line[i])
		case out != nil:
			out = append(out, line[i:i+size]...)
		}
		i += size
	}
	if out == nil {
		return line, false
	}
	return out, true
}

// commentLines sammelt alle Kommentarzeilen, auch eingerückte. Zeilen innerhalb
// mehrzeiliger Strings gehören zum Wert und werden übersprungen.
func commentLines(data []byte) []byte {
	var out []byte
	multiline := ""
	for _, line := range bytes.SplitAfter(data, []byte("\n")) {
		trimmed := strings.TrimSpace(string(line))
		if multiline != "" {
			if strings.Count(trimmed, multiline)%2 == 1 {
				multiline = ""
			}
			continue
		}
		if !strings.HasPrefix(trimmed, "#") {
			if eq := assignmentIndex(trimmed); eq >= 0 {
				multiline = openMultiline(trimmed[eq+1:])
			}
			continue
		}
		out = append(out, line...)
		if !bytes.HasSuffix(line, []byte("\n")) {
			out = append(out, '\n')
		}
	}
	return out
}

// seed kopiert die Vorlage in ein neues Verzeichnis.
func (s *Store) seed(name string) error {
	template := defaultTemplate
	if s.Template != "" {
		data, err := os.ReadFile(s.Template)
		switch {
		case err == nil:
			template = data
		case !errors.Is(err, fs.ErrNotExist):
			return fmt.Errorf("reading analysis template %s: %w", s.Template, err)
		}
	}
	if err := writeFileAtomic(s.documentPath(name), template); err != nil {
		return fmt.Errorf("seeding analysis for %s: %w", name, err)
	}
	return nil
}

// Files listet die zusätzlichen Dateien im Analyse-Verzeichnis (ohne das Dokument und Notebooks).
func (s *Store) Files(d *models.Dataset) []string {
	entries, err := os.ReadDir(s.Dir(d.CanonicalName()))
	if err != nil {
		return []string{}
	}
	files := []string{}
	for _, entry := range entries {
		switch {
		case entry.IsDir(), strings.HasPrefix(entry.Name(), "."):
			continue
		case entry.Name() == DocumentFile, entry.Name() == CorruptFile, filepath.Ext(entry.Name()) == ".ipynb":
			continue
		}
		files = append(files, entry.Name())
	}
	sort.Strings(files)
	return files
}

// FilePath löst eine der von Files gelisteten Dateien auf.
func (s *Store) FilePath(d *models.Dataset, filename string) (string, error) {
	for _, f := range s.Files(d) {
		if f == filename {
			return filepath.Join(s.Dir(d.CanonicalName()), f), nil
		}
	}
	return "", fmt.Errorf("file %q for %s: %w", filename, d.CanonicalName(), fs.ErrNotExist)
}

func placeholder(name string, state State, message string) *Analysis {
	doc := NewDocument()
	doc.Set(placeholderMessage, message)
	return &Analysis{Name: name, State: state, Document: doc}
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".analysis-*.tmp")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func appendFile(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// nameLocks serialisiert Lesen-Zusammenführen-Schreiben pro kanonischem Namen.
// Einträge leben nur, solange jemand den Namen hält oder darauf wartet.
type nameLocks struct {
	mu    sync.Mutex
	locks map[string]*nameLock
}

type nameLock struct {
	mu   sync.Mutex
	refs int
}

// lock sperrt alle nicht-leeren Namen in fester Reihenfolge und liefert die Freigabe.
func (l *nameLocks) lock(names ...string) func() {
	var keys []string
	for _, n := range names {
		if n != "" && !contains(keys, n) {
			keys = append(keys, n)
		}
	}
	sort.Strings(keys)

	l.mu.Lock()
	if l.locks == nil {
		l.locks = map[string]*nameLock{}
	}
	held := make([]*nameLock, 0, len(keys))
	for _, k := range keys {
		e, ok := l.locks[k]
		if !ok {
			e = &nameLock{}
			l.locks[k] = e
		}
		e.refs++
		held = append(held, e)
	}
	l.mu.Unlock()

	for _, e := range held {
		e.mu.Lock()
	}
	return func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i].mu.Unlock()
		}
		l.mu.Lock()
		for i, k := range keys {
			if held[i].refs--; held[i].refs == 0 {
				delete(l.locks, k)
			}
		}
		l.mu.Unlock()
	}
}

func (l *nameLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
